package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"

	"ioprioctl/pkg/cgroupio"
	"ioprioctl/pkg/cluster"
	"ioprioctl/pkg/config"
	"ioprioctl/pkg/control"
	"ioprioctl/pkg/device"
	"ioprioctl/pkg/latency"
	"ioprioctl/pkg/telemetry"
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		klog.Fatalf("invalid configuration: %v", err)
	}

	restCfg, err := rest.InClusterConfig()
	if err != nil {
		klog.Fatalf("failed to get in-cluster config: %v (controller must run in-cluster)", err)
	}

	k8sClient, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		klog.Fatalf("failed to create Kubernetes client: %v", err)
	}

	driver := cgroupio.New(cfg.CgroupRoot)
	if err := driver.ValidateRoot(); err != nil {
		klog.Fatalf("cgroup root is not usable: %v", err)
	}

	var resolver *device.Resolver
	if cfg.Mode == config.ModeBandwidth {
		resolver = device.New()
		if _, err := resolver.Resolve(cfg.SharedMountPath); err != nil {
			klog.Fatalf("failed to resolve block device for %s: %v", cfg.SharedMountPath, err)
		}
	}

	view := cluster.New(k8sClient, cfg.NodeName, cfg.Namespace, cfg.PriorityLabelKey, cfg.PriorityHPValue, cfg.PriorityLPValue)

	source, err := latency.New(cfg.TimeseriesURL, "http_request_duration_seconds", cfg.MetricLabelName, cfg.PriorityHPValue)
	if err != nil {
		klog.Fatalf("failed to create latency source: %v", err)
	}

	state := control.NewState()
	loop := control.NewLoop(cfg, view, source, driver, resolver, state, telemetry.Recorder{})

	telemetry.NewServer(state, cfg).Start(cfg.MetricsPort)

	klog.InfoS("starting control loop", "node", cfg.NodeName, "interval", cfg.ControlLoopInterval, "mode", cfg.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop.Run(ctx)
	klog.InfoS("control loop stopped, shutting down")
}

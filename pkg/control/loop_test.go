package control

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"

	"ioprioctl/pkg/cgroupio"
	"ioprioctl/pkg/cluster"
	"ioprioctl/pkg/config"
	"ioprioctl/pkg/latency"
)

func vectorLatencyServer(t *testing.T, ms float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1700000000,"%f"]}]}}`, ms)
	}))
}

func podFixture(uid, node, priority string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "pod-" + uid,
			Namespace: "default",
			UID:       types.UID(uid),
			Labels:    map[string]string{"group-id": priority},
		},
		Spec:   corev1.PodSpec{NodeName: node},
		Status: corev1.PodStatus{Phase: corev1.PodRunning},
	}
}

func mkPodCgroup(t *testing.T, root, uid string) string {
	t.Helper()
	dir := filepath.Join(root, "kubepods", "besteffort", "pod"+uid)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, cgroupio.WeightFile), []byte("default 100\n"), 0644); err != nil {
		t.Fatalf("write io.weight: %v", err)
	}
	return dir
}

func newTestLoop(t *testing.T, client *fake.Clientset, latencyURL string, root string) *Loop {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.NodeName = "node-a"
	cfg.CgroupRoot = root
	cfg.SLAThresholdMs = 500
	cfg.ControlLoopInterval = time.Second
	cfg.AdjustmentCooldown = 10 * time.Second
	cfg.MinIOWeight = 100
	cfg.MaxIOWeight = 1000

	view := cluster.New(client, cfg.NodeName, cfg.Namespace, cfg.PriorityLabelKey, cfg.PriorityHPValue, cfg.PriorityLPValue)
	src, err := latency.New(latencyURL, "http_request_duration_seconds", cfg.MetricLabelName, cfg.PriorityHPValue)
	if err != nil {
		t.Fatalf("latency.New: %v", err)
	}
	driver := cgroupio.New(root)
	state := NewState()

	return NewLoop(cfg, view, src, driver, nil, state, nil)
}

func TestTickAppliesSetpointOnLatencyBreach(t *testing.T) {
	root := t.TempDir()
	hpDir := mkPodCgroup(t, root, "hp-uid-1")
	lpDir := mkPodCgroup(t, root, "lp-uid-1")

	client := fake.NewSimpleClientset(
		podFixture("hp-uid-1", "node-a", "hp"),
		podFixture("lp-uid-1", "node-a", "lp"),
	)

	srv := vectorLatencyServer(t, 700) // ratio 1.4 -> (900, 100)
	defer srv.Close()

	l := newTestLoop(t, client, srv.URL, root)
	l.tick(context.Background())

	hpContent, _ := os.ReadFile(filepath.Join(hpDir, cgroupio.WeightFile))
	lpContent, _ := os.ReadFile(filepath.Join(lpDir, cgroupio.WeightFile))
	if string(hpContent) != "default 900\n" {
		t.Errorf("hp weight file = %q, want default 900", hpContent)
	}
	if string(lpContent) != "default 100\n" {
		t.Errorf("lp weight file = %q, want default 100", lpContent)
	}

	snap := l.state.Snapshot()
	if snap.Setpoint.HPWeight != 900 || snap.Setpoint.LPWeight != 100 {
		t.Errorf("committed setpoint = %+v, want (900, 100)", snap.Setpoint)
	}
	if snap.Adjustments != 1 {
		t.Errorf("adjustments = %d, want 1", snap.Adjustments)
	}
}

func TestTickClassifiesCgroupNotFoundWhenWeightFileMissing(t *testing.T) {
	root := t.TempDir()
	// Pod cgroup directory exists but carries no io.weight file. The
	// resolver only accepts directories that carry the control file, so
	// neither the templated paths nor the directory walk match and the
	// HP pod is counted as cgroup_not_found.
	hpDir := filepath.Join(root, "kubepods", "besteffort", "podhp-uid-1")
	if err := os.MkdirAll(hpDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	mkPodCgroup(t, root, "lp-uid-1")

	client := fake.NewSimpleClientset(
		podFixture("hp-uid-1", "node-a", "hp"),
		podFixture("lp-uid-1", "node-a", "lp"),
	)

	srv := vectorLatencyServer(t, 700) // ratio 1.4 -> (900, 100)
	defer srv.Close()

	l := newTestLoop(t, client, srv.URL, root)
	l.tick(context.Background())

	snap := l.state.Snapshot()
	if snap.Errors.CgroupNotFound == 0 {
		t.Errorf("Errors.CgroupNotFound = %d, want > 0 for a pod cgroup with no io.weight file", snap.Errors.CgroupNotFound)
	}
}

func TestTickSkipsWhenNoHPPods(t *testing.T) {
	root := t.TempDir()
	mkPodCgroup(t, root, "lp-uid-1")

	client := fake.NewSimpleClientset(podFixture("lp-uid-1", "node-a", "lp"))
	srv := vectorLatencyServer(t, 700)
	defer srv.Close()

	l := newTestLoop(t, client, srv.URL, root)
	l.tick(context.Background())

	snap := l.state.Snapshot()
	if snap.Adjustments != 0 {
		t.Errorf("adjustments = %d, want 0 when there are no HP pods", snap.Adjustments)
	}
}

func TestTickHonoursCooldown(t *testing.T) {
	root := t.TempDir()
	mkPodCgroup(t, root, "hp-uid-1")
	mkPodCgroup(t, root, "lp-uid-1")

	client := fake.NewSimpleClientset(
		podFixture("hp-uid-1", "node-a", "hp"),
		podFixture("lp-uid-1", "node-a", "lp"),
	)

	srv := vectorLatencyServer(t, 700)
	defer srv.Close()

	l := newTestLoop(t, client, srv.URL, root)
	l.tick(context.Background())
	firstAdjustments := l.state.Snapshot().Adjustments

	srv2 := vectorLatencyServer(t, 200) // would compute a different setpoint
	defer srv2.Close()
	src2, err := latency.New(srv2.URL, "http_request_duration_seconds", config.DefaultConfig().MetricLabelName, "hp")
	if err != nil {
		t.Fatalf("latency.New: %v", err)
	}
	l.source = src2
	l.tick(context.Background())

	if l.state.Snapshot().Adjustments != firstAdjustments {
		t.Errorf("adjustments changed within cooldown window: %d -> %d", firstAdjustments, l.state.Snapshot().Adjustments)
	}
}

// Package config loads the controller's runtime configuration from the
// environment, the same two-tier (defaults, then environment override)
// pattern the rest of this codebase's ancestry uses for its agent config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"k8s.io/klog/v2"
)

// Mode selects the cgroup v2 back-end policy the controller applies.
type Mode string

const (
	ModeWeight    Mode = "weight"
	ModeBandwidth Mode = "bandwidth"
)

// Config holds every tunable named in the external interface.
type Config struct {
	NodeName string
	Namespace string // "" means all namespaces

	PriorityLabelKey string
	PriorityHPValue  string
	PriorityLPValue  string

	// MetricLabelName is the PromQL label on the HP duration histogram,
	// queried by the Latency Source. It is deliberately a separate knob
	// from PriorityLabelKey: the latter is a Kubernetes label selector
	// key, which permits characters (hyphens, dots, slashes) that are not
	// valid in a PromQL label name, so the two cannot always share one
	// value.
	MetricLabelName string

	ClusterAPIURL string
	TimeseriesURL string

	SLAThresholdMs float64

	ControlLoopInterval time.Duration
	AdjustmentCooldown  time.Duration

	MinIOWeight int
	MaxIOWeight int

	CgroupRoot  string
	MetricsPort int

	Mode                Mode
	SharedMountPath     string
	ReadBandwidthLimit  string
	WriteBandwidthLimit string
}

// DefaultConfig returns the configuration with every default named in
// the external interface section applied.
func DefaultConfig() *Config {
	return &Config{
		NodeName:            "",
		Namespace:           "",
		PriorityLabelKey:    "group-id",
		PriorityHPValue:     "hp",
		PriorityLPValue:     "lp",
		MetricLabelName:     "group_id",
		ClusterAPIURL:       "",
		TimeseriesURL:       "",
		SLAThresholdMs:      500,
		ControlLoopInterval: 5 * time.Second,
		AdjustmentCooldown:  10 * time.Second,
		MinIOWeight:         100,
		MaxIOWeight:         1000,
		CgroupRoot:          "/sys/fs/cgroup",
		MetricsPort:         8080,
		Mode:                ModeWeight,
		SharedMountPath:     "",
		ReadBandwidthLimit:  "max",
		WriteBandwidthLimit: "max",
	}
}

// LoadConfig builds a Config from defaults overridden by environment
// variables, validates it, and logs the resolved values.
func LoadConfig() (*Config, error) {
	c := DefaultConfig()
	c.loadFromEnvironment()

	if c.NodeName == "" {
		c.NodeName = os.Getenv("HOSTNAME")
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c.Log()
	return c, nil
}

func (c *Config) loadFromEnvironment() {
	if v := os.Getenv("NODE_NAME"); v != "" {
		c.NodeName = v
	}
	if v := os.Getenv("NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv("PRIORITY_LABEL_KEY"); v != "" {
		c.PriorityLabelKey = v
	}
	if v := os.Getenv("PRIORITY_HP_VALUE"); v != "" {
		c.PriorityHPValue = v
	}
	if v := os.Getenv("PRIORITY_LP_VALUE"); v != "" {
		c.PriorityLPValue = v
	}
	if v := os.Getenv("METRIC_LABEL_NAME"); v != "" {
		c.MetricLabelName = v
	}
	if v := os.Getenv("CLUSTER_API_URL"); v != "" {
		c.ClusterAPIURL = v
	}
	if v := os.Getenv("TIMESERIES_URL"); v != "" {
		c.TimeseriesURL = v
	}
	if v := os.Getenv("SLA_THRESHOLD_MS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.SLAThresholdMs = f
		} else {
			klog.Warningf("invalid SLA_THRESHOLD_MS %q: %v", v, err)
		}
	}
	if v := os.Getenv("CONTROL_LOOP_INTERVAL"); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil {
			c.ControlLoopInterval = d
		} else {
			klog.Warningf("invalid CONTROL_LOOP_INTERVAL %q: %v", v, err)
		}
	}
	if v := os.Getenv("ADJUSTMENT_COOLDOWN"); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil {
			c.AdjustmentCooldown = d
		} else {
			klog.Warningf("invalid ADJUSTMENT_COOLDOWN %q: %v", v, err)
		}
	}
	if v := os.Getenv("MIN_IO_WEIGHT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.MinIOWeight = i
		} else {
			klog.Warningf("invalid MIN_IO_WEIGHT %q: %v", v, err)
		}
	}
	if v := os.Getenv("MAX_IO_WEIGHT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.MaxIOWeight = i
		} else {
			klog.Warningf("invalid MAX_IO_WEIGHT %q: %v", v, err)
		}
	}
	if v := os.Getenv("CGROUP_ROOT"); v != "" {
		c.CgroupRoot = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.MetricsPort = i
		} else {
			klog.Warningf("invalid METRICS_PORT %q: %v", v, err)
		}
	}
	if v := os.Getenv("MODE"); v != "" {
		c.Mode = Mode(v)
	}
	if v := os.Getenv("SHARED_MOUNT_PATH"); v != "" {
		c.SharedMountPath = v
	}
	if v := os.Getenv("READ_BANDWIDTH_LIMIT"); v != "" {
		c.ReadBandwidthLimit = v
	}
	if v := os.Getenv("WRITE_BANDWIDTH_LIMIT"); v != "" {
		c.WriteBandwidthLimit = v
	}
}

// parseSecondsOrDuration accepts either a bare integer (seconds, as the
// external interface specifies) or a Go duration string.
func parseSecondsOrDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate enforces the invariants the rest of the controller assumes hold.
func (c *Config) Validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("NODE_NAME (or HOSTNAME) must be set")
	}
	if c.ControlLoopInterval <= 0 {
		return fmt.Errorf("CONTROL_LOOP_INTERVAL must be > 0, got %v", c.ControlLoopInterval)
	}
	if c.AdjustmentCooldown < 0 {
		return fmt.Errorf("ADJUSTMENT_COOLDOWN must be >= 0, got %v", c.AdjustmentCooldown)
	}
	if c.MinIOWeight < 1 || c.MinIOWeight > 1000 {
		return fmt.Errorf("MIN_IO_WEIGHT must be in [1, 1000], got %d", c.MinIOWeight)
	}
	if c.MaxIOWeight < 1 || c.MaxIOWeight > 1000 {
		return fmt.Errorf("MAX_IO_WEIGHT must be in [1, 1000], got %d", c.MaxIOWeight)
	}
	if c.MaxIOWeight < c.MinIOWeight {
		return fmt.Errorf("MAX_IO_WEIGHT (%d) must be >= MIN_IO_WEIGHT (%d)", c.MaxIOWeight, c.MinIOWeight)
	}
	if c.SLAThresholdMs <= 0 {
		return fmt.Errorf("SLA_THRESHOLD_MS must be > 0, got %f", c.SLAThresholdMs)
	}
	if c.Mode != ModeWeight && c.Mode != ModeBandwidth {
		return fmt.Errorf("MODE must be %q or %q, got %q", ModeWeight, ModeBandwidth, c.Mode)
	}
	if c.Mode == ModeBandwidth && c.SharedMountPath == "" {
		return fmt.Errorf("SHARED_MOUNT_PATH is required when MODE=%s", ModeBandwidth)
	}
	if c.CgroupRoot == "" {
		return fmt.Errorf("CGROUP_ROOT cannot be empty")
	}
	return nil
}

// Log records the resolved configuration at startup.
func (c *Config) Log() {
	klog.InfoS("controller configuration",
		"nodeName", c.NodeName,
		"namespace", c.Namespace,
		"priorityLabelKey", c.PriorityLabelKey,
		"priorityHPValue", c.PriorityHPValue,
		"priorityLPValue", c.PriorityLPValue,
		"metricLabelName", c.MetricLabelName,
		"timeseriesURL", c.TimeseriesURL,
		"slaThresholdMs", c.SLAThresholdMs,
		"controlLoopInterval", c.ControlLoopInterval,
		"adjustmentCooldown", c.AdjustmentCooldown,
		"minIOWeight", c.MinIOWeight,
		"maxIOWeight", c.MaxIOWeight,
		"cgroupRoot", c.CgroupRoot,
		"metricsPort", c.MetricsPort,
		"mode", c.Mode)
}

package control

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"ioprioctl/pkg/cgroupio"
	"ioprioctl/pkg/cluster"
	"ioprioctl/pkg/config"
	"ioprioctl/pkg/device"
	"ioprioctl/pkg/latency"
)

// consecutiveFailureLogThreshold is the run length of latency-source
// failures at which the loop escalates from a debug log to a warning.
const consecutiveFailureLogThreshold = 3

// neutralWeight is the control law's unconditional default, used as the
// scaling baseline when translating a computed weight into a bandwidth
// fraction in bandwidth mode.
const neutralWeight = 500.0

// Loop is the single cooperative task that samples, decides, and
// applies an I/O priority setpoint on a fixed interval. All state
// mutation during a run happens on this one goroutine; State.Snapshot
// is the only way anything else observes progress.
type Loop struct {
	cfg      *config.Config
	view     *cluster.View
	source   *latency.Source
	driver   *cgroupio.Driver
	resolver *device.Resolver
	state    *State
	recorder Recorder
}

// NewLoop wires the loop's collaborators. resolver may be nil when the
// configured mode is weight-only.
func NewLoop(cfg *config.Config, view *cluster.View, source *latency.Source, driver *cgroupio.Driver, resolver *device.Resolver, state *State, recorder Recorder) *Loop {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Loop{
		cfg:      cfg,
		view:     view,
		source:   source,
		driver:   driver,
		resolver: resolver,
		state:    state,
		recorder: recorder,
	}
}

// Run ticks at cfg.ControlLoopInterval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.ControlLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick runs one full sample-decide-apply cycle. Every failure mode
// short-circuits to a no-op: the next tick always gets a fresh attempt,
// and a failed tick never updates the cooldown clock.
func (l *Loop) tick(ctx context.Context) {
	start := time.Now()
	defer func() { l.recorder.ObserveTickDuration(time.Since(start)) }()

	hp, lp, err := l.view.Discover(ctx)
	if err != nil {
		klog.ErrorS(err, "pod discovery failed, skipping tick")
		l.state.RecordError("pod_discovery", err)
		l.recorder.RecordError("pod_discovery")
		return
	}
	l.state.SetPodCounts(len(hp), len(lp))
	l.recorder.RecordPodCounts(len(hp), len(lp))

	if len(hp) == 0 {
		klog.V(4).InfoS("no HP pods on this node, skipping tick")
		return
	}

	latencyMs, ok, err := l.source.Query(ctx)
	if !ok {
		kind := "prometheus_query"
		if qerr, isQueryErr := err.(*latency.QueryError); isQueryErr {
			kind = string(qerr.Kind)
		}
		n := l.state.RecordLatencyFailure()
		l.state.RecordError(kind, err)
		l.recorder.RecordError(kind)
		if n >= consecutiveFailureLogThreshold {
			klog.Warningf("latency source has failed %d consecutive ticks: %v", n, err)
		} else {
			klog.V(3).InfoS("latency source query failed, skipping tick", "error", err)
		}
		return
	}
	l.state.RecordLatencySuccess()
	l.recorder.RecordLatency(latencyMs)

	hpWeight, lpWeight := ComputeSetpoint(latencyMs, l.cfg.SLAThresholdMs, l.cfg.MinIOWeight, l.cfg.MaxIOWeight)

	current := l.state.CurrentSetpoint()
	if hpWeight == current.HPWeight && lpWeight == current.LPWeight {
		klog.V(4).InfoS("setpoint unchanged, nothing to apply", "hpWeight", hpWeight, "lpWeight", lpWeight)
		return
	}

	if last := l.state.LastAppliedUnix(); last != 0 {
		elapsed := time.Since(time.Unix(last, 0))
		if elapsed < l.cfg.AdjustmentCooldown {
			klog.V(4).InfoS("new setpoint computed but cooldown active, deferring",
				"elapsed", elapsed, "cooldown", l.cfg.AdjustmentCooldown)
			return
		}
	}

	succeeded := l.apply(hp, lp, hpWeight, lpWeight)
	if !succeeded {
		klog.Warningf("setpoint (%d, %d) computed but zero cgroup writes succeeded this tick", hpWeight, lpWeight)
		return
	}

	sp := Setpoint{HPWeight: hpWeight, LPWeight: lpWeight, LatencyMs: latencyMs, DerivedUnix: start.Unix()}
	l.state.CommitSetpoint(sp, start)
	l.recorder.RecordSetpoint(hpWeight, lpWeight)
	l.recorder.RecordAdjustment(start)
	klog.InfoS("applied new I/O priority setpoint",
		"hpWeight", hpWeight, "lpWeight", lpWeight, "latencyMs", latencyMs, "threshold", l.cfg.SLAThresholdMs)
}

// apply writes the computed setpoint to every HP pod's cgroup, then
// every LP pod's, so a tick that is interrupted mid-way never leaves HP
// worse off than before. It returns true if at least one write
// succeeded anywhere.
func (l *Loop) apply(hp, lp []cluster.PodRef, hpWeight, lpWeight int) bool {
	any := false
	if l.applyClass(hp, hpWeight, true) {
		any = true
	}
	if l.applyClass(lp, lpWeight, false) {
		any = true
	}
	return any
}

// applyClass dispatches a Policy, built from weight according to the
// configured mode, to every pod in the class. isHP selects the full
// configured bandwidth limit in bandwidth mode; LP gets a fraction of
// it proportional to its computed weight against the neutral baseline.
func (l *Loop) applyClass(pods []cluster.PodRef, weight int, isHP bool) bool {
	policy, err := l.buildPolicy(weight, isHP)
	if err != nil {
		klog.V(2).InfoS("cannot build I/O policy this tick", "error", err)
		l.state.RecordError("no_targets", err)
		l.recorder.RecordError("no_targets")
		return false
	}

	any := false
	for _, pod := range pods {
		res, err := l.driver.Apply(pod.UID, policy)
		if err != nil {
			klog.V(2).InfoS("apply I/O policy failed", "pod", pod.Name, "error", err)
			kind := classifyApplyError(res, err)
			l.state.RecordError(kind, err)
			l.recorder.RecordError(kind)
			continue
		}
		any = true
	}
	return any
}

// buildPolicy translates a computed weight into the cgroup Policy this
// controller's configured mode applies.
func (l *Loop) buildPolicy(weight int, isHP bool) (cgroupio.Policy, error) {
	if l.cfg.Mode != config.ModeBandwidth {
		return cgroupio.WeightPolicy{Weight: weight}, nil
	}

	dev, err := l.resolver.Resolve(l.cfg.SharedMountPath)
	if err != nil {
		return nil, err
	}

	fraction := 1.0
	if !isHP {
		fraction = float64(weight) / neutralWeight
		if fraction > 1.0 {
			fraction = 1.0
		}
	}

	rbps, err := scaleBandwidth(l.cfg.ReadBandwidthLimit, fraction)
	if err != nil {
		return nil, fmt.Errorf("invalid read bandwidth limit: %w", err)
	}
	wbps, err := scaleBandwidth(l.cfg.WriteBandwidthLimit, fraction)
	if err != nil {
		return nil, fmt.Errorf("invalid write bandwidth limit: %w", err)
	}

	return cgroupio.BandwidthPolicy{Device: string(dev), RBPS: rbps, WBPS: wbps}, nil
}

// classifyApplyError maps a Policy.apply failure to one of the error
// kinds named in the error-handling design. The cgroup driver already
// classifies write failures precisely (permission_denied, no_targets,
// io_weight_write) in res.Kind; this only falls back to a coarser
// classification for failures res never gets a chance to label, such as
// ResolvePodCgroupWithRetry exhausting its retries (ErrNotFound).
func classifyApplyError(res cgroupio.WriteResult, err error) string {
	if res.Kind != "" {
		return res.Kind
	}
	if err == cgroupio.ErrNotFound {
		return "cgroup_not_found"
	}
	return "io_weight_write"
}

// scaleBandwidth parses limit (as cgroupio.ParseSI does) and scales it
// by fraction. A "max" limit cannot be scaled down and is passed through
// unchanged: an administrator who wants bandwidth-mode throttling to
// have effect on LP pods must configure a numeric limit.
func scaleBandwidth(limit string, fraction float64) (string, error) {
	parsed, err := cgroupio.ParseSI(limit)
	if err != nil {
		return "", err
	}
	if parsed == "max" {
		return "max", nil
	}
	n, err := strconv.ParseInt(parsed, 10, 64)
	if err != nil {
		return "", err
	}
	scaled := int64(float64(n) * fraction)
	if scaled < 1 {
		scaled = 1
	}
	return strconv.FormatInt(scaled, 10), nil
}

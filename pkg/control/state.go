package control

import (
	"sync"
	"time"
)

// ErrorCounts tallies operational errors by the classified kinds named
// in the error-handling design.
type ErrorCounts struct {
	PodDiscovery      int64
	PrometheusQuery   int64
	PrometheusParse   int64
	CgroupNotFound    int64
	NoTargets         int64
	PermissionDenied  int64
	IOWeightWrite     int64
	ControlLoop       int64
}

// State is the single process-wide value the control loop owns and the
// telemetry surface reads. It must only be mutated by the loop; the
// telemetry surface takes a snapshot per request.
type State struct {
	mu sync.RWMutex

	setpoint        Setpoint
	lastAppliedUnix int64

	adjustments int64
	errors      ErrorCounts

	hpCount int
	lpCount int

	lastError string

	consecutiveLatencyFailures int
}

// NewState returns a State with the initial (500, 500) setpoint the
// control loop reports before its first successful tick.
func NewState() *State {
	return &State{
		setpoint: Setpoint{HPWeight: 500, LPWeight: 500},
	}
}

// Snapshot is a read-only copy of State for telemetry handlers.
type Snapshot struct {
	Setpoint        Setpoint
	LastAppliedUnix int64
	Adjustments     int64
	Errors          ErrorCounts
	HPCount         int
	LPCount         int
	LastError       string
}

// Snapshot returns a consistent, point-in-time copy of the state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Setpoint:        s.setpoint,
		LastAppliedUnix: s.lastAppliedUnix,
		Adjustments:     s.adjustments,
		Errors:          s.errors,
		HPCount:         s.hpCount,
		LPCount:         s.lpCount,
		LastError:       s.lastError,
	}
}

// CurrentSetpoint returns the last setpoint committed by a successful tick.
func (s *State) CurrentSetpoint() Setpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.setpoint
}

// LastAppliedUnix returns the unix timestamp of the last successful
// adjustment, or zero if none has occurred yet.
func (s *State) LastAppliedUnix() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAppliedUnix
}

// CommitSetpoint atomically advances the stored setpoint and last-applied
// timestamp, and increments the adjustment counter. Called only after at
// least one write has succeeded in a tick.
func (s *State) CommitSetpoint(sp Setpoint, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setpoint = sp
	s.lastAppliedUnix = now.Unix()
	s.adjustments++
}

// SetPodCounts records the per-class managed pod counts observed this tick.
func (s *State) SetPodCounts(hp, lp int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hpCount = hp
	s.lpCount = lp
}

// RecordError increments the named error counter and records the message
// surfaced through /status.
func (s *State) RecordError(kind string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case "pod_discovery":
		s.errors.PodDiscovery++
	case "prometheus_query":
		s.errors.PrometheusQuery++
	case "prometheus_parse":
		s.errors.PrometheusParse++
	case "cgroup_not_found":
		s.errors.CgroupNotFound++
	case "no_targets":
		s.errors.NoTargets++
	case "permission_denied":
		s.errors.PermissionDenied++
	case "io_weight_write":
		s.errors.IOWeightWrite++
	case "control_loop":
		s.errors.ControlLoop++
	}
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = kind
	}
}

// RecordLatencyFailure tracks consecutive latency-source failures so the
// loop can escalate logging after a run of them; it returns the new count.
func (s *State) RecordLatencyFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveLatencyFailures++
	return s.consecutiveLatencyFailures
}

// RecordLatencySuccess resets the consecutive-failure counter.
func (s *State) RecordLatencySuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveLatencyFailures = 0
}

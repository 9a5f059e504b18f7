package control

import "time"

// Recorder receives the observations a tick produces, so the loop can
// drive telemetry without importing the telemetry package directly.
type Recorder interface {
	RecordSetpoint(hpWeight, lpWeight int)
	RecordLatency(ms float64)
	RecordPodCounts(hp, lp int)
	RecordAdjustment(at time.Time)
	RecordError(kind string)
	ObserveTickDuration(d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordSetpoint(int, int)        {}
func (noopRecorder) RecordLatency(float64)          {}
func (noopRecorder) RecordPodCounts(int, int)       {}
func (noopRecorder) RecordAdjustment(time.Time)     {}
func (noopRecorder) RecordError(string)             {}
func (noopRecorder) ObserveTickDuration(time.Duration) {}

// Package telemetry exposes the controller's current state as Prometheus
// metrics and a small JSON status surface.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricHPWeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ioprioctl",
			Name:      "hp_weight",
			Help:      "Current io.weight applied to the HP class",
		},
	)

	metricLPWeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ioprioctl",
			Name:      "lp_weight",
			Help:      "Current io.weight applied to the LP class",
		},
	)

	metricHPLatencyMs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ioprioctl",
			Name:      "hp_latency_ms",
			Help:      "Most recently observed HP P95 latency in milliseconds",
		},
	)

	metricManagedPods = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ioprioctl",
			Name:      "managed_pods",
			Help:      "Number of pods currently classified into a priority class",
		},
		[]string{"class"},
	)

	metricAdjustmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ioprioctl",
			Name:      "adjustments_total",
			Help:      "Total number of setpoint changes committed",
		},
	)

	metricErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ioprioctl",
			Name:      "errors_total",
			Help:      "Total number of classified errors, by kind",
		},
		[]string{"kind"},
	)

	metricLastAdjustmentUnix = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ioprioctl",
			Name:      "last_adjustment_unix",
			Help:      "Unix timestamp of the last successful adjustment, 0 if none yet",
		},
	)

	metricTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ioprioctl",
			Name:      "control_loop_duration_seconds",
			Help:      "Duration of a single control loop tick",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// RecordSetpoint updates the current-weight gauges.
func RecordSetpoint(hpWeight, lpWeight int) {
	metricHPWeight.Set(float64(hpWeight))
	metricLPWeight.Set(float64(lpWeight))
}

// RecordLatency updates the observed HP latency gauge.
func RecordLatency(ms float64) {
	metricHPLatencyMs.Set(ms)
}

// RecordPodCounts updates the per-class managed pod count gauges.
func RecordPodCounts(hp, lp int) {
	metricManagedPods.WithLabelValues("hp").Set(float64(hp))
	metricManagedPods.WithLabelValues("lp").Set(float64(lp))
}

// RecordAdjustment increments the adjustment counter and records when it
// happened.
func RecordAdjustment(at time.Time) {
	metricAdjustmentsTotal.Inc()
	metricLastAdjustmentUnix.Set(float64(at.Unix()))
}

// RecordError increments the error counter for the given classified kind.
func RecordError(kind string) {
	metricErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveTickDuration records how long a control loop tick took.
func ObserveTickDuration(d time.Duration) {
	metricTickDuration.Observe(d.Seconds())
}

// Recorder adapts the package-level metric functions to the
// control.Recorder interface, so the control loop can report
// observations without importing this package.
type Recorder struct{}

func (Recorder) RecordSetpoint(hpWeight, lpWeight int) { RecordSetpoint(hpWeight, lpWeight) }
func (Recorder) RecordLatency(ms float64)              { RecordLatency(ms) }
func (Recorder) RecordPodCounts(hp, lp int)            { RecordPodCounts(hp, lp) }
func (Recorder) RecordAdjustment(at time.Time)         { RecordAdjustment(at) }
func (Recorder) RecordError(kind string)               { RecordError(kind) }
func (Recorder) ObserveTickDuration(d time.Duration)   { ObserveTickDuration(d) }

// Package latency queries an external time-series system for the
// current HP tail latency, a single scalar in milliseconds.
package latency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"k8s.io/klog/v2"
)

// queryTimeout bounds every instant query; the control loop's own tick
// budget assumes this never blocks longer.
const queryTimeout = 5 * time.Second

// percentile and window are fixed per the design notes: a future design
// may make these configurable per HP class, but today they are constants.
const (
	percentile = 0.95
	window     = "1m"
)

// ErrKind classifies a Source failure for the controller's error counters.
type ErrKind string

const (
	ErrQuery ErrKind = "prometheus_query"
	ErrParse ErrKind = "prometheus_parse"
)

// QueryError carries the classification alongside the underlying cause.
type QueryError struct {
	Kind ErrKind
	Err  error
}

func (e *QueryError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *QueryError) Unwrap() error { return e.Err }

// Source queries an HP-labeled duration histogram for its current tail
// latency. It is stateless across calls: no cache, no retry beyond what
// the underlying HTTP client does by default.
type Source struct {
	client     v1.API
	metricName string
	labelName  string
	labelValue string
}

// New builds a Source against the given time-series API base URL. The
// query selects the HP-labeled duration histogram identified by
// labelName=labelValue (e.g. group_id="hp") on metricName
// (e.g. http_request_duration_seconds). labelName is the PromQL label on
// the histogram series, which need not be (and often is not) the same
// string as the Kubernetes label key used to classify pods: a k8s label
// key like "group-id" is not a valid PromQL label name, so callers that
// derive labelName from a k8s selector must pass the metric's own label
// name here, not the selector key. As defense in depth, New still
// sanitizes it to a PromQL-safe identifier so a hyphenated value never
// reaches the query string malformed.
func New(baseURL, metricName, labelName, labelValue string) (*Source, error) {
	client, err := api.NewClient(api.Config{Address: baseURL})
	if err != nil {
		return nil, fmt.Errorf("create time-series client: %w", err)
	}
	return &Source{
		client:     v1.NewAPI(client),
		metricName: metricName,
		labelName:  sanitizeLabelName(labelName),
		labelValue: labelValue,
	}, nil
}

// sanitizeLabelName maps a string that may be a valid Kubernetes label
// key (which permits hyphens and dots) onto a valid PromQL label name
// ([a-zA-Z_][a-zA-Z0-9_]*), so a k8s-style key never produces a
// malformed, always-rejected query.
func sanitizeLabelName(name string) string {
	replacer := strings.NewReplacer("-", "_", ".", "_", "/", "_")
	return replacer.Replace(name)
}

// Query returns the current HP P95 latency in milliseconds. ok is false
// on any transport failure, schema mismatch, or empty result; the caller
// treats that as "None" and skips the tick without resetting cooldown.
func (s *Source) Query(ctx context.Context) (ms float64, ok bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := fmt.Sprintf(
		`histogram_quantile(%.2f, sum(rate(%s_bucket{%s="%s"}[%s])) by (le)) * 1000`,
		percentile, s.metricName, s.labelName, s.labelValue, window,
	)

	result, warnings, err := s.client.Query(ctx, query, time.Now())
	if err != nil {
		return 0, false, &QueryError{Kind: ErrQuery, Err: err}
	}
	if len(warnings) > 0 {
		klog.V(3).InfoS("time-series query returned warnings", "warnings", warnings)
	}

	value, found := extractScalar(result)
	if !found {
		return 0, false, &QueryError{Kind: ErrParse, Err: fmt.Errorf("empty or non-scalar result")}
	}

	return value, true, nil
}

// extractScalar accepts only the canonical success shapes: a vector
// with at least one sample, or a bare scalar.
func extractScalar(v model.Value) (float64, bool) {
	switch r := v.(type) {
	case model.Vector:
		if len(r) == 0 {
			return 0, false
		}
		f := float64(r[0].Value)
		if isNaN(f) {
			return 0, false
		}
		return f, true
	case *model.Scalar:
		f := float64(r.Value)
		if isNaN(f) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func isNaN(f float64) bool { return f != f }

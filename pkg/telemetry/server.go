package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"ioprioctl/pkg/config"
	"ioprioctl/pkg/control"
)

// Server exposes /metrics, /health and /status over HTTP. It only reads
// from State; all mutation happens in the control loop goroutine.
type Server struct {
	state     *control.State
	cfg       *config.Config
	startTime time.Time
}

// NewServer returns a Server reading from state and cfg.
func NewServer(state *control.State, cfg *config.Config) *Server {
	return &Server{state: state, cfg: cfg, startTime: time.Now()}
}

type statusConfig struct {
	PollIntervalSeconds float64 `json:"poll_interval"`
	SLAThresholdMs      float64 `json:"sla_threshold_ms"`
	MinWeight           int     `json:"min_weight"`
	MaxWeight           int     `json:"max_weight"`
	CooldownSeconds     float64 `json:"cooldown"`
}

type statusResponse struct {
	Node           string       `json:"node"`
	HPCount        int          `json:"hp_count"`
	LPCount        int          `json:"lp_count"`
	HPWeight       int          `json:"hp_weight"`
	LPWeight       int          `json:"lp_weight"`
	LastUpdateUnix int64        `json:"last_update_unix"`
	LastError      string       `json:"last_error,omitempty"`
	Config         statusConfig `json:"config"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Snapshot()
	resp := statusResponse{
		Node:           s.cfg.NodeName,
		HPCount:        snap.HPCount,
		LPCount:        snap.LPCount,
		HPWeight:       snap.Setpoint.HPWeight,
		LPWeight:       snap.Setpoint.LPWeight,
		LastUpdateUnix: snap.LastAppliedUnix,
		LastError:      snap.LastError,
		Config: statusConfig{
			PollIntervalSeconds: s.cfg.ControlLoopInterval.Seconds(),
			SLAThresholdMs:      s.cfg.SLAThresholdMs,
			MinWeight:           s.cfg.MinIOWeight,
			MaxWeight:           s.cfg.MaxIOWeight,
			CooldownSeconds:     s.cfg.AdjustmentCooldown.Seconds(),
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Start launches the HTTP surface in the background on the configured port.
func (s *Server) Start(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	addr := fmt.Sprintf(":%d", port)
	klog.InfoS("starting telemetry server", "address", addr)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			klog.ErrorS(err, "telemetry server failed")
		}
	}()
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apimw "github.com/hamed0406/uptimewatch/internal/httpapi/middleware"
	"github.com/hamed0406/uptimewatch/internal/scheduler"
)

// CycleStatus is the read side of the scheduler the ops surface reports on.
type CycleStatus interface {
	LastReport() (scheduler.CycleReport, bool)
	Running() bool
	Cycles() int64
	Skipped() int64
}

// Check is a named dependency probe run by /readyz.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Server struct {
	Logger   *zap.Logger
	Status   CycleStatus
	Gatherer prometheus.Gatherer
	Checks   []Check
	Origins  []string
}

func NewServer(l *zap.Logger, st CycleStatus, g prometheus.Gatherer, origins []string, checks ...Check) *Server {
	return &Server{Logger: l, Status: st, Gatherer: g, Origins: origins, Checks: checks}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(apimw.AccessLog(s.Logger, "/healthz", "/readyz", "/metrics"))
	if len(s.Origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.Origins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	r.Get("/status", s.handleStatus)
	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

type statusPayload struct {
	Running    bool                   `json:"running"`
	Cycles     int64                  `json:"cycles"`
	Skipped    int64                  `json:"skipped"`
	LastReport *scheduler.CycleReport `json:"last_report"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p := statusPayload{
		Running: s.Status.Running(),
		Cycles:  s.Status.Cycles(),
		Skipped: s.Status.Skipped(),
	}
	if rep, ok := s.Status.LastReport(); ok {
		p.LastReport = &rep
	}
	writeJSON(w, http.StatusOK, p)
}

// handleReady answers 503 until the first cycle has finished and while
// any dependency check fails.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	if _, ok := s.Status.LastReport(); !ok {
		failed["scheduler"] = "no cycle completed yet"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, c := range s.Checks {
		if err := c.Fn(ctx); err != nil {
			failed[c.Name] = err.Error()
			s.Logger.Warn("readiness_check_failed", zap.String("check", c.Name), zap.Error(err))
		}
	}

	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package app

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

// BuildRouter constructs the monitoring endpoint: health, readiness and
// metrics are always on; the admin surface exists only when a board auth
// token is configured (empty token disables it entirely).
func BuildRouter(s *Service) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if !s.Ready(req.Context()) {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	if s.cfg.BoardAuthToken != "" {
		r.Group(func(ar chi.Router) {
			ar.Use(httprate.LimitByIP(60, time.Minute))
			ar.Use(bearerAuth(s.cfg.BoardAuthToken))
			ar.Get("/admin/stats", statsHandler(s))
			ar.Get("/admin/jobs", jobsHandler(s))
			ar.Get("/admin/jobs/{id}", jobHandler(s))
			ar.Get("/admin/approvals/pending", pendingApprovalsHandler(s))
			ar.Get("/admin/breaker", breakerHandler(s))
		})
	}
	return r
}

// bearerAuth guards the admin routes with a constant-time token compare.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func statsHandler(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := s.jobTracker()
		if t == nil {
			http.Error(w, "job tracker unavailable", http.StatusServiceUnavailable)
			return
		}
		stats, err := t.GetQueueStats(r.Context(), r.URL.Query().Get("agent"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"queues": stats})
	}
}

func jobsHandler(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := s.jobTracker()
		if t == nil {
			http.Error(w, "job tracker unavailable", http.StatusServiceUnavailable)
			return
		}
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		jobs, err := t.ListJobs(r.Context(), domain.ListFilter{
			Agent:   q.Get("agent"),
			Status:  domain.JobStatus(q.Get("status")),
			Project: q.Get("project"),
			Limit:   limit,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"jobs": jobs, "count": len(jobs)})
	}
}

func jobHandler(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := s.jobTracker()
		if t == nil {
			http.Error(w, "job tracker unavailable", http.StatusServiceUnavailable)
			return
		}
		job, err := t.FindJobByRunID(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, job)
	}
}

func pendingApprovalsHandler(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := s.Approvals.Pending(r.Context(), 100)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{"approvals": pending, "count": len(pending)})
	}
}

func breakerHandler(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"state": s.Breaker().State().String()})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Package admin serves the optional status HTTP API: health, job state,
// manual triggers, run history, provider counters and pprof.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"datapipe/internal/fetch"
	"datapipe/internal/task/engine"
	"datapipe/internal/task/job"
	"datapipe/internal/task/scheduler"
	logx "datapipe/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Scheduler is the slice of the scheduler the API needs.
type Scheduler interface {
	Snapshot() scheduler.Snapshot
	Trigger(name string) error
}

// ProviderStats reports fetch client counters.
type ProviderStats interface {
	Stats() []fetch.Stats
}

// RunReader reads the persisted run log.
type RunReader interface {
	RecentRuns(ctx context.Context, jobName string, limit int) ([]job.ExecutionResult, error)
}

// Deps are the sources behind the routes. Nil members disable their routes.
type Deps struct {
	Scheduler Scheduler
	Providers ProviderStats
	Runs      RunReader
	Log       logx.Logger
	Token     string
	Pprof     bool
}

type api struct {
	deps Deps
	log  logx.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps) http.Handler {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, a.requestLog, middleware.Recoverer)

	r.Get("/healthz", a.health)

	r.Group(func(r chi.Router) {
		r.Use(a.auth)
		if deps.Scheduler != nil {
			r.Get("/jobs", a.listJobs)
			r.Get("/jobs/{name}", a.getJob)
			r.Post("/jobs/{name}/run", a.runJob)
			r.Get("/status", a.status)
		}
		if deps.Runs != nil {
			r.Get("/runs", a.listRuns)
		}
		if deps.Providers != nil {
			r.Get("/providers", a.listProviders)
		}
		if deps.Pprof {
			r.HandleFunc("/debug/pprof/", pprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", pprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", pprof.Trace)
			r.Handle("/debug/pprof/{profile}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				pprof.Handler(chi.URLParam(r, "profile")).ServeHTTP(w, r)
			}))
		}
	})
	return r
}

func (a *api) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("admin request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// auth accepts "Authorization: Bearer <token>" or "?token=<token>".
func (a *api) auth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(a.deps.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if tokenEqual(got, tok) {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && tokenEqual(strings.TrimSpace(strings.TrimPrefix(ah, p)), tok) {
			next.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if a.deps.Scheduler == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	snap := a.deps.Scheduler.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"scheduler": snap.State,
		"in_flight": snap.Engine.InFlight,
		"jobs":      len(snap.Jobs),
	})
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Scheduler.Snapshot())
}

func (a *api) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Scheduler.Snapshot().Jobs)
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, st := range a.deps.Scheduler.Snapshot().Jobs {
		if st.Name == name {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown job: "+name)
}

func (a *api) runJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := a.deps.Scheduler.Trigger(name)
	if err == nil {
		a.log.Info("job triggered via admin", logx.String("job", name))
		writeJSON(w, http.StatusAccepted, map[string]any{"job": name, "status": "started"})
		return
	}
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrJobRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrCircuitOpen):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, engine.ErrNoSlot), errors.Is(err, engine.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *api) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}
	runs, err := a.deps.Runs.RecentRuns(r.Context(), r.URL.Query().Get("job"), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if runs == nil {
		runs = []job.ExecutionResult{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *api) listProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Providers.Stats())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

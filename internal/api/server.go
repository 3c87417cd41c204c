package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"subflow/internal/domain"
	"subflow/internal/queue"
)

type Server struct {
	r    *chi.Mux
	repo queue.Repository
	now  func() time.Time
}

func NewServer(repo queue.Repository) http.Handler {
	return NewServerWithDebug(repo, false)
}

func NewServerWithDebug(repo queue.Repository, enableDebug bool) http.Handler {
	return newServer(repo, enableDebug, func() time.Time { return time.Now().UTC() })
}

func newServer(repo queue.Repository, enableDebug bool, now func() time.Time) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, now: now}

	r.Get("/health", s.health)
	r.Get("/api/stats", s.stats)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", s.listTasks)
		r.Post("/", s.submitTask)
		r.Delete("/", s.deleteTasks)
		r.Post("/retry", s.retryTasks)
		r.Get("/{id}", s.getTask)
		r.Delete("/{id}", s.deleteTask)
		r.Post("/{id}/retry", s.retryTask)
	})

	r.Route("/api/crons", func(r chi.Router) {
		r.Get("/", s.listCrons)
		r.Post("/", s.createCron)
		r.Get("/{id}", s.getCron)
		r.Put("/{id}", s.updateCron)
		r.Delete("/{id}", s.deleteCron)
	})

	r.Get("/api/subscriptions", s.listSubscriptions)
	r.Post("/api/subscriptions", s.createSubscription)

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.r.ServeHTTP(w, r) }

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.repo.Stats(r.Context(), s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// requestLogger logs one line per request through zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

type errorResp struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	var se *domain.ScheduleError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, domain.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error()})
	case errors.As(err, &se):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error()})
	default:
		log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResp{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

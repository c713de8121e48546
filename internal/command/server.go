// Package command is the RPC surface in front of the scheduler: a small
// authenticated HTTP API carrying no logic of its own, each route a thin
// wrapper around one dispatcher method.
package command

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bumpd/internal/sched"
	logx "bumpd/pkg/logx"
)

// Config controls the command server.
type Config struct {
	Addr      string
	AuthToken string
	// Metrics exposes /metrics on the same listener.
	Metrics bool
}

// Server hosts the command API.
type Server struct {
	cfg   Config
	sched *sched.Scheduler
	reg   *prometheus.Registry
	log   logx.Logger

	srv *http.Server
}

func New(cfg Config, s *sched.Scheduler, reg *prometheus.Registry, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, sched: s, reg: reg, log: log}
}

// Start begins serving. Returns once the listener is handed to the serve
// goroutine; serve errors surface through the returned channel.
func (s *Server) Start() <-chan error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("command api listening", logx.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

func (s *Server) handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.cfg.Metrics && s.reg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/status", s.handleStatus)
		r.Post("/request-start", s.handleRequestStart)
		r.Post("/request-stop", s.handleRequestStop)
		r.Post("/restart", s.handleRestart)
		r.Post("/stop-all", s.handleStopAll)
		r.Post("/reset-retry", s.handleResetRetry)
		r.Post("/submit-verification", s.handleSubmitVerification)
	})

	return r
}

// Stop shuts the listener down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// requireToken authenticates every command with the shared secret, compared
// in constant time.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Auth-Token")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New("invalid auth token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Package pprof hosts the optional profiling endpoint on its own listener,
// kept off the command API so an exposed API port never leaks profiles.
package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"sync"
	"time"

	logx "bumpd/pkg/logx"
)

// Config controls the pprof HTTP server. Bind to loopback unless you know
// what you are doing.
type Config struct {
	Enabled bool
	Addr    string
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	srv *http.Server
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6060"
	}
	return &Service{cfg: cfg, log: log}
}

// Start is a no-op when disabled. Idempotent.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.srv != nil {
		return nil
	}

	if host, _, err := net.SplitHostPort(s.cfg.Addr); err == nil {
		if ip := net.ParseIP(host); ip != nil && !ip.IsLoopback() {
			s.log.Warn("pprof bound to non-loopback address", logx.String("addr", s.cfg.Addr))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)

	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func(srv *http.Server) {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("pprof server failed", logx.Err(err))
		}
	}(s.srv)

	s.log.Info("pprof listening", logx.String("addr", s.cfg.Addr))
	return nil
}

// Stop shuts the listener down. Idempotent.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Apply starts, stops or restarts the server to match cfg. Safe during
// hot reload.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6060"
	}
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled && running:
		_ = s.Stop(ctx)
	case cfg.Enabled && !running:
		_ = s.Start()
	case cfg.Enabled && running && prev.Addr != cfg.Addr:
		_ = s.Stop(ctx)
		_ = s.Start()
	}
}

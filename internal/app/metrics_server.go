package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "edunotify/internal/runtime/supervisor"
	logx "edunotify/pkg/logx"
)

// MetricsServerConfig controls the optional observability HTTP server.
type MetricsServerConfig struct {
	Enabled bool
	Addr    string
}

// MetricsServer serves /metrics, /healthz and /status. It can be
// reconfigured at runtime and restarts itself if Serve fails.
type MetricsServer struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     MetricsServerConfig
	metrics http.Handler
	status  func() any

	srv  *http.Server
	addr string
	sup  *rtsup.Supervisor
}

func NewMetricsServer(cfg MetricsServerConfig, metrics http.Handler, status func() any, log logx.Logger) *MetricsServer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	return &MetricsServer{cfg: cfg, metrics: metrics, status: status, log: log}
}

func (s *MetricsServer) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound listen address, or "" when not serving.
func (s *MetricsServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg and starts, stops or restarts the server as needed.
func (s *MetricsServer) Reconfigure(ctx context.Context, cfg MetricsServerConfig) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev.Addr != cfg.Addr:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent.
func (s *MetricsServer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce, nil,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *MetricsServer) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv, s.addr = nil, nil, ""
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("metrics server stop", logx.Err(err))
	}
	s.log.Info("metrics server stopped")
}

func (s *MetricsServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if s.status == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.status())
	})
	return mux
}

func (s *MetricsServer) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	addr := strings.TrimSpace(s.cfg.Addr)
	s.mu.Unlock()
	if addr == "" {
		addr = defaultMetricsAddr
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("metrics listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("metrics server started", logx.String("addr", ln.Addr().String()))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("metrics server exited unexpectedly")
	}
	return err
}

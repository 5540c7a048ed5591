// Package httpapi exposes the gateway over HTTP: send, status, logout,
// health probes and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"msgate/internal/outbound"
	"msgate/pkg/logx"
)

// Gateway is the send/status surface, implemented by outbound.Dispatcher.
type Gateway interface {
	Send(ctx context.Context, req outbound.SendRequest) (outbound.Result, error)
	Status() outbound.Status
}

type LogoutFunc func(ctx context.Context) error

// ReadyFunc reports whether backing services respond.
type ReadyFunc func(ctx context.Context) error

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Pprof           bool
}

type Deps struct {
	Gateway  Gateway
	Logout   LogoutFunc
	Ready    ReadyFunc
	Gatherer prometheus.Gatherer
	Log      logx.Logger
}

type Server struct {
	cfg Config
	h   *handlers
	srv *http.Server
	log logx.Logger
}

func New(cfg Config, d Deps) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	log := d.Log.With(logx.String("comp", "http"))
	s := &Server{cfg: cfg, log: log, h: &handlers{d: d, log: log}}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

// Handler builds the router. It is separate from Serve for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.h.health)
	r.Get("/readyz", s.h.ready)
	r.Handle("/metrics", promhttp.HandlerFor(s.h.d.Gatherer, promhttp.HandlerOpts{}))
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", s.h.send)
		r.Get("/status", s.h.status)
		r.Post("/session/logout", s.h.logout)
	})
	return r
}

// Serve listens until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
		return err
	}
	return nil
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())))
	})
}

// Package ops serves the read-only operator HTTP surface: health, pipeline
// stats, post status, Prometheus metrics and optional pprof.
package ops

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pubflow/internal/pipeline"
	logx "pubflow/pkg/logx"
)

// Backend is the pipeline view the server reads from.
type Backend interface {
	Stats(ctx context.Context) (pipeline.Stats, error)
	GetPostStatus(ctx context.Context, postID string) (pipeline.PostStatusView, error)
}

type Config struct {
	Addr  string
	Pprof bool
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
	// RequestTimeout bounds each backend call (default 5s).
	RequestTimeout time.Duration
}

type Server struct {
	cfg     Config
	backend Backend
	log     logx.Logger
	app     *fiber.App

	mu   sync.Mutex
	ln   net.Listener
	done chan struct{}
}

func New(cfg Config, backend Backend, log logx.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	s := &Server{cfg: cfg, backend: backend, log: log.With(logx.String("comp", "ops"))}
	s.app = fiber.New(fiber.Config{
		AppName:               "pubflow-ops",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          time.Minute, // pprof profiles stream for 30s by default
		ErrorHandler:          s.handleError,
	})
	s.routes()
	return s
}

// App exposes the fiber app for in-process requests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) routes() {
	s.app.Use(recover.New())
	if s.cfg.Pprof {
		s.app.Use(pprof.New())
	}
	s.app.Get("/healthz", s.healthz)
	s.app.Get("/v1/stats", s.stats)
	s.app.Get("/v1/posts/:id", s.postStatus)
	if s.cfg.Gatherer != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, pipeline.ErrNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		code = fiber.StatusGatewayTimeout
	}
	if code >= 500 {
		s.log.Warn("ops request failed", logx.String("path", c.Path()), logx.Int("status", code), logx.Err(err))
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) reqContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), s.cfg.RequestTimeout)
}

func (s *Server) healthz(c *fiber.Ctx) error {
	ctx, cancel := s.reqContext(c)
	defer cancel()
	st, err := s.backend.Stats(ctx)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "error", "error": err.Error()})
	}
	if !st.Running {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "stopped"})
	}
	return c.JSON(fiber.Map{"status": "ok", "started_at": st.StartedAt, "in_flight": st.InFlight, "queue_depth": st.QueueDepth})
}

func (s *Server) stats(c *fiber.Ctx) error {
	ctx, cancel := s.reqContext(c)
	defer cancel()
	st, err := s.backend.Stats(ctx)
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (s *Server) postStatus(c *fiber.Ctx) error {
	ctx, cancel := s.reqContext(c)
	defer cancel()
	view, err := s.backend.GetPostStatus(ctx, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(view)
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.done = make(chan struct{})
	done := s.done
	s.log.Info("ops server listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
	go func() {
		defer close(done)
		if err := s.app.Listener(ln); err != nil {
			s.log.Warn("ops server stopped", logx.Err(err))
		}
	}()
	return nil
}

// Addr is the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	ln, done := s.ln, s.done
	s.ln = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

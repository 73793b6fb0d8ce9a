// Package ingest serves the HTTP side of the coordinator: image submissions,
// health and metrics.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"marketplace/pkg/metrics"
	"marketplace/pkg/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultQueueSize = 64
	DefaultWorkers   = 2

	shutdownTimeout = 5 * time.Second
)

// Processor handles one accepted image submission.
type Processor interface {
	ProcessImage(ctx context.Context, sub types.ImageSubmission) error
}

type Config struct {
	Address   string
	Port      int
	QueueSize int
	Workers   int
	// MaxBodyBytes bounds the request body; <= 0 means unlimited.
	MaxBodyBytes int64
}

type Server struct {
	cfg       Config
	engine    *gin.Engine
	processor Processor
	metrics   *metrics.Metrics
	logger    *zap.Logger

	// mu guards queue against sends after closeQueue.
	mu     sync.RWMutex
	closed bool
	queue  chan types.ImageSubmission
}

// imageRequest is the POST /image body. Image is base64 in JSON.
type imageRequest struct {
	ID    string `json:"id" binding:"required"`
	Image []byte `json:"image" binding:"required"`
}

func New(cfg Config, processor Processor, m *metrics.Metrics, logger *zap.Logger) *Server {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		cfg:       cfg,
		engine:    engine,
		processor: processor,
		metrics:   m,
		logger:    logger.With(zap.String("component", "ingest")),
		queue:     make(chan types.ImageSubmission, cfg.QueueSize),
	}
	engine.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.POST("/image", s.postImage)
	s.engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

// Handler exposes the routes without binding a listener.
func (s *Server) Handler() http.Handler { return s.engine }

// postImage acknowledges a submission as soon as it is queued; storage and
// analysis happen afterwards on a worker.
func (s *Server) postImage(c *gin.Context) {
	if s.cfg.MaxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
	}

	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.enqueue(types.ImageSubmission{ID: req.ID, Image: req.Image}); err != nil {
		s.logger.Warn("Rejecting submission", zap.String("submission_id", req.ID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	s.metrics.ImagesReceived.Inc()
	c.Status(http.StatusOK)
}

var (
	errQueueFull   = errors.New("image queue full")
	errQueueClosed = errors.New("server shutting down")
)

func (s *Server) enqueue(sub types.ImageSubmission) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errQueueClosed
	}
	select {
	case s.queue <- sub:
		return nil
	default:
		return errQueueFull
	}
}

// closeQueue stops new submissions and lets the workers drain what is queued.
func (s *Server) closeQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

// Serve listens until ctx is cancelled, then drains the queue.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, listener)
}

func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	workers, workCtx := errgroup.WithContext(context.Background())
	for i := 0; i < s.cfg.Workers; i++ {
		workers.Go(func() error {
			s.work(workCtx)
			return nil
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("HTTP ingestion listening", zap.String("address", listener.Addr().String()))
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.closeQueue()
	workers.Wait()
	return err
}

func (s *Server) work(ctx context.Context) {
	for sub := range s.queue {
		if err := s.processor.ProcessImage(ctx, sub); err != nil {
			s.logger.Error("Image processing failed",
				zap.String("submission_id", sub.ID),
				zap.Error(err))
		}
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

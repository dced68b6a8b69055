// Package api serves the HTTP generation endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/halo/internal/inference"
	"github.com/samcharles93/halo/internal/logger"
	"github.com/samcharles93/halo/internal/metrics"
)

// Generator runs one complete request: load, decode, release.
// *inference.Loader satisfies it.
type Generator interface {
	Generate(ctx context.Context, req inference.Request) (*inference.Result, error)
}

type Config struct {
	// DefaultMaxTokens applies when a request omits max_tokens.
	DefaultMaxTokens int
	// MaxTokensLimit is the largest max_tokens a request may ask for.
	MaxTokensLimit int
	// MaxConcurrent bounds requests loading or decoding at once.
	MaxConcurrent int64
	// QueueTimeout is how long a request waits for a slot before 503.
	QueueTimeout time.Duration
	Version      string
	Devices      string
	Logger       logger.Logger
}

type Server struct {
	gen   Generator
	cfg   Config
	slots *semaphore.Weighted
	log   logger.Logger
	clock func() time.Time
}

func NewServer(gen Generator, cfg Config) *Server {
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = inference.DefaultMaxTokens
	}
	if cfg.MaxTokensLimit <= 0 {
		cfg.MaxTokensLimit = 4096
	}
	cfg.MaxTokensLimit = max(cfg.MaxTokensLimit, cfg.DefaultMaxTokens)
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		gen:   gen,
		cfg:   cfg,
		slots: semaphore.NewWeighted(cfg.MaxConcurrent),
		log:   log,
		clock: time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/api/generate", s.handleGenerate)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.cfg.Version, Device: s.cfg.Devices})
}

func (s *Server) handleGenerate(c *echo.Context) error {
	start := s.clock()
	id := requestID(c)
	log := s.log.With("request_id", id)

	if s.gen == nil {
		return writeError(c, http.StatusInternalServerError, id, inference.KindConfiguration.String(), "generator not configured")
	}
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		metrics.RecordFailure(kindInvalidRequest)
		return writeBadRequest(c, id, err.Error())
	}
	maxTokens, err := s.validate(req)
	if err != nil {
		metrics.RecordFailure(kindInvalidRequest)
		return writeBadRequest(c, id, err.Error())
	}

	ctx := logger.WithContext(c.Request().Context(), log)
	if err := s.acquire(ctx); err != nil {
		metrics.RecordRejected()
		log.Warn("generate rejected", "error", err)
		return writeError(c, http.StatusServiceUnavailable, id, kindBusy, "server is at capacity, retry later")
	}
	metrics.InFlight.Inc()
	defer func() {
		metrics.InFlight.Dec()
		s.slots.Release(1)
	}()

	res, err := s.gen.Generate(ctx, inference.Request{
		ModelPath: req.ModelPath,
		Prompt:    req.Prompt,
		MaxTokens: maxTokens,
	})
	if err != nil {
		kind := inference.KindOf(err)
		metrics.RecordFailure(kind.String())
		log.Error("generate failed", "model_path", req.ModelPath, "kind", kind, "error", err)
		return writeError(c, statusFor(kind), id, kind.String(), err.Error())
	}

	elapsed := s.clock().Sub(start)
	metrics.RecordSuccess(string(res.StopReason), res.PromptTokens, len(res.Generated), res.LoadDuration, res.Duration)
	log.Info("generate",
		"model_path", req.ModelPath,
		"prompt_tokens", res.PromptTokens,
		"tokens", len(res.Generated),
		"stop_reason", res.StopReason,
		"duration", elapsed,
	)
	return c.JSON(http.StatusOK, GenerateResponse{
		Text:       res.Text,
		DurationMS: elapsed.Milliseconds(),
		Tokens:     len(res.Generated),
		StopReason: string(res.StopReason),
		RequestID:  id,
	})
}

// validate checks req and returns the effective max_tokens.
func (s *Server) validate(req GenerateRequest) (int, error) {
	if req.ModelPath == "" {
		return 0, newInvalidRequest("model_path is required")
	}
	if req.MaxTokens == nil || *req.MaxTokens == 0 {
		return s.cfg.DefaultMaxTokens, nil
	}
	n := *req.MaxTokens
	if n < 0 || n > s.cfg.MaxTokensLimit {
		return 0, newInvalidRequest(fmt.Sprintf("max_tokens must be between 1 and %d", s.cfg.MaxTokensLimit))
	}
	return n, nil
}

func (s *Server) acquire(ctx context.Context) error {
	if s.slots.TryAcquire(1) {
		return nil
	}
	wait, cancel := context.WithTimeout(ctx, s.cfg.QueueTimeout)
	defer cancel()
	if err := s.slots.Acquire(wait, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("no slot within %s", s.cfg.QueueTimeout)
		}
		return err
	}
	return nil
}

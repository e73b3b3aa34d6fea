// Package api serves text generation over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/mambagen/internal/generate"
	"github.com/samcharles93/mambagen/internal/inference"
	"github.com/samcharles93/mambagen/internal/logger"
	"github.com/samcharles93/mambagen/internal/metrics"
	"github.com/samcharles93/mambagen/internal/version"
)

type Server struct {
	engine    inference.Engine
	defaults  inference.GenDefaults
	store     *GenerationStore
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
	modelName string
	clock     func() time.Time
	log       logger.Logger
}

type Option func(*Server)

func WithDefaults(d inference.GenDefaults) Option {
	return func(s *Server) { s.defaults = d }
}

func WithStore(store *GenerationStore) Option {
	return func(s *Server) {
		if store != nil {
			s.store = store
		}
	}
}

// WithMetrics records failures and serves /metrics from m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimit admits rps generate requests per second with the given
// burst. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

func WithModelName(name string) Option {
	return func(s *Server) { s.modelName = name }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func NewServer(engine inference.Engine, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		store:  NewGenerationStore(DefaultStoreSize),
		clock:  time.Now,
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/model", s.handleModel)
	e.POST("/v1/generate", s.handleGenerate)
	e.GET("/v1/generations/:id", s.handleGetGeneration)
	e.DELETE("/v1/generations/:id", s.handleDeleteGeneration)
	if s.metrics != nil {
		h := s.metrics.Handler()
		e.GET("/metrics", func(c *echo.Context) error {
			h.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version.String()})
}

func (s *Server) handleModel(c *echo.Context) error {
	if s.engine == nil {
		return writeError(c, http.StatusServiceUnavailable, "server_error", "model not loaded", "", "")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":     s.modelName,
		"object": "model",
		"info":   s.engine.Info(),
	})
}

func (s *Server) handleGetGeneration(c *echo.Context) error {
	g, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "generation not found")
	}
	return c.JSON(http.StatusOK, g)
}

func (s *Server) handleDeleteGeneration(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "generation not found")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":      id,
		"object":  "generation.deleted",
		"deleted": true,
	})
}

func (s *Server) handleGenerate(c *echo.Context) error {
	if s.engine == nil {
		return writeError(c, http.StatusServiceUnavailable, "server_error", "model not loaded", "", "")
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many generate requests", "", "")
	}

	body, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error(), "")
	}
	req, err := toInferenceRequest(body, s.defaults)
	if err != nil {
		var inv invalidRequestError
		param := ""
		if errors.As(err, &inv) {
			param = inv.param()
		}
		return writeBadRequest(c, err.Error(), param)
	}

	g := Generation{
		ID:        newGenerationID(),
		Object:    "generation",
		CreatedAt: s.clock().Unix(),
		Status:    statusInProgress,
		Model:     s.modelName,
		Mode:      req.Mode.String(),
	}
	log := s.log.With("id", g.ID, "mode", g.Mode)

	if body.Stream {
		return s.generateStream(c, &req, g, log)
	}

	res, err := s.engine.Generate(c.Request().Context(), &req, nil)
	if err != nil {
		s.fail(req.Mode)
		log.Warn("generation failed", "error", err)
		if errors.Is(err, generate.ErrEmptyPrompt) || errors.Is(err, generate.ErrTokenOutOfRange) {
			return writeBadRequest(c, err.Error(), "prompt")
		}
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	g = s.finish(g, res, nil)
	s.store.Put(g)
	return c.JSON(http.StatusOK, g)
}

func (s *Server) generateStream(c *echo.Context, req *inference.Request, g Generation, log logger.Logger) error {
	sw, err := NewSSEStreamWriter(c)
	if err != nil {
		return writeBadRequest(c, err.Error(), "stream")
	}
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	if err := sw.Begin(g); err != nil {
		return nil
	}
	var writeErr error
	res, err := s.engine.Generate(ctx, req, func(text string) {
		if writeErr != nil {
			return
		}
		// A client that stopped reading ends the generation.
		if writeErr = sw.EmitText(text); writeErr != nil {
			cancel()
		}
	})
	if err != nil {
		s.fail(req.Mode)
		log.Warn("generation failed", "error", err)
	}
	g = s.finish(g, res, err)
	s.store.Put(g)

	switch g.Status {
	case statusCompleted:
		_ = sw.Complete(g)
	case statusIncomplete:
		_ = sw.Incomplete(g)
	default:
		_ = sw.Failed(g)
	}
	return nil
}

// finish folds a generation outcome into g. A result returned alongside a
// context error is a partial, incomplete generation.
func (s *Server) finish(g Generation, res *inference.Result, err error) Generation {
	done := s.clock().Unix()
	g.CompletedAt = &done
	switch {
	case err == nil:
		g.Status = statusCompleted
	case res != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		g.Status = statusIncomplete
	default:
		g.Status = statusFailed
		g.Error = &ResponseError{Message: err.Error(), Type: "server_error"}
	}
	if res == nil {
		return g
	}
	st := res.Stats
	g.Text = res.Text
	g.StoppedOnEOS = st.StoppedOnEOS
	g.Usage = &GenerationUsage{
		PromptTokens:    st.PromptTokens,
		GeneratedTokens: st.TokensGenerated,
		Steps:           st.Steps,
	}
	g.Timing = &GenerationTime{
		FirstTokenMS:    float64(st.FirstTokenLatency) / float64(time.Millisecond),
		DurationMS:      float64(st.Duration) / float64(time.Millisecond),
		TokensPerSecond: st.TPS,
	}
	return g
}

func (s *Server) fail(mode generate.Mode) {
	if s.metrics != nil {
		s.metrics.Fail(mode)
	}
}

func toInferenceRequest(body GenerateRequest, defaults inference.GenDefaults) (inference.Request, error) {
	opts := inference.RequestOptions{
		Prompt:        body.Prompt,
		MaxNewTokens:  body.MaxNewTokens,
		ChunkSize:     body.ChunkSize,
		Seed:          body.Seed,
		Temperature:   body.Temperature,
		TopP:          body.TopP,
		TopK:          body.TopK,
		RepeatPenalty: body.RepeatPenalty,
		RepeatLastN:   body.RepeatLastN,
	}
	if strings.TrimSpace(body.Mode) != "" {
		mode, err := generate.ParseMode(body.Mode)
		if err != nil {
			return inference.Request{}, invalidParam("mode", err.Error())
		}
		opts.Mode = &mode
	}
	switch {
	case body.Prompt != nil && *body.Prompt == "":
		return inference.Request{}, invalidParam("prompt", "prompt must not be empty")
	case body.MaxNewTokens != nil && *body.MaxNewTokens < 1:
		return inference.Request{}, invalidParam("max_new_tokens", "max_new_tokens must be at least 1")
	case body.ChunkSize != nil && *body.ChunkSize < 0:
		return inference.Request{}, invalidParam("chunk_size", "chunk_size must not be negative")
	case body.Temperature != nil && *body.Temperature < 0:
		return inference.Request{}, invalidParam("temperature", "temperature must not be negative")
	case body.TopP != nil && (*body.TopP <= 0 || *body.TopP > 1):
		return inference.Request{}, invalidParam("top_p", "top_p must be in (0, 1]")
	case body.TopK != nil && *body.TopK < 0:
		return inference.Request{}, invalidParam("top_k", "top_k must not be negative")
	case body.RepeatPenalty != nil && *body.RepeatPenalty <= 0:
		return inference.Request{}, invalidParam("repeat_penalty", "repeat_penalty must be positive")
	case body.RepeatLastN != nil && *body.RepeatLastN < 0:
		return inference.Request{}, invalidParam("repeat_last_n", "repeat_last_n must not be negative")
	}
	return inference.ResolveRequest(opts, defaults), nil
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("decode request: %w", err)
	}
	return out, nil
}

package inference

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/samcharles93/mambagen/internal/generate"
	"github.com/samcharles93/mambagen/internal/logger"
	"github.com/samcharles93/mambagen/internal/model"
	"github.com/samcharles93/mambagen/internal/tokenizer"
)

var ErrClosed = errors.New("inference: engine closed")

// ObserverFactory builds a per-request observer. Returning nil skips it.
type ObserverFactory func(req Request) generate.Observer

// runner hides the cache type of the loaded model variant.
type runner interface {
	run(ctx context.Context, tok generate.Tokenizer, opts generate.Options, prompt string) (*generate.Result, error)
	info() Info
}

type modelRunner[C any] struct {
	m model.Model[C]
}

func newModelRunner[C any](m model.Model[C]) runner {
	return modelRunner[C]{m: m}
}

func (r modelRunner[C]) run(ctx context.Context, tok generate.Tokenizer, opts generate.Options, prompt string) (*generate.Result, error) {
	return generate.NewSession[C](r.m, tok, opts).Run(ctx, prompt)
}

func (r modelRunner[C]) info() Info {
	return Info{
		Version:     r.m.Version().String(),
		Layers:      r.m.LayerCount(),
		DModel:      r.m.Config().DModel,
		PaddedVocab: r.m.PaddedVocabSize(),
		Device:      string(r.m.Device()),
	}
}

// EngineImpl serves concurrent requests over one loaded model. Each request
// gets its own session and output stream; the model and the tokenizer are
// shared read-only.
type EngineImpl struct {
	runner    runner
	tokenizer *tokenizer.HFTokenizer
	log       logger.Logger
	observers []ObserverFactory

	// ProgressInterval throttles the progress logger; zero disables it.
	ProgressInterval time.Duration

	closed atomic.Bool
}

var _ Engine = (*EngineImpl)(nil)

func NewEngine(r runner, tok *tokenizer.HFTokenizer, log logger.Logger, observers ...ObserverFactory) *EngineImpl {
	if log == nil {
		log = logger.Nop()
	}
	return &EngineImpl{
		runner:           r,
		tokenizer:        tok,
		log:              log,
		observers:        observers,
		ProgressInterval: time.Second,
	}
}

func (e *EngineImpl) Info() Info {
	return e.runner.info()
}

// Close marks the engine unusable. Parameters are plain Go memory, so
// nothing else is released.
func (e *EngineImpl) Close() error {
	if e == nil {
		return nil
	}
	e.closed.Store(true)
	return nil
}

func (e *EngineImpl) Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := e.log.With("mode", req.Mode.String())
	observers := generate.Observers{}
	if stream != nil {
		observers = append(observers, generate.ObserverFuncs{Text: func(text string) { stream(text) }})
	}
	if e.ProgressInterval > 0 {
		observers = append(observers, NewProgressLogger(log, e.ProgressInterval, nil))
	}
	for _, f := range e.observers {
		if o := f(*req); o != nil {
			observers = append(observers, o)
		}
	}

	opts := generate.Options{
		Mode:         req.Mode,
		MaxNewTokens: req.MaxNewTokens,
		ChunkSize:    req.ChunkSize,
		Sampling:     req.Sampling(),
		Observer:     observers,
	}
	res, err := safeRun(ctx, e.runner, tokenizer.NewOutputStream(e.tokenizer), opts, req.Prompt)
	if res == nil {
		return nil, err
	}
	out := &Result{
		Text: res.Text,
		Stats: Stats{
			Mode:              req.Mode,
			PromptTokens:      res.PromptTokens,
			Steps:             res.Steps,
			TokensGenerated:   res.Generated,
			StoppedOnEOS:      res.StoppedOnEOS,
			FirstTokenLatency: res.FirstTokenLatency,
			Duration:          res.Elapsed,
			TPS:               res.TokensPerSecond,
		},
	}
	log.Debug("generation finished",
		"steps", res.Steps,
		"generated", res.Generated,
		"eos", res.StoppedOnEOS,
		"tps", res.TokensPerSecond,
	)
	return out, err
}

// safeRun turns kernel panics, such as index errors from a malformed
// checkpoint, into request errors. The session has already reported the
// run as done by the time the panic reaches here.
func safeRun(ctx context.Context, r runner, tok generate.Tokenizer, opts generate.Options, prompt string) (res *generate.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = fmt.Errorf("panic in generation: %v", rec)
		}
	}()
	return r.run(ctx, tok, opts, prompt)
}

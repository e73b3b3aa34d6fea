package inference

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samcharles93/mambagen/internal/checkpoint"
	"github.com/samcharles93/mambagen/internal/logger"
	"github.com/samcharles93/mambagen/internal/model"
	"github.com/samcharles93/mambagen/internal/safetensors"
	"github.com/samcharles93/mambagen/internal/tokenizer"
)

type Loader struct {
	Version        model.Version
	CheckpointPath string
	TokenizerPath  string
	// ConfigPath optionally points at a reference config.json. Config, when
	// set, wins over both the file and the 130M preset.
	ConfigPath  string
	Config      *model.Config
	Concurrency int
	Logger      logger.Logger
	// Observers are attached to every generation of the loaded engine.
	Observers []ObserverFactory
}

type LoadResult struct {
	Engine    *EngineImpl
	Config    model.Config
	Tokenizer *tokenizer.HFTokenizer
	Tensors   int
	Elapsed   time.Duration
}

func (l Loader) Load(ctx context.Context) (*LoadResult, error) {
	if strings.TrimSpace(l.CheckpointPath) == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	if strings.TrimSpace(l.TokenizerPath) == "" {
		return nil, fmt.Errorf("tokenizer path is required")
	}
	log := l.Logger
	if log == nil {
		log = logger.Nop()
	}
	start := time.Now()

	cfg, err := l.resolveConfig()
	if err != nil {
		return nil, err
	}

	st, err := safetensors.Open(l.CheckpointPath)
	if err != nil {
		return nil, err
	}
	// Parameters are copied out during materialization, so the archive is
	// released as soon as loading finishes.
	defer func() { _ = st.Close() }()

	opts := []checkpoint.Option{checkpoint.WithLogger(log)}
	if l.Concurrency > 0 {
		opts = append(opts, checkpoint.WithConcurrency(l.Concurrency))
	}

	var r runner
	switch cfg.Version {
	case model.V1:
		m, err := model.LoadMamba1(ctx, st, cfg, opts...)
		if err != nil {
			return nil, err
		}
		r = newModelRunner(m)
	case model.V2:
		m, err := model.LoadMamba2(ctx, st, cfg, opts...)
		if err != nil {
			return nil, err
		}
		r = newModelRunner(m)
	default:
		return nil, fmt.Errorf("unsupported model version %s", cfg.Version)
	}

	tok, err := tokenizer.LoadHF(l.TokenizerPath)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	log.Info("model loaded",
		"version", cfg.Version.String(),
		"layers", cfg.NLayer,
		"vocab", cfg.PaddedVocabSize(),
		"tensors", len(st.Names()),
		"elapsed", elapsed,
	)

	return &LoadResult{
		Engine:    NewEngine(r, tok, log, l.Observers...),
		Config:    cfg,
		Tokenizer: tok,
		Tensors:   len(st.Names()),
		Elapsed:   elapsed,
	}, nil
}

func (l Loader) resolveConfig() (model.Config, error) {
	if l.Config != nil {
		cfg := *l.Config
		if cfg.Version == 0 {
			cfg.Version = l.Version
		}
		return cfg, cfg.Validate()
	}
	if l.Version == 0 {
		return model.Config{}, fmt.Errorf("model version is required")
	}
	if l.ConfigPath == "" {
		return model.Mamba130M(l.Version), nil
	}
	raw, err := os.ReadFile(l.ConfigPath)
	if err != nil {
		return model.Config{}, fmt.Errorf("load model config: %w", err)
	}
	return model.ParseHFConfig(raw, l.Version)
}

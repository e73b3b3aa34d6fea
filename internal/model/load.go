package model

import (
	"context"
	"fmt"

	"github.com/samcharles93/mambagen/internal/checkpoint"
)

// LoadMamba1 builds a V1 model and populates it from src. No model is
// returned unless every binding loads.
func LoadMamba1(ctx context.Context, src checkpoint.Source, cfg Config, opts ...checkpoint.Option) (*Mamba1, error) {
	m, err := NewMamba1(cfg)
	if err != nil {
		return nil, err
	}
	if err := checkpoint.Load(ctx, src, m, Bindings(cfg), opts...); err != nil {
		return nil, fmt.Errorf("load mamba1 checkpoint: %w", err)
	}
	return m, nil
}

// LoadMamba2 builds a V2 model and populates it from src.
func LoadMamba2(ctx context.Context, src checkpoint.Source, cfg Config, opts ...checkpoint.Option) (*Mamba2, error) {
	m, err := NewMamba2(cfg)
	if err != nil {
		return nil, err
	}
	if err := checkpoint.Load(ctx, src, m, Bindings(cfg), opts...); err != nil {
		return nil, fmt.Errorf("load mamba2 checkpoint: %w", err)
	}
	return m, nil
}

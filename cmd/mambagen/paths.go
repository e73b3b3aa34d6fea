package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/samcharles93/mambagen/internal/hub"
	"github.com/samcharles93/mambagen/internal/logger"
	"github.com/samcharles93/mambagen/internal/model"
)

// modelFiles are the local inputs of one model load.
type modelFiles struct {
	Version   model.Version
	Weights   string
	Tokenizer string
	Config    string
}

func newHubClient(log logger.Logger) *hub.Client {
	c := hub.NewClient()
	if dir := strings.TrimSpace(cacheDir); dir != "" {
		c.CacheDir = filepath.Clean(dir)
	}
	c.Offline = offline
	c.Logger = log
	return c
}

// resolveModelFiles uses explicit paths as given and resolves the missing
// ones through the hub cache.
func resolveModelFiles(ctx context.Context, client *hub.Client, version, weights, tok, cfg string) (modelFiles, error) {
	v, err := model.ParseVersion(version)
	if err != nil {
		return modelFiles{}, err
	}
	out := modelFiles{
		Version:   v,
		Weights:   cleanPath(weights),
		Tokenizer: cleanPath(tok),
		Config:    cleanPath(cfg),
	}
	if out.Weights == "" {
		f, err := hub.Weights(v)
		if err != nil {
			return modelFiles{}, err
		}
		if out.Weights, err = client.Resolve(ctx, f); err != nil {
			return modelFiles{}, fmt.Errorf("resolve weights: %w", err)
		}
	}
	if out.Tokenizer == "" {
		if out.Tokenizer, err = client.Resolve(ctx, hub.Tokenizer()); err != nil {
			return modelFiles{}, fmt.Errorf("resolve tokenizer: %w", err)
		}
	}
	return out, nil
}

func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}

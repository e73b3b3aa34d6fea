package inference

import (
	"context"
	"time"

	"github.com/samcharles93/mambagen/internal/generate"
)

// StreamFunc receives decoded text as it becomes available.
type StreamFunc func(text string)

type Engine interface {
	Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error)
	Info() Info
	Close() error
}

type Request struct {
	Prompt string
	Mode   generate.Mode

	MaxNewTokens int
	ChunkSize    int
	Seed         uint64

	Temperature   *float64
	TopP          *float64
	TopK          int
	RepeatPenalty float64
	RepeatLastN   int
}

type Result struct {
	Text  string
	Stats Stats
}

type Stats struct {
	Mode              generate.Mode
	PromptTokens      int
	Steps             int
	TokensGenerated   int
	StoppedOnEOS      bool
	FirstTokenLatency time.Duration
	Duration          time.Duration
	TPS               float64
}

// Info describes the loaded model.
type Info struct {
	Version     string `json:"version"`
	Layers      int    `json:"layers"`
	DModel      int    `json:"d_model"`
	PaddedVocab int    `json:"padded_vocab"`
	Device      string `json:"device"`
}

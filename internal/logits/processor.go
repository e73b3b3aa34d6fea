package logits

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrStepOutOfRange is returned when AddLogits is called for a position
	// that is not in the token buffer.
	ErrStepOutOfRange = errors.New("logits: step out of range")
	ErrInvalidConfig  = errors.New("logits: invalid sampling config")
)

// Config configures a Processor.
type Config struct {
	Seed        uint64
	Temperature *float64
	TopP        *float64
	TopK        int
	// RepeatPenalty must be positive; 1 disables the penalty.
	RepeatPenalty float32
	RepeatLastN   int
}

// DefaultConfig mirrors the reference generation settings: greedy decoding
// with a mild repetition penalty over the last 1024 tokens.
func DefaultConfig() Config {
	return Config{
		Seed:          299792458,
		RepeatPenalty: 1.1,
		RepeatLastN:   1024,
	}
}

// Processor turns per-step logits into the next token of a sequence.
// It is owned by a single generation session.
type Processor struct {
	cfg     Config
	sampler *Sampler
	seen    map[int]struct{}
}

// Validate reports the first field that cannot drive sampling. The zero
// Config is invalid because its RepeatPenalty is 0.
func (c Config) Validate() error {
	switch {
	case !(c.RepeatPenalty > 0) || math.IsInf(float64(c.RepeatPenalty), 1):
		return fmt.Errorf("%w: repeat penalty %v must be positive", ErrInvalidConfig, c.RepeatPenalty)
	case c.RepeatLastN < 0:
		return fmt.Errorf("%w: repeat window %d is negative", ErrInvalidConfig, c.RepeatLastN)
	case c.TopK < 0:
		return fmt.Errorf("%w: top-k %d is negative", ErrInvalidConfig, c.TopK)
	case c.Temperature != nil && !(*c.Temperature >= 0):
		return fmt.Errorf("%w: temperature %v is negative", ErrInvalidConfig, *c.Temperature)
	case c.TopP != nil && !(*c.TopP > 0 && *c.TopP <= 1):
		return fmt.Errorf("%w: top-p %v outside (0, 1]", ErrInvalidConfig, *c.TopP)
	}
	return nil
}

func NewProcessor(cfg Config) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Processor{
		cfg:     cfg,
		sampler: NewSampler(cfg.Seed, cfg.Temperature, cfg.TopK, cfg.TopP),
		seen:    make(map[int]struct{}),
	}, nil
}

func (p *Processor) Config() Config { return p.cfg }

// AddLogits chooses the token that follows position i.
//
// Unless the penalty is 1, every distinct id in
// tokens[max(0, i-RepeatLastN) : i+1] is penalized in logits (divided when
// positive, multiplied otherwise). If tokens already holds position i+1
// that token is returned and tokens is left as is. Otherwise a token is
// sampled from logits and appended to tokens.
func (p *Processor) AddLogits(i int, tokens *[]int, logits []float32) (int, error) {
	toks := *tokens
	if i < 0 || i >= len(toks) {
		return 0, fmt.Errorf("%w: step %d with %d tokens", ErrStepOutOfRange, i, len(toks))
	}
	if p.cfg.RepeatPenalty != 1 {
		p.applyPenalty(logits, toks[max(0, i-p.cfg.RepeatLastN):i+1])
	}
	if i+1 < len(toks) {
		return toks[i+1], nil
	}
	next := p.sampler.Sample(logits)
	*tokens = append(toks, next)
	return next, nil
}

func (p *Processor) applyPenalty(logits []float32, window []int) {
	clear(p.seen)
	for _, id := range window {
		if id < 0 || id >= len(logits) {
			continue
		}
		if _, dup := p.seen[id]; dup {
			continue
		}
		p.seen[id] = struct{}{}
		if logits[id] > 0 {
			logits[id] /= p.cfg.RepeatPenalty
		} else {
			logits[id] *= p.cfg.RepeatPenalty
		}
	}
}

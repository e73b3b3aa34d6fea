// Package generate drives a recurrent model token by token, either with a
// recurrent cache or by re-running the whole sequence at every step.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/mambagen/internal/logits"
	"github.com/samcharles93/mambagen/internal/model"
)

var (
	// ErrTokenNotFound means the tokenizer has no id for the end-of-sequence
	// token.
	ErrTokenNotFound = errors.New("generate: token not found")
	ErrEmptyPrompt   = errors.New("generate: prompt encodes to no tokens")
	// ErrTokenOutOfRange means the prompt holds an id the model has no
	// embedding row for.
	ErrTokenOutOfRange = errors.New("generate: token id outside the model vocabulary")
	ErrSessionUsed     = errors.New("generate: session already ran")
)

// DefaultEOSToken is the end-of-sequence marker of the GPT-NeoX vocabulary.
const DefaultEOSToken = "<|endoftext|>"

// Mode selects how logits are produced at each step.
type Mode int

const (
	// Cached feeds one token per step and carries a recurrent cache.
	Cached Mode = iota
	// Cacheless re-runs the full sequence each round and reads the logits
	// of the positions not yet consumed.
	Cacheless
)

func (m Mode) String() string {
	switch m {
	case Cached:
		return "cached"
	case Cacheless:
		return "cacheless"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cached", "cache":
		return Cached, nil
	case "cacheless", "nocache", "no-cache":
		return Cacheless, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want cached or cacheless)", s)
	}
}

// State is the lifecycle position of a Session.
type State int

const (
	Idle State = iota
	Primed
	Stepping
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Primed:
		return "primed"
	case Stepping:
		return "stepping"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Tokenizer is the incremental tokenizer a session writes through.
// *tokenizer.OutputStream implements it.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	TokenID(token string) (int, bool)
	NextToken(id int) (string, bool, error)
	DecodeRest() (string, bool, error)
	Reset()
}

// Options configures a Session.
type Options struct {
	Mode Mode
	// MaxNewTokens bounds the step index: positions 0 through
	// MaxNewTokens-1 are fed to the model, prompt positions included.
	MaxNewTokens int
	// ChunkSize is passed to Forward in cacheless mode.
	ChunkSize int
	// EOSToken defaults to DefaultEOSToken.
	EOSToken string
	Sampling logits.Config
	Observer Observer
	// Now defaults to time.Now.
	Now func() time.Time
}

// Result summarizes one run.
type Result struct {
	Text         string
	Tokens       []int
	PromptTokens int
	// Steps is the step index reached when the run ended.
	Steps int
	// Generated counts sampled tokens appended after the prompt.
	Generated         int
	StoppedOnEOS      bool
	FirstTokenLatency time.Duration
	Elapsed           time.Duration
	// TokensPerSecond is (Steps-1) over the time since the first step's
	// logits were ready; zero when Steps <= 1.
	TokensPerSecond float64
}

// Session runs one generation over a model with cache type C. It is not
// safe for concurrent use; the model may be shared between sessions.
type Session[C any] struct {
	model  model.Model[C]
	tok    Tokenizer
	opts   Options
	proc   *logits.Processor
	state  State
	tokens []int
	// step mirrors the loop index for runs that end in a panic.
	step int

	text       strings.Builder
	start      time.Time
	firstReady time.Time
}

func NewSession[C any](m model.Model[C], tok Tokenizer, opts Options) *Session[C] {
	if opts.EOSToken == "" {
		opts.EOSToken = DefaultEOSToken
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Observer == nil {
		opts.Observer = Observers(nil)
	}
	return &Session[C]{
		model: m,
		tok:   tok,
		opts:  opts,
	}
}

func (s *Session[C]) State() State { return s.state }

// Tokens returns the token buffer: the prompt followed by sampled ids.
func (s *Session[C]) Tokens() []int { return s.tokens }

// Run generates from prompt. Cancellation is observed between steps; a
// cancelled run returns its partial result along with ctx.Err(). OnDone
// fires for every run that reached OnPrimed, failed or not, and before a
// panic from the model propagates.
func (s *Session[C]) Run(ctx context.Context, prompt string) (*Result, error) {
	if s.state != Idle {
		return nil, ErrSessionUsed
	}
	proc, err := logits.NewProcessor(s.opts.Sampling)
	if err != nil {
		s.state = Done
		return nil, err
	}
	s.proc = proc
	s.start = s.opts.Now()
	var promptLen int
	defer func() {
		if rec := recover(); rec != nil {
			if s.state == Primed || s.state == Stepping {
				s.state = Done
				s.opts.Observer.OnDone(*s.result(s.step, promptLen, false))
			}
			panic(rec)
		}
	}()

	eos, err := s.prime(prompt)
	if err != nil {
		if s.state == Primed {
			s.opts.Observer.OnDone(*s.result(0, len(s.tokens), false))
		}
		s.state = Done
		return nil, err
	}
	promptLen = len(s.tokens)

	s.state = Stepping
	var (
		steps  int
		hitEOS bool
	)
	switch s.opts.Mode {
	case Cacheless:
		steps, hitEOS, err = s.runCacheless(ctx, eos)
	default:
		steps, hitEOS, err = s.runCached(ctx, eos)
	}
	if err != nil && !errors.Is(err, ctx.Err()) {
		s.state = Done
		// Observers still see the end of a failed run.
		s.opts.Observer.OnDone(*s.result(steps, promptLen, hitEOS))
		return nil, err
	}

	if rest, ok, ferr := s.tok.DecodeRest(); ferr != nil {
		err = errors.Join(err, ferr)
	} else if ok {
		s.emit(rest)
	}
	s.state = Done

	res := s.result(steps, promptLen, hitEOS)
	s.opts.Observer.OnDone(*res)
	return res, err
}

func (s *Session[C]) prime(prompt string) (int, error) {
	s.tok.Reset()
	tokens, err := s.tok.Encode(prompt)
	if err != nil {
		return 0, fmt.Errorf("encode prompt: %w", err)
	}
	eos, ok := s.tok.TokenID(s.opts.EOSToken)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTokenNotFound, s.opts.EOSToken)
	}
	if len(tokens) == 0 {
		return 0, ErrEmptyPrompt
	}
	vocab := s.model.PaddedVocabSize()
	for pos, id := range tokens {
		if id < 0 || id >= vocab {
			return 0, fmt.Errorf("%w: id %d at position %d, vocabulary %d", ErrTokenOutOfRange, id, pos, vocab)
		}
	}
	s.tokens = tokens
	s.state = Primed
	s.opts.Observer.OnPrimed(append([]int(nil), tokens...))
	// The first prompt token is model input, never predicted, so it is
	// surfaced right away.
	if err := s.emitToken(tokens[0]); err != nil {
		return 0, err
	}
	return eos, nil
}

func (s *Session[C]) runCached(ctx context.Context, eos int) (int, bool, error) {
	cache := s.model.EmptyCache(1)
	i := 0
	for i < s.opts.MaxNewTokens {
		s.step = i
		if err := ctx.Err(); err != nil {
			return i, false, err
		}
		var batch [][]float32
		batch, cache = s.model.Step([]int{s.tokens[i]}, cache)
		if i == 0 {
			s.firstReady = s.opts.Now()
		}
		next, err := s.proc.AddLogits(i, &s.tokens, batch[0])
		if err != nil {
			return i, false, err
		}
		if next == eos {
			return i, true, nil
		}
		s.opts.Observer.OnStep(i, next)
		if err := s.emitToken(next); err != nil {
			return i, false, err
		}
		i++
	}
	return i, false, nil
}

func (s *Session[C]) runCacheless(ctx context.Context, eos int) (int, bool, error) {
	i := 0
	for i < s.opts.MaxNewTokens {
		if err := ctx.Err(); err != nil {
			return i, false, err
		}
		all := s.model.Forward([][]int{s.tokens}, s.opts.ChunkSize)[0]
		if i == 0 {
			s.firstReady = s.opts.Now()
		}
		for _, row := range all[i:] {
			if i >= s.opts.MaxNewTokens {
				break
			}
			s.step = i
			next, err := s.proc.AddLogits(i, &s.tokens, row)
			if err != nil {
				return i, false, err
			}
			if next == eos {
				return i, true, nil
			}
			s.opts.Observer.OnStep(i, next)
			if err := s.emitToken(next); err != nil {
				return i, false, err
			}
			i++
		}
	}
	return i, false, nil
}

func (s *Session[C]) emitToken(id int) error {
	text, ok, err := s.tok.NextToken(id)
	if err != nil {
		return fmt.Errorf("decode token %d: %w", id, err)
	}
	if ok {
		s.emit(text)
	}
	return nil
}

func (s *Session[C]) emit(text string) {
	s.text.WriteString(text)
	s.opts.Observer.OnText(text)
}

func (s *Session[C]) result(steps, promptLen int, hitEOS bool) *Result {
	now := s.opts.Now()
	res := &Result{
		Text:         s.text.String(),
		Tokens:       append([]int(nil), s.tokens...),
		PromptTokens: promptLen,
		Steps:        steps,
		Generated:    len(s.tokens) - promptLen,
		StoppedOnEOS: hitEOS,
		Elapsed:      now.Sub(s.start),
	}
	if !s.firstReady.IsZero() {
		res.FirstTokenLatency = s.firstReady.Sub(s.start)
		if steps > 1 {
			if d := now.Sub(s.firstReady); d > 0 {
				res.TokensPerSecond = float64(steps-1) / d.Seconds()
			}
		}
	}
	return res
}

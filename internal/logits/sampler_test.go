package logits

import (
	"errors"
	"math"
	"testing"
)

func ptr[T any](v T) *T { return &v }

// TestSamplerDeterminism ensures that two samplers configured identically
// produce identical sequences when sampling the same logits vector.
func TestSamplerDeterminism(t *testing.T) {
	logs := []float32{0, 1, 2, 3, 4, 5}
	s1 := NewSampler(42, ptr(0.9), 4, ptr(0.95))
	s2 := NewSampler(42, ptr(0.9), 4, ptr(0.95))
	for range 20 {
		a, b := s1.Sample(logs), s2.Sample(logs)
		if a != b {
			t.Fatalf("expected deterministic sample, got %d vs %d", a, b)
		}
	}
}

// TestSamplerGreedy tests that a nil or tiny temperature returns the index
// of the maximum logit.
func TestSamplerGreedy(t *testing.T) {
	logs := []float32{-1, 5, 3, 7, 2}
	for _, temp := range []*float64{nil, ptr(1e-9)} {
		s := NewSampler(99, temp, 0, nil)
		if !s.Greedy() {
			t.Fatal("expected greedy sampler")
		}
		if idx := s.Sample(logs); idx != 3 {
			t.Fatalf("expected greedy index 3, got %d", idx)
		}
	}
}

// TestSamplerTopP ensures that setting TopP below 1 restricts sampling to
// the dominant candidate when it alone exceeds the threshold.
func TestSamplerTopP(t *testing.T) {
	logs := []float32{0, 0, 10, 0, 0}
	s := NewSampler(7, ptr(1.0), 0, ptr(0.5))
	for range 50 {
		if idx := s.Sample(logs); idx != 2 {
			t.Fatalf("top-p sampling returned unexpected index %d", idx)
		}
	}
}

func TestSamplerTopKExcludesTail(t *testing.T) {
	logs := []float32{1, 1, 1, 1, 1, 5, 4}
	s := NewSampler(3, ptr(2.0), 2, nil)
	for range 200 {
		if idx := s.Sample(logs); idx != 5 && idx != 6 {
			t.Fatalf("sampled %d outside the top 2", idx)
		}
	}
}

func TestSamplerLeavesLogitsUntouched(t *testing.T) {
	logs := []float32{0.5, -1, 2}
	s := NewSampler(1, ptr(0.7), 0, ptr(0.9))
	s.Sample(logs)
	if logs[0] != 0.5 || logs[1] != -1 || logs[2] != 2 {
		t.Fatalf("logits modified: %v", logs)
	}
}

func TestAddLogitsForcesPromptTokens(t *testing.T) {
	p := newProcessor(t, Config{RepeatPenalty: 1})
	tokens := []int{4, 1, 2, 3}
	for i := 0; i < len(tokens)-1; i++ {
		next, err := p.AddLogits(i, &tokens, []float32{9, 0, 0, 0, 0})
		if err != nil {
			t.Fatalf("AddLogits: %v", err)
		}
		if next != tokens[i+1] {
			t.Fatalf("step %d: got %d, want forced %d", i, next, tokens[i+1])
		}
		if len(tokens) != 4 {
			t.Fatalf("step %d: buffer grew to %d", i, len(tokens))
		}
	}
	next, err := p.AddLogits(3, &tokens, []float32{9, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("AddLogits: %v", err)
	}
	if next != 0 || len(tokens) != 5 || tokens[4] != 0 {
		t.Fatalf("expected sampled append of 0, got %d with %v", next, tokens)
	}
}

func TestAddLogitsIdentityPenaltyLeavesLogits(t *testing.T) {
	p := newProcessor(t, Config{RepeatPenalty: 1, RepeatLastN: 64})
	tokens := []int{0, 1, 2}
	logs := []float32{3, -3, 0.5, 7}
	if _, err := p.AddLogits(2, &tokens, logs); err != nil {
		t.Fatalf("AddLogits: %v", err)
	}
	want := []float32{3, -3, 0.5, 7}
	for i := range want {
		if logs[i] != want[i] {
			t.Fatalf("logits changed: %v", logs)
		}
	}
}

func TestAddLogitsPenaltyWindowBoundary(t *testing.T) {
	p := newProcessor(t, Config{RepeatPenalty: 2, RepeatLastN: 2})
	// Window for i=5 is tokens[3:6] = {3, 4, 5}.
	tokens := []int{0, 1, 2, 3, 4, 5, 6}
	logs := []float32{8, 8, 8, 8, -8, 8, 8, 8}
	if _, err := p.AddLogits(5, &tokens, logs); err != nil {
		t.Fatalf("AddLogits: %v", err)
	}
	want := []float32{8, 8, 8, 4, -16, 4, 8, 8}
	for i := range want {
		if logs[i] != want[i] {
			t.Fatalf("id %d: got %v want %v (all %v)", i, logs[i], want[i], logs)
		}
	}
}

func TestAddLogitsPenalizesEachIDOnce(t *testing.T) {
	p := newProcessor(t, Config{RepeatPenalty: 2, RepeatLastN: 10})
	tokens := []int{1, 1, 1}
	logs := []float32{0, 8}
	if _, err := p.AddLogits(2, &tokens, logs); err != nil {
		t.Fatalf("AddLogits: %v", err)
	}
	if logs[1] != 4 {
		t.Fatalf("repeated id penalized more than once: %v", logs[1])
	}
}

func TestAddLogitsPenaltyChangesGreedyChoice(t *testing.T) {
	p := newProcessor(t, Config{RepeatPenalty: 4, RepeatLastN: 8})
	tokens := []int{2}
	next, err := p.AddLogits(0, &tokens, []float32{1, 0, 3})
	if err != nil {
		t.Fatalf("AddLogits: %v", err)
	}
	if next != 0 {
		t.Fatalf("expected penalized id 2 to lose to id 0, got %d", next)
	}
}

func TestAddLogitsOutOfRange(t *testing.T) {
	p := newProcessor(t, DefaultConfig())
	tokens := []int{1}
	for _, i := range []int{-1, 1} {
		if _, err := p.AddLogits(i, &tokens, []float32{0, 1}); !errors.Is(err, ErrStepOutOfRange) {
			t.Fatalf("i=%d: expected ErrStepOutOfRange, got %v", i, err)
		}
	}
}

func newProcessor(t *testing.T, cfg Config) *Processor {
	t.Helper()
	p, err := NewProcessor(cfg)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	return p
}

func TestNewProcessorRejectsInvalidConfig(t *testing.T) {
	cases := map[string]Config{
		"zero value":       {},
		"negative penalty": {RepeatPenalty: -1.1},
		"nan penalty":      {RepeatPenalty: float32(math.NaN())},
		"negative window":  {RepeatPenalty: 1, RepeatLastN: -1},
		"negative top-k":   {RepeatPenalty: 1, TopK: -3},
		"negative temp":    {RepeatPenalty: 1, Temperature: ptr(-0.5)},
		"top-p above one":  {RepeatPenalty: 1, TopP: ptr(1.5)},
		"top-p of zero":    {RepeatPenalty: 1, TopP: ptr(0.0)},
	}
	for name, cfg := range cases {
		if _, err := NewProcessor(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig: %v", err)
	}
}

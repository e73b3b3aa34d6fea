package generate_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/samcharles93/mambagen/internal/generate"
	"github.com/samcharles93/mambagen/internal/logits"
	"github.com/samcharles93/mambagen/internal/model"
)

func ptr[T any](v T) *T { return &v }

func greedy() logits.Config {
	return logits.Config{RepeatPenalty: 1}
}

var _ = Describe("Session", func() {
	var (
		m   *successorModel
		tok *wordTokenizer
	)

	BeforeEach(func() {
		m = &successorModel{vocab: 10}
		tok = &wordTokenizer{eos: generate.DefaultEOSToken}
	})

	run := func(mode generate.Mode, prompt string, max int) (*generate.Result, error) {
		s := generate.NewSession[*successorCache](m, tok, generate.Options{
			Mode:         mode,
			MaxNewTokens: max,
			Sampling:     greedy(),
		})
		return s.Run(context.Background(), prompt)
	}

	Describe("cached mode", func() {
		It("feeds one position per step and stops at the step bound", func() {
			res, err := run(generate.Cached, "w3 w4", 5)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Tokens).To(Equal([]int{3, 4, 5, 6, 7, 8}))
			Expect(res.Steps).To(Equal(5))
			Expect(res.PromptTokens).To(Equal(2))
			Expect(res.Generated).To(Equal(4))
			Expect(res.StoppedOnEOS).To(BeFalse())
			Expect(m.steps).To(Equal(5))
			Expect(m.forward).To(BeZero())
		})

		It("emits the first prompt token and flushes held-back text", func() {
			res, err := run(generate.Cached, "w3 w4", 5)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Text).To(Equal("w3 w4 w5 w6 w7 w8 "))
		})

		It("stops when the end-of-sequence token is sampled", func() {
			res, err := run(generate.Cached, "w8", 10)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.StoppedOnEOS).To(BeTrue())
			Expect(res.Steps).To(Equal(1))
			Expect(res.Tokens).To(Equal([]int{8, 9}))
		})
	})

	Describe("cacheless mode", func() {
		It("re-runs the growing sequence and matches cached mode", func() {
			cached, err := run(generate.Cached, "w3 w4", 5)
			Expect(err).NotTo(HaveOccurred())

			m = &successorModel{vocab: 10}
			cacheless, err := run(generate.Cacheless, "w3 w4", 5)
			Expect(err).NotTo(HaveOccurred())

			Expect(cacheless.Tokens).To(Equal(cached.Tokens))
			Expect(cacheless.Text).To(Equal(cached.Text))
			Expect(cacheless.Steps).To(Equal(cached.Steps))
			Expect(m.steps).To(BeZero())
			Expect(m.forward).To(Equal(4))
		})

		It("does not step past the bound inside a prompt-forced round", func() {
			res, err := run(generate.Cacheless, "w1 w2 w3 w4 w5", 2)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Steps).To(Equal(2))
			Expect(res.Tokens).To(Equal([]int{1, 2, 3, 4, 5}))
			Expect(m.forward).To(Equal(1))
		})
	})

	Context("when the forced continuation is the end-of-sequence token", func() {
		for _, mode := range []generate.Mode{generate.Cached, generate.Cacheless} {
			It("terminates at step 0 in "+mode.String()+" mode and still flushes", func() {
				res, err := run(mode, "w3 <eos>", 10)

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Steps).To(BeZero())
				Expect(res.Generated).To(BeZero())
				Expect(res.StoppedOnEOS).To(BeTrue())
				Expect(res.Text).To(Equal("w3 "))
			})
		}
	})

	Context("when priming fails", func() {
		It("reports a missing end-of-sequence token", func() {
			tok.eos = ""
			s := generate.NewSession[*successorCache](m, tok, generate.Options{MaxNewTokens: 3, Sampling: greedy()})

			_, err := s.Run(context.Background(), "w1")

			Expect(err).To(MatchError(generate.ErrTokenNotFound))
			Expect(s.State()).To(Equal(generate.Done))
			Expect(m.steps).To(BeZero())
		})

		It("rejects an empty prompt", func() {
			_, err := run(generate.Cached, "", 3)

			Expect(err).To(MatchError(generate.ErrEmptyPrompt))
		})

		It("rejects an invalid sampling config before encoding", func() {
			var primed int
			s := generate.NewSession[*successorCache](m, tok, generate.Options{
				MaxNewTokens: 3,
				Sampling:     logits.Config{RepeatPenalty: 0},
				Observer:     generate.ObserverFuncs{Primed: func([]int) { primed++ }},
			})

			_, err := s.Run(context.Background(), "w1")

			Expect(err).To(MatchError(logits.ErrInvalidConfig))
			Expect(s.State()).To(Equal(generate.Done))
			Expect(tok.resets).To(BeZero())
			Expect(primed).To(BeZero())
		})

		It("rejects prompt ids outside the vocabulary before touching the model", func() {
			var primed, done int
			s := generate.NewSession[*successorCache](m, tok, generate.Options{
				MaxNewTokens: 3,
				Sampling:     greedy(),
				Observer: generate.ObserverFuncs{
					Primed: func([]int) { primed++ },
					Done:   func(generate.Result) { done++ },
				},
			})

			_, err := s.Run(context.Background(), "w1 w40")

			Expect(err).To(MatchError(generate.ErrTokenOutOfRange))
			Expect(err.Error()).To(ContainSubstring("id 40 at position 1"))
			Expect(m.steps).To(BeZero())
			Expect(primed).To(BeZero())
			Expect(done).To(BeZero())
		})
	})

	It("reports the end of a run before a model panic propagates", func() {
		m.panicOn = 3
		var done []generate.Result
		s := generate.NewSession[*successorCache](m, tok, generate.Options{
			MaxNewTokens: 10,
			Sampling:     greedy(),
			Observer:     generate.ObserverFuncs{Done: func(res generate.Result) { done = append(done, res) }},
		})

		Expect(func() { _, _ = s.Run(context.Background(), "w1") }).To(PanicWith("kernel index out of range"))
		Expect(done).To(HaveLen(1))
		Expect(done[0].Steps).To(Equal(2))
		Expect(done[0].PromptTokens).To(Equal(1))
		Expect(s.State()).To(Equal(generate.Done))
	})

	It("keeps a decode failure distinct from a cancellation that races it", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		tok.failOn = 3
		tok.onFail = cancel
		var done int
		s := generate.NewSession[*successorCache](m, tok, generate.Options{
			MaxNewTokens: 10,
			Sampling:     greedy(),
			Observer:     generate.ObserverFuncs{Done: func(generate.Result) { done++ }},
		})

		res, err := s.Run(ctx, "w1")

		Expect(res).To(BeNil())
		Expect(err).To(MatchError(ContainSubstring("invalid utf-8")))
		Expect(err).NotTo(MatchError(context.Canceled))
		Expect(done).To(Equal(1))
	})

	It("resets the tokenizer and refuses to run twice", func() {
		s := generate.NewSession[*successorCache](m, tok, generate.Options{MaxNewTokens: 2, Sampling: greedy()})
		Expect(s.State()).To(Equal(generate.Idle))

		_, err := s.Run(context.Background(), "w1")
		Expect(err).NotTo(HaveOccurred())
		Expect(tok.resets).To(Equal(1))
		Expect(s.State()).To(Equal(generate.Done))

		_, err = s.Run(context.Background(), "w1")
		Expect(err).To(MatchError(generate.ErrSessionUsed))
	})

	It("stops between steps when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s := generate.NewSession[*successorCache](m, tok, generate.Options{
			MaxNewTokens: 50,
			Sampling:     greedy(),
			Observer: generate.ObserverFuncs{Step: func(step, id int) {
				if step == 1 {
					cancel()
				}
			}},
		})

		res, err := s.Run(ctx, "w1")

		Expect(err).To(MatchError(context.Canceled))
		Expect(res).NotTo(BeNil())
		Expect(res.Steps).To(Equal(2))
		Expect(res.Text).To(Equal("w1 w2 w3 "))
	})

	It("measures throughput from the first step's logits", func() {
		s := generate.NewSession[*successorCache](m, tok, generate.Options{
			MaxNewTokens: 5,
			Sampling:     greedy(),
			Now:          tickingClock(),
		})

		res, err := s.Run(context.Background(), "w1")

		Expect(err).NotTo(HaveOccurred())
		Expect(res.FirstTokenLatency).To(Equal(time.Second))
		Expect(res.Elapsed).To(Equal(2 * time.Second))
		Expect(res.TokensPerSecond).To(BeNumerically("~", 4.0))
	})

	It("reports zero throughput for a single step", func() {
		s := generate.NewSession[*successorCache](m, tok, generate.Options{
			MaxNewTokens: 1,
			Sampling:     greedy(),
			Now:          tickingClock(),
		})

		res, err := s.Run(context.Background(), "w1")

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Steps).To(Equal(1))
		Expect(res.TokensPerSecond).To(BeZero())
	})

	It("notifies observers in order", func() {
		var events []string
		rec := generate.ObserverFuncs{
			Primed: func(prompt []int) { events = append(events, "primed") },
			Step:   func(step, id int) { events = append(events, "step") },
			Text:   func(text string) { events = append(events, "text:"+text) },
			Done:   func(res generate.Result) { events = append(events, "done") },
		}
		s := generate.NewSession[*successorCache](m, tok, generate.Options{
			MaxNewTokens: 1,
			Sampling:     greedy(),
			Observer:     generate.Observers{nil, rec},
		})

		_, err := s.Run(context.Background(), "w1")

		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(Equal([]string{"primed", "step", "text:w1 ", "text:w2 ", "done"}))
	})
})

var _ = Describe("Mode equivalence", func() {
	type variant struct {
		name      string
		sampling  logits.Config
		chunkSize int
	}
	variants := []variant{
		{"greedy", logits.Config{Seed: 1, RepeatPenalty: 1}, 4},
		{"sampled", logits.Config{Seed: 299792458, Temperature: ptr(0.9), RepeatPenalty: 1}, 2},
		{"nucleus with penalty", logits.Config{Seed: 7, Temperature: ptr(1.2), TopP: ptr(0.8), RepeatPenalty: 1.3, RepeatLastN: 4}, 0},
	}

	runBoth := func(newRun func(generate.Mode, int) (*generate.Result, error), chunk int) (*generate.Result, *generate.Result) {
		cached, err := newRun(generate.Cached, chunk)
		Expect(err).NotTo(HaveOccurred())
		cacheless, err := newRun(generate.Cacheless, chunk)
		Expect(err).NotTo(HaveOccurred())
		return cached, cacheless
	}

	for _, v := range variants {
		It("emits identical tokens for mamba1 ("+v.name+")", func() {
			m := randomMamba1(13)
			newRun := func(mode generate.Mode, chunk int) (*generate.Result, error) {
				s := generate.NewSession[*model.Mamba1Cache](m, &wordTokenizer{eos: generate.DefaultEOSToken},
					generate.Options{Mode: mode, MaxNewTokens: 12, ChunkSize: chunk, Sampling: v.sampling})
				return s.Run(context.Background(), "w1 w2 w3")
			}
			cached, cacheless := runBoth(newRun, v.chunkSize)

			Expect(cacheless.Tokens).To(Equal(cached.Tokens))
			Expect(cacheless.Text).To(Equal(cached.Text))
			Expect(cacheless.Steps).To(Equal(cached.Steps))
		})

		It("emits identical tokens for mamba2 ("+v.name+")", func() {
			m := randomMamba2(13)
			newRun := func(mode generate.Mode, chunk int) (*generate.Result, error) {
				s := generate.NewSession[*model.Mamba2Cache](m, &wordTokenizer{eos: generate.DefaultEOSToken},
					generate.Options{Mode: mode, MaxNewTokens: 12, ChunkSize: chunk, Sampling: v.sampling})
				return s.Run(context.Background(), "w4 w5")
			}
			cached, cacheless := runBoth(newRun, v.chunkSize)

			Expect(cacheless.Tokens).To(Equal(cached.Tokens))
			Expect(cacheless.Steps).To(Equal(cached.Steps))
		})
	}
})

var _ = Describe("ParseMode", func() {
	It("accepts both mode names", func() {
		Expect(generate.ParseMode("cached")).To(Equal(generate.Cached))
		Expect(generate.ParseMode("Cacheless")).To(Equal(generate.Cacheless))
	})

	It("rejects unknown names", func() {
		_, err := generate.ParseMode("batched")
		Expect(err).To(HaveOccurred())
	})
})

package inference

import (
	"time"

	"github.com/samcharles93/mambagen/internal/generate"
	"github.com/samcharles93/mambagen/internal/logger"
)

// ProgressLogger reports long generations at most once per interval.
type ProgressLogger struct {
	log      logger.Logger
	interval time.Duration
	now      func() time.Time
	start    time.Time
	last     time.Time
	steps    int
}

var _ generate.Observer = (*ProgressLogger)(nil)

// NewProgressLogger uses time.Now when now is nil.
func NewProgressLogger(log logger.Logger, interval time.Duration, now func() time.Time) *ProgressLogger {
	if now == nil {
		now = time.Now
	}
	return &ProgressLogger{log: log, interval: interval, now: now}
}

func (p *ProgressLogger) OnPrimed(prompt []int) {
	p.start = p.now()
	p.last = p.start
	p.log.Debug("generation started", "prompt_tokens", len(prompt))
}

func (p *ProgressLogger) OnStep(step, id int) {
	p.steps = step + 1
	now := p.now()
	if now.Sub(p.last) < p.interval {
		return
	}
	p.last = now
	p.log.Info("generation still running", "steps", p.steps, "elapsed", now.Sub(p.start))
}

func (p *ProgressLogger) OnText(string) {}

func (p *ProgressLogger) OnDone(generate.Result) {}

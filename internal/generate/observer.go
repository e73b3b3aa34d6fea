package generate

// Observer receives session events. Calls happen on the goroutine running
// the session, in order: OnPrimed once, then OnStep and OnText as tokens
// are accepted and decoded, then OnDone once.
type Observer interface {
	OnPrimed(prompt []int)
	// OnStep reports the token chosen after position step.
	OnStep(step, id int)
	// OnText reports newly decoded text, including the first prompt token
	// and the final flush.
	OnText(text string)
	OnDone(res Result)
}

// Observers fans every event out to each non-nil member.
type Observers []Observer

func (o Observers) OnPrimed(prompt []int) {
	for _, x := range o {
		if x != nil {
			x.OnPrimed(prompt)
		}
	}
}

func (o Observers) OnStep(step, id int) {
	for _, x := range o {
		if x != nil {
			x.OnStep(step, id)
		}
	}
}

func (o Observers) OnText(text string) {
	for _, x := range o {
		if x != nil {
			x.OnText(text)
		}
	}
}

func (o Observers) OnDone(res Result) {
	for _, x := range o {
		if x != nil {
			x.OnDone(res)
		}
	}
}

// ObserverFuncs adapts optional callbacks to Observer.
type ObserverFuncs struct {
	Primed func(prompt []int)
	Step   func(step, id int)
	Text   func(text string)
	Done   func(res Result)
}

func (f ObserverFuncs) OnPrimed(prompt []int) {
	if f.Primed != nil {
		f.Primed(prompt)
	}
}

func (f ObserverFuncs) OnStep(step, id int) {
	if f.Step != nil {
		f.Step(step, id)
	}
}

func (f ObserverFuncs) OnText(text string) {
	if f.Text != nil {
		f.Text(text)
	}
}

func (f ObserverFuncs) OnDone(res Result) {
	if f.Done != nil {
		f.Done(res)
	}
}

// Package metrics exposes generation statistics as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/mambagen/internal/generate"
)

type Metrics struct {
	registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	Failures        *prometheus.CounterVec
	PromptTokens    *prometheus.CounterVec
	Generated       *prometheus.CounterVec
	EOSStops        *prometheus.CounterVec
	Duration        *prometheus.HistogramVec
	FirstToken      *prometheus.HistogramVec
	TokensPerSecond *prometheus.HistogramVec
	InFlight        prometheus.Gauge
}

// New registers every collector on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mambagen_generations_total",
			Help: "Generations started, by mode.",
		}, []string{"mode"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mambagen_generation_failures_total",
			Help: "Generations that ended with an error, by mode.",
		}, []string{"mode"}),
		PromptTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mambagen_prompt_tokens_total",
			Help: "Prompt tokens consumed.",
		}, []string{"mode"}),
		Generated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mambagen_generated_tokens_total",
			Help: "Tokens sampled after the prompt.",
		}, []string{"mode"}),
		EOSStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mambagen_eos_stops_total",
			Help: "Generations that ended on the end-of-sequence token.",
		}, []string{"mode"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mambagen_generation_duration_seconds",
			Help:    "Wall time of a generation.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"mode"}),
		FirstToken: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mambagen_first_token_seconds",
			Help:    "Time until the first step's logits were ready.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"mode"}),
		TokensPerSecond: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mambagen_tokens_per_second",
			Help:    "Decode throughput after the first step.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"mode"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mambagen_generations_in_flight",
			Help: "Generations currently running.",
		}),
	}
	reg.MustRegister(
		m.Requests, m.Failures, m.PromptTokens, m.Generated, m.EOSStops,
		m.Duration, m.FirstToken, m.TokensPerSecond, m.InFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observer returns a generation observer recording under the mode label.
func (m *Metrics) Observer(mode generate.Mode) generate.Observer {
	return &observer{m: m, mode: mode.String()}
}

// Fail counts a generation that returned an error.
func (m *Metrics) Fail(mode generate.Mode) {
	m.Failures.WithLabelValues(mode.String()).Inc()
}

type observer struct {
	m       *Metrics
	mode    string
	started bool
}

func (o *observer) OnPrimed(prompt []int) {
	o.started = true
	o.m.Requests.WithLabelValues(o.mode).Inc()
	o.m.PromptTokens.WithLabelValues(o.mode).Add(float64(len(prompt)))
	o.m.InFlight.Inc()
}

func (o *observer) OnStep(step, id int) {}

func (o *observer) OnText(text string) {}

func (o *observer) OnDone(res generate.Result) {
	if !o.started {
		return
	}
	o.m.InFlight.Dec()
	o.m.Generated.WithLabelValues(o.mode).Add(float64(res.Generated))
	if res.StoppedOnEOS {
		o.m.EOSStops.WithLabelValues(o.mode).Inc()
	}
	o.m.Duration.WithLabelValues(o.mode).Observe(res.Elapsed.Seconds())
	if res.FirstTokenLatency > 0 {
		o.m.FirstToken.WithLabelValues(o.mode).Observe(res.FirstTokenLatency.Seconds())
	}
	if res.TokensPerSecond > 0 {
		o.m.TokensPerSecond.WithLabelValues(o.mode).Observe(res.TokensPerSecond)
	}
}

package inference

import (
	"github.com/samcharles93/mambagen/internal/generate"
	"github.com/samcharles93/mambagen/internal/logits"
)

const (
	DefaultPrompt          = "Mamba is the"
	DefaultCachedTokens    = 40
	DefaultCachelessTokens = 10
	DefaultCachelessChunk  = 4
)

// RequestOptions carries caller overrides; nil fields take defaults.
type RequestOptions struct {
	Prompt *string
	Mode   *generate.Mode

	MaxNewTokens *int
	ChunkSize    *int
	Seed         *uint64

	Temperature   *float64
	TopP          *float64
	TopK          *int
	RepeatPenalty *float64
	RepeatLastN   *int
}

// GenDefaults are deployment-level defaults, typically from the config
// file, applied beneath RequestOptions.
type GenDefaults struct {
	Temperature   *float64
	TopP          *float64
	RepeatPenalty *float64
	RepeatLastN   *int
	MaxNewTokens  *int
}

func ResolveRequest(opts RequestOptions, defaults GenDefaults) Request {
	base := logits.DefaultConfig()
	req := Request{
		Prompt:        DefaultPrompt,
		Mode:          generate.Cached,
		Seed:          base.Seed,
		RepeatPenalty: float64(base.RepeatPenalty),
		RepeatLastN:   base.RepeatLastN,
	}

	if defaults.Temperature != nil {
		req.Temperature = defaults.Temperature
	}
	if defaults.TopP != nil && *defaults.TopP > 0 && *defaults.TopP <= 1 {
		req.TopP = defaults.TopP
	}
	if defaults.RepeatPenalty != nil && *defaults.RepeatPenalty > 0 {
		req.RepeatPenalty = *defaults.RepeatPenalty
	}
	if defaults.RepeatLastN != nil && *defaults.RepeatLastN >= 0 {
		req.RepeatLastN = *defaults.RepeatLastN
	}

	if opts.Prompt != nil {
		req.Prompt = *opts.Prompt
	}
	if opts.Mode != nil {
		req.Mode = *opts.Mode
	}
	if opts.Seed != nil {
		req.Seed = *opts.Seed
	}
	if opts.Temperature != nil {
		req.Temperature = opts.Temperature
	}
	if opts.TopP != nil {
		req.TopP = opts.TopP
	}
	if opts.TopK != nil {
		req.TopK = *opts.TopK
	}
	if opts.RepeatPenalty != nil {
		req.RepeatPenalty = *opts.RepeatPenalty
	}
	if opts.RepeatLastN != nil {
		req.RepeatLastN = *opts.RepeatLastN
	}

	// Token and chunk defaults depend on the resolved mode.
	req.MaxNewTokens = DefaultCachedTokens
	if req.Mode == generate.Cacheless {
		req.MaxNewTokens = DefaultCachelessTokens
		req.ChunkSize = DefaultCachelessChunk
	}
	if defaults.MaxNewTokens != nil && *defaults.MaxNewTokens > 0 {
		req.MaxNewTokens = *defaults.MaxNewTokens
	}
	if opts.MaxNewTokens != nil {
		req.MaxNewTokens = *opts.MaxNewTokens
	}
	if opts.ChunkSize != nil {
		req.ChunkSize = *opts.ChunkSize
	}
	return req
}

// Sampling converts the request's sampling fields.
func (r Request) Sampling() logits.Config {
	return logits.Config{
		Seed:          r.Seed,
		Temperature:   r.Temperature,
		TopP:          r.TopP,
		TopK:          r.TopK,
		RepeatPenalty: float32(r.RepeatPenalty),
		RepeatLastN:   r.RepeatLastN,
	}
}

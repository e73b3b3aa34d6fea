package api

// GenerateRequest is the body of POST /v1/generate. Omitted fields take
// the server defaults.
type GenerateRequest struct {
	Prompt        *string  `json:"prompt,omitempty"`
	Mode          string   `json:"mode,omitempty"`
	MaxNewTokens  *int     `json:"max_new_tokens,omitempty"`
	ChunkSize     *int     `json:"chunk_size,omitempty"`
	Seed          *uint64  `json:"seed,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	RepeatLastN   *int     `json:"repeat_last_n,omitempty"`
	Stream        bool     `json:"stream,omitempty"`
}

type Generation struct {
	ID           string           `json:"id"`
	Object       string           `json:"object"`
	CreatedAt    int64            `json:"created_at"`
	CompletedAt  *int64           `json:"completed_at,omitempty"`
	Status       string           `json:"status"`
	Model        string           `json:"model,omitempty"`
	Mode         string           `json:"mode"`
	Text         string           `json:"text"`
	StoppedOnEOS bool             `json:"stopped_on_eos"`
	Usage        *GenerationUsage `json:"usage,omitempty"`
	Timing       *GenerationTime  `json:"timing,omitempty"`
	Error        *ResponseError   `json:"error,omitempty"`
}

type GenerationUsage struct {
	PromptTokens    int `json:"prompt_tokens"`
	GeneratedTokens int `json:"generated_tokens"`
	Steps           int `json:"steps"`
}

type GenerationTime struct {
	FirstTokenMS    float64 `json:"first_token_ms"`
	DurationMS      float64 `json:"duration_ms"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type streamEvent struct {
	Type           string      `json:"type"`
	SequenceNumber int         `json:"sequence_number"`
	Generation     *Generation `json:"generation,omitempty"`
	Delta          string      `json:"delta,omitempty"`
}

const (
	statusInProgress = "in_progress"
	statusCompleted  = "completed"
	statusFailed     = "failed"
	statusIncomplete = "incomplete"
)

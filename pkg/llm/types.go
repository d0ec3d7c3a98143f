package llm

import "time"

// CompletionRequest carries the rendered prompt and sampling parameters for
// a single generation attempt.
type CompletionRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float32
	Stop        []string
}

// Completion is a successful backend response.
type Completion struct {
	Text  string
	Usage Usage
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Config holds common configuration for completion backends.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	RequestTimeout time.Duration
}

package llm

import "context"

// Provider defines the interface for text-completion backends.
// Implementations handle protocol-specific details such as request
// formatting, authentication, and response parsing. Implementations do not
// retry; retry and backoff policy belongs to the caller.
type Provider interface {
	// Complete sends one completion request and blocks until the response,
	// the configured request timeout, or ctx cancellation. Failures are
	// reported through the sentinel errors in this package.
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

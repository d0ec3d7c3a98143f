package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/user/chatrelay/pkg/llm"
)

// Client implements llm.Provider against OpenAI-compatible /completions
// endpoints (llama.cpp server, LocalAI, vLLM, the OpenAI legacy API).
type Client struct {
	config     *llm.Config
	httpClient *http.Client
}

// New creates a completion client with the given configuration. The request
// timeout is enforced per call via context, so the underlying http.Client
// carries no timeout of its own.
func New(config *llm.Config) *Client {
	return &Client{
		config:     config,
		httpClient: &http.Client{},
	}
}

// completionRequest is the legacy completions request body.
type completionRequest struct {
	Model       string   `json:"model,omitempty"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
}

// completionResponse is the completions response body.
type completionResponse struct {
	Choices []choice      `json:"choices"`
	Usage   responseUsage `json:"usage"`
	Error   *apiError     `json:"error"`
}

type choice struct {
	Text string `json:"text"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type responseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Complete sends one completion request and maps failures onto the closed
// error set in pkg/llm. Caller cancellation is passed through untouched so
// a shutdown is never mistaken for a backend fault.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	reqBody := completionRequest{
		Model:     c.config.Model,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
		Stop:      req.Stop,
		Stream:    false,
	}
	if req.Temperature != 0 {
		temp := req.Temperature
		reqBody.Temperature = &temp
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := c.config.BaseURL + "/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(err)
	}

	if resp.StatusCode != http.StatusOK {
		var er completionResponse
		if json.Unmarshal(respBody, &er) == nil && er.Error != nil {
			return nil, fmt.Errorf("%w: %s (status %d)", llm.ErrBackendMalformedResponse, er.Error.Message, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d", llm.ErrBackendMalformedResponse, resp.StatusCode)
	}

	var cr completionResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return nil, fmt.Errorf("%w: parsing response: %v", llm.ErrBackendMalformedResponse, err)
	}
	if cr.Error != nil {
		return nil, fmt.Errorf("%w: %s", llm.ErrBackendMalformedResponse, cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", llm.ErrBackendMalformedResponse)
	}

	return &llm.Completion{
		Text: strings.TrimSpace(cr.Choices[0].Text),
		Usage: llm.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		},
	}, nil
}

// classify maps request errors onto the closed error set. Caller
// cancellation is returned as-is.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", llm.ErrBackendTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", llm.ErrBackendTimeout, err)
	}
	return fmt.Errorf("%w: %v", llm.ErrBackendUnreachable, err)
}

// Package inference wraps the external OpenAI-compatible chat-completions
// endpoint behind the narrow capability the governor consumes. The governor
// treats any error from this package as a degradation signal, never as a
// request failure.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/veiljournal/veil/pkg/logger"
)

// CompletionRequest describes one chat completion. The prompt pair is built
// by the caller; this package only carries it to the wire.
type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	MaxTokens    int
}

// CompletionResult is the provider's answer plus its reported consumption,
// which drives cost accounting.
type CompletionResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// ProviderError reports a non-success status from the provider.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("inference provider: status %d: %s", e.StatusCode, e.Message)
}

// Client calls one OpenAI-compatible chat-completions endpoint.
type Client struct {
	client  *http.Client
	baseURL *url.URL
	apiKey  string
	model   string
	log     *logger.Logger
}

// NewClient constructs a client for the given endpoint. A nil http.Client
// gets a 30s timeout.
func NewClient(client *http.Client, baseURL, apiKey, model string, log *logger.Logger) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("inference base url required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse inference base url: %w", err)
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("inference api key required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, fmt.Errorf("inference model required")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("inference-client")
	}
	return &Client{
		client:  client,
		baseURL: parsed,
		apiKey:  apiKey,
		model:   model,
		log:     log,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete performs one chat completion. Non-200 statuses surface as
// *ProviderError; transport and context errors pass through wrapped.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("encode completion request: %w", err)
	}

	endpoint := c.baseURL.JoinPath("v1", "chat", "completions")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return CompletionResult{}, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return CompletionResult{}, &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(excerpt)),
		}
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return CompletionResult{}, fmt.Errorf("decode completion response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return CompletionResult{}, &ProviderError{StatusCode: resp.StatusCode, Message: "response carried no choices"}
	}

	return CompletionResult{
		Text:         decoded.Choices[0].Message.Content,
		InputTokens:  decoded.Usage.PromptTokens,
		OutputTokens: decoded.Usage.CompletionTokens,
	}, nil
}

// Package moderation wraps the external content-moderation endpoint. The
// governor consults it before any content reaches the cache, the inference
// provider, or storage; errors from this package are handled fail-open by
// the caller.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/veiljournal/veil/internal/app/domain/analysis"
	"github.com/veiljournal/veil/pkg/logger"
)

// Client calls one OpenAI-compatible moderation endpoint.
type Client struct {
	client  *http.Client
	baseURL *url.URL
	apiKey  string
	log     *logger.Logger
}

// NewClient constructs a moderation client. A nil http.Client gets a 5s
// timeout; the gate is latency-sensitive and the caller fails open anyway.
func NewClient(client *http.Client, baseURL, apiKey string, log *logger.Logger) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("moderation base url required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse moderation base url: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("moderation-client")
	}
	return &Client{
		client:  client,
		baseURL: parsed,
		apiKey:  strings.TrimSpace(apiKey),
		log:     log,
	}, nil
}

type moderationResponse struct {
	Results []struct {
		Flagged    bool            `json:"flagged"`
		Categories map[string]bool `json:"categories"`
	} `json:"results"`
}

// Classify submits text for moderation. The reason on a flagged verdict is
// the first flagged category in lexical order, so identical responses map to
// identical verdicts.
func (c *Client) Classify(ctx context.Context, text string) (analysis.ModerationVerdict, error) {
	body, err := json.Marshal(map[string]string{"input": text})
	if err != nil {
		return analysis.ModerationVerdict{}, fmt.Errorf("encode moderation request: %w", err)
	}

	endpoint := c.baseURL.JoinPath("v1", "moderations")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return analysis.ModerationVerdict{}, fmt.Errorf("build moderation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return analysis.ModerationVerdict{}, fmt.Errorf("moderation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return analysis.ModerationVerdict{}, fmt.Errorf("moderation status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}

	var decoded moderationResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return analysis.ModerationVerdict{}, fmt.Errorf("decode moderation response: %w", err)
	}
	if len(decoded.Results) == 0 {
		return analysis.ModerationVerdict{}, fmt.Errorf("moderation response carried no results")
	}

	result := decoded.Results[0]
	if !result.Flagged {
		return analysis.ModerationVerdict{}, nil
	}

	flagged := make([]string, 0, len(result.Categories))
	for category, hit := range result.Categories {
		if hit {
			flagged = append(flagged, category)
		}
	}
	sort.Strings(flagged)

	verdict := analysis.ModerationVerdict{Flagged: true}
	if len(flagged) > 0 {
		verdict.Reason = flagged[0]
	}
	return verdict, nil
}

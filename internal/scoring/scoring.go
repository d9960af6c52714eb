// Package scoring calls the external evidence-scoring provider.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

// Request describes one piece of evidence to score.
type Request struct {
	MissionTitle string `json:"mission_title"`
	EvidenceType string `json:"evidence_type"`
	TextContent  string `json:"text_content,omitempty"`
	ImageBase64  string `json:"image_base64,omitempty"`
	// BeforeImageBase64 carries the "before" frame of a comparison pair.
	BeforeImageBase64 string `json:"before_image_base64,omitempty"`
	// Comparison asks for an improvement-focused judgment of a
	// before/after pair instead of a single-item score.
	Comparison bool `json:"comparison,omitempty"`
}

// Result is the provider's judgment.
type Result struct {
	Confidence float64
	Reasoning  string
	CostCents  int64
}

// Scorer scores evidence. Implementations must be safe for concurrent use.
type Scorer interface {
	Score(ctx context.Context, req Request) (*Result, error)
}

// Client talks to the scoring provider over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Score posts the request and extracts confidence, reasoning and billed cost
// from the provider response. Provider payload shapes vary across versions so
// fields are pulled with gjson rather than a rigid struct.
func (c *Client) Score(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding scoring request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/score", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building scoring request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable("scoring provider unreachable"), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading scoring response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperr.RateLimited("scoring provider throttled")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Unavailable("scoring provider returned %d", resp.StatusCode)
	}

	parsed := gjson.ParseBytes(raw)
	conf := parsed.Get("confidence")
	if !conf.Exists() {
		conf = parsed.Get("result.confidence")
	}
	if !conf.Exists() {
		return nil, apperr.Unavailable("scoring response missing confidence")
	}
	reasoning := parsed.Get("reasoning").String()
	if reasoning == "" {
		reasoning = parsed.Get("result.reasoning").String()
	}
	return &Result{
		Confidence: conf.Float(),
		Reasoning:  reasoning,
		CostCents:  parsed.Get("usage.cost_cents").Int(),
	}, nil
}

// Package llm provides the HTTP JSON contract with the embedding and
// reasoning model endpoints. The teacher reaches the reasoning model
// over gRPC through a generated protobuf client; the contract here is
// plain HTTP JSON instead (see DESIGN.md), which is what the spec
// actually requires: "only the contract with the LLM (retry policy,
// JSON-response shape, token budget) belongs to this spec."
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// ErrMalformedResponse is returned when a JSON-mode completion cannot
// be parsed by any of the three fallback strategies.
var ErrMalformedResponse = errors.New("llm: malformed JSON response")

// sharedHTTPClient pools connections across every embed/generate call.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	},
}

// Config configures a Client.
type Config struct {
	BaseURL         string
	EmbeddingModel  string
	ReasoningModel  string
	EmbedTimeout    time.Duration
	GenerateTimeout time.Duration
}

// Client talks to the embedding and reasoning model endpoints over
// HTTP JSON, wrapping every call in a circuit breaker so a failing
// endpoint stops accepting traffic rather than piling up timeouts.
type Client struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds a Client and its circuit breaker. The breaker trips
// after 5 consecutive failures and probes again after 30s, matching
// the pack's circuit-breaker-manager convention (ReadyToTrip on
// consecutive failures, bounded half-open probing).
func NewClient(cfg Config) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{cfg: cfg, breaker: breaker}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Embed returns one embedding vector per input text, in order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.EmbedTimeout)
	defer cancel()

	reqBody := embedRequest{Model: c.cfg.EmbeddingModel, Input: texts}
	var resp embedResponse
	if err := c.postJSON(ctx, "/v1/embeddings", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to embed %d texts: %w", len(texts), err)
	}
	return resp.Embeddings, nil
}

type generateRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	JSONMode    bool    `json:"json_mode"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type generateResponse struct {
	Content string `json:"content"`
}

// GenerateOptions tunes a single Generate call.
type GenerateOptions struct {
	JSONMode    bool
	MaxTokens   int
	Temperature float64
}

// Generate runs a single reasoning-model completion and returns the
// raw text content. Callers needing structured output should follow
// up with ParseJSONResponse.
func (c *Client) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.GenerateTimeout)
	defer cancel()

	reqBody := generateRequest{
		Model:       c.cfg.ReasoningModel,
		Prompt:      prompt,
		JSONMode:    opts.JSONMode,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	var resp generateResponse
	if err := c.postJSON(ctx, "/v1/completions", reqBody, &resp); err != nil {
		return "", fmt.Errorf("failed to generate completion: %w", err)
	}
	return resp.Content, nil
}

// GenerateJSON runs a JSON-mode completion and unmarshals the result
// into out, making up to 3 attempts in all (2 retries) with exponential
// backoff when the response is present but fails to parse (the model
// occasionally wraps JSON in prose or code fences).
func (c *Client) GenerateJSON(ctx context.Context, prompt string, opts GenerateOptions, out any) error {
	opts.JSONMode = true

	operation := func() error {
		content, err := c.Generate(ctx, prompt, opts)
		if err != nil {
			return backoff.Permanent(err)
		}
		return ParseJSONResponse(content, out)
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("failed to generate parseable JSON: %w", err)
	}
	return nil
}

// ParseJSONResponse applies three fallback strategies to coax a JSON
// object out of a reasoning-model completion: (1) the content is
// already pure JSON, (2) the JSON is enclosed in a ```json fenced code
// block, (3) the first balanced {...} span found in the content.
func ParseJSONResponse(content string, out any) error {
	trimmed := bytesTrimSpace(content)

	if json.Unmarshal([]byte(trimmed), out) == nil {
		return nil
	}

	if fenced := extractFencedJSON(trimmed); fenced != "" {
		if json.Unmarshal([]byte(fenced), out) == nil {
			return nil
		}
	}

	if span := extractBalancedJSON(trimmed); span != "" {
		if json.Unmarshal([]byte(span), out) == nil {
			return nil
		}
	}

	return ErrMalformedResponse
}

func bytesTrimSpace(s string) string {
	return string(bytes.TrimSpace([]byte(s)))
}

func extractFencedJSON(s string) string {
	const openTag = "```json"
	start := indexOf(s, openTag)
	if start == -1 {
		start = indexOf(s, "```")
		if start == -1 {
			return ""
		}
		start += len("```")
	} else {
		start += len(openTag)
	}
	end := indexOf(s[start:], "```")
	if end == -1 {
		return ""
	}
	return bytesTrimSpace(s[start : start+end])
}

func extractBalancedJSON(s string) string {
	start := indexOfByte(s, '{')
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func indexOfByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// postJSON marshals body, sends it through the circuit breaker, and
// unmarshals the response into out.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := sharedHTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("llm endpoint returned %d: %s", resp.StatusCode, data)
		}

		return data, nil
	})
	if err != nil {
		return err
	}

	return json.Unmarshal(result.([]byte), out)
}

// Package external holds clients for services outside the process: the
// embedding encoder, the concept linker, and the Redis response cache.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// EncoderConfig configures the embedding service client.
type EncoderConfig struct {
	BaseURL   string        `json:"base_url"`
	Model     string        `json:"model"`
	Timeout   time.Duration `json:"timeout"`
	RateLimit int           `json:"rate_limit"` // requests per second
}

// EncoderClient calls the embedding service that maps query text to a dense
// vector. The service is expected to return unit-norm vectors but callers
// normalize again before searching.
type EncoderClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	rateLimit  *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

type encodeRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model,omitempty"`
}

type encodeResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Model      string      `json:"model"`
}

// NewEncoderClient creates an embedding service client.
func NewEncoderClient(config EncoderConfig) *EncoderClient {
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 20
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "Encoder",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	})

	return &EncoderClient{
		baseURL: config.BaseURL,
		model:   config.Model,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		rateLimit: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		breaker:   breaker,
	}
}

// ModelName returns the configured embedding model identifier.
func (c *EncoderClient) ModelName() string {
	return c.model
}

// Encode maps one text to its embedding vector.
func (c *EncoderClient) Encode(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EncodeBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("encoder returned %d vectors for 1 text", len(vecs))
	}
	return vecs[0], nil
}

// EncodeBatch maps texts to embedding vectors, preserving order.
func (c *EncoderClient) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("encoder base URL not configured")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	if err := c.rateLimit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doEncode(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	return result.([][]float32), nil
}

func (c *EncoderClient) doEncode(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(encodeRequest{Texts: texts, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("marshaling encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/encode", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating encode request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling encoder: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("encoder returned %d: %s", resp.StatusCode, body)
	}

	var decoded encodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding encode response: %w", err)
	}
	if len(decoded.Embeddings) != len(texts) {
		return nil, fmt.Errorf("encoder returned %d vectors for %d texts", len(decoded.Embeddings), len(texts))
	}
	return decoded.Embeddings, nil
}

// Package helpers implements the Helper Node Client: an HTTP client for
// remote embedding/reranking endpoints, guarded by a circuit breaker
// (pkg/breaker) and a retry policy, surfacing a fallback tag the caller
// uses to decide between "try the in-process equivalent" (local) and
// "fail the whole request" (skip).
//
// Grounded on original_source's remote.client.RemoteHelperClient (embed/
// rerank/health_check/close, is_healthy tracking, fallback-tagged errors)
// and skills/mcp_bridge.py's RemoteMCPBridge (breaker-gated retry with
// exponential backoff, retryable = HTTP 429, HTTP ≥ 500, timeout, network
// error) — reproduced over net/http with github.com/cenkalti/backoff/v4
// driving the retry loop instead of a hand-rolled sleep(backoff * 2**n).
package helpers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opta-lmx/lmx/pkg/breaker"
	"github.com/opta-lmx/lmx/pkg/config"
)

// Error is returned by every Client method on failure, carrying the
// endpoint's configured fallback tag so the caller knows whether to retry
// locally or fail the request outright.
type Error struct {
	Fallback string // "local" | "skip"
	cause    error
}

func (e *Error) Error() string { return fmt.Sprintf("remote helper request failed (fallback=%s): %v", e.Fallback, e.cause) }
func (e *Error) Unwrap() error { return e.cause }

// EmbeddingVector is one embed() result.
type EmbeddingVector []float64

// RerankResult is one rerank() result, index into the caller's original
// document list plus the computed relevance score.
type RerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Client talks to one remote helper endpoint (embedding or reranking),
// gating every call through a Breaker and retrying retryable failures.
type Client struct {
	baseURL    string
	model      string
	fallback   string
	maxRetries int
	backoffMin time.Duration

	httpClient *http.Client
	cb         *breaker.Breaker
}

// Config describes one remote helper endpoint, mirroring
// RemoteHelperEndpoint / HelperNodeConfig's fields.
type Config struct {
	BaseURL          string
	Model            string
	Timeout          time.Duration
	APIKey           string
	MaxRetries       int
	RetryBackoffMin  time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
	Fallback         string // "local" | "skip"
}

// New builds a Client for one configured helper endpoint.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	fallback := cfg.Fallback
	if fallback == "" {
		fallback = "local"
	}
	backoffMin := cfg.RetryBackoffMin
	if backoffMin <= 0 {
		backoffMin = 250 * time.Millisecond
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		fallback:   fallback,
		maxRetries: cfg.MaxRetries,
		backoffMin: backoffMin,
		httpClient: &http.Client{Timeout: timeout},
		cb:         breaker.New(cfg.FailureThreshold, cfg.ResetTimeout),
	}
}

// NewFromNodeConfig builds a Client from one configured helper_nodes entry.
func NewFromNodeConfig(node config.HelperNodeConfig) *Client {
	return New(Config{
		BaseURL:          node.BaseURL,
		Model:            node.Name,
		Timeout:          time.Duration(node.TimeoutSec * float64(time.Second)),
		APIKey:           node.APIKey,
		MaxRetries:       node.MaxRetries,
		RetryBackoffMin:  time.Duration(node.RetryBackoffSec * float64(time.Second)),
		FailureThreshold: node.FailureThreshold,
		ResetTimeout:     time.Duration(node.ResetTimeoutSec * float64(time.Second)),
		Fallback:         node.Fallback,
	})
}

// Model returns the endpoint's configured model identifier.
func (c *Client) Model() string { return c.model }

// Fallback returns the endpoint's configured fallback tag.
func (c *Client) Fallback() string { return c.fallback }

// IsHealthy reports whether the breaker currently allows requests through
// (closed or half-open), i.e. the endpoint isn't presently tripped open.
func (c *Client) IsHealthy() bool { return c.cb.State() != breaker.StateOpen }

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedDatum struct {
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

type embedResponse struct {
	Data []embedDatum `json:"data"`
}

// Embed requests embeddings for texts, returned in the same order they
// were submitted.
func (c *Client) Embed(ctx context.Context, texts []string) ([]EmbeddingVector, error) {
	var parsed embedResponse
	if err := c.requestJSON(ctx, "/v1/embeddings", embedRequest{Input: texts, Model: c.model}, &parsed); err != nil {
		return nil, err
	}
	vectors := make([]EmbeddingVector, len(parsed.Data))
	for _, d := range parsed.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	return vectors, nil
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []RerankResult `json:"results"`
}

// Rerank scores documents against query, returning results ordered by
// relevance (as the remote endpoint returns them), truncated to topN when
// topN > 0.
func (c *Client) Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	var parsed rerankResponse
	req := rerankRequest{Query: query, Documents: documents, Model: c.model, TopN: topN}
	if err := c.requestJSON(ctx, "/v1/rerank", req, &parsed); err != nil {
		return nil, err
	}
	return parsed.Results, nil
}

// HealthCheck probes the endpoint's health without going through the
// breaker or retry policy — callers use this to decide whether to
// reset a tripped breaker manually, not as a guarded call.
func (c *Client) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Close releases the client's idle HTTP connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// requestJSON POSTs payload to path and decodes the JSON response into
// out, gated by the breaker and retried per the retryable-error policy.
func (c *Client) requestJSON(ctx context.Context, path string, payload any, out any) error {
	if !c.cb.Allow() {
		return &Error{Fallback: c.fallback, cause: errors.New("circuit open")}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		c.cb.RecordFailure()
		return &Error{Fallback: c.fallback, cause: err}
	}

	policy := backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(c.backoffMin)),
		uint64(maxInt(0, c.maxRetries)),
	)

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("remote helper returned %s", resp.Status)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("remote helper returned %s", resp.Status))
		}

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	err = backoff.Retry(attempt, policy)

	if err != nil {
		c.cb.RecordFailure()
		return &Error{Fallback: c.fallback, cause: err}
	}

	c.cb.RecordSuccess()
	return nil
}

// isRetryable matches the retryable transport-error classes: timeout and
// network error (HTTP status retryability is checked separately by the
// caller, since that needs the response).
func isRetryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

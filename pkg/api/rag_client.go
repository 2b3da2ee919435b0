package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ragClient is a thin facade over an upstream vector-store HTTP service,
// grounded on pkg/helpers.Client's requestJSON idiom but without a circuit
// breaker: a RAG backend failing is surfaced to the caller directly rather
// than tripping a fallback path, since there is no local equivalent to
// fall back to.
type ragClient struct {
	baseURL string
	http    *http.Client
}

func newRAGClient(baseURL string, client *http.Client) *ragClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &ragClient{baseURL: baseURL, http: client}
}

func (r *ragClient) requestJSON(ctx context.Context, method, path string, payload, out any) error {
	var body bytes.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = *bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("rag backend %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *ragClient) Ingest(ctx context.Context, req ragIngestRequest) error {
	return r.requestJSON(ctx, http.MethodPost, "/collections/"+req.Collection+"/documents", req.Documents, nil)
}

func (r *ragClient) Query(ctx context.Context, req ragQueryRequest) (ragQueryResponse, error) {
	var out ragQueryResponse
	err := r.requestJSON(ctx, http.MethodPost, "/collections/"+req.Collection+"/query", req, &out)
	return out, err
}

func (r *ragClient) Context(ctx context.Context, req ragContextRequest) (ragContextResponse, error) {
	var out ragContextResponse
	err := r.requestJSON(ctx, http.MethodPost, "/collections/"+req.Collection+"/context", req, &out)
	return out, err
}

func (r *ragClient) ListCollections(ctx context.Context) (ragCollectionsResponse, error) {
	var out ragCollectionsResponse
	err := r.requestJSON(ctx, http.MethodGet, "/collections", nil, &out)
	return out, err
}

func (r *ragClient) DeleteCollection(ctx context.Context, name string) error {
	return r.requestJSON(ctx, http.MethodDelete, "/collections/"+name, nil, nil)
}

package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the raw contract with the external vector database. The Gateway
// is the only intended caller.
type Client interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CollectionDimension(ctx context.Context, name string) (int, error)
	CreateCollection(ctx context.Context, name string, dimension int) error
	DropCollection(ctx context.Context, name string) error
	CreateFieldIndex(ctx context.Context, name string, idx PayloadIndex) error
	UpdateAlias(ctx context.Context, collection, alias string) error

	Upsert(ctx context.Context, collection string, points []Point) error
	Retrieve(ctx context.Context, collection string, ids []string) ([]Point, error)
	Scroll(ctx context.Context, collection string, filter Filter, limit int, offset string) ([]Point, string, error)
	Search(ctx context.Context, collection string, vector []float32, filter Filter, limit int) ([]ScoredPoint, error)
	Delete(ctx context.Context, collection string, ids []string) error
	SetPayload(ctx context.Context, collection string, id string, patch map[string]any) error

	Health(ctx context.Context) error
}

// HTTPClient implements Client against a Qdrant-compatible REST endpoint.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a client for the vector database at baseURL.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// apiError distinguishes HTTP status classes for the gateway's retry logic.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("vector store returned status %d: %s", e.Status, e.Body)
}

// transient reports whether the failure is worth retrying.
func (e *apiError) transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("vector store request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{Status: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) CollectionExists(ctx context.Context, name string) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/collections/"+name, nil, nil)
	if err == nil {
		return true, nil
	}
	if ae, ok := err.(*apiError); ok && ae.Status == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

func (c *HTTPClient) CollectionDimension(ctx context.Context, name string) (int, error) {
	var resp struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors json.RawMessage `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, "/collections/"+name, nil, &resp); err != nil {
		return 0, err
	}

	// The engine reports either a bare vector config or a named-vector map.
	var bare struct {
		Size int `json:"size"`
	}
	if err := json.Unmarshal(resp.Result.Config.Params.Vectors, &bare); err == nil && bare.Size > 0 {
		return bare.Size, nil
	}
	var named map[string]struct {
		Size int `json:"size"`
	}
	if err := json.Unmarshal(resp.Result.Config.Params.Vectors, &named); err == nil {
		for _, v := range named {
			if v.Size > 0 {
				return v.Size, nil
			}
		}
	}
	return 0, fmt.Errorf("could not determine vector dimension of collection %s", name)
}

func (c *HTTPClient) CreateCollection(ctx context.Context, name string, dimension int) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	return c.do(ctx, http.MethodPut, "/collections/"+name, body, nil)
}

func (c *HTTPClient) DropCollection(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/collections/"+name, nil, nil)
}

func (c *HTTPClient) CreateFieldIndex(ctx context.Context, name string, idx PayloadIndex) error {
	schema := map[string]any{"type": idx.Type}
	if idx.IsTenant {
		schema["is_tenant"] = true
	}
	body := map[string]any{
		"field_name":   idx.Field,
		"field_schema": schema,
	}
	err := c.do(ctx, http.MethodPut, "/collections/"+name+"/index?wait=true", body, nil)
	if ae, ok := err.(*apiError); ok && ae.Status == http.StatusConflict {
		return nil // index already exists
	}
	return err
}

func (c *HTTPClient) UpdateAlias(ctx context.Context, collection, alias string) error {
	body := map[string]any{
		"actions": []map[string]any{
			{"delete_alias": map[string]any{"alias_name": alias}},
			{"create_alias": map[string]any{"collection_name": collection, "alias_name": alias}},
		},
	}
	err := c.do(ctx, http.MethodPost, "/collections/aliases", body, nil)
	if ae, ok := err.(*apiError); ok && ae.Status == http.StatusNotFound {
		// delete_alias on a fresh cluster; retry with create only.
		body["actions"] = []map[string]any{
			{"create_alias": map[string]any{"collection_name": collection, "alias_name": alias}},
		}
		return c.do(ctx, http.MethodPost, "/collections/aliases", body, nil)
	}
	return err
}

func (c *HTTPClient) Upsert(ctx context.Context, collection string, points []Point) error {
	type enginePoint struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector,omitempty"`
		Payload map[string]any `json:"payload,omitempty"`
	}
	eps := make([]enginePoint, len(points))
	for i, p := range points {
		eps[i] = enginePoint{ID: p.ID, Vector: p.Vector, Payload: p.Payload}
	}
	body := map[string]any{"points": eps}
	return c.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil)
}

func (c *HTTPClient) Retrieve(ctx context.Context, collection string, ids []string) ([]Point, error) {
	body := map[string]any{
		"ids":          ids,
		"with_payload": true,
		"with_vector":  true,
	}
	var resp struct {
		Result []rawPoint `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points", body, &resp); err != nil {
		return nil, err
	}
	out := make([]Point, 0, len(resp.Result))
	for _, rp := range resp.Result {
		out = append(out, rp.toPoint())
	}
	return out, nil
}

func (c *HTTPClient) Scroll(ctx context.Context, collection string, filter Filter, limit int, offset string) ([]Point, string, error) {
	body := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if ef := filter.toEngine(); ef != nil {
		body["filter"] = ef
	}
	if offset != "" {
		body["offset"] = offset
	}
	var resp struct {
		Result struct {
			Points         []rawPoint      `json:"points"`
			NextPageOffset json.RawMessage `json:"next_page_offset"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", body, &resp); err != nil {
		return nil, "", err
	}
	points := make([]Point, 0, len(resp.Result.Points))
	for _, rp := range resp.Result.Points {
		points = append(points, rp.toPoint())
	}
	next := ""
	if len(resp.Result.NextPageOffset) > 0 && string(resp.Result.NextPageOffset) != "null" {
		var s string
		if err := json.Unmarshal(resp.Result.NextPageOffset, &s); err == nil {
			next = s
		} else {
			next = string(resp.Result.NextPageOffset)
		}
	}
	return points, next, nil
}

func (c *HTTPClient) Search(ctx context.Context, collection string, vector []float32, filter Filter, limit int) ([]ScoredPoint, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if ef := filter.toEngine(); ef != nil {
		body["filter"] = ef
	}
	var resp struct {
		Result []struct {
			ID      json.RawMessage `json:"id"`
			Score   float64         `json:"score"`
			Payload map[string]any  `json:"payload"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body, &resp); err != nil {
		return nil, err
	}
	out := make([]ScoredPoint, 0, len(resp.Result))
	for _, r := range resp.Result {
		out = append(out, ScoredPoint{ID: rawID(r.ID), Score: r.Score, Payload: r.Payload})
	}
	return out, nil
}

func (c *HTTPClient) Delete(ctx context.Context, collection string, ids []string) error {
	body := map[string]any{"points": ids}
	return c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body, nil)
}

func (c *HTTPClient) SetPayload(ctx context.Context, collection string, id string, patch map[string]any) error {
	body := map[string]any{
		"payload": patch,
		"points":  []string{id},
	}
	return c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/payload?wait=true", body, nil)
}

func (c *HTTPClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// rawPoint tolerates numeric or string ids coming back from the engine.
type rawPoint struct {
	ID      json.RawMessage `json:"id"`
	Vector  json.RawMessage `json:"vector"`
	Payload map[string]any  `json:"payload"`
}

func (rp rawPoint) toPoint() Point {
	p := Point{ID: rawID(rp.ID), Payload: rp.Payload}
	if len(rp.Vector) > 0 && string(rp.Vector) != "null" {
		// Bare vector or named-vector map; empty vectors are stripped.
		var bare []float32
		if err := json.Unmarshal(rp.Vector, &bare); err == nil {
			if len(bare) > 0 {
				p.Vector = bare
			}
		} else {
			var named map[string][]float32
			if err := json.Unmarshal(rp.Vector, &named); err == nil {
				for _, v := range named {
					if len(v) > 0 {
						p.Vector = v
						break
					}
				}
			}
		}
	}
	return p
}

func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

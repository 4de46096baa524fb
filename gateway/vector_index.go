// Copyright 2025 PromptSentry
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// VectorPoint is one entry in a vector collection. Payload carries the
// category and severity of a blocked prompt, never the raw prompt of a
// live request.
type VectorPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Neighbor is one search hit with its cosine similarity score.
type Neighbor struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// VectorIndex is the externally-owned similarity store.
type VectorIndex interface {
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]Neighbor, error)
	Upsert(ctx context.Context, collection string, points []VectorPoint) error
}

// HTTPVectorIndex speaks the Qdrant-compatible REST dialect:
//
//	POST {base}/collections/{c}/points/search
//	PUT  {base}/collections/{c}/points
type HTTPVectorIndex struct {
	baseURL string
	client  *http.Client
}

func NewHTTPVectorIndex(baseURL string, client *http.Client) *HTTPVectorIndex {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPVectorIndex{baseURL: baseURL, client: client}
}

func (v *HTTPVectorIndex) Search(ctx context.Context, collection string, vector []float32, limit int) ([]Neighbor, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/search", v.baseURL, collection)
	body, err := v.do(ctx, http.MethodPost, url, payload)
	if err != nil {
		return nil, err
	}

	var out struct {
		Result []struct {
			// Point ids are UUID strings or integers depending on how the
			// collection was seeded.
			ID      json.RawMessage        `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	neighbors := make([]Neighbor, 0, len(out.Result))
	for _, r := range out.Result {
		neighbors = append(neighbors, Neighbor{
			ID:      strings.Trim(string(r.ID), `"`),
			Score:   r.Score,
			Payload: r.Payload,
		})
	}
	return neighbors, nil
}

func (v *HTTPVectorIndex) Upsert(ctx context.Context, collection string, points []VectorPoint) error {
	payload, err := json.Marshal(map[string]interface{}{"points": points})
	if err != nil {
		return fmt.Errorf("failed to marshal upsert request: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points", v.baseURL, collection)
	if _, err := v.do(ctx, http.MethodPut, url, payload); err != nil {
		return err
	}
	return nil
}

func (v *HTTPVectorIndex) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build vector index request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vector index error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read vector index response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vector index returned %d: %s", resp.StatusCode, truncate(string(body), 256))
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

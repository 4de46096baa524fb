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
	"time"
)

// LogIndexClient appends decision documents to an Elasticsearch-style
// index: POST {base}/{index}/_doc with optional basic auth. Delivery is
// at-least-once; the audit queue retries around it.
type LogIndexClient struct {
	baseURL  string
	index    string
	username string
	password string
	client   *http.Client
}

// NewLogIndexClient builds a shipper for one index.
func NewLogIndexClient(baseURL, index, username, password string, timeout time.Duration) *LogIndexClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &LogIndexClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		index:    index,
		username: username,
		password: password,
		client:   &http.Client{Timeout: timeout},
	}
}

// Ship indexes one decision record.
func (c *LogIndexClient) Ship(ctx context.Context, rec *DecisionRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal decision document: %w", err)
	}

	url := fmt.Sprintf("%s/%s/_doc", c.baseURL, c.index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build index request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("log index request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("log index returned status %d: %w", resp.StatusCode, ErrUnavailable)
	}
	return nil
}

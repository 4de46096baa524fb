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
	"sync"
	"time"

	"promptsentry/platform/shared/logger"
)

// Evaluator is the policy stage contract. Implementations never fail the
// request: degraded dependencies collapse into a verdict, not an error.
type Evaluator interface {
	Evaluate(ctx context.Context, rc RequestContext, prompt string, snap *Snapshot, findings []Finding) EvaluatorResult
}

// LocalEvaluator applies the allow/block lists, folds findings on the
// action lattice, and enforces the tenant guards without leaving the
// process. It is both the default evaluator and the fallback behind the
// remote one.
type LocalEvaluator struct {
	defaultMaxPromptLength int
	defaultLanguages       []string
}

// NewLocalEvaluator builds the in-process evaluator. maxPromptLength and
// allowedLanguages are gateway-wide defaults; a bundle's own guards take
// precedence when set.
func NewLocalEvaluator(maxPromptLength int, allowedLanguages []string) *LocalEvaluator {
	return &LocalEvaluator{
		defaultMaxPromptLength: maxPromptLength,
		defaultLanguages:       allowedLanguages,
	}
}

// Evaluate runs the full local algorithm: lists first, then finding
// aggregation, then guards.
func (e *LocalEvaluator) Evaluate(ctx context.Context, rc RequestContext, prompt string, snap *Snapshot, findings []Finding) EvaluatorResult {
	if res, ok := e.ShortCircuit(prompt, snap, time.Now()); ok {
		return res
	}
	return e.scoreFindings(prompt, snap, findings)
}

// ShortCircuit applies the list layers. An allowlist match wins outright;
// a blocklist match blocks outright; both beat every detector.
func (e *LocalEvaluator) ShortCircuit(prompt string, snap *Snapshot, now time.Time) (EvaluatorResult, bool) {
	if entry, ok := snap.MatchAllowlist(prompt, now); ok {
		return EvaluatorResult{
			Action:     ActionAllow,
			Reasons:    []string{"allowlist"},
			Confidence: 1.0,
			Method:     MethodAllowlist,
			Mode:       "local",
			Metadata:   map[string]interface{}{"entry_id": entry.ID, "kind": string(entry.Kind)},
		}, true
	}
	if entry, ok := snap.MatchBlocklist(prompt, now); ok {
		return EvaluatorResult{
			Action:     ActionBlock,
			Reasons:    []string{"blocklist: " + entry.Value},
			Violations: []string{"blocklist"},
			Confidence: 1.0,
			Method:     MethodBlocklist,
			Mode:       "local",
			Metadata:   map[string]interface{}{"entry_id": entry.ID, "kind": string(entry.Kind)},
		}, true
	}
	return EvaluatorResult{}, false
}

func (e *LocalEvaluator) scoreFindings(prompt string, snap *Snapshot, findings []Finding) EvaluatorResult {
	action := ActionAllow
	var reasons []string
	var violations []string
	seen := make(map[string]bool)

	for _, f := range findings {
		action = MaxAction(action, f.SuggestedAction)
		if r := f.Reason(); !seen[r] {
			seen[r] = true
			reasons = append(reasons, r)
		}
		if f.SuggestedAction == ActionBlock {
			violations = append(violations, f.Reason())
		}
	}

	// Confidence tracks the findings that carried the final action.
	var confidence float64
	for _, f := range findings {
		if f.SuggestedAction == action && f.Confidence > confidence {
			confidence = f.Confidence
		}
	}

	// Tenant guards override detector verdicts upward only.
	maxLen := e.defaultMaxPromptLength
	langs := e.defaultLanguages
	if snap != nil && snap.Bundle != nil {
		if snap.Bundle.MaxPromptLength > 0 {
			maxLen = snap.Bundle.MaxPromptLength
		}
		if len(snap.Bundle.AllowedLanguages) > 0 {
			langs = snap.Bundle.AllowedLanguages
		}
	}
	if maxLen > 0 && promptLength(prompt) > maxLen {
		action = ActionBlock
		confidence = 1.0
		reasons = append(reasons, "prompt_too_long")
		violations = append(violations, "prompt_too_long")
	}
	if len(langs) > 0 {
		if lang := DetectLanguage(prompt); !languageAllowed(langs, lang) {
			action = ActionBlock
			confidence = 1.0
			reasons = append(reasons, "language_not_allowed")
			violations = append(violations, "language_not_allowed")
		}
	}

	return EvaluatorResult{
		Action:     action,
		Reasons:    reasons,
		Violations: violations,
		Confidence: confidence,
		Method:     MethodPolicy,
		Mode:       "local",
	}
}

func languageAllowed(langs []string, lang string) bool {
	for _, l := range langs {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}

// RemoteEvaluator delegates finding aggregation and guard checks to an
// OPA-style policy service (POST {url}/v1/data/{path} with {"input": ...}).
// The list layers stay local. Any transport or response-shape failure falls
// back to the local algorithm unless fail-closed is set, in which case the
// verdict is BLOCK.
type RemoteEvaluator struct {
	url        string
	policyPath string
	client     *http.Client
	local      *LocalEvaluator
	failClosed bool
	log        *logger.Logger

	mu         sync.Mutex
	healthy    bool
	lastProbe  time.Time
	probeEvery time.Duration
}

// NewRemoteEvaluator wraps local with the remote delegation layer.
func NewRemoteEvaluator(url, policyPath string, timeout time.Duration, local *LocalEvaluator, failClosed bool) *RemoteEvaluator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteEvaluator{
		url:        strings.TrimRight(url, "/"),
		policyPath: strings.Trim(policyPath, "/"),
		client:     &http.Client{Timeout: timeout},
		local:      local,
		failClosed: failClosed,
		log:        logger.New("policy-evaluator"),
		probeEvery: 15 * time.Second,
	}
}

// policyFinding is the findings projection shipped to the remote evaluator:
// classification only, never matched text or spans.
type policyFinding struct {
	Kind            string  `json:"kind"`
	SubType         string  `json:"sub_type,omitempty"`
	Confidence      float64 `json:"confidence"`
	Severity        string  `json:"severity"`
	SuggestedAction string  `json:"suggested_action"`
	RuleID          string  `json:"rule_id,omitempty"`
}

// Evaluate runs lists locally, then delegates the verdict to the remote
// service when it is healthy.
func (e *RemoteEvaluator) Evaluate(ctx context.Context, rc RequestContext, prompt string, snap *Snapshot, findings []Finding) EvaluatorResult {
	if res, ok := e.local.ShortCircuit(prompt, snap, time.Now()); ok {
		return res
	}
	if !e.Healthy(ctx) {
		return e.fallback(ctx, rc, prompt, snap, findings, ErrUnavailable)
	}

	res, err := e.query(ctx, rc, prompt, snap, findings)
	if err != nil {
		e.markUnhealthy()
		return e.fallback(ctx, rc, prompt, snap, findings, err)
	}
	return res
}

func (e *RemoteEvaluator) query(ctx context.Context, rc RequestContext, prompt string, snap *Snapshot, findings []Finding) (EvaluatorResult, error) {
	projected := make([]policyFinding, 0, len(findings))
	for _, f := range findings {
		projected = append(projected, policyFinding{
			Kind:            string(f.Kind),
			SubType:         f.SubType,
			Confidence:      f.Confidence,
			Severity:        string(f.Severity),
			SuggestedAction: string(f.SuggestedAction),
			RuleID:          f.RuleID,
		})
	}

	input := map[string]interface{}{
		"tenant":        rc.Tenant,
		"channel":       rc.Channel,
		"user_id":       rc.UserID,
		"roles":         rc.Roles,
		"permissions":   rc.Permissions,
		"route":         rc.Route,
		"input_digest":  InputDigest(prompt),
		"prompt_length": promptLength(prompt),
		"language":      DetectLanguage(prompt),
		"findings":      projected,
	}
	if snap != nil && snap.Bundle != nil {
		input["bundle"] = snap.Bundle.Ref()
		if snap.Bundle.MaxPromptLength > 0 {
			input["max_prompt_length"] = snap.Bundle.MaxPromptLength
		}
		if len(snap.Bundle.AllowedLanguages) > 0 {
			input["allowed_languages"] = snap.Bundle.AllowedLanguages
		}
	}

	body, err := json.Marshal(map[string]interface{}{"input": input})
	if err != nil {
		return EvaluatorResult{}, fmt.Errorf("failed to encode evaluator input: %w", err)
	}

	url := fmt.Sprintf("%s/v1/data/%s", e.url, e.policyPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return EvaluatorResult{}, fmt.Errorf("failed to build evaluator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return EvaluatorResult{}, fmt.Errorf("evaluator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return EvaluatorResult{}, fmt.Errorf("evaluator returned status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var envelope struct {
		Result *struct {
			Action     string   `json:"action"`
			Reasons    []string `json:"reasons"`
			Violations []string `json:"violations"`
			Confidence float64  `json:"confidence"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return EvaluatorResult{}, fmt.Errorf("failed to decode evaluator response: %w", err)
	}
	if envelope.Result == nil {
		return EvaluatorResult{}, fmt.Errorf("evaluator response missing result document")
	}
	action := Action(envelope.Result.Action)
	if !action.Valid() {
		return EvaluatorResult{}, fmt.Errorf("evaluator returned unknown action %q", envelope.Result.Action)
	}

	return EvaluatorResult{
		Action:     action,
		Reasons:    envelope.Result.Reasons,
		Violations: envelope.Result.Violations,
		Confidence: envelope.Result.Confidence,
		Method:     MethodPolicy,
		Mode:       "remote",
	}, nil
}

func (e *RemoteEvaluator) fallback(ctx context.Context, rc RequestContext, prompt string, snap *Snapshot, findings []Finding, cause error) EvaluatorResult {
	promEvaluatorFallbacks.Inc()
	if e.failClosed {
		e.log.ErrorWithErr(rc.Tenant, rc.RequestID, "remote evaluator unavailable, failing closed", cause, nil)
		return EvaluatorResult{
			Action:     ActionBlock,
			Reasons:    []string{"evaluator_unavailable"},
			Violations: []string{"evaluator_unavailable"},
			Confidence: 1.0,
			Method:     MethodPolicy,
			Mode:       "remote",
		}
	}
	e.log.Warn(rc.Tenant, rc.RequestID, "remote evaluator unavailable, using local algorithm", map[string]interface{}{
		"error": cause.Error(),
	})
	return e.local.scoreFindings(prompt, snap, findings)
}

// Healthy reports whether the remote service answered its last /health
// probe. Probes are rate-limited; a failed query forces the next call to
// re-probe.
func (e *RemoteEvaluator) Healthy(ctx context.Context) bool {
	e.mu.Lock()
	if time.Since(e.lastProbe) < e.probeEvery {
		h := e.healthy
		e.mu.Unlock()
		return h
	}
	e.mu.Unlock()

	h := e.probe(ctx)

	e.mu.Lock()
	e.healthy = h
	e.lastProbe = time.Now()
	e.mu.Unlock()
	return h
}

func (e *RemoteEvaluator) markUnhealthy() {
	e.mu.Lock()
	e.healthy = false
	e.lastProbe = time.Time{}
	e.mu.Unlock()
}

func (e *RemoteEvaluator) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

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
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"promptsentry/platform/shared/logger"
)

// auditWriteTimeout bounds the detached audit write so a stalled store
// cannot hold a request goroutine past the response.
const auditWriteTimeout = 2 * time.Second

// EngineOptions carries everything the screening engine needs. Cache,
// Local, Evaluator, Audit, Metrics, and Log are required; Stats and the
// detector slices may be nil or empty when the deployment disables them.
type EngineOptions struct {
	Cache             *TenantCache
	Detectors         []Detector
	ResponseDetectors []Detector
	Local             *LocalEvaluator
	Evaluator         Evaluator
	Audit             *AuditLogger
	Stats             *StatsRecorder
	Metrics           *GatewayMetrics
	Timeouts          DetectorTimeouts
	Log               *logger.Logger
}

// Engine runs the screening pipeline for one gateway process:
// normalize, allow/block short-circuit, concurrent detector fan-out,
// policy evaluation, decision fusion, masking, and audit. It is safe
// for concurrent use; all mutable per-request state stays on the stack.
type Engine struct {
	cache             *TenantCache
	detectors         []Detector
	responseDetectors []Detector
	local             *LocalEvaluator
	evaluator         Evaluator
	audit             *AuditLogger
	stats             *StatsRecorder
	metrics           *GatewayMetrics
	timeouts          DetectorTimeouts
	log               *logger.Logger
}

func NewEngine(opts EngineOptions) *Engine {
	return &Engine{
		cache:             opts.Cache,
		detectors:         opts.Detectors,
		responseDetectors: opts.ResponseDetectors,
		local:             opts.Local,
		evaluator:         opts.Evaluator,
		audit:             opts.Audit,
		stats:             opts.Stats,
		metrics:           opts.Metrics,
		timeouts:          opts.Timeouts,
		log:               opts.Log,
	}
}

// ScreenPrompt screens one inbound prompt and always returns a decision:
// every failure mode degrades or fails closed, never errors out. The
// deadline on ctx is the request budget; when it expires mid-pipeline the
// decision collapses to block with whatever findings were gathered.
func (e *Engine) ScreenPrompt(ctx context.Context, rc RequestContext, prompt string) Decision {
	start := time.Now()
	normalized := NormalizePrompt(prompt)
	language := DetectLanguage(normalized)
	digest := InputDigest(normalized)

	var degraded []string
	snap, err := e.cache.Get(ctx, rc.Tenant, rc.Channel)
	if err != nil {
		// Built-in patterns still run; the tenant's own rules do not.
		snap = nil
		degraded = append(degraded, fmt.Sprintf("policy_store: %v", err))
		e.log.Warn(rc.Tenant, rc.RequestID, "policy snapshot unavailable, screening with built-ins only", map[string]interface{}{
			"error":   err.Error(),
			"channel": rc.Channel,
		})
	}

	var (
		findings []Finding
		eval     EvaluatorResult
	)
	if res, ok := e.local.ShortCircuit(normalized, snap, time.Now()); ok {
		eval = res
	} else {
		in := ScanInput{Prompt: normalized, Language: language, Context: rc, Snapshot: snap}
		var errs []string
		findings, errs = e.fanOut(ctx, in, e.detectors)
		degraded = append(degraded, errs...)
		eval = e.evaluator.Evaluate(ctx, rc, normalized, snap, findings)
	}

	d := FuseDecision(findings, eval, degraded)
	return e.finalize(ctx, rc, normalized, digest, snap, findings, d, start)
}

// CheckResponse screens a model completion before it reaches the caller.
// Lists and prompt guards do not apply to completions; only the leak
// detectors run, plus the canary probe when the caller planted one.
// originalPrompt is used for log correlation only and is never persisted.
func (e *Engine) CheckResponse(ctx context.Context, rc RequestContext, response, originalPrompt, canary string) Decision {
	start := time.Now()
	normalized := NormalizePrompt(response)
	language := DetectLanguage(normalized)
	digest := InputDigest(normalized)

	var degraded []string
	snap, err := e.cache.Get(ctx, rc.Tenant, rc.Channel)
	if err != nil {
		snap = nil
		degraded = append(degraded, fmt.Sprintf("policy_store: %v", err))
	}

	in := ScanInput{Prompt: normalized, Language: language, Context: rc, Snapshot: snap}
	findings, errs := e.fanOut(ctx, in, e.responseDetectors)
	degraded = append(degraded, errs...)
	if canary != "" && IsCanaryLeaked(normalized, canary) {
		findings = append(findings, canaryFinding(canary))
	}

	eval := EvaluatorResult{Action: ActionAllow, Method: MethodPolicy, Mode: "local"}
	d := FuseDecision(findings, eval, degraded)

	if originalPrompt != "" {
		e.log.Debug(rc.Tenant, rc.RequestID, "response check correlated to prompt", map[string]interface{}{
			"prompt_digest": InputDigest(NormalizePrompt(originalPrompt)),
		})
	}
	return e.finalize(ctx, rc, normalized, digest, snap, findings, d, start)
}

// finalize applies the stages shared by both screening paths: deadline
// collapse, bundle attribution, masking, audit, stats, and metrics.
func (e *Engine) finalize(ctx context.Context, rc RequestContext, normalized, digest string, snap *Snapshot, findings []Finding, d Decision, start time.Time) Decision {
	if ctx.Err() != nil {
		d.Action = ActionBlock
		d.Reason = "deadline_exceeded"
		d.Reasons = prependReason(d.Reasons, "deadline_exceeded")
		d.DetectionMethod = MethodError
	}

	if snap != nil {
		d.Bundle = snap.Bundle.Ref()
	}

	switch d.Action {
	case ActionBlock:
		d.MaskedPrompt = ""
	case ActionRedact:
		d.MaskedPrompt = MaskFindings(normalized, redactable(findings))
	default:
		d.MaskedPrompt = normalized
	}

	d.ProcessingTime = time.Since(start)
	latencyMS := d.ProcessingTime.Milliseconds()

	rec := &DecisionRecord{
		Tenant:      rc.Tenant,
		UserID:      rc.UserID,
		SessionID:   rc.SessionID,
		Timestamp:   time.Now().UTC(),
		Route:       rc.Route,
		InputDigest: digest,
		InputLength: promptLength(normalized),
		Decision:    d.Action,
		Reasons:     d.Reasons,
		BundleName:  d.Bundle.Name,
		BundleVer:   d.Bundle.Version,
		Channel:     rc.Channel,
		LatencyMs:   latencyMS,
		Summary:     d.FindingsSummary,
	}

	// The audit trail must survive request-deadline expiry, so the write
	// runs on a detached context with its own short budget.
	actx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	e.audit.Record(actx, rec)
	if e.stats != nil {
		e.stats.Record(actx, rc.Tenant, d.Action)
	}
	cancel()
	e.metrics.RecordDecision(rc.Route, d.Action, rc.Channel, latencyMS)

	e.log.InfoWithDuration(rc.Tenant, rc.RequestID, "decision", float64(latencyMS), map[string]interface{}{
		"action":           string(d.Action),
		"reason":           d.Reason,
		"detection_method": d.DetectionMethod,
		"risk_score":       d.RiskScore,
		"evaluator_mode":   d.EvaluatorMode,
		"channel":          rc.Channel,
		"route":            rc.Route,
		"input_digest":     digest,
		"findings":         d.FindingsSummary.Total,
	})
	return d
}

type scanResult struct {
	kind     DetectorKind
	findings []Finding
	err      error
}

// fanOut runs every detector concurrently under its own timeout and
// gathers results at a barrier. A failed detector contributes whatever
// partial findings it returned plus an error entry; it never aborts the
// request. Output order is fixed so fused reasons are deterministic.
func (e *Engine) fanOut(ctx context.Context, in ScanInput, detectors []Detector) ([]Finding, []string) {
	if len(detectors) == 0 {
		return nil, nil
	}
	results := make(chan scanResult, len(detectors))
	var wg sync.WaitGroup
	for _, det := range detectors {
		wg.Add(1)
		go func(det Detector) {
			defer wg.Done()
			kind := det.Kind()
			dctx, cancel := context.WithTimeout(ctx, e.timeoutFor(kind))
			defer cancel()
			scanStart := time.Now()
			found, err := det.Scan(dctx, in)
			e.metrics.RecordDetector(kind, time.Since(scanStart).Milliseconds(), err != nil)
			if err != nil {
				e.log.Warn(in.Context.Tenant, in.Context.RequestID, "detector degraded", map[string]interface{}{
					"detector": string(kind),
					"error":    err.Error(),
				})
			}
			results <- scanResult{kind: kind, findings: found, err: err}
		}(det)
	}
	wg.Wait()
	close(results)

	var findings []Finding
	var errs []string
	for res := range results {
		findings = append(findings, res.findings...)
		if res.err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", res.kind, res.err))
		}
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Kind != findings[j].Kind {
			return findings[i].Kind < findings[j].Kind
		}
		if findings[i].Start != findings[j].Start {
			return findings[i].Start < findings[j].Start
		}
		return findings[i].SubType < findings[j].SubType
	})
	sort.Strings(errs)
	return findings, errs
}

// timeoutFor returns the budget for one detector kind. The injection
// detector runs its heuristic, similarity, and model-judge checks
// sequentially inside a single Scan, so it gets the sum of those budgets.
func (e *Engine) timeoutFor(kind DetectorKind) time.Duration {
	var d time.Duration
	switch kind {
	case DetectorStatic:
		d = e.timeouts.Static
	case DetectorSecret:
		d = e.timeouts.Secret
	case DetectorPII:
		d = e.timeouts.PII
	case DetectorInjection:
		d = e.timeouts.Injection + e.timeouts.Similarity + e.timeouts.ModelJudge
	case DetectorSimilarity:
		d = e.timeouts.Similarity
	case DetectorML:
		d = e.timeouts.ML
	}
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	return d
}

// redactable filters to the findings whose own suggestion was redact.
// Findings that only asked for log_only keep their text intact even
// when another finding escalated the overall action.
func redactable(findings []Finding) []Finding {
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		if f.SuggestedAction == ActionRedact {
			out = append(out, f)
		}
	}
	return out
}

func prependReason(reasons []string, reason string) []string {
	for _, r := range reasons {
		if r == reason {
			return reasons
		}
	}
	return append([]string{reason}, reasons...)
}

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
	"regexp"
	"strings"
	"time"
)

// Injection tactics reported as finding sub-types.
const (
	TacticInstructionOverride = "instruction_override"
	TacticRoleSwap            = "role_swap"
	TacticSystemPromptLeak    = "system_prompt_leak"
	TacticJailbreak           = "jailbreak"
	TacticDeveloperMode       = "developer_mode"
	TacticPrivilegeEscalation = "privilege_escalation"
	TacticCodeExecution       = "code_execution"
	TacticKnownInjection      = "known_injection"
)

type injectionPattern struct {
	Tactic  string
	Pattern *regexp.Regexp
}

// InjectionThresholds cap each sub-check; a sub-check marks the prompt as
// an injection only when its score reaches its threshold.
type InjectionThresholds struct {
	Heuristic  float64
	Similarity float64
	Model      float64
}

// InjectionDetector recognizes prompt-injection tactics with three
// independent sub-checks: a heuristic phrase library, cosine similarity
// against the known-injection collection, and a remote model judge. The
// prompt is flagged when any sub-check clears its threshold; the reported
// confidence is the maximum sub-check score.
type InjectionDetector struct {
	patterns   []injectionPattern
	thresholds InjectionThresholds

	embedder   Embedder
	index      VectorIndex
	collection string
	simTimeout time.Duration

	judge        ModelJudge
	judgeTimeout time.Duration
}

// InjectionOption wires an optional sub-check into the detector.
type InjectionOption func(*InjectionDetector)

// WithInjectionSimilarity enables the similarity sub-check against the
// given collection.
func WithInjectionSimilarity(embedder Embedder, index VectorIndex, collection string, timeout time.Duration) InjectionOption {
	return func(d *InjectionDetector) {
		d.embedder = embedder
		d.index = index
		d.collection = collection
		d.simTimeout = timeout
	}
}

// WithInjectionJudge enables the remote model sub-check.
func WithInjectionJudge(judge ModelJudge, timeout time.Duration) InjectionOption {
	return func(d *InjectionDetector) {
		d.judge = judge
		d.judgeTimeout = timeout
	}
}

func NewInjectionDetector(thresholds InjectionThresholds, pack *PatternPack, opts ...InjectionOption) *InjectionDetector {
	d := &InjectionDetector{
		patterns:   pack.InjectionPatterns(),
		thresholds: thresholds,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *InjectionDetector) Kind() DetectorKind {
	return DetectorInjection
}

func (d *InjectionDetector) Scan(ctx context.Context, in ScanInput) ([]Finding, error) {
	heurScore, tactics, span := d.heuristicCheck(in.Prompt)
	confidence := heurScore
	isInjection := heurScore >= d.thresholds.Heuristic

	var subErrors []string

	if d.embedder != nil && d.index != nil {
		simScore, simTactic, err := d.similarityCheck(ctx, in.Prompt)
		switch {
		case err != nil:
			subErrors = append(subErrors, "similarity: "+err.Error())
		case simScore >= d.thresholds.Similarity:
			isInjection = true
			tactics = appendTactic(tactics, simTactic)
			if simScore > confidence {
				confidence = simScore
			}
		case simScore > confidence && isInjection:
			confidence = simScore
		}
	}

	if d.judge != nil {
		verdict, err := d.judgeCheck(ctx, in.Prompt)
		switch {
		case err != nil:
			subErrors = append(subErrors, "model: "+err.Error())
		case verdict.IsInjection && verdict.Confidence >= d.thresholds.Model:
			isInjection = true
			tactics = appendTactic(tactics, verdict.Tactic)
			if verdict.Confidence > confidence {
				confidence = verdict.Confidence
			}
		}
	}

	var findings []Finding
	if isInjection && len(tactics) > 0 {
		severity := SeverityHigh
		if confidence >= 0.9 {
			severity = SeverityCritical
		}
		findings = append(findings, Finding{
			Kind:            DetectorInjection,
			SubType:         tactics[0],
			Start:           span[0],
			End:             span[1],
			Confidence:      confidence,
			Severity:        severity,
			SuggestedAction: ActionBlock,
			Metadata: map[string]interface{}{
				"tactics":         tactics,
				"heuristic_score": heurScore,
			},
		})
	}

	if len(subErrors) > 0 {
		return findings, NewError(KindDependencyUnavailable, strings.Join(subErrors, "; "), nil)
	}
	return findings, nil
}

// heuristicCheck counts phrase-library hits. Each hit is worth 0.3, capped
// at 1.0; the span is the first hit's location.
func (d *InjectionDetector) heuristicCheck(prompt string) (float64, []string, [2]int) {
	var (
		hits    int
		tactics []string
		span    [2]int
	)
	for _, p := range d.patterns {
		loc := p.Pattern.FindStringIndex(prompt)
		if loc == nil {
			continue
		}
		if hits == 0 {
			span = [2]int{loc[0], loc[1]}
		}
		hits++
		tactics = appendTactic(tactics, p.Tactic)
	}
	score := float64(hits) * 0.3
	if score > 1.0 {
		score = 1.0
	}
	return score, tactics, span
}

func (d *InjectionDetector) similarityCheck(ctx context.Context, prompt string) (float64, string, error) {
	simCtx, cancel := context.WithTimeout(ctx, d.simTimeout)
	defer cancel()

	vector, err := d.embedder.Embed(simCtx, prompt)
	if err != nil {
		return 0, "", err
	}
	neighbors, err := d.index.Search(simCtx, d.collection, vector, 5)
	if err != nil {
		return 0, "", err
	}

	best := 0.0
	tactic := TacticKnownInjection
	for _, n := range neighbors {
		if n.Score > best {
			best = n.Score
			if cat, ok := n.Payload["category"].(string); ok && cat != "" {
				tactic = cat
			}
		}
	}
	return best, tactic, nil
}

func (d *InjectionDetector) judgeCheck(ctx context.Context, prompt string) (JudgeVerdict, error) {
	judgeCtx, cancel := context.WithTimeout(ctx, d.judgeTimeout)
	defer cancel()

	verdict, err := d.judge.Judge(judgeCtx, prompt)
	if err != nil {
		return JudgeVerdict{}, err
	}
	if verdict.Tactic == "" || verdict.Tactic == "none" {
		verdict.Tactic = TacticKnownInjection
	}
	return verdict, nil
}

func appendTactic(tactics []string, tactic string) []string {
	for _, t := range tactics {
		if t == tactic {
			return tactics
		}
	}
	return append(tactics, tactic)
}

// builtinInjectionPatterns is the heuristic phrase library, ordered so the
// most telling tactic becomes the finding's sub-type.
func builtinInjectionPatterns() []injectionPattern {
	return []injectionPattern{
		{TacticInstructionOverride, regexp.MustCompile(`(?i)ignore\s+(?:all\s+|any\s+)?(?:previous|prior|above|earlier)\s+(?:instructions|prompts|rules|directions)`)},
		{TacticInstructionOverride, regexp.MustCompile(`(?i)disregard\s+(?:all\s+)?(?:previous|prior|your)\s+(?:instructions|rules|guidelines)`)},
		{TacticInstructionOverride, regexp.MustCompile(`(?i)\bforget\s+(?:everything|all)\b`)},
		{TacticInstructionOverride, regexp.MustCompile(`(?i)\bnew\s+instructions?\s*:`)},
		{TacticRoleSwap, regexp.MustCompile(`(?i)\byou\s+are\s+now\b`)},
		{TacticRoleSwap, regexp.MustCompile(`(?i)\bact\s+as\s+(?:a|an|if)\b`)},
		{TacticRoleSwap, regexp.MustCompile(`(?i)\bpretend\s+(?:to\s+be|you\s+are)\b`)},
		{TacticRoleSwap, regexp.MustCompile(`(?i)\broleplay\s+as\b`)},
		{TacticSystemPromptLeak, regexp.MustCompile(`(?i)(?:show|reveal|print|display|repeat|output|tell)\s+(?:me\s+)?(?:the\s+|your\s+)?system\s+prompt`)},
		{TacticSystemPromptLeak, regexp.MustCompile(`(?i)\bsystem\s+prompt\b`)},
		{TacticSystemPromptLeak, regexp.MustCompile(`(?i)\b(?:initial|original|hidden)\s+(?:prompt|instructions)\b`)},
		{TacticSystemPromptLeak, regexp.MustCompile(`(?i)repeat\s+the\s+words\s+above`)},
		{TacticJailbreak, regexp.MustCompile(`(?i)\bjailbreak\b`)},
		{TacticJailbreak, regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b|\bDAN\b`)},
		{TacticJailbreak, regexp.MustCompile(`(?i)without\s+(?:any\s+)?(?:restrictions|limitations|filters)`)},
		{TacticJailbreak, regexp.MustCompile(`(?i)bypass\s+(?:your\s+)?(?:safety|filters|restrictions|guardrails)`)},
		{TacticDeveloperMode, regexp.MustCompile(`(?i)\bdeveloper\s+mode\b`)},
		{TacticDeveloperMode, regexp.MustCompile(`(?i)\bgod\s+mode\b`)},
		{TacticDeveloperMode, regexp.MustCompile(`(?i)\bmaintenance\s+override\b`)},
		{TacticPrivilegeEscalation, regexp.MustCompile(`(?i)\b(?:grant|give)\s+(?:me\s+)?(?:admin|root|sudo|elevated)\b`)},
		{TacticPrivilegeEscalation, regexp.MustCompile(`(?i)\belevate\s+(?:my\s+)?privileges\b`)},
		{TacticPrivilegeEscalation, regexp.MustCompile(`(?i)\bas\s+(?:an?\s+)?administrator\b`)},
		{TacticCodeExecution, regexp.MustCompile(`(?i)\b(?:execute|run|eval)\s+(?:this\s+|the\s+)?(?:code|script|command|shell)\b`)},
		{TacticCodeExecution, regexp.MustCompile(`(?i)\bos\.system\b|\bsubprocess\.|\beval\(`)},
		{TacticCodeExecution, regexp.MustCompile(`(?i)\brm\s+-rf\b`)},
	}
}

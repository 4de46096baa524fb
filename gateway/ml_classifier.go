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
	"math"
	"net/http"
	"strings"
	"unicode"
)

// Risk categories the ML classifier maps prompts onto.
const (
	RiskSafe     = "safe"
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// MLResult is the classifier's full output. Features holds only counts
// and ratios, safe to log.
type MLResult struct {
	Category    string             `json:"category"`
	ThreatTypes []string           `json:"threat_types,omitempty"`
	Score       float64            `json:"score"`
	Confidence  float64            `json:"confidence"`
	Features    map[string]float64 `json:"features,omitempty"`
}

// TransformerScorer is the optional remote component of the ensemble.
type TransformerScorer interface {
	Score(ctx context.Context, text string) (float64, error)
}

// HTTPScorer calls a hosted transformer classifier:
// POST {endpoint} {"prompt": "..."} -> {"score": 0.0-1.0}.
type HTTPScorer struct {
	endpoint string
	client   *http.Client
}

func NewHTTPScorer(endpoint string, client *http.Client) *HTTPScorer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPScorer{endpoint: endpoint, client: client}
}

func (s *HTTPScorer) Score(ctx context.Context, text string) (float64, error) {
	payload, err := json.Marshal(map[string]string{"prompt": text})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal scorer request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build scorer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("scorer service error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("scorer service returned %d", resp.StatusCode)
	}
	var out struct {
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode scorer response: %w", err)
	}
	return out.Score, nil
}

// MLClassifier ensembles a transformer score, a hand-crafted feature score,
// and a naive-Bayes token score. The mix weights and category thresholds
// come from configuration; when the transformer is absent its weight is
// redistributed proportionally over the local components.
type MLClassifier struct {
	weights     MLWeights
	thresholds  MLThresholds
	transformer TransformerScorer
}

func NewMLClassifier(weights MLWeights, thresholds MLThresholds, transformer TransformerScorer) *MLClassifier {
	return &MLClassifier{
		weights:     weights,
		thresholds:  thresholds,
		transformer: transformer,
	}
}

func (c *MLClassifier) Kind() DetectorKind {
	return DetectorML
}

// Scan reports one whole-input finding when the ensemble score reaches the
// medium threshold. Below that the classifier stays silent; its output is
// still visible through Classify for callers that log feature vectors.
func (c *MLClassifier) Scan(ctx context.Context, in ScanInput) ([]Finding, error) {
	result, err := c.Classify(ctx, in.Prompt)
	if err != nil {
		return nil, err
	}
	if result.Score < c.thresholds.Medium {
		return nil, nil
	}

	subType := result.Category
	if len(result.ThreatTypes) > 0 {
		subType = result.ThreatTypes[0]
	}
	findings := []Finding{{
		Kind:            DetectorML,
		SubType:         subType,
		Confidence:      result.Score,
		Severity:        mlSeverity(result.Category),
		SuggestedAction: mlAction(result.Category),
		Metadata: map[string]interface{}{
			"category":     result.Category,
			"threat_types": result.ThreatTypes,
			"confidence":   result.Confidence,
			"features":     result.Features,
		},
	}}
	return findings, nil
}

// Classify runs the full ensemble and returns category, threat types,
// score, agreement confidence, and the loggable feature vector.
func (c *MLClassifier) Classify(ctx context.Context, prompt string) (MLResult, error) {
	features := extractFeatures(prompt)
	featureScore := scoreFeatures(features)
	bayesScore := scoreBayes(prompt)

	scores := []float64{featureScore, bayesScore}
	weights := []float64{c.weights.Features, c.weights.Bayes}

	if c.transformer != nil {
		tScore, err := c.transformer.Score(ctx, prompt)
		if err != nil {
			return MLResult{}, NewError(KindDependencyUnavailable, "transformer scorer failed", err)
		}
		scores = append(scores, tScore)
		weights = append(weights, c.weights.Transformer)
	}

	var totalWeight, score float64
	for i := range scores {
		totalWeight += weights[i]
	}
	if totalWeight == 0 {
		totalWeight = 1
	}
	for i := range scores {
		score += scores[i] * (weights[i] / totalWeight)
	}

	return MLResult{
		Category:    c.category(score),
		ThreatTypes: threatTypes(prompt),
		Score:       score,
		Confidence:  agreement(scores),
		Features:    features,
	}, nil
}

func (c *MLClassifier) category(score float64) string {
	switch {
	case score >= c.thresholds.Critical:
		return RiskCritical
	case score >= c.thresholds.High:
		return RiskHigh
	case score >= c.thresholds.Medium:
		return RiskMedium
	case score >= c.thresholds.Low:
		return RiskLow
	default:
		return RiskSafe
	}
}

func mlSeverity(category string) Severity {
	switch category {
	case RiskCritical:
		return SeverityCritical
	case RiskHigh:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

func mlAction(category string) Action {
	switch category {
	case RiskCritical:
		return ActionBlock
	case RiskHigh:
		return ActionRequireApproval
	default:
		return ActionLogOnly
	}
}

// agreement measures how closely the ensemble components agree: 1 minus
// the score spread, floored at 0.5 so a lone outlier cannot zero it.
func agreement(scores []float64) float64 {
	if len(scores) < 2 {
		return 1
	}
	min, max := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	a := 1 - (max - min)
	if a < 0.5 {
		a = 0.5
	}
	return a
}

// riskKeywords drive both the feature extractor's hit count and the bayes
// vocabulary below.
var riskKeywords = []string{
	"ignore", "disregard", "forget", "override", "bypass",
	"system", "prompt", "instructions", "jailbreak", "pretend",
	"roleplay", "restrictions", "password", "secret", "admin",
	"sudo", "execute", "eval", "reveal", "unlock",
}

// extractFeatures emits the loggable, non-PII feature vector: lengths,
// character-class ratios, and pattern-hit counts.
func extractFeatures(prompt string) map[string]float64 {
	var special, upper, digit, letters int
	total := len([]rune(prompt))
	for _, r := range prompt {
		switch {
		case unicode.IsUpper(r):
			upper++
			letters++
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digit++
		case !unicode.IsSpace(r):
			special++
		}
	}

	lower := strings.ToLower(prompt)
	var keywordHits float64
	for _, kw := range riskKeywords {
		if strings.Contains(lower, kw) {
			keywordHits++
		}
	}

	features := map[string]float64{
		"length":        float64(total),
		"special_ratio": ratio(special, total),
		"upper_ratio":   ratio(upper, letters),
		"digit_ratio":   ratio(digit, total),
		"keyword_hits":  keywordHits,
		"url_count":     float64(strings.Count(lower, "http://") + strings.Count(lower, "https://")),
		"code_markers":  float64(strings.Count(prompt, "();") + strings.Count(prompt, "{}") + strings.Count(prompt, "```")),
	}
	return features
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

// scoreFeatures applies the hand-crafted weights to the feature vector.
func scoreFeatures(f map[string]float64) float64 {
	score := 0.05
	score += 0.15 * math.Min(f["keyword_hits"], 5)
	score += 0.5 * f["special_ratio"]
	score += 0.3 * f["upper_ratio"]
	score += 0.1 * f["digit_ratio"]
	score += 0.1 * math.Min(f["url_count"], 2)
	score += 0.15 * math.Min(f["code_markers"], 2)
	return clamp01(score)
}

// bayesVocab holds per-token log-odds toward the injection class; negative
// entries are benign markers. The prior keeps short neutral prompts safe.
var bayesVocab = map[string]float64{
	"ignore": 1.2, "disregard": 1.3, "forget": 0.8, "override": 1.0,
	"bypass": 1.2, "jailbreak": 2.0, "dan": 1.0, "pretend": 0.8,
	"roleplay": 0.7, "restrictions": 0.9, "unrestricted": 1.2,
	"system": 0.6, "prompt": 0.5, "instructions": 0.8, "reveal": 0.9,
	"password": 0.6, "secret": 0.5, "admin": 0.6, "sudo": 0.9,
	"execute": 0.7, "eval": 0.8, "unlock": 0.7,
	"please": -0.3, "help": -0.4, "thanks": -0.5, "question": -0.4,
	"explain": -0.4, "summarize": -0.5, "translate": -0.5, "write": -0.2,
}

const bayesPrior = -1.5

func scoreBayes(prompt string) float64 {
	logOdds := bayesPrior
	seen := make(map[string]bool)
	for _, token := range strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		if seen[token] {
			continue
		}
		seen[token] = true
		logOdds += bayesVocab[token]
	}
	return 1 / (1 + math.Exp(-logOdds))
}

// threatTypes maps keyword families onto tactic labels for the result.
func threatTypes(prompt string) []string {
	lower := strings.ToLower(prompt)
	var types []string
	add := func(t string, keywords ...string) {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				types = append(types, t)
				return
			}
		}
	}
	add(TacticInstructionOverride, "ignore", "disregard", "forget", "override")
	add(TacticSystemPromptLeak, "system prompt", "initial prompt", "reveal")
	add(TacticJailbreak, "jailbreak", "dan", "restrictions", "unrestricted")
	add(TacticRoleSwap, "pretend", "roleplay", "act as", "you are now")
	add(TacticPrivilegeEscalation, "admin", "sudo", "root access")
	add(TacticCodeExecution, "execute", "eval", "subprocess")
	return types
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

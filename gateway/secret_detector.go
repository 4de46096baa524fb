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
)

// minSecretConfidence is the floor below which secret candidates are
// discarded rather than reported.
const minSecretConfidence = 0.5

// secretPattern is one built-in credential family. Keywords are a cheap
// prefilter over the lowercased prompt; the regex only runs when at least
// one keyword is present. Validate, when set, refines the base confidence
// for a concrete match (return 0 to reject it outright).
type secretPattern struct {
	Name       string
	SubType    string
	Keywords   []string
	Pattern    *regexp.Regexp
	Severity   Severity
	Confidence float64
	Validate   func(match string, prompt string, end int) float64
}

// SecretDetector scans for credentials: a built-in versioned pattern set
// plus any secret-typed rules on the tenant's bundle.
type SecretDetector struct {
	patterns []secretPattern
}

// NewSecretDetector builds the detector over the built-in credential table,
// with pack overrides applied when pack is non-nil.
func NewSecretDetector(pack *PatternPack) *SecretDetector {
	return &SecretDetector{patterns: pack.SecretPatterns()}
}

func (d *SecretDetector) Kind() DetectorKind {
	return DetectorSecret
}

// Scan runs the keyword prefilter, verifies candidates with the family
// regex, applies validators, drops low-confidence findings, and collapses
// same-span duplicates to the highest-confidence one.
func (d *SecretDetector) Scan(ctx context.Context, in ScanInput) ([]Finding, error) {
	lower := strings.ToLower(in.Prompt)
	var findings []Finding

	for _, p := range d.patterns {
		if err := ctx.Err(); err != nil {
			return collapseSameSpan(findings), NewError(KindDeadlineExceeded, "secret detector cancelled", err)
		}
		if !containsAny(lower, p.Keywords) {
			continue
		}
		for _, loc := range p.Pattern.FindAllStringIndex(in.Prompt, -1) {
			match := in.Prompt[loc[0]:loc[1]]
			confidence := p.Confidence
			if p.Validate != nil {
				confidence = p.Validate(match, in.Prompt, loc[1])
			}
			if confidence < minSecretConfidence {
				continue
			}
			findings = append(findings, Finding{
				Kind:            DetectorSecret,
				SubType:         p.SubType,
				Start:           loc[0],
				End:             loc[1],
				Confidence:      confidence,
				Severity:        p.Severity,
				SuggestedAction: secretAction(p.Severity),
				Metadata:        map[string]interface{}{"family": p.Name},
			})
		}
	}

	for _, cr := range in.Snapshot.RegexRules(DetectorSecret) {
		if err := ctx.Err(); err != nil {
			return collapseSameSpan(findings), NewError(KindDeadlineExceeded, "secret detector cancelled", err)
		}
		for _, loc := range cr.re.FindAllStringIndex(in.Prompt, -1) {
			findings = append(findings, ruleFinding(DetectorSecret, cr, loc[0], loc[1], 0.9))
		}
	}

	return collapseSameSpan(findings), nil
}

// secretAction maps a credential family's severity onto the suggested
// action: leaked keys block, weaker material is redacted or only logged.
func secretAction(severity Severity) Action {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return ActionBlock
	case SeverityMedium:
		return ActionRedact
	default:
		return ActionLogOnly
	}
}

func containsAny(lower string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// collapseSameSpan keeps the highest-confidence finding per (start, end)
// span. Order of first appearance is preserved.
func collapseSameSpan(findings []Finding) []Finding {
	if len(findings) < 2 {
		return findings
	}
	type span struct{ start, end int }
	best := make(map[span]int, len(findings))
	out := findings[:0]
	for _, f := range findings {
		key := span{f.Start, f.End}
		if idx, ok := best[key]; ok {
			if f.Confidence > out[idx].Confidence {
				out[idx] = f
			}
			continue
		}
		best[key] = len(out)
		out = append(out, f)
	}
	return out
}

// builtinSecretPatterns is the versioned built-in credential set. Patterns
// are ordered roughly by specificity; span collapsing resolves overlaps.
func builtinSecretPatterns() []secretPattern {
	return []secretPattern{
		{
			Name:       "aws_access_key",
			SubType:    "api_key",
			Keywords:   []string{"akia"},
			Pattern:    regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
			Severity:   SeverityHigh,
			Confidence: 0.95,
		},
		{
			Name:       "openai_api_key",
			SubType:    "api_key",
			Keywords:   []string{"sk-"},
			Pattern:    regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`),
			Severity:   SeverityHigh,
			Confidence: 0.9,
		},
		{
			Name:       "google_api_key",
			SubType:    "api_key",
			Keywords:   []string{"aiza"},
			Pattern:    regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`),
			Severity:   SeverityHigh,
			Confidence: 0.95,
		},
		{
			Name:       "github_token",
			SubType:    "access_token",
			Keywords:   []string{"ghp_", "gho_", "ghu_", "ghs_", "ghr_"},
			Pattern:    regexp.MustCompile(`\bgh[opusr]_[A-Za-z0-9]{36,}\b`),
			Severity:   SeverityHigh,
			Confidence: 0.95,
		},
		{
			Name:       "slack_token",
			SubType:    "access_token",
			Keywords:   []string{"xox"},
			Pattern:    regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),
			Severity:   SeverityHigh,
			Confidence: 0.9,
		},
		{
			Name:       "private_key_pem",
			SubType:    "private_key",
			Keywords:   []string{"private key"},
			Pattern:    regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
			Severity:   SeverityCritical,
			Confidence: 0.9,
			Validate: func(match, prompt string, end int) float64 {
				// A matching END marker confirms a whole PEM block.
				if strings.Contains(prompt[end:], "-----END") {
					return 0.98
				}
				return 0.85
			},
		},
		{
			Name:       "jwt",
			SubType:    "jwt",
			Keywords:   []string{"eyj"},
			Pattern:    regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`),
			Severity:   SeverityMedium,
			Confidence: 0.85,
		},
		{
			Name:       "bearer_token",
			SubType:    "access_token",
			Keywords:   []string{"bearer"},
			Pattern:    regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{16,}=*`),
			Severity:   SeverityMedium,
			Confidence: 0.75,
		},
		{
			Name:       "password_assignment",
			SubType:    "password",
			Keywords:   []string{"password", "passwd", "pwd"},
			Pattern:    regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)\s*[:=]\s*['"]?[^\s'"]{4,}`),
			Severity:   SeverityMedium,
			Confidence: 0.7,
		},
		{
			Name:       "credential_in_url",
			SubType:    "credential_in_url",
			Keywords:   []string{"://"},
			Pattern:    regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.-]*://[^/\s:@]+:[^/\s@]+@\S+`),
			Severity:   SeverityHigh,
			Confidence: 0.9,
		},
		{
			Name:       "database_url",
			SubType:    "database_url",
			Keywords:   []string{"postgres", "mysql", "mongodb", "redis", "amqp"},
			Pattern:    regexp.MustCompile(`(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://\S+`),
			Severity:   SeverityHigh,
			Confidence: 0.8,
		},
		{
			Name:       "azure_client_secret",
			SubType:    "cloud_credential",
			Keywords:   []string{"azure", "client_secret"},
			Pattern:    regexp.MustCompile(`(?i)\b(?:azure[a-z_]*|client_secret)\s*[:=]\s*['"]?[A-Za-z0-9~._-]{16,}`),
			Severity:   SeverityMedium,
			Confidence: 0.7,
		},
		{
			Name:       "gcp_service_account",
			SubType:    "service_account",
			Keywords:   []string{"service_account"},
			Pattern:    regexp.MustCompile(`"type"\s*:\s*"service_account"`),
			Severity:   SeverityHigh,
			Confidence: 0.9,
		},
		{
			Name:       "hex_key",
			SubType:    "symmetric_key",
			Keywords:   []string{"key", "secret", "token"},
			Pattern:    regexp.MustCompile(`\b[0-9a-fA-F]{32,64}\b`),
			Severity:   SeverityLow,
			Confidence: 0.55,
			Validate: func(match, prompt string, end int) float64 {
				// All-decimal runs are usually IDs, not key material.
				if digitsOf(match) == match {
					return 0
				}
				return 0.55
			},
		},
		{
			Name:       "base64_blob",
			SubType:    "encoded_secret",
			Keywords:   []string{"key", "secret", "token", "credential"},
			Pattern:    regexp.MustCompile(`\b[A-Za-z0-9+/]{40,}={0,2}`),
			Severity:   SeverityLow,
			Confidence: 0.5,
			Validate: func(match, prompt string, end int) float64 {
				if !looksLikeBase64(match) {
					return 0
				}
				return 0.5
			},
		},
	}
}

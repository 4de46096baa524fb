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

// minPIIConfidence is the reporting floor for PII candidates after
// validation and context scoring.
const minPIIConfidence = 0.4

// contextWindowBytes is how far around a candidate the context scorer
// looks for corroborating keywords.
const contextWindowBytes = 100

type piiValidation int

const (
	piiNoValidator piiValidation = iota
	piiValid
	piiInvalid
)

// piiPattern is one built-in PII family. RequireKeyword families only
// report when a context keyword corroborates the match (used for the
// high-noise patterns: bank accounts, postal codes, dates, names).
// InvalidPenalty, when non-zero, overrides the default confidence penalty
// for a failed structural validation.
type piiPattern struct {
	SubType        string
	Pattern        *regexp.Regexp
	Severity       Severity
	Base           float64
	Keywords       []string
	RequireKeyword bool
	InvalidPenalty float64
	Validate       func(match string) piiValidation
}

// Entity is a named entity produced by an external extractor.
type Entity struct {
	Kind       string
	Start      int
	End        int
	Confidence float64
}

// EntityExtractor is an optional morphological-analyzer hook; entities it
// returns are mapped onto PII findings. A nil extractor disables the stage.
type EntityExtractor interface {
	Extract(ctx context.Context, text string) ([]Entity, error)
}

// PIIDetector finds personal data with a hybrid pipeline: bundle rules and
// built-in patterns, structural validators, context scoring over a window
// around each candidate, and optionally an entity extractor.
type PIIDetector struct {
	patterns  []piiPattern
	extractor EntityExtractor
}

func NewPIIDetector(pack *PatternPack) *PIIDetector {
	return &PIIDetector{patterns: pack.PIIPatterns()}
}

// NewPIIDetectorWithExtractor wires an entity extractor into the fourth
// pipeline stage.
func NewPIIDetectorWithExtractor(pack *PatternPack, extractor EntityExtractor) *PIIDetector {
	d := NewPIIDetector(pack)
	d.extractor = extractor
	return d
}

func (d *PIIDetector) Kind() DetectorKind {
	return DetectorPII
}

func (d *PIIDetector) Scan(ctx context.Context, in ScanInput) ([]Finding, error) {
	lower := strings.ToLower(in.Prompt)
	var findings []Finding

	for _, p := range d.patterns {
		if err := ctx.Err(); err != nil {
			return collapsePII(findings), NewError(KindDeadlineExceeded, "pii detector cancelled", err)
		}
		for _, loc := range p.Pattern.FindAllStringIndex(in.Prompt, -1) {
			f, ok := d.scoreCandidate(p, in.Prompt, lower, loc[0], loc[1])
			if ok {
				findings = append(findings, f)
			}
		}
	}

	for _, cr := range in.Snapshot.RegexRules(DetectorPII) {
		if err := ctx.Err(); err != nil {
			return collapsePII(findings), NewError(KindDeadlineExceeded, "pii detector cancelled", err)
		}
		for _, loc := range cr.re.FindAllStringIndex(in.Prompt, -1) {
			findings = append(findings, ruleFinding(DetectorPII, cr, loc[0], loc[1], 0.9))
		}
	}

	if d.extractor != nil {
		entities, err := d.extractor.Extract(ctx, in.Prompt)
		if err != nil {
			return collapsePII(findings), NewError(KindDependencyUnavailable, "entity extractor failed", err)
		}
		for _, e := range entities {
			if kind, ok := entityKindToPII[e.Kind]; ok && e.Confidence >= minPIIConfidence {
				findings = append(findings, Finding{
					Kind:            DetectorPII,
					SubType:         kind,
					Start:           e.Start,
					End:             e.End,
					Confidence:      e.Confidence,
					Severity:        SeverityLow,
					SuggestedAction: ActionLogOnly,
					Metadata:        map[string]interface{}{"source": "extractor"},
				})
			}
		}
	}

	return collapsePII(findings), nil
}

// scoreCandidate applies stages 2 and 3 to one pattern match: structural
// validation adjusts the base confidence, then context keywords around the
// span raise it.
func (d *PIIDetector) scoreCandidate(p piiPattern, prompt, lower string, start, end int) (Finding, bool) {
	window := contextWindow(lower, start, end)
	hasKeyword := containsAny(window, p.Keywords)
	if p.RequireKeyword && !hasKeyword {
		return Finding{}, false
	}

	confidence := p.Base
	if p.Validate != nil {
		switch p.Validate(prompt[start:end]) {
		case piiValid:
			confidence += 0.1
		case piiInvalid:
			penalty := p.InvalidPenalty
			if penalty == 0 {
				penalty = 0.25
			}
			confidence -= penalty
		}
	}
	if hasKeyword {
		confidence += 0.15
	}
	if containsAny(window, fieldIndicators) {
		confidence += 0.05
	}
	if confidence > 1 {
		confidence = 1
	}
	if confidence < minPIIConfidence {
		return Finding{}, false
	}

	return Finding{
		Kind:            DetectorPII,
		SubType:         p.SubType,
		Start:           start,
		End:             end,
		Confidence:      confidence,
		Severity:        p.Severity,
		SuggestedAction: piiAction(p.Severity),
	}, true
}

// piiAction maps PII severity to the suggested action: everything above
// low-grade identifiers is redacted, never blocked.
func piiAction(severity Severity) Action {
	if severity == SeverityLow {
		return ActionLogOnly
	}
	return ActionRedact
}

func contextWindow(lower string, start, end int) string {
	from := start - contextWindowBytes
	if from < 0 {
		from = 0
	}
	to := end + contextWindowBytes
	if to > len(lower) {
		to = len(lower)
	}
	return lower[from:to]
}

// fieldIndicators mark form fields, documents, database columns, and mail
// headers near a candidate.
var fieldIndicators = []string{
	"form", "field", "필드", "항목", "입력",
	"문서", "계약", "서명", "document", "contract",
	"column", "table", "insert", "select", "컬럼",
	"from:", "to:", "cc:", "subject:", "보낸사람", "받는사람",
}

// entityKindToPII maps extractor entity labels onto PII sub-types.
var entityKindToPII = map[string]string{
	"PERSON":   "name",
	"PS_NAME":  "name",
	"LOCATION": "address",
	"EMAIL":    "email",
	"PHONE":    "phone",
}

// collapsePII keeps the highest-confidence finding per (sub_type, start,
// end), preserving first-seen order.
func collapsePII(findings []Finding) []Finding {
	if len(findings) < 2 {
		return findings
	}
	type key struct {
		sub        string
		start, end int
	}
	best := make(map[key]int, len(findings))
	out := findings[:0]
	for _, f := range findings {
		k := key{f.SubType, f.Start, f.End}
		if idx, ok := best[k]; ok {
			if f.Confidence > out[idx].Confidence {
				out[idx] = f
			}
			continue
		}
		best[k] = len(out)
		out = append(out, f)
	}
	return out
}

// builtinPIIPatterns is the Korean-context built-in set. Severities follow
// identifiability: national identifiers are critical, contact and payment
// data high or medium, weak identifiers low.
func builtinPIIPatterns() []piiPattern {
	return []piiPattern{
		{
			SubType:  "ssn",
			Pattern:  regexp.MustCompile(`\b\d{6}[- ]?[1-8]\d{6}\b`),
			Severity: SeverityCritical,
			Base:     0.85,
			Keywords: []string{"주민등록번호", "주민번호", "생년월일", "ssn", "resident", "rrn"},
			Validate: func(match string) piiValidation {
				digits := digitsOf(match)
				if !plausibleDate(digits[:6]) {
					return piiInvalid
				}
				if koreanRRNValid(digits) {
					return piiValid
				}
				// Post-2020 numbers carry no check digit.
				return piiInvalid
			},
		},
		{
			SubType:  "phone",
			Pattern:  regexp.MustCompile(`\b01[016789][-. ]?\d{3,4}[-. ]?\d{4}\b`),
			Severity: SeverityMedium,
			Base:     0.8,
			Keywords: []string{"전화", "연락처", "휴대폰", "핸드폰", "phone", "mobile", "tel"},
			Validate: func(match string) piiValidation {
				n := len(digitsOf(match))
				if n == 10 || n == 11 {
					return piiValid
				}
				return piiInvalid
			},
		},
		{
			SubType:  "landline",
			Pattern:  regexp.MustCompile(`\b0\d{1,2}[-. ]\d{3,4}[-. ]\d{4}\b`),
			Severity: SeverityMedium,
			Base:     0.6,
			Keywords: []string{"전화", "연락처", "tel", "fax", "팩스"},
		},
		{
			SubType:        "credit_card",
			Pattern:        regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`),
			Severity:       SeverityHigh,
			Base:           0.75,
			Keywords:       []string{"카드", "card", "결제", "payment", "visa", "master"},
			InvalidPenalty: 0.6,
			Validate: func(match string) piiValidation {
				if luhnValid(match) {
					return piiValid
				}
				return piiInvalid
			},
		},
		{
			SubType:        "bank_account",
			Pattern:        regexp.MustCompile(`\b\d{2,6}-\d{2,6}-\d{2,6}(?:-\d{2,6})?\b`),
			Severity:       SeverityHigh,
			Base:           0.55,
			Keywords:       []string{"계좌", "은행", "입금", "account", "bank", "iban", "routing"},
			RequireKeyword: true,
			Validate: func(match string) piiValidation {
				digits := digitsOf(match)
				if abaValid(digits) || ibanValid(match) {
					return piiValid
				}
				return piiNoValidator
			},
		},
		{
			SubType:  "email",
			Pattern:  regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			Severity: SeverityMedium,
			Base:     0.85,
			Keywords: []string{"이메일", "메일", "email", "mail"},
		},
		{
			SubType:  "address",
			Pattern:  regexp.MustCompile(`(서울|부산|대구|인천|광주|대전|울산|세종|경기|강원|충북|충남|전북|전남|경북|경남|제주)(특별시|광역시|특별자치시|특별자치도|도)?\s*[가-힣]+(시|구|군)\s*[가-힣0-9.,\- ]{0,30}(로|길|동)`),
			Severity: SeverityMedium,
			Base:     0.7,
			Keywords: []string{"주소", "배송", "거주", "address", "delivery"},
		},
		{
			SubType:        "postal_code",
			Pattern:        regexp.MustCompile(`\b\d{5}\b`),
			Severity:       SeverityLow,
			Base:           0.5,
			Keywords:       []string{"우편번호", "우편", "zip", "postal"},
			RequireKeyword: true,
		},
		{
			SubType:  "ipv4",
			Pattern:  regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`),
			Severity: SeverityLow,
			Base:     0.6,
			Keywords: []string{"ip", "서버", "host", "서버주소"},
		},
		{
			SubType:  "ipv6",
			Pattern:  regexp.MustCompile(`\b(?:[0-9A-Fa-f]{1,4}:){3,7}[0-9A-Fa-f]{1,4}\b`),
			Severity: SeverityLow,
			Base:     0.55,
			Keywords: []string{"ip", "ipv6", "서버", "host"},
		},
		{
			SubType:  "mac_address",
			Pattern:  regexp.MustCompile(`\b[0-9A-Fa-f]{2}(?:[:-][0-9A-Fa-f]{2}){5}\b`),
			Severity: SeverityLow,
			Base:     0.6,
			Keywords: []string{"mac", "장비", "device"},
		},
		{
			SubType:        "date_of_birth",
			Pattern:        regexp.MustCompile(`\b(?:19|20)\d{2}[-./년]\s?(?:0?[1-9]|1[0-2])[-./월]\s?(?:0?[1-9]|[12]\d|3[01])일?`),
			Severity:       SeverityMedium,
			Base:           0.6,
			Keywords:       []string{"생년월일", "생일", "출생", "birth", "dob"},
			RequireKeyword: true,
		},
		{
			SubType:        "name",
			Pattern:        regexp.MustCompile(`[김이박최정강조윤장임한오서신권황안송전홍][가-힣]{1,2}`),
			Severity:       SeverityLow,
			Base:           0.5,
			Keywords:       []string{"이름", "성명", "담당자", "고객명", "name", "성함"},
			RequireKeyword: true,
		},
	}
}

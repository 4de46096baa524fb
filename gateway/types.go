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
	"time"
)

// Action is a screening decision. Actions form a total order from least to
// most restrictive; fusion always takes the maximum.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionLogOnly         Action = "log_only"
	ActionRequireApproval Action = "require_approval"
	ActionRedact          Action = "redact"
	ActionBlock           Action = "block"
)

var actionRank = map[Action]int{
	ActionAllow:           0,
	ActionLogOnly:         1,
	ActionRequireApproval: 2,
	ActionRedact:          3,
	ActionBlock:           4,
}

// Rank returns the action's position on the lattice. Unknown actions rank
// below allow so a malformed rule can never escalate a decision.
func (a Action) Rank() int {
	if r, ok := actionRank[a]; ok {
		return r
	}
	return -1
}

// Valid reports whether a is one of the five wire actions.
func (a Action) Valid() bool {
	_, ok := actionRank[a]
	return ok
}

// MaxAction returns the more restrictive of two actions.
func MaxAction(a, b Action) Action {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Severity grades a finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the severity's position; unknown severities rank lowest.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// DetectorKind names one analyzer in the fan-out stage.
type DetectorKind string

const (
	DetectorStatic     DetectorKind = "static"
	DetectorSecret     DetectorKind = "secret"
	DetectorPII        DetectorKind = "pii"
	DetectorInjection  DetectorKind = "injection"
	DetectorSimilarity DetectorKind = "similarity"
	DetectorML         DetectorKind = "ml"
)

// Detection methods that are not detector kinds. Together with the detector
// kinds these form the wire vocabulary for detection_method.
const (
	MethodAllowlist = "allowlist"
	MethodBlocklist = "blocklist"
	MethodPolicy    = "policy"
	MethodComposite = "composite"
	MethodError     = "error"
)

// Finding is one detector observation about a region of the normalized
// input. Start and End are byte offsets into the normalized prompt;
// End == 0 with Start == 0 means the finding applies to the whole input
// (classifier-style findings).
type Finding struct {
	Kind            DetectorKind           `json:"kind"`
	SubType         string                 `json:"sub_type"`
	Start           int                    `json:"start"`
	End             int                    `json:"end"`
	Confidence      float64                `json:"confidence"`
	Severity        Severity               `json:"severity"`
	SuggestedAction Action                 `json:"suggested_action"`
	RuleID          string                 `json:"rule_id,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// BundleScoped reports whether the finding came from a tenant rule rather
// than a built-in pattern. Bundle-scoped reasons win tie-breaks in fusion.
func (f Finding) BundleScoped() bool {
	return f.RuleID != ""
}

// Reason renders the finding as a stable reason string, e.g. "secret:api_key".
func (f Finding) Reason() string {
	if f.SubType == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ":" + f.SubType
}

// FindingsSummary is the only representation of findings that leaves the
// process: counts per kind and severity plus degraded-detector errors.
// Matched text never appears here.
type FindingsSummary struct {
	Total      int            `json:"total"`
	ByKind     map[string]int `json:"by_kind,omitempty"`
	BySeverity map[string]int `json:"by_severity,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
}

// SummarizeFindings folds findings into their persistable summary.
func SummarizeFindings(findings []Finding, detectorErrors []string) FindingsSummary {
	s := FindingsSummary{
		Total:      len(findings),
		ByKind:     make(map[string]int),
		BySeverity: make(map[string]int),
	}
	for _, f := range findings {
		s.ByKind[string(f.Kind)]++
		s.BySeverity[string(f.Severity)]++
	}
	if len(detectorErrors) > 0 {
		s.Errors = append(s.Errors, detectorErrors...)
	}
	return s
}

// RequestContext carries the request identity through every stage.
type RequestContext struct {
	Tenant      string
	UserID      string
	SessionID   string
	RequestID   string
	ClientIP    string
	UserAgent   string
	Channel     string
	Route       string
	Roles       []string
	Permissions []string
	Metadata    map[string]interface{}
}

// BundleRef identifies the policy bundle a decision was made under.
type BundleRef struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Channel string `json:"channel"`
}

// EvaluatorResult is the policy evaluator's verdict, produced either by the
// remote evaluator or by the local algorithm. Method records which layer
// produced the verdict: allowlist, blocklist, or policy.
type EvaluatorResult struct {
	Action     Action                 `json:"action"`
	Reasons    []string               `json:"reasons"`
	Violations []string               `json:"violations,omitempty"`
	Confidence float64                `json:"confidence"`
	Method     string                 `json:"method"`
	Mode       string                 `json:"mode"` // "remote" or "local"
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Decision is the fused outcome of one screening request.
type Decision struct {
	Action          Action          `json:"action"`
	Reason          string          `json:"reason"`
	Reasons         []string        `json:"reasons"`
	MaskedPrompt    string          `json:"masked_prompt"`
	RiskScore       float64         `json:"risk_score"`
	DetectionMethod string          `json:"detection_method"`
	FindingsSummary FindingsSummary `json:"findings_summary"`
	Bundle          BundleRef       `json:"bundle"`
	EvaluatorMode   string          `json:"evaluator_mode"`
	ProcessingTime  time.Duration   `json:"-"`
}

// DecisionRecord is the persisted, non-sensitive projection of a decision.
// The raw prompt never appears here; InputDigest stands in for it.
type DecisionRecord struct {
	ID           int64           `json:"id,omitempty"`
	Tenant       string          `json:"tenant"`
	UserID       string          `json:"user_id,omitempty"`
	SessionID    string          `json:"session_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Route        string          `json:"route"`
	InputDigest  string          `json:"input_digest"`
	InputLength  int             `json:"input_length"`
	Decision     Action          `json:"decision"`
	Reasons      []string        `json:"reasons"`
	BundleName   string          `json:"bundle_name,omitempty"`
	BundleVer    int             `json:"bundle_version,omitempty"`
	Channel      string          `json:"channel"`
	LatencyMs    int64           `json:"latency_ms"`
	Summary      FindingsSummary `json:"findings_summary"`
}

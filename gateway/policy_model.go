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
	"fmt"
	"regexp"
	"strings"
	"time"
)

// BundleStatus is a policy bundle's lifecycle state.
type BundleStatus string

const (
	BundleDraft   BundleStatus = "draft"
	BundleActive  BundleStatus = "active"
	BundleRetired BundleStatus = "retired"
)

// Channels are deployment lanes; each (tenant, channel) pair has at most
// one active bundle.
const (
	ChannelDev     = "dev"
	ChannelStaging = "staging"
	ChannelProd    = "prod"
)

var validChannels = map[string]bool{
	ChannelDev:     true,
	ChannelStaging: true,
	ChannelProd:    true,
}

// ValidChannel reports whether ch is one of dev, staging, prod.
func ValidChannel(ch string) bool {
	return validChannels[ch]
}

// PolicyBundle is a versioned rule container for one tenant. MaxPromptLength
// and AllowedLanguages are tenant-level guards evaluated by the policy
// evaluator; zero / empty means "use the gateway default".
type PolicyBundle struct {
	ID               int64        `json:"id"`
	Tenant           string       `json:"tenant"`
	Name             string       `json:"name"`
	Version          int          `json:"version"`
	Channel          string       `json:"channel"`
	Status           BundleStatus `json:"status"`
	MaxPromptLength  int          `json:"max_prompt_length,omitempty"`
	AllowedLanguages []string     `json:"allowed_languages,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Ref projects the bundle into the form decisions carry.
func (b *PolicyBundle) Ref() BundleRef {
	if b == nil {
		return BundleRef{}
	}
	return BundleRef{Name: b.Name, Version: b.Version, Channel: b.Channel}
}

// FilterRule is one tenant-authored detector rule inside a bundle. Pattern
// is a regular expression for regex-typed rules, an embedding reference for
// similarity rules, and a model tag for ml rules. Threshold applies to
// similarity and ml only.
type FilterRule struct {
	ID          int64        `json:"id"`
	BundleID    int64        `json:"bundle_id"`
	Type        DetectorKind `json:"type"`
	Pattern     string       `json:"pattern"`
	Threshold   float64      `json:"threshold,omitempty"`
	Action      Action       `json:"action"`
	Severity    Severity     `json:"severity"`
	SubType     string       `json:"sub_type,omitempty"`
	Description string       `json:"description,omitempty"`
	Enabled     bool         `json:"enabled"`
}

// Validate checks the fields a draft-bundle edit may set.
func (r *FilterRule) Validate() error {
	switch r.Type {
	case DetectorStatic, DetectorSecret, DetectorPII, DetectorInjection, DetectorSimilarity, DetectorML:
	default:
		return NewError(KindInvalidInput, fmt.Sprintf("unknown rule type %q", r.Type), nil)
	}
	if r.Pattern == "" {
		return NewError(KindInvalidInput, "rule pattern is required", nil)
	}
	if !r.Action.Valid() || r.Action == ActionAllow {
		return NewError(KindInvalidInput, fmt.Sprintf("invalid rule action %q", r.Action), nil)
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return NewError(KindInvalidInput, "threshold must be within [0,1]", nil)
	}
	if r.Type == DetectorStatic || r.Type == DetectorSecret || r.Type == DetectorPII {
		if _, err := regexp.Compile("(?i)" + r.Pattern); err != nil {
			return NewError(KindInvalidInput, fmt.Sprintf("invalid rule pattern: %v", err), nil)
		}
	}
	return nil
}

// ListKind is how an allowlist/blocklist entry matches.
type ListKind string

const (
	ListPattern ListKind = "pattern" // case-insensitive regex
	ListDomain  ListKind = "domain"  // lowercased substring
	ListExact   ListKind = "exact"   // whole-prompt equality
)

// ListEntry is one allowlist or blocklist row. Expired entries are ignored
// at match time rather than deleted.
type ListEntry struct {
	ID       int64      `json:"id"`
	BundleID int64      `json:"bundle_id"`
	Kind     ListKind   `json:"kind"`
	Value    string     `json:"value"`
	Scope    string     `json:"scope,omitempty"`
	ExpireAt *time.Time `json:"expire_at,omitempty"`
}

// Validate checks an entry before it is written into a draft bundle.
func (e *ListEntry) Validate() error {
	switch e.Kind {
	case ListPattern, ListDomain, ListExact:
	default:
		return NewError(KindInvalidInput, fmt.Sprintf("unknown list kind %q", e.Kind), nil)
	}
	if e.Value == "" {
		return NewError(KindInvalidInput, "list value is required", nil)
	}
	if e.Kind == ListPattern {
		if _, err := regexp.Compile("(?i)" + e.Value); err != nil {
			return NewError(KindInvalidInput, fmt.Sprintf("invalid list pattern: %v", err), nil)
		}
	}
	return nil
}

type compiledRule struct {
	rule FilterRule
	re   *regexp.Regexp
}

type compiledEntry struct {
	entry ListEntry
	re    *regexp.Regexp
}

// Snapshot is the immutable, compiled projection of one active bundle.
// Snapshots are shared across requests; nothing on them may be mutated
// after NewSnapshot returns.
type Snapshot struct {
	Bundle    *PolicyBundle
	Rules     []FilterRule
	Allowlist []ListEntry
	Blocklist []ListEntry
	LoadedAt  time.Time
	Warnings  []string

	compiledRules []compiledRule
	compiledAllow []compiledEntry
	compiledBlock []compiledEntry
}

// NewSnapshot compiles a bundle's regex sets once. Rules or entries with
// unparseable patterns are dropped and reported via Warnings instead of
// failing the whole snapshot.
func NewSnapshot(bundle *PolicyBundle, rules []FilterRule, allow, block []ListEntry, now time.Time) *Snapshot {
	s := &Snapshot{
		Bundle:    bundle,
		Rules:     rules,
		Allowlist: allow,
		Blocklist: block,
		LoadedAt:  now,
	}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		switch r.Type {
		case DetectorStatic, DetectorSecret, DetectorPII:
			re, err := regexp.Compile("(?im)" + r.Pattern)
			if err != nil {
				s.Warnings = append(s.Warnings, fmt.Sprintf("rule %d: %v", r.ID, err))
				continue
			}
			s.compiledRules = append(s.compiledRules, compiledRule{rule: r, re: re})
		default:
			// similarity/ml/injection rules are thresholds and references,
			// consumed by their detectors directly.
		}
	}
	s.compiledAllow = compileEntries(allow, &s.Warnings)
	s.compiledBlock = compileEntries(block, &s.Warnings)
	return s
}

func compileEntries(entries []ListEntry, warnings *[]string) []compiledEntry {
	out := make([]compiledEntry, 0, len(entries))
	for _, e := range entries {
		ce := compiledEntry{entry: e}
		if e.Kind == ListPattern {
			re, err := regexp.Compile("(?i)" + e.Value)
			if err != nil {
				*warnings = append(*warnings, fmt.Sprintf("list entry %d: %v", e.ID, err))
				continue
			}
			ce.re = re
		}
		out = append(out, ce)
	}
	return out
}

// MatchAllowlist returns the first live allowlist entry matching the prompt.
func (s *Snapshot) MatchAllowlist(prompt string, now time.Time) (ListEntry, bool) {
	if s == nil {
		return ListEntry{}, false
	}
	return matchEntries(s.compiledAllow, prompt, now)
}

// MatchBlocklist returns the first live blocklist entry matching the prompt.
func (s *Snapshot) MatchBlocklist(prompt string, now time.Time) (ListEntry, bool) {
	if s == nil {
		return ListEntry{}, false
	}
	return matchEntries(s.compiledBlock, prompt, now)
}

func matchEntries(entries []compiledEntry, prompt string, now time.Time) (ListEntry, bool) {
	lower := ""
	for _, ce := range entries {
		if ce.entry.ExpireAt != nil && !ce.entry.ExpireAt.After(now) {
			continue
		}
		switch ce.entry.Kind {
		case ListPattern:
			if ce.re != nil && ce.re.MatchString(prompt) {
				return ce.entry, true
			}
		case ListDomain:
			if lower == "" {
				lower = strings.ToLower(prompt)
			}
			if strings.Contains(lower, strings.ToLower(ce.entry.Value)) {
				return ce.entry, true
			}
		case ListExact:
			if prompt == ce.entry.Value {
				return ce.entry, true
			}
		}
	}
	return ListEntry{}, false
}

// RegexRules exposes the compiled regex-typed rules for the static detector
// and the bundle halves of the secret/PII detectors.
func (s *Snapshot) RegexRules(kind DetectorKind) []compiledRule {
	if s == nil {
		return nil
	}
	out := make([]compiledRule, 0, len(s.compiledRules))
	for _, cr := range s.compiledRules {
		if cr.rule.Type == kind {
			out = append(out, cr)
		}
	}
	return out
}

// ThresholdFor returns the tenant threshold override for similarity or ml
// rules, falling back to def when the bundle carries none.
func (s *Snapshot) ThresholdFor(kind DetectorKind, def float64) float64 {
	if s == nil {
		return def
	}
	for _, r := range s.Rules {
		if r.Type == kind && r.Enabled && r.Threshold > 0 {
			return r.Threshold
		}
	}
	return def
}

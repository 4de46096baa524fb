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
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// PatternPackFile is the root structure of a pattern pack file. A pack
// customizes the built-in detector tables without a rebuild: entries that
// share a key with a built-in (secret family name, PII sub-type, injection
// tactic) replace it, everything else is appended. Tenant bundle rules
// still apply on top of whatever the pack produces.
type PatternPackFile struct {
	Version   string               `yaml:"version"`
	Secrets   []SecretPackEntry    `yaml:"secrets,omitempty"`
	PII       []PIIPackEntry       `yaml:"pii,omitempty"`
	Injection []InjectionPackEntry `yaml:"injection,omitempty"`
}

// SecretPackEntry overrides or extends one credential family.
type SecretPackEntry struct {
	Name       string   `yaml:"name"`
	SubType    string   `yaml:"sub_type,omitempty"`
	Keywords   []string `yaml:"keywords,omitempty"`
	Pattern    string   `yaml:"pattern"`
	Severity   string   `yaml:"severity,omitempty"`
	Confidence float64  `yaml:"confidence,omitempty"`
}

// PIIPackEntry overrides or extends one PII sub-type.
type PIIPackEntry struct {
	SubType        string   `yaml:"sub_type"`
	Pattern        string   `yaml:"pattern"`
	Severity       string   `yaml:"severity,omitempty"`
	BaseConfidence float64  `yaml:"base_confidence,omitempty"`
	Keywords       []string `yaml:"keywords,omitempty"`
	RequireKeyword bool     `yaml:"require_keyword,omitempty"`
}

// InjectionPackEntry adds one phrase to an injection tactic. Providing any
// entries for a tactic replaces that tactic's built-in phrase set.
type InjectionPackEntry struct {
	Tactic  string `yaml:"tactic"`
	Pattern string `yaml:"pattern"`
}

// PatternPack holds the compiled pack entries. A nil pack is valid and
// yields the unmodified built-in tables.
type PatternPack struct {
	filePath  string
	secrets   []secretPattern
	pii       []piiPattern
	injection []injectionPattern
}

// LoadPatternPack reads, expands, parses, and compiles a pack file.
func LoadPatternPack(filePath string) (*PatternPack, error) {
	pack := &PatternPack{filePath: filePath}
	if err := pack.reload(); err != nil {
		return nil, err
	}
	return pack, nil
}

// reload reads and recompiles the pack file.
func (p *PatternPack) reload() error {
	data, err := os.ReadFile(p.filePath)
	if err != nil {
		return fmt.Errorf("failed to read pattern pack %s: %w", p.filePath, err)
	}

	expanded := expandEnvVars(string(data))

	var file PatternPackFile
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return fmt.Errorf("failed to parse pattern pack: %w", err)
	}
	if err := ValidatePatternPack(&file); err != nil {
		return err
	}

	secrets := make([]secretPattern, 0, len(file.Secrets))
	for _, e := range file.Secrets {
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return fmt.Errorf("secret pattern '%s' does not compile: %w", e.Name, err)
		}
		subType := e.SubType
		if subType == "" {
			subType = e.Name
		}
		confidence := e.Confidence
		if confidence == 0 {
			confidence = 0.8
		}
		severity := severityOrDefault(e.Severity, SeverityHigh)
		secrets = append(secrets, secretPattern{
			Name:       e.Name,
			SubType:    subType,
			Keywords:   lowercase(e.Keywords),
			Pattern:    re,
			Severity:   severity,
			Confidence: confidence,
		})
	}

	pii := make([]piiPattern, 0, len(file.PII))
	for _, e := range file.PII {
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return fmt.Errorf("pii pattern '%s' does not compile: %w", e.SubType, err)
		}
		base := e.BaseConfidence
		if base == 0 {
			base = 0.7
		}
		pii = append(pii, piiPattern{
			SubType:        e.SubType,
			Pattern:        re,
			Severity:       severityOrDefault(e.Severity, SeverityMedium),
			Base:           base,
			Keywords:       lowercase(e.Keywords),
			RequireKeyword: e.RequireKeyword,
		})
	}

	injection := make([]injectionPattern, 0, len(file.Injection))
	for _, e := range file.Injection {
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return fmt.Errorf("injection pattern '%s' does not compile: %w", e.Tactic, err)
		}
		injection = append(injection, injectionPattern{Tactic: e.Tactic, Pattern: re})
	}

	p.secrets = secrets
	p.pii = pii
	p.injection = injection
	return nil
}

// Reload recompiles the pack from disk.
func (p *PatternPack) Reload() error {
	return p.reload()
}

// SecretPatterns returns the built-in credential table with pack overrides
// applied: same-name entries replace built-ins in place, new names append.
func (p *PatternPack) SecretPatterns() []secretPattern {
	builtin := builtinSecretPatterns()
	if p == nil || len(p.secrets) == 0 {
		return builtin
	}
	index := make(map[string]int, len(builtin))
	for i, b := range builtin {
		index[b.Name] = i
	}
	out := builtin
	for _, e := range p.secrets {
		if i, ok := index[e.Name]; ok {
			out[i] = e
			continue
		}
		out = append(out, e)
	}
	return out
}

// PIIPatterns returns the built-in PII table with pack overrides applied,
// keyed by sub-type.
func (p *PatternPack) PIIPatterns() []piiPattern {
	builtin := builtinPIIPatterns()
	if p == nil || len(p.pii) == 0 {
		return builtin
	}
	index := make(map[string]int, len(builtin))
	for i, b := range builtin {
		index[b.SubType] = i
	}
	out := builtin
	for _, e := range p.pii {
		if i, ok := index[e.SubType]; ok {
			out[i] = e
			continue
		}
		out = append(out, e)
	}
	return out
}

// InjectionPatterns returns the heuristic phrase library with pack tactics
// applied. A tactic named in the pack replaces every built-in phrase of
// that tactic; unnamed tactics keep their built-ins.
func (p *PatternPack) InjectionPatterns() []injectionPattern {
	builtin := builtinInjectionPatterns()
	if p == nil || len(p.injection) == 0 {
		return builtin
	}
	overridden := make(map[string]bool, len(p.injection))
	for _, e := range p.injection {
		overridden[e.Tactic] = true
	}
	out := make([]injectionPattern, 0, len(builtin)+len(p.injection))
	for _, b := range builtin {
		if !overridden[b.Tactic] {
			out = append(out, b)
		}
	}
	return append(out, p.injection...)
}

// ValidatePatternPack checks the structure of a parsed pack file.
func ValidatePatternPack(file *PatternPackFile) error {
	if file.Version == "" {
		return fmt.Errorf("pattern pack must specify a version")
	}
	for _, e := range file.Secrets {
		if e.Name == "" {
			return fmt.Errorf("secret entry must specify a name")
		}
		if e.Pattern == "" {
			return fmt.Errorf("secret entry '%s' must specify a pattern", e.Name)
		}
		if e.Confidence < 0 || e.Confidence > 1 {
			return fmt.Errorf("secret entry '%s' confidence must be between 0 and 1", e.Name)
		}
		if err := validSeverity(e.Severity); err != nil {
			return fmt.Errorf("secret entry '%s': %w", e.Name, err)
		}
	}
	for _, e := range file.PII {
		if e.SubType == "" {
			return fmt.Errorf("pii entry must specify a sub_type")
		}
		if e.Pattern == "" {
			return fmt.Errorf("pii entry '%s' must specify a pattern", e.SubType)
		}
		if e.BaseConfidence < 0 || e.BaseConfidence > 1 {
			return fmt.Errorf("pii entry '%s' base_confidence must be between 0 and 1", e.SubType)
		}
		if err := validSeverity(e.Severity); err != nil {
			return fmt.Errorf("pii entry '%s': %w", e.SubType, err)
		}
	}
	for _, e := range file.Injection {
		if e.Tactic == "" {
			return fmt.Errorf("injection entry must specify a tactic")
		}
		if e.Pattern == "" {
			return fmt.Errorf("injection entry '%s' must specify a pattern", e.Tactic)
		}
	}
	return nil
}

func validSeverity(s string) error {
	switch Severity(s) {
	case "", SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return nil
	}
	return fmt.Errorf("invalid severity '%s'", s)
}

func severityOrDefault(s string, def Severity) Severity {
	if sev := Severity(s); sev.Rank() >= 0 {
		return sev
	}
	return def
}

func lowercase(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}

// envVarRegex matches ${VAR_NAME} or $VAR_NAME patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars expands environment variable references in the string.
// Supports both ${VAR_NAME} and ${VAR_NAME:-default} syntax; undefined
// variables without a default expand to the empty string.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}

		return defaultVal
	})
}

// GenerateExamplePatternPack returns a starter pack file.
func GenerateExamplePatternPack() string {
	return `# PromptSentry pattern pack
# Entries sharing a key with a built-in (secret name, PII sub_type,
# injection tactic) replace it; everything else is added.
# Environment variables can be referenced using ${VAR_NAME:-default} syntax.

version: "1"

secrets:
  # Tighten the built-in hex key family to this deployment's key length.
  - name: hex_key
    sub_type: symmetric_key
    keywords: [key, secret]
    pattern: '\b[0-9a-f]{64}\b'
    severity: medium
    confidence: 0.7

  # Company-internal API tokens.
  - name: internal_api_token
    sub_type: api_key
    keywords: [psk_]
    pattern: '\bpsk_[A-Za-z0-9]{32}\b'
    severity: high
    confidence: 0.95

pii:
  # Employee IDs issued by ${COMPANY_NAME:-the company}.
  - sub_type: employee_id
    pattern: '\bEMP-\d{6}\b'
    severity: medium
    base_confidence: 0.8
    keywords: [employee, 사번, 직원]
    require_keyword: true

injection:
  # Replaces the built-in developer_mode phrases.
  - tactic: developer_mode
    pattern: '(?i)\b(?:developer|debug|maintenance)\s+mode\b'
`
}

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
	"strconv"
)

// StaticDetector evaluates the tenant's static-pattern rules. All pattern
// state lives on the snapshot; the detector itself is stateless.
type StaticDetector struct{}

func NewStaticDetector() *StaticDetector {
	return &StaticDetector{}
}

func (d *StaticDetector) Kind() DetectorKind {
	return DetectorStatic
}

// Scan runs every enabled static rule's compiled regex against the prompt.
// A match yields a high-severity finding carrying the rule's action.
func (d *StaticDetector) Scan(ctx context.Context, in ScanInput) ([]Finding, error) {
	if in.Snapshot == nil {
		return nil, nil
	}
	var findings []Finding
	for _, cr := range in.Snapshot.RegexRules(DetectorStatic) {
		if err := ctx.Err(); err != nil {
			return findings, NewError(KindDeadlineExceeded, "static detector cancelled", err)
		}
		loc := cr.re.FindStringIndex(in.Prompt)
		if loc == nil {
			continue
		}
		subType := cr.rule.SubType
		if subType == "" {
			subType = "rule_" + strconv.FormatInt(cr.rule.ID, 10)
		}
		findings = append(findings, Finding{
			Kind:            DetectorStatic,
			SubType:         subType,
			Start:           loc[0],
			End:             loc[1],
			Confidence:      0.8,
			Severity:        SeverityHigh,
			SuggestedAction: cr.rule.Action,
			RuleID:          strconv.FormatInt(cr.rule.ID, 10),
			Metadata: map[string]interface{}{
				"description": cr.rule.Description,
			},
		})
	}
	return findings, nil
}

// ruleFinding converts a bundle regex match into a finding for the secret
// and PII detectors, which blend tenant rules with built-in pattern sets.
func ruleFinding(kind DetectorKind, cr compiledRule, start, end int, confidence float64) Finding {
	subType := cr.rule.SubType
	if subType == "" {
		subType = string(kind)
	}
	severity := cr.rule.Severity
	if severity == "" {
		severity = SeverityHigh
	}
	return Finding{
		Kind:            kind,
		SubType:         subType,
		Start:           start,
		End:             end,
		Confidence:      confidence,
		Severity:        severity,
		SuggestedAction: cr.rule.Action,
		RuleID:          strconv.FormatInt(cr.rule.ID, 10),
		Metadata: map[string]interface{}{
			"description": cr.rule.Description,
		},
	}
}

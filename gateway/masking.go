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
	"sort"
	"strings"
)

var redactedSentinel = regexp.MustCompile(`\[REDACTED:[a-z0-9_]+\]`)

type maskSpan struct {
	start    int
	end      int
	label    string
	severity Severity
}

// MaskFindings replaces every flagged span in prompt with a
// "[REDACTED:<label>]" sentinel, where the label is the finding's sub-type
// (falling back to its detector kind). Overlapping spans are merged and
// labeled by the highest-severity contributor; on a severity tie the
// earliest-starting finding wins. Spans covering an existing sentinel are
// skipped, so masking is idempotent.
func MaskFindings(prompt string, findings []Finding) string {
	spans := make([]maskSpan, 0, len(findings))
	for _, f := range findings {
		start, end := f.Start, f.End
		if start < 0 {
			start = 0
		}
		if end > len(prompt) {
			end = len(prompt)
		}
		if start >= end {
			continue
		}
		label := f.SubType
		if label == "" {
			label = string(f.Kind)
		}
		spans = append(spans, maskSpan{start: start, end: end, label: label, severity: f.Severity})
	}
	if len(spans) == 0 {
		return prompt
	}

	// Regions already holding a sentinel stay untouched.
	sentinels := redactedSentinel.FindAllStringIndex(prompt, -1)
	filtered := spans[:0]
	for _, s := range spans {
		if !overlapsAny(s.start, s.end, sentinels) {
			filtered = append(filtered, s)
		}
	}
	spans = filtered
	if len(spans) == 0 {
		return prompt
	}

	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	merged := []maskSpan{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start < last.end {
			if s.end > last.end {
				last.end = s.end
			}
			if s.severity.Rank() > last.severity.Rank() {
				last.label = s.label
				last.severity = s.severity
			}
			continue
		}
		merged = append(merged, s)
	}

	var b strings.Builder
	b.Grow(len(prompt))
	cursor := 0
	for _, s := range merged {
		b.WriteString(prompt[cursor:s.start])
		fmt.Fprintf(&b, "[REDACTED:%s]", s.label)
		cursor = s.end
	}
	b.WriteString(prompt[cursor:])
	return b.String()
}

func overlapsAny(start, end int, regions [][]int) bool {
	for _, r := range regions {
		if start < r[1] && end > r[0] {
			return true
		}
	}
	return false
}

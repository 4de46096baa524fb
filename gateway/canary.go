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
	"strings"

	"github.com/google/uuid"
)

// AddCanaryWord prefixes the prompt with a hidden 16-hex marker comment and
// returns the instrumented prompt plus the marker. A model response that
// echoes the marker has leaked its instructions.
func AddCanaryWord(prompt string) (string, string) {
	word := strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
	return fmt.Sprintf("<!-- %s -->\n%s", word, prompt), word
}

// IsCanaryLeaked reports whether the response contains the canary word.
func IsCanaryLeaked(response, canary string) bool {
	return canary != "" && strings.Contains(response, canary)
}

// canaryFinding is the whole-input finding raised on a leak.
func canaryFinding(canary string) Finding {
	return Finding{
		Kind:            DetectorInjection,
		SubType:         "canary_leak",
		Confidence:      1.0,
		Severity:        SeverityCritical,
		SuggestedAction: ActionBlock,
		Metadata:        map[string]interface{}{"canary": canary},
	}
}

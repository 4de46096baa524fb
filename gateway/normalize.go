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
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"
)

// NormalizePrompt canonicalizes line endings and strips outer whitespace.
// Detectors and digests both run over the normalized form so a trailing
// CRLF cannot produce two audit identities for the same prompt.
func NormalizePrompt(prompt string) string {
	normalized := strings.ReplaceAll(prompt, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.TrimSpace(normalized)
}

// InputDigest returns the first 16 hex characters of the SHA-256 of the
// normalized prompt. The digest is what audit records carry in place of
// the prompt itself.
func InputDigest(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// DetectLanguage classifies a prompt as "ko" when more than 30% of its
// letters are Hangul, and "en" otherwise. Good enough for the language
// guard; tenants needing finer routing put a real classifier in front.
func DetectLanguage(prompt string) string {
	if prompt == "" {
		return "en"
	}
	var hangul, letters int
	for _, r := range prompt {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.Is(unicode.Hangul, r) {
			hangul++
		}
	}
	if letters > 0 && float64(hangul)/float64(letters) > 0.3 {
		return "ko"
	}
	return "en"
}

// promptLength counts runes, not bytes, so multi-byte scripts are not
// penalized by the max-length guard.
func promptLength(prompt string) int {
	return utf8.RuneCountInString(prompt)
}

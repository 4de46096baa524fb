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

import "strings"

// digitsOf strips separators commonly found inside card and account
// numbers. Returns "" when any other character is present.
func digitsOf(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == ' ':
		default:
			return ""
		}
	}
	return b.String()
}

// luhnValid implements the Luhn check-digit algorithm used by payment
// card numbers.
func luhnValid(number string) bool {
	digits := digitsOf(number)
	if len(digits) < 12 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// abaValid checks a 9-digit US routing number with the 3-7-1 weighting.
func abaValid(number string) bool {
	digits := digitsOf(number)
	if len(digits) != 9 {
		return false
	}
	weights := [9]int{3, 7, 1, 3, 7, 1, 3, 7, 1}
	sum := 0
	for i := 0; i < 9; i++ {
		sum += int(digits[i]-'0') * weights[i]
	}
	return sum%10 == 0
}

// ibanValid checks an IBAN's MOD-97 remainder. Input may contain spaces.
func ibanValid(iban string) bool {
	s := strings.ToUpper(strings.ReplaceAll(iban, " ", ""))
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	rearranged := s[4:] + s[:4]
	remainder := 0
	for _, r := range rearranged {
		var v int
		switch {
		case r >= '0' && r <= '9':
			v = int(r - '0')
			remainder = (remainder*10 + v) % 97
		case r >= 'A' && r <= 'Z':
			v = int(r-'A') + 10
			remainder = (remainder*100 + v) % 97
		default:
			return false
		}
	}
	return remainder == 1
}

// koreanRRNValid verifies the check digit of a 13-digit resident
// registration number ("rrn" here covers the foreigner variant too).
// Numbers issued after the 2020 randomization no longer carry a check
// digit, so callers treat a failure as reduced confidence, not rejection.
func koreanRRNValid(rrn string) bool {
	digits := digitsOf(rrn)
	if len(digits) != 13 {
		return false
	}
	weights := [12]int{2, 3, 4, 5, 6, 7, 8, 9, 2, 3, 4, 5}
	sum := 0
	for i := 0; i < 12; i++ {
		sum += int(digits[i]-'0') * weights[i]
	}
	check := (11 - sum%11) % 10
	return check == int(digits[12]-'0')
}

// plausibleDate reports whether a 6-digit YYMMDD prefix encodes a real
// month/day; used to gate RRN and date-of-birth candidates.
func plausibleDate(yymmdd string) bool {
	if len(yymmdd) != 6 {
		return false
	}
	month := int(yymmdd[2]-'0')*10 + int(yymmdd[3]-'0')
	day := int(yymmdd[4]-'0')*10 + int(yymmdd[5]-'0')
	return month >= 1 && month <= 12 && day >= 1 && day <= 31
}

// looksLikeBase64 gates long token candidates: real encoded blobs mix
// character classes instead of spelling a word.
func looksLikeBase64(s string) bool {
	var upper, lower, digit int
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			upper++
		case r >= 'a' && r <= 'z':
			lower++
		case r >= '0' && r <= '9':
			digit++
		}
	}
	classes := 0
	for _, n := range [3]int{upper, lower, digit} {
		if n > 0 {
			classes++
		}
	}
	return classes >= 2
}

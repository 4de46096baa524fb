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
	"errors"
	"math"
	"testing"
)

func scanPII(t *testing.T, prompt string) []Finding {
	t.Helper()
	d := NewPIIDetector(nil)
	findings, err := d.Scan(context.Background(), ScanInput{
		Prompt:   prompt,
		Snapshot: makeSnapshot(nil, nil, nil),
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	return findings
}

func requireOne(t *testing.T, findings []Finding, subType string) Finding {
	t.Helper()
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1: %+v", len(findings), findings)
	}
	if findings[0].SubType != subType {
		t.Fatalf("SubType = %q, want %q", findings[0].SubType, subType)
	}
	return findings[0]
}

// =============================================================================
// Resident Registration Number Tests
// =============================================================================

func TestPIIDetector_ValidRRNWithKeyword(t *testing.T) {
	f := requireOne(t, scanPII(t, "주민등록번호 800101-1234560 입니다"), "ssn")

	// Base 0.85, +0.1 valid check digit, +0.15 context keyword, clamped.
	if math.Abs(f.Confidence-1.0) > 1e-9 {
		t.Errorf("Confidence = %f, want 1.0", f.Confidence)
	}
	if f.Severity != SeverityCritical {
		t.Errorf("Severity = %s, want %s", f.Severity, SeverityCritical)
	}
	if f.SuggestedAction != ActionRedact {
		t.Errorf("SuggestedAction = %s, want %s", f.SuggestedAction, ActionRedact)
	}
}

func TestPIIDetector_RRNInDocumentContext(t *testing.T) {
	// No RRN keyword and a failing check digit, but the surrounding document
	// indicators keep the candidate above the reporting floor.
	prompt := "계약자 800101-1234567 서명"
	f := requireOne(t, scanPII(t, prompt), "ssn")

	// Base 0.85, -0.25 invalid check digit, +0.05 field indicator.
	if math.Abs(f.Confidence-0.65) > 1e-9 {
		t.Errorf("Confidence = %f, want 0.65", f.Confidence)
	}
	if f.SuggestedAction != ActionRedact {
		t.Errorf("SuggestedAction = %s, want %s", f.SuggestedAction, ActionRedact)
	}
	if got := prompt[f.Start:f.End]; got != "800101-1234567" {
		t.Errorf("span covers %q, want the RRN", got)
	}
}

// =============================================================================
// Phone Number Tests
// =============================================================================

func TestPIIDetector_MobilePhone(t *testing.T) {
	f := requireOne(t, scanPII(t, "내 휴대폰 01012345678"), "phone")

	if math.Abs(f.Confidence-1.0) > 1e-9 {
		t.Errorf("Confidence = %f, want 1.0 (valid length plus keyword)", f.Confidence)
	}
	if f.SuggestedAction != ActionRedact {
		t.Errorf("SuggestedAction = %s, want %s", f.SuggestedAction, ActionRedact)
	}
}

// =============================================================================
// Payment Data Tests
// =============================================================================

func TestPIIDetector_CreditCardLuhn(t *testing.T) {
	// Valid Luhn: base 0.75, +0.1 valid, +0.15 keyword.
	f := requireOne(t, scanPII(t, "결제 카드 4532015112830366"), "credit_card")
	if math.Abs(f.Confidence-1.0) > 1e-9 {
		t.Errorf("Confidence = %f, want 1.0", f.Confidence)
	}
	if f.SuggestedAction != ActionRedact {
		t.Errorf("SuggestedAction = %s, want %s", f.SuggestedAction, ActionRedact)
	}

	// A failing check digit takes the stiff card penalty and drops below
	// the reporting floor even with the keyword bonus.
	if findings := scanPII(t, "결제 카드 4532015112830367"); len(findings) != 0 {
		t.Errorf("findings = %+v, want none for an invalid card number", findings)
	}
}

func TestPIIDetector_BankAccountRequiresKeyword(t *testing.T) {
	if findings := scanPII(t, "보내줘 110-123-456789"); len(findings) != 0 {
		t.Errorf("findings = %+v, want none without an account keyword", findings)
	}

	f := requireOne(t, scanPII(t, "계좌 110-123-456789"), "bank_account")
	if math.Abs(f.Confidence-0.70) > 1e-9 {
		t.Errorf("Confidence = %f, want 0.70", f.Confidence)
	}
}

// =============================================================================
// Contact Data Tests
// =============================================================================

func TestPIIDetector_Email(t *testing.T) {
	prompt := "메일 kim@example.com 으로"
	f := requireOne(t, scanPII(t, prompt), "email")

	if got := prompt[f.Start:f.End]; got != "kim@example.com" {
		t.Errorf("span covers %q, want the address", got)
	}
	if f.SuggestedAction != ActionRedact {
		t.Errorf("SuggestedAction = %s, want %s", f.SuggestedAction, ActionRedact)
	}
}

func TestPIIDetector_PostalCodeRequiresKeyword(t *testing.T) {
	f := requireOne(t, scanPII(t, "우편번호 03187 입니다"), "postal_code")
	if f.SuggestedAction != ActionLogOnly {
		t.Errorf("SuggestedAction = %s, want %s for low severity", f.SuggestedAction, ActionLogOnly)
	}

	if findings := scanPII(t, "03187 입니다"); len(findings) != 0 {
		t.Errorf("findings = %+v, want none without a postal keyword", findings)
	}
}

func TestPIIDetector_IPv4IsLogOnly(t *testing.T) {
	f := requireOne(t, scanPII(t, "서버 10.0.0.1 에 접속"), "ipv4")
	if f.Severity != SeverityLow {
		t.Errorf("Severity = %s, want %s", f.Severity, SeverityLow)
	}
	if f.SuggestedAction != ActionLogOnly {
		t.Errorf("SuggestedAction = %s, want %s", f.SuggestedAction, ActionLogOnly)
	}
}

func TestPIIDetector_KoreanNameRequiresKeyword(t *testing.T) {
	f := requireOne(t, scanPII(t, "담당자 김철수 입니다"), "name")
	if f.SuggestedAction != ActionLogOnly {
		t.Errorf("SuggestedAction = %s, want %s", f.SuggestedAction, ActionLogOnly)
	}

	if findings := scanPII(t, "김철수 어서오세요"); len(findings) != 0 {
		t.Errorf("findings = %+v, want none without a name keyword", findings)
	}
}

func TestPIIDetector_CleanPrompt(t *testing.T) {
	if findings := scanPII(t, "summarize this quarter's roadmap"); len(findings) != 0 {
		t.Errorf("findings = %+v, want none", findings)
	}
}

// =============================================================================
// Bundle Rule Tests
// =============================================================================

func TestPIIDetector_BundleRule(t *testing.T) {
	rules := []FilterRule{
		{ID: 11, Type: DetectorPII, Pattern: `\bEMP-\d{6}\b`, Action: ActionRedact,
			SubType: "employee_id", Severity: SeverityMedium, Enabled: true},
	}
	d := NewPIIDetector(nil)

	findings, err := d.Scan(context.Background(), ScanInput{
		Prompt:   "lookup EMP-004211 in the directory",
		Snapshot: makeSnapshot(rules, nil, nil),
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	f := requireOne(t, findings, "employee_id")
	if f.RuleID != "11" || f.Confidence != 0.9 {
		t.Errorf("finding = %+v, want bundle rule at 0.9", f)
	}
}

// =============================================================================
// Entity Extractor Tests
// =============================================================================

type fakeExtractor struct {
	entities []Entity
	err      error
}

func (f *fakeExtractor) Extract(ctx context.Context, text string) ([]Entity, error) {
	return f.entities, f.err
}

func TestPIIDetector_ExtractorEntitiesMapped(t *testing.T) {
	d := NewPIIDetectorWithExtractor(nil, &fakeExtractor{
		entities: []Entity{
			{Kind: "PERSON", Start: 0, End: 9, Confidence: 0.8},
			{Kind: "ORG", Start: 10, End: 14, Confidence: 0.9},   // unmapped kind
			{Kind: "EMAIL", Start: 15, End: 20, Confidence: 0.2}, // below floor
		},
	})

	findings, err := d.Scan(context.Background(), ScanInput{
		Prompt:   "김철수님께 전달 바랍니다",
		Snapshot: makeSnapshot(nil, nil, nil),
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	f := requireOne(t, findings, "name")
	if f.Metadata["source"] != "extractor" {
		t.Errorf("Metadata[source] = %v, want extractor", f.Metadata["source"])
	}
	if f.SuggestedAction != ActionLogOnly {
		t.Errorf("SuggestedAction = %s, want %s", f.SuggestedAction, ActionLogOnly)
	}
}

func TestPIIDetector_ExtractorFailureKeepsPatternFindings(t *testing.T) {
	d := NewPIIDetectorWithExtractor(nil, &fakeExtractor{err: errors.New("analyzer down")})

	findings, err := d.Scan(context.Background(), ScanInput{
		Prompt:   "메일 kim@example.com 으로",
		Snapshot: makeSnapshot(nil, nil, nil),
	})
	if err == nil {
		t.Fatal("Scan() must surface the extractor failure")
	}
	if ClassifyError(err) != KindDependencyUnavailable {
		t.Errorf("error kind = %s, want %s", ClassifyError(err), KindDependencyUnavailable)
	}
	if len(findings) != 1 || findings[0].SubType != "email" {
		t.Errorf("partial findings = %+v, want the pattern-stage email finding", findings)
	}
}

// =============================================================================
// Dedup Tests
// =============================================================================

func TestCollapsePII(t *testing.T) {
	in := []Finding{
		{Kind: DetectorPII, SubType: "email", Start: 0, End: 10, Confidence: 0.6},
		{Kind: DetectorPII, SubType: "email", Start: 0, End: 10, Confidence: 0.9},
		{Kind: DetectorPII, SubType: "phone", Start: 0, End: 10, Confidence: 0.5},
	}
	out := collapsePII(in)

	if len(out) != 2 {
		t.Fatalf("collapsed = %d findings, want 2 (sub-type is part of the key)", len(out))
	}
	if out[0].Confidence != 0.9 {
		t.Errorf("email confidence = %f, want the higher 0.9", out[0].Confidence)
	}
	if out[1].SubType != "phone" {
		t.Errorf("second finding = %q, want phone kept separately", out[1].SubType)
	}
}

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

// FuseDecision folds detector findings and the policy evaluator's verdict
// into one decision:
//
//   - action is the lattice maximum across every contributor;
//   - reasons is the deduplicated union in first-seen order;
//   - risk_score is the highest confidence among findings, raised to the
//     evaluator's confidence when its verdict is restrictive;
//   - detection_method names the detector kind that carried the final
//     action, "composite" when two or more kinds did, "policy" when only
//     the evaluator did, or the list layer on a short-circuit.
//
// The singular reason is chosen from contributors at the final action,
// preferring tenant-rule findings over built-in ones.
func FuseDecision(findings []Finding, eval EvaluatorResult, detectorErrors []string) Decision {
	action := eval.Action
	if !action.Valid() {
		action = ActionAllow
	}
	for _, f := range findings {
		action = MaxAction(action, f.SuggestedAction)
	}

	var risk float64
	for _, f := range findings {
		if f.Confidence > risk {
			risk = f.Confidence
		}
	}
	if eval.Action.Rank() > ActionAllow.Rank() && eval.Confidence > risk {
		risk = eval.Confidence
	}

	reasons := make([]string, 0, len(findings)+len(eval.Reasons))
	seen := make(map[string]bool)
	for _, f := range findings {
		if r := f.Reason(); !seen[r] {
			seen[r] = true
			reasons = append(reasons, r)
		}
	}
	for _, r := range eval.Reasons {
		if r != "" && !seen[r] {
			seen[r] = true
			reasons = append(reasons, r)
		}
	}

	return Decision{
		Action:          action,
		Reason:          primaryReason(action, findings, eval),
		Reasons:         reasons,
		RiskScore:       risk,
		DetectionMethod: detectionMethod(action, findings, eval),
		FindingsSummary: SummarizeFindings(findings, detectorErrors),
		EvaluatorMode:   eval.Mode,
	}
}

func primaryReason(action Action, findings []Finding, eval EvaluatorResult) string {
	var builtIn string
	for _, f := range findings {
		if f.SuggestedAction != action {
			continue
		}
		if f.BundleScoped() {
			return f.Reason()
		}
		if builtIn == "" {
			builtIn = f.Reason()
		}
	}
	if builtIn != "" {
		return builtIn
	}
	if eval.Action == action && len(eval.Reasons) > 0 {
		return eval.Reasons[0]
	}
	if action == ActionAllow {
		return "allowed"
	}
	return string(action)
}

func detectionMethod(action Action, findings []Finding, eval EvaluatorResult) string {
	if eval.Action == action && (eval.Method == MethodAllowlist || eval.Method == MethodBlocklist) {
		return eval.Method
	}
	kinds := make(map[DetectorKind]bool)
	for _, f := range findings {
		if f.SuggestedAction == action {
			kinds[f.Kind] = true
		}
	}
	switch len(kinds) {
	case 0:
		return MethodPolicy
	case 1:
		for k := range kinds {
			return string(k)
		}
	}
	return MethodComposite
}

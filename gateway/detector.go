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

import "context"

// ScanInput is what every detector sees for one request: the normalized
// prompt, the detected language, the request identity, and the tenant's
// compiled snapshot. Detectors must treat all of it as read-only.
type ScanInput struct {
	Prompt   string
	Language string
	Context  RequestContext
	Snapshot *Snapshot
}

// Detector is one analyzer in the fan-out stage. Implementations hold only
// immutable pattern/model state; per-request state lives on the stack.
// Scan honors ctx cancellation and returns partial findings with an error
// when cut off.
type Detector interface {
	Kind() DetectorKind
	Scan(ctx context.Context, in ScanInput) ([]Finding, error)
}

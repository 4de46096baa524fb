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

// Package main is the entry point for the PromptSentry gateway service.
//
// The gateway is an inline prompt-screening checkpoint that:
// - Scans prompts with concurrent secret, PII, injection, similarity,
//   and ML detectors
// - Evaluates tenant policy bundles locally or via a remote evaluator
// - Fuses findings into a single allow/log/approve/redact/block action
// - Masks sensitive spans before the prompt leaves the boundary
// - Audits every decision without persisting raw prompt content
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	DATABASE_URL - PostgreSQL connection string (required)
//	REDIS_URL - Redis for stats and rate limiting (optional)
//	EVALUATOR_URL - remote policy evaluator (optional)
//	VECTOR_INDEX_URL - vector index for similarity checks (optional)
//	PATTERN_PACK_FILE - YAML pattern pack overriding built-ins (optional)
package main

import (
	"promptsentry/platform/gateway"
)

func main() {
	gateway.Run()
}

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
	"fmt"
	"net/http"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil error", nil, ""},
		{"gateway error keeps its kind", NewError(KindForbidden, "no", nil), KindForbidden},
		{"wrapped gateway error", fmt.Errorf("outer: %w", NewError(KindConflict, "taken", nil)), KindConflict},
		{"conflict sentinel", fmt.Errorf("activate: %w", ErrConflict), KindConflict},
		{"not found sentinel", ErrNotFound, KindNotFound},
		{"invalid input sentinel", fmt.Errorf("parse: %w", ErrInvalidInput), KindInvalidInput},
		{"unavailable sentinel", ErrUnavailable, KindDependencyUnavailable},
		{"context deadline", context.DeadlineExceeded, KindDeadlineExceeded},
		{"wrapped context deadline", fmt.Errorf("scan: %w", context.DeadlineExceeded), KindDeadlineExceeded},
		{"unknown error", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorKind_HTTPStatus(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want int
	}{
		{KindInvalidInput, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindConflict, http.StatusConflict},
		{KindNotFound, http.StatusNotFound},
		{KindDeadlineExceeded, http.StatusGatewayTimeout},
		{KindDependencyUnavailable, http.StatusServiceUnavailable},
		{KindInternal, http.StatusInternalServerError},
		{ErrorKind("unheard_of"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.kind.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestGatewayError_Error(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	withCause := NewError(KindDependencyUnavailable, "redis unreachable", cause)
	if got := withCause.Error(); got != "dependency_unavailable: redis unreachable: dial tcp: refused" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(withCause, cause) {
		t.Error("errors.Is must see through GatewayError to the cause")
	}

	bare := NewError(KindInvalidInput, "prompt is required", nil)
	if got := bare.Error(); got != "invalid_input: prompt is required" {
		t.Errorf("Error() = %q", got)
	}
	if bare.Unwrap() != nil {
		t.Error("Unwrap() of a causeless error must be nil")
	}
}

// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation, and open paths

package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func serve(t *testing.T, verifier TokenVerifier, path, header string) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	var got *Identity
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	HTTPAuthMiddleware(verifier, "/health")(handler).ServeHTTP(rec, req)
	return rec, got
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	verifier := mustVerifier(t, testSecret)
	token, _ := verifier.Generate("agent-7", "agentA", time.Hour)

	rec, id := serve(t, verifier, "/tools/srv/upload/call", "Bearer "+token)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if id == nil {
		t.Fatal("expected Identity in context")
	}
	if id.CallerID != "agent-7" || id.CallerType != "agentA" {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestHTTPAuthMiddleware_Rejects(t *testing.T) {
	verifier := mustVerifier(t, testSecret)
	expired, _ := verifier.Generate("agent-7", "", -time.Minute)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{"missing header", "", "missing authorization header"},
		{"wrong scheme", "Basic abc", "invalid authorization header format"},
		{"empty token", "Bearer ", "empty token"},
		{"garbage", "Bearer nope", "invalid token"},
		{"expired", "Bearer " + expired, "token expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, id := serve(t, verifier, "/servers", tt.header)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
			if id != nil {
				t.Error("handler should not run")
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("body %q does not mention %q", rec.Body.String(), tt.wantMsg)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestHTTPAuthMiddleware_OpenPath(t *testing.T) {
	verifier := mustVerifier(t, testSecret)

	rec, id := serve(t, verifier, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if id != nil {
		t.Errorf("open paths carry no identity, got %+v", id)
	}
}

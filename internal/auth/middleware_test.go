package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestRequireToken(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	authHandler := RequireToken("s3cret-token", zerolog.Nop())(handler)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"allows request with valid Bearer token", "Bearer s3cret-token", http.StatusOK},
		{"scheme is case-insensitive", "bearer   s3cret-token", http.StatusOK},
		{"rejects request without Authorization header", "", http.StatusUnauthorized},
		{"rejects request with invalid Authorization format", "InvalidFormat", http.StatusUnauthorized},
		{"rejects other schemes", "Basic s3cret-token", http.StatusUnauthorized},
		{"rejects wrong token", "Bearer nope", http.StatusUnauthorized},
		{"rejects token prefix", "Bearer s3cret", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rr := httptest.NewRecorder()
			authHandler.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rr.Code)
			}
		})
	}

	t.Run("empty token disables the check", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		rr := httptest.NewRecorder()
		RequireToken("", zerolog.Nop())(handler).ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", rr.Code)
		}
	})
}

func TestTokenMatches(t *testing.T) {
	if !TokenMatches("abc", "abc") {
		t.Error("Expected equal tokens to match")
	}
	if TokenMatches("abc", "abd") {
		t.Error("Expected different tokens not to match")
	}
	if TokenMatches("", "") {
		t.Error("Expected empty tokens never to match")
	}
}

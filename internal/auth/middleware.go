package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// RequireToken returns middleware that checks for "Authorization: Bearer <token>".
// Returns 401 Unauthorized if the header is missing or the token does not match.
// An empty token disables the check; config validation only allows that
// outside production.
func RequireToken(token string, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := BearerToken(r)
			if got == "" {
				log.Debug().Str("path", r.URL.Path).Msg("no bearer token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !TokenMatches(token, got) {
				log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("invalid bearer token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header (RFC 6750). The scheme is case-insensitive. Returns "" when absent.
func BearerToken(r *http.Request) string {
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(strings.Join(fields[1:], " "))
}

// TokenMatches compares in constant time.
func TokenMatches(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

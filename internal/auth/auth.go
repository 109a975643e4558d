package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync/atomic"
)

// HeaderName carries the shared token on service-to-service calls.
const HeaderName = "X-Internal-Token"

// Middleware rejects requests that do not carry the shared token.
type Middleware struct {
	token atomic.Pointer[string]
}

// NewMiddleware creates auth middleware for token. An empty token rejects
// every request.
func NewMiddleware(token string) *Middleware {
	m := &Middleware{}
	m.SetToken(token)
	return m
}

// SetToken replaces the accepted token.
func (m *Middleware) SetToken(token string) {
	m.token.Store(&token)
}

// RequireAuth wraps an http.Handler and requires valid authentication
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.isAuthenticated(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuthFunc wraps an http.HandlerFunc and requires valid authentication
func (m *Middleware) RequireAuthFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.isAuthenticated(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (m *Middleware) isAuthenticated(r *http.Request) bool {
	want := *m.token.Load()
	// No token configured: fail secure.
	if want == "" {
		return false
	}

	if token := r.Header.Get(HeaderName); token != "" {
		return equal(token, want)
	}

	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || scheme != "Bearer" {
		return false
	}
	return equal(token, want)
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// IsEnabled returns true if authentication is configured
func (m *Middleware) IsEnabled() bool {
	return *m.token.Load() != ""
}

// SetHeader attaches token to an outgoing request.
func SetHeader(r *http.Request, token string) {
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

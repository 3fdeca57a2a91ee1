// Package middleware authenticates requests and injects the calling
// agent into the request context.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/pinchwork/backend/internal/agents"
	"github.com/pinchwork/backend/internal/pwerr"
	"github.com/pinchwork/backend/internal/store"
)

type contextKey int

const agentKey contextKey = iota

// AgentFrom returns the authenticated agent from the request context.
func AgentFrom(ctx context.Context) (*store.Agent, bool) {
	a, ok := ctx.Value(agentKey).(*store.Agent)
	return a, ok
}

// WithAgent injects an agent into a context. Exposed for tests.
func WithAgent(ctx context.Context, a *store.Agent) context.Context {
	return context.WithValue(ctx, agentKey, a)
}

// Auth resolves the bearer API key to an agent. Suspended agents get
// 403, everything else invalid gets 401.
func Auth(registry *agents.Service, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		rawKey := strings.TrimPrefix(authHeader, "Bearer ")
		if rawKey == authHeader {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		a, err := registry.Authenticate(r.Context(), rawKey)
		if err != nil {
			switch pwerr.KindOf(err) {
			case pwerr.Suspended:
				http.Error(w, err.Error(), http.StatusForbidden)
			default:
				http.Error(w, "invalid API key", http.StatusUnauthorized)
			}
			return
		}
		next(w, r.WithContext(WithAgent(r.Context(), a)))
	}
}

// AdminAuth gates operator endpoints behind a static key. An empty
// configured key disables the endpoints entirely.
func AdminAuth(adminKey string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if adminKey == "" || r.Header.Get("X-Admin-Key") != adminKey {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// SessionKey is the context key for the session identifier.
const SessionKey contextKey = "session"

// SessionExtractor resolves the session identifier for a request. It
// checks the X-Lumi-Session header, then the session query parameter,
// and falls back to "default" so a bare browser still gets a working
// session.
func SessionExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := strings.TrimSpace(r.Header.Get("X-Lumi-Session"))
		if session == "" {
			session = strings.TrimSpace(r.URL.Query().Get("session"))
		}
		if session == "" {
			session = "default"
		}

		ctx := context.WithValue(r.Context(), SessionKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSession retrieves the session identifier from the request context.
func GetSession(ctx context.Context) string {
	if v, ok := ctx.Value(SessionKey).(string); ok {
		return v
	}
	return "default"
}

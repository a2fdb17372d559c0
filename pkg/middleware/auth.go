package middleware

import (
	"net/http"
	"strings"
	"unicode"

	"github.com/platinummonkey/circles/pkg/contextkeys"
	"github.com/platinummonkey/circles/pkg/httputil"
)

// DefaultActorHeader carries the verified actor id set by the authenticating proxy
const DefaultActorHeader = "X-Actor-ID"

const maxActorIDLength = 255

// AuthMiddleware trusts the actor id forwarded by the upstream authenticator. Credentials
// are never checked here; the header must be stripped from client traffic at the edge.
type AuthMiddleware struct {
	header   string
	optional bool // If true, allow requests without an actor
}

// NewAuthMiddleware creates a new authentication middleware reading header
func NewAuthMiddleware(header string, optional bool) *AuthMiddleware {
	if header == "" {
		header = DefaultActorHeader
	}
	return &AuthMiddleware{
		header:   header,
		optional: optional,
	}
}

// Handler wraps an HTTP handler with actor authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actorID := strings.TrimSpace(r.Header.Get(m.header))
		if actorID == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing actor identity")
			return
		}

		if !validActorID(actorID) {
			httputil.WriteUnauthorized(w, "invalid actor identity")
			return
		}

		ctx := contextkeys.WithActorID(r.Context(), actorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validActorID(id string) bool {
	if len(id) > maxActorIDLength {
		return false
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

package rbac

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/circles/pkg/contextkeys"
	"github.com/platinummonkey/circles/pkg/httputil"
)

// RequireCapability gates a route on capability c. For group capabilities groupVar names
// the mux path variable holding the group id.
func (s *Service) RequireCapability(c Capability, groupVar string) mux.MiddlewareFunc {
	kind, _ := RequiredRoleFor(c)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actorID := contextkeys.GetActorID(r.Context())
			if actorID == "" {
				httputil.WriteUnauthorized(w, "Authentication required")
				return
			}

			var scope *Scope
			if kind == ScopeGroup {
				scope = GroupScope(mux.Vars(r)[groupVar])
			}

			if err := s.EnsureCan(r.Context(), actorID, c, scope); err != nil {
				httputil.WriteAppError(w, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

package rbac

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/circles/pkg/contextkeys"
	"github.com/platinummonkey/circles/pkg/httputil"
)

// Handlers exposes permission introspection over HTTP
type Handlers struct {
	service *Service
}

// NewHandlers creates new permission handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers permission routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/permissions", h.GetUserPermissions).Methods("GET")
	router.HandleFunc("/v1/permissions/check", h.CheckPermission).Methods("POST")
}

// GetUserPermissions returns the calling actor's capability set, optionally for ?group_id=
func (h *Handlers) GetUserPermissions(w http.ResponseWriter, r *http.Request) {
	actorID := contextkeys.GetActorID(r.Context())
	if actorID == "" {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	groupID := httputil.ParseQueryString(r, "group_id", "")
	perms, err := h.service.GetUserPermissions(r.Context(), actorID, groupID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	httputil.WriteSuccess(w, perms)
}

// CheckPermissionRequest asks whether the calling actor holds a capability
type CheckPermissionRequest struct {
	Capability string `json:"capability"`
	GroupID    string `json:"group_id,omitempty"`
}

// CheckPermission returns a Decision for the calling actor. Denials are 200 responses.
func (h *Handlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	actorID := contextkeys.GetActorID(r.Context())
	if actorID == "" {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req CheckPermissionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	c, err := LookupCapability(req.Capability)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	var scope *Scope
	if req.GroupID != "" {
		scope = GroupScope(req.GroupID)
	}

	decision, err := h.service.CheckPermission(r.Context(), actorID, c, scope)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	httputil.WriteSuccess(w, decision)
}

package groups

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/circles/pkg/audit"
	"github.com/platinummonkey/circles/pkg/contextkeys"
	"github.com/platinummonkey/circles/pkg/httputil"
	"github.com/platinummonkey/circles/pkg/rbac"
)

// Handlers provides HTTP handlers for groups and memberships
type Handlers struct {
	manager *Manager
}

// NewHandlers creates new group handlers
func NewHandlers(manager *Manager) *Handlers {
	return &Handlers{manager: manager}
}

// RegisterRoutes registers group routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/groups", h.createGroup).Methods("POST")
	router.HandleFunc("/v1/groups", h.listGroups).Methods("GET")
	router.HandleFunc("/v1/groups/{group_id}", h.getGroup).Methods("GET")
	router.HandleFunc("/v1/groups/{group_id}", h.updateGroup).Methods("PATCH")
	router.HandleFunc("/v1/groups/{group_id}/members", h.listMembers).Methods("GET")
	router.HandleFunc("/v1/groups/{group_id}/members/{actor_id}/role", h.updateRole).Methods("PUT")
	router.HandleFunc("/v1/groups/{group_id}/members/{actor_id}", h.removeMember).Methods("DELETE")
	router.HandleFunc("/v1/groups/{group_id}/leave", h.leaveGroup).Methods("POST")
	router.HandleFunc("/v1/admins/{actor_id}", h.grantAdmin).Methods("PUT")
	router.HandleFunc("/v1/admins/{actor_id}", h.revokeAdmin).Methods("DELETE")
}

// UpdateRoleRequest is the body of PUT /v1/groups/{group_id}/members/{actor_id}/role
type UpdateRoleRequest struct {
	Role   string `json:"role"`
	Reason string `json:"reason,omitempty"`
}

// ReasonRequest is the optional body of removal and admin flag routes
type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actorID := contextkeys.GetActorID(r.Context())
	if actorID == "" {
		httputil.WriteUnauthorized(w, "Authentication required")
		return "", false
	}
	return actorID, true
}

// createGroup handles POST /v1/groups
func (h *Handlers) createGroup(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req CreateGroupRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	created, err := h.manager.CreateGroup(r.Context(), req, actorID, audit.RequestInfoFromContext(r.Context()))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteCreated(w, created)
}

// listGroups handles GET /v1/groups
func (h *Handlers) listGroups(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}

	groups, err := h.manager.ListGroupsForActor(r.Context(), actorID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"groups": groups})
}

// getGroup handles GET /v1/groups/{group_id}
func (h *Handlers) getGroup(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	groupID, ok := httputil.ParsePathStringOrError(w, r, "group_id")
	if !ok {
		return
	}

	g, err := h.manager.GetGroup(r.Context(), actorID, groupID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, g)
}

// updateGroup handles PATCH /v1/groups/{group_id}
func (h *Handlers) updateGroup(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	groupID, ok := httputil.ParsePathStringOrError(w, r, "group_id")
	if !ok {
		return
	}

	var req UpdateGroupRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	updated, err := h.manager.UpdateGroup(r.Context(), actorID, groupID, req, audit.RequestInfoFromContext(r.Context()))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, updated)
}

// listMembers handles GET /v1/groups/{group_id}/members
func (h *Handlers) listMembers(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	groupID, ok := httputil.ParsePathStringOrError(w, r, "group_id")
	if !ok {
		return
	}

	members, err := h.manager.ListMembers(r.Context(), actorID, groupID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"members": members})
}

// updateRole handles PUT /v1/groups/{group_id}/members/{actor_id}/role
func (h *Handlers) updateRole(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	groupID, ok := httputil.ParsePathStringOrError(w, r, "group_id")
	if !ok {
		return
	}
	targetID, ok := httputil.ParsePathStringOrError(w, r, "actor_id")
	if !ok {
		return
	}

	var req UpdateRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := rbac.ParseRole(req.Role)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	change, err := h.manager.UpdateRole(r.Context(), actorID, groupID, targetID, role, req.Reason, audit.RequestInfoFromContext(r.Context()))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, change)
}

// removeMember handles DELETE /v1/groups/{group_id}/members/{actor_id}
func (h *Handlers) removeMember(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	groupID, ok := httputil.ParsePathStringOrError(w, r, "group_id")
	if !ok {
		return
	}
	targetID, ok := httputil.ParsePathStringOrError(w, r, "actor_id")
	if !ok {
		return
	}

	var req ReasonRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	removal, err := h.manager.RemoveMember(r.Context(), actorID, groupID, targetID, req.Reason, audit.RequestInfoFromContext(r.Context()))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, removal)
}

// leaveGroup handles POST /v1/groups/{group_id}/leave
func (h *Handlers) leaveGroup(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	groupID, ok := httputil.ParsePathStringOrError(w, r, "group_id")
	if !ok {
		return
	}

	removal, err := h.manager.LeaveGroup(r.Context(), actorID, groupID, audit.RequestInfoFromContext(r.Context()))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, removal)
}

// grantAdmin handles PUT /v1/admins/{actor_id}
func (h *Handlers) grantAdmin(w http.ResponseWriter, r *http.Request) {
	h.setPlatformAdmin(w, r, true)
}

// revokeAdmin handles DELETE /v1/admins/{actor_id}
func (h *Handlers) revokeAdmin(w http.ResponseWriter, r *http.Request) {
	h.setPlatformAdmin(w, r, false)
}

func (h *Handlers) setPlatformAdmin(w http.ResponseWriter, r *http.Request, grant bool) {
	operatorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	targetID, ok := httputil.ParsePathStringOrError(w, r, "actor_id")
	if !ok {
		return
	}

	var req ReasonRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	change, err := h.manager.SetPlatformAdmin(r.Context(), operatorID, targetID, grant, req.Reason, audit.RequestInfoFromContext(r.Context()))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, change)
}

package invites

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/circles/pkg/apperrors"
	"github.com/platinummonkey/circles/pkg/audit"
	"github.com/platinummonkey/circles/pkg/contextkeys"
	"github.com/platinummonkey/circles/pkg/httputil"
)

// ReasonInvalidCode replaces the specific join failure unless detailed errors are enabled
const ReasonInvalidCode = "invalid_code"

// Handlers provides HTTP handlers for invite codes
type Handlers struct {
	service        *Service
	detailedErrors bool
}

// NewHandlers creates invite handlers. With detailedErrors false, not-found, revoked,
// expired and used-up codes are all reported as invalid_code.
func NewHandlers(service *Service, detailedErrors bool) *Handlers {
	return &Handlers{service: service, detailedErrors: detailedErrors}
}

// RegisterRoutes registers invite routes. joinLimits wrap only the redemption route.
func (h *Handlers) RegisterRoutes(router *mux.Router, joinLimits ...mux.MiddlewareFunc) {
	router.HandleFunc("/v1/groups/{group_id}/invites", h.createInvite).Methods("POST")
	router.HandleFunc("/v1/groups/{group_id}/invites", h.listInvites).Methods("GET")
	router.HandleFunc("/v1/invites/{invite_id}", h.revokeInvite).Methods("DELETE")

	var join http.Handler = http.HandlerFunc(h.joinGroup)
	for i := len(joinLimits) - 1; i >= 0; i-- {
		join = joinLimits[i](join)
	}
	router.Handle("/v1/invites/join", join).Methods("POST")
}

// CreateInviteRequest is the optional body of POST /v1/groups/{group_id}/invites
type CreateInviteRequest struct {
	MaxUses        int `json:"max_uses,omitempty"`
	ExpiresInHours int `json:"expires_in_hours,omitempty"`
}

// JoinRequest is the body of POST /v1/invites/join
type JoinRequest struct {
	Code string `json:"code"`
}

// JoinResponse reports a redemption. Expected disqualifications are not HTTP errors.
type JoinResponse struct {
	Success   bool   `json:"success"`
	GroupID   string `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actorID := contextkeys.GetActorID(r.Context())
	if actorID == "" {
		httputil.WriteUnauthorized(w, "Authentication required")
		return "", false
	}
	return actorID, true
}

// NormalizeCode strips the separators people type into codes
func NormalizeCode(code string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t':
			return -1
		}
		return r
	}, code)
}

// createInvite handles POST /v1/groups/{group_id}/invites
func (h *Handlers) createInvite(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	groupID, ok := httputil.ParsePathStringOrError(w, r, "group_id")
	if !ok {
		return
	}

	var req CreateInviteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	ttl, err := TTLFromHours(req.ExpiresInHours)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	opts := CreateOptions{MaxUses: req.MaxUses, TTL: ttl}
	invite, err := h.service.CreateInviteCode(r.Context(), groupID, actorID, opts, audit.RequestInfoFromContext(r.Context()))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteCreated(w, invite)
}

// listInvites handles GET /v1/groups/{group_id}/invites
func (h *Handlers) listInvites(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	groupID, ok := httputil.ParsePathStringOrError(w, r, "group_id")
	if !ok {
		return
	}

	codes, err := h.service.ListInviteCodes(r.Context(), groupID, actorID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"invites": codes})
}

// revokeInvite handles DELETE /v1/invites/{invite_id}
func (h *Handlers) revokeInvite(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	inviteID, ok := httputil.ParsePathStringOrError(w, r, "invite_id")
	if !ok {
		return
	}

	rev, err := h.service.RevokeInviteCode(r.Context(), inviteID, actorID, audit.RequestInfoFromContext(r.Context()))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, rev)
}

// joinGroup handles POST /v1/invites/join
func (h *Handlers) joinGroup(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req JoinRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	code := NormalizeCode(req.Code)
	if code == "" {
		httputil.WriteAppError(w, apperrors.NewValidation("code", "must not be empty"))
		return
	}

	result, err := h.service.JoinGroupWithCode(r.Context(), code, actorID, audit.RequestInfoFromContext(r.Context()))
	if err != nil {
		reason := apperrors.ConflictReasonOf(err)
		if reason == "" {
			httputil.WriteAppError(w, err)
			return
		}
		httputil.WriteSuccess(w, JoinResponse{Success: false, Reason: h.publicReason(reason)})
		return
	}

	httputil.WriteSuccess(w, JoinResponse{Success: true, GroupID: result.GroupID, GroupName: result.GroupName})
}

func (h *Handlers) publicReason(reason apperrors.ConflictReason) string {
	if h.detailedErrors {
		return string(reason)
	}
	switch reason {
	case apperrors.ReasonInviteNotFound, apperrors.ReasonInviteInactive,
		apperrors.ReasonInviteExpired, apperrors.ReasonInviteExhausted:
		return ReasonInvalidCode
	}
	return string(reason)
}

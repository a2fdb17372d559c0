package groups

import (
	"time"

	"github.com/platinummonkey/circles/pkg/rbac"
)

// Group is a named, closed circle of actors
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GroupMembership is a group as seen by one of its members
type GroupMembership struct {
	Group
	Role     rbac.Role `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Field limits
const (
	MaxNameLength        = 100
	MaxDescriptionLength = 1000
)

// CreateGroupRequest is the input of CreateGroup
type CreateGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// UpdateGroupRequest changes the fields that are non-nil
type UpdateGroupRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// Created is the result of CreateGroup
type Created struct {
	Group   *Group `json:"group"`
	AuditID int64  `json:"audit_id"`
}

// Updated is the result of UpdateGroup
type Updated struct {
	Group   *Group `json:"group"`
	AuditID int64  `json:"audit_id"`
}

// RoleChange is the result of UpdateRole
type RoleChange struct {
	GroupID string    `json:"group_id"`
	ActorID string    `json:"actor_id"`
	OldRole rbac.Role `json:"old_role"`
	NewRole rbac.Role `json:"new_role"`
	AuditID int64     `json:"audit_id"`
}

// Removal is the result of RemoveMember and LeaveGroup
type Removal struct {
	GroupID     string    `json:"group_id"`
	ActorID     string    `json:"actor_id"`
	RemovedRole rbac.Role `json:"removed_role"`
	AuditID     int64     `json:"audit_id"`
}

// AdminChange is the result of SetPlatformAdmin. AuditID is zero when the flag already
// had the requested value.
type AdminChange struct {
	ActorID string `json:"actor_id"`
	Before  bool   `json:"before"`
	After   bool   `json:"after"`
	AuditID int64  `json:"audit_id,omitempty"`
}

// SystemActorID performs out-of-band operations from the admin CLI
const SystemActorID = "system"

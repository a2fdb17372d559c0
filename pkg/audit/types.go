package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/circles/pkg/contextkeys"
)

// Action is the kind of privileged mutation an entry records
type Action string

const (
	ActionGroupCreated         Action = "group_created"
	ActionGroupUpdated         Action = "group_updated"
	ActionRoleChanged          Action = "role_changed"
	ActionMemberRemoved        Action = "member_removed"
	ActionMemberLeft           Action = "member_left"
	ActionMemberJoined         Action = "member_joined"
	ActionInviteCreated        Action = "invite_created"
	ActionInviteRevoked        Action = "invite_revoked"
	ActionPlatformAdminGranted Action = "platform_admin_granted"
	ActionPlatformAdminRevoked Action = "platform_admin_revoked"
)

var knownActions = map[Action]bool{
	ActionGroupCreated:         true,
	ActionGroupUpdated:         true,
	ActionRoleChanged:          true,
	ActionMemberRemoved:        true,
	ActionMemberLeft:           true,
	ActionMemberJoined:         true,
	ActionInviteCreated:        true,
	ActionInviteRevoked:        true,
	ActionPlatformAdminGranted: true,
	ActionPlatformAdminRevoked: true,
}

// Valid reports whether a is a known action
func (a Action) Valid() bool {
	return knownActions[a]
}

// TargetType is the kind of entity an entry is about
type TargetType string

const (
	TargetGroup      TargetType = "group"
	TargetMembership TargetType = "membership"
	TargetInvite     TargetType = "invite"
	TargetActor      TargetType = "actor"
)

// Entry is one immutable audit record
type Entry struct {
	ID         int64      `json:"id"`
	Action     Action     `json:"action"`
	ActorID    string     `json:"actor_id"`
	GroupID    string     `json:"group_id,omitempty"`
	TargetType TargetType `json:"target_type"`
	TargetID   string     `json:"target_id,omitempty"`
	Changes    *Changes   `json:"changes,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	IPAddress  string     `json:"ip_address"`
	UserAgent  string     `json:"user_agent"`
	RequestID  string     `json:"request_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Changes tracks before/after values for updates
type Changes struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// RoleChange is the Changes snapshot of a role transition
func RoleChange(before, after string) *Changes {
	c := &Changes{}
	if before != "" {
		c.Before = map[string]interface{}{"role": before}
	}
	if after != "" {
		c.After = map[string]interface{}{"role": after}
	}
	return c
}

// RequestInfo is best-effort requester context copied onto every entry
type RequestInfo struct {
	IPAddress string
	UserAgent string
	RequestID string
}

// Unknown is recorded when the requester context is not available
const Unknown = "unknown"

// RequestInfoFromContext reads client details set by the request middleware; missing
// values degrade to "unknown" and never block the operation.
func RequestInfoFromContext(ctx context.Context) RequestInfo {
	info := RequestInfo{
		IPAddress: contextkeys.GetClientIP(ctx),
		UserAgent: contextkeys.GetUserAgent(ctx),
		RequestID: contextkeys.GetRequestID(ctx),
	}
	return info.normalized()
}

func (r RequestInfo) normalized() RequestInfo {
	if r.IPAddress == "" {
		r.IPAddress = Unknown
	}
	if r.UserAgent == "" {
		r.UserAgent = Unknown
	}
	return r
}

// Apply copies the requester context onto e
func (r RequestInfo) Apply(e *Entry) *Entry {
	r = r.normalized()
	e.IPAddress = r.IPAddress
	e.UserAgent = r.UserAgent
	e.RequestID = r.RequestID
	return e
}

// Filter narrows Query, Stats and Export
type Filter struct {
	Action     Action
	ActorID    string
	GroupID    string
	TargetType TargetType
	StartTime  *time.Time
	EndTime    *time.Time

	Limit  int
	Offset int
}

// Pagination bounds
const (
	DefaultLimit = 50
	MaxLimit     = 500
	// MaxExportEntries caps a single export
	MaxExportEntries = 10000
)

// Stats aggregates entries for the audit dashboard
type Stats struct {
	Total    int64            `json:"total"`
	ByAction map[Action]int64 `json:"by_action"`
	ByDay    map[string]int64 `json:"by_day"`
	Range    *TimeRange       `json:"time_range,omitempty"`
}

// TimeRange represents a time range
type TimeRange struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// ExportFormat represents the format for exporting audit entries
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)

package rbac

import (
	"context"
	"fmt"

	"github.com/platinummonkey/circles/pkg/apperrors"
	"github.com/platinummonkey/circles/pkg/observability"
	"github.com/platinummonkey/circles/pkg/storage"
)

const tracerName = "github.com/platinummonkey/circles/pkg/rbac"

// Scope narrows a capability check to one group. Platform capabilities take a nil scope.
type Scope struct {
	GroupID string `json:"group_id"`
}

// GroupScope is shorthand for &Scope{GroupID: groupID}
func GroupScope(groupID string) *Scope {
	return &Scope{GroupID: groupID}
}

// Decision is the structured outcome of a capability check
type Decision struct {
	Capability   Capability `json:"capability"`
	Allowed      bool       `json:"allowed"`
	Reason       string     `json:"reason"`
	ActorRole    Role       `json:"actor_role,omitempty"`
	RequiredRole Role       `json:"required_role,omitempty"`
}

// Err converts a denial into a PermissionDeniedError; nil when allowed
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperrors.NewPermissionDenied(string(d.Capability), string(d.ActorRole), string(d.RequiredRole), d.Reason)
}

// UserPermissions is the materialized capability set of an actor
type UserPermissions struct {
	ActorID         string       `json:"actor_id"`
	GroupID         string       `json:"group_id,omitempty"`
	IsPlatformAdmin bool         `json:"is_platform_admin"`
	GroupRole       Role         `json:"group_role,omitempty"`
	Capabilities    []Capability `json:"capabilities"`
}

// Has reports whether c is in the set
func (p *UserPermissions) Has(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Service answers "can actor X perform capability C in scope S"
type Service struct {
	db      *storage.DB
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewService creates a permission service. metrics may be nil.
func NewService(db *storage.DB, metrics *observability.Metrics, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{db: db, metrics: metrics, logger: logger}
}

// subject is what a decision is made from
type subject struct {
	isPlatformAdmin bool
	groupRole       Role
}

// decide is the single rule evaluator shared by every check and by GetUserPermissions
func decide(c Capability, sub subject) Decision {
	scope, minRole := RequiredRoleFor(c)
	d := Decision{Capability: c, ActorRole: sub.groupRole, RequiredRole: minRole}

	switch scope {
	case ScopePlatform:
		d.ActorRole = ""
		if sub.isPlatformAdmin {
			d.Allowed = true
			d.Reason = "actor is a platform admin"
		} else {
			d.Reason = "requires platform admin"
		}
	case ScopeGroup:
		switch {
		case sub.groupRole == "":
			d.Reason = "actor is not a member of the group"
		case RoleAtLeast(sub.groupRole, minRole):
			d.Allowed = true
			d.Reason = fmt.Sprintf("role %s satisfies %s", sub.groupRole, minRole)
		default:
			d.Reason = fmt.Sprintf("requires role %s, actor has %s", minRole, sub.groupRole)
		}
	}
	return d
}

// load fetches the facts decide needs for capability c
func (s *Service) load(ctx context.Context, q storage.Querier, actorID string, c Capability, scope *Scope) (subject, error) {
	kind, _ := RequiredRoleFor(c)
	if kind == ScopePlatform {
		admin, err := lookupPlatformAdmin(ctx, q, actorID)
		return subject{isPlatformAdmin: admin}, err
	}

	if scope == nil || scope.GroupID == "" {
		return subject{}, apperrors.NewValidation("group_id", fmt.Sprintf("capability %s requires a group", c))
	}
	role, err := lookupGroupRole(ctx, q, scope.GroupID, actorID)
	return subject{groupRole: role}, err
}

func (s *Service) check(ctx context.Context, q storage.Querier, actorID string, c Capability, scope *Scope) (*Decision, error) {
	var groupID string
	if scope != nil {
		groupID = scope.GroupID
	}
	ctx, span := observability.StartSpan(ctx, tracerName, "rbac.CheckPermission",
		"capability", string(c), "actor_id", actorID, "group_id", groupID)

	sub, err := s.load(ctx, q, actorID, c, scope)
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}

	d := decide(c, sub)
	s.metrics.RecordDecision(string(c), d.Allowed)
	if !d.Allowed {
		observability.FromContext(ctx, s.logger).WithFields(map[string]interface{}{
			"capability": string(c),
			"group_id":   groupID,
			"reason":     d.Reason,
		}).Debug("permission denied")
	}
	observability.EndSpan(span, nil)
	return &d, nil
}

// CheckPermission returns a decision. Denials are not errors; storage failures and a
// group capability without a group are.
func (s *Service) CheckPermission(ctx context.Context, actorID string, c Capability, scope *Scope) (*Decision, error) {
	return storage.RetryRead(ctx, func() (*Decision, error) {
		return s.check(ctx, s.db, actorID, c, scope)
	})
}

// CheckPermissionTx is CheckPermission evaluated on q, typically an open transaction
func (s *Service) CheckPermissionTx(ctx context.Context, q storage.Querier, actorID string, c Capability, scope *Scope) (*Decision, error) {
	return s.check(ctx, q, actorID, c, scope)
}

// EnsureCan returns nil when allowed and a *apperrors.PermissionDeniedError otherwise
func (s *Service) EnsureCan(ctx context.Context, actorID string, c Capability, scope *Scope) error {
	d, err := s.CheckPermission(ctx, actorID, c, scope)
	if err != nil {
		return err
	}
	return d.Err()
}

// EnsureCanTx is EnsureCan evaluated on q
func (s *Service) EnsureCanTx(ctx context.Context, q storage.Querier, actorID string, c Capability, scope *Scope) error {
	d, err := s.check(ctx, q, actorID, c, scope)
	if err != nil {
		return err
	}
	return d.Err()
}

// IsGroupOwner reports whether the actor currently holds the owner role in the group
func (s *Service) IsGroupOwner(ctx context.Context, actorID, groupID string) (bool, error) {
	return storage.RetryRead(ctx, func() (bool, error) {
		return s.IsGroupOwnerTx(ctx, s.db, actorID, groupID)
	})
}

// IsGroupOwnerTx is IsGroupOwner evaluated on q
func (s *Service) IsGroupOwnerTx(ctx context.Context, q storage.Querier, actorID, groupID string) (bool, error) {
	role, err := lookupGroupRole(ctx, q, groupID, actorID)
	if err != nil {
		return false, err
	}
	return role == RoleOwner, nil
}

// GetUserPermissions materializes every capability the actor holds. With an empty groupID
// only platform capabilities can be present.
func (s *Service) GetUserPermissions(ctx context.Context, actorID, groupID string) (*UserPermissions, error) {
	return storage.RetryRead(ctx, func() (*UserPermissions, error) {
		return s.getUserPermissions(ctx, s.db, actorID, groupID)
	})
}

func (s *Service) getUserPermissions(ctx context.Context, q storage.Querier, actorID, groupID string) (*UserPermissions, error) {
	admin, err := lookupPlatformAdmin(ctx, q, actorID)
	if err != nil {
		return nil, err
	}

	sub := subject{isPlatformAdmin: admin}
	if groupID != "" {
		if sub.groupRole, err = lookupGroupRole(ctx, q, groupID, actorID); err != nil {
			return nil, err
		}
	}

	perms := &UserPermissions{
		ActorID:         actorID,
		GroupID:         groupID,
		IsPlatformAdmin: admin,
		GroupRole:       sub.groupRole,
		Capabilities:    []Capability{},
	}
	for _, c := range capabilityOrder {
		if kind, _ := RequiredRoleFor(c); kind == ScopeGroup && groupID == "" {
			continue
		}
		if decide(c, sub).Allowed {
			perms.Capabilities = append(perms.Capabilities, c)
		}
	}
	return perms, nil
}

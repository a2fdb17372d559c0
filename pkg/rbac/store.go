package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/circles/pkg/apperrors"
	"github.com/platinummonkey/circles/pkg/storage"
)

// Actor is an authenticated identity known to the platform
type Actor struct {
	ID              string    `json:"id"`
	DisplayName     string    `json:"display_name"`
	IsPlatformAdmin bool      `json:"is_platform_admin"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Membership binds one actor to one group with a role
type Membership struct {
	GroupID   string    `json:"group_id"`
	ActorID   string    `json:"actor_id"`
	Role      Role      `json:"role"`
	JoinedAt  time.Time `json:"joined_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetActor loads an actor; a missing row is a NotFoundError
func GetActor(ctx context.Context, q storage.Querier, actorID string) (*Actor, error) {
	query := `
		SELECT id, display_name, is_platform_admin, created_at, updated_at
		FROM actors
		WHERE id = $1
	`

	var a Actor
	err := q.QueryRowContext(ctx, query, actorID).Scan(
		&a.ID, &a.DisplayName, &a.IsPlatformAdmin, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("actor", actorID)
	}
	if err != nil {
		return nil, storage.Classify("get actor", err)
	}
	return &a, nil
}

// CreateActor inserts an actor. A duplicate id is a Conflict(actor_exists).
func CreateActor(ctx context.Context, q storage.Querier, actor *Actor) error {
	now := time.Now().UTC()
	_, err := q.ExecContext(ctx, `
		INSERT INTO actors (id, display_name, is_platform_admin, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, actor.ID, actor.DisplayName, actor.IsPlatformAdmin, now, now)
	if storage.IsUniqueViolation(err) {
		return apperrors.NewConflict(apperrors.ReasonActorExists, fmt.Sprintf("actor %s already exists", actor.ID))
	}
	if err != nil {
		return storage.Classify("create actor", err)
	}

	actor.CreatedAt = now
	actor.UpdatedAt = now
	return nil
}

// SetPlatformAdminFlag flips is_platform_admin and returns the previous value
func SetPlatformAdminFlag(ctx context.Context, q storage.Querier, actorID string, isAdmin bool) (bool, error) {
	actor, err := GetActor(ctx, q, actorID)
	if err != nil {
		return false, err
	}

	_, err = q.ExecContext(ctx,
		`UPDATE actors SET is_platform_admin = $1, updated_at = $2 WHERE id = $3`,
		isAdmin, time.Now().UTC(), actorID,
	)
	if err != nil {
		return false, storage.Classify("set platform admin", err)
	}
	return actor.IsPlatformAdmin, nil
}

// GetMembership loads the membership of actorID in groupID; absence is a NotFoundError
func GetMembership(ctx context.Context, q storage.Querier, groupID, actorID string) (*Membership, error) {
	query := `
		SELECT group_id, actor_id, role, joined_at, updated_at
		FROM memberships
		WHERE group_id = $1 AND actor_id = $2
	`

	var m Membership
	var role string
	err := q.QueryRowContext(ctx, query, groupID, actorID).Scan(
		&m.GroupID, &m.ActorID, &role, &m.JoinedAt, &m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("membership", groupID+"/"+actorID)
	}
	if err != nil {
		return nil, storage.Classify("get membership", err)
	}

	m.Role = Role(role)
	if !m.Role.Valid() {
		return nil, apperrors.NewStorage("get membership", fmt.Errorf("unexpected role %q stored for %s/%s", role, groupID, actorID), false)
	}
	return &m, nil
}

// CreateMembership inserts a membership; an existing one is Conflict(already_member)
func CreateMembership(ctx context.Context, q storage.Querier, groupID, actorID string, role Role, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO memberships (group_id, actor_id, role, joined_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, groupID, actorID, string(role), now, now)
	if storage.IsUniqueViolation(err) {
		return apperrors.NewConflict(apperrors.ReasonAlreadyMember, "actor is already a member of the group")
	}
	return storage.Classify("insert membership", err)
}

// CountOwners counts owner memberships of a group
func CountOwners(ctx context.Context, q storage.Querier, groupID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memberships WHERE group_id = $1 AND role = $2`,
		groupID, string(RoleOwner),
	).Scan(&n)
	if err != nil {
		return 0, storage.Classify("count owners", err)
	}
	return n, nil
}

// lookupPlatformAdmin returns false for unknown actors
func lookupPlatformAdmin(ctx context.Context, q storage.Querier, actorID string) (bool, error) {
	actor, err := GetActor(ctx, q, actorID)
	if apperrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return actor.IsPlatformAdmin, nil
}

// lookupGroupRole returns "" when the actor holds no membership
func lookupGroupRole(ctx context.Context, q storage.Querier, groupID, actorID string) (Role, error) {
	m, err := GetMembership(ctx, q, groupID, actorID)
	if apperrors.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

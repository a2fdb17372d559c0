package groups

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/platinummonkey/circles/pkg/apperrors"
	"github.com/platinummonkey/circles/pkg/rbac"
	"github.com/platinummonkey/circles/pkg/storage"
)

// lockGroup bumps updated_at on the group row. On Postgres this takes the row lock, which
// serializes membership mutations of one group for the rest of the transaction. It
// reports whether the group exists.
func lockGroup(ctx context.Context, q storage.Querier, groupID string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE review_groups SET updated_at = $1 WHERE id = $2`, now, groupID)
	if err != nil {
		return false, storage.Classify("lock group", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.Classify("lock group", err)
	}
	return n > 0, nil
}

func getGroup(ctx context.Context, q storage.Querier, groupID string) (*Group, error) {
	query := `
		SELECT id, name, description, created_by, created_at, updated_at
		FROM review_groups
		WHERE id = $1
	`
	g := &Group{}
	err := q.QueryRowContext(ctx, query, groupID).Scan(
		&g.ID, &g.Name, &g.Description, &g.CreatedBy, &g.CreatedAt, &g.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("group", groupID)
	}
	if err != nil {
		return nil, storage.Classify("get group", err)
	}
	return g, nil
}

func insertGroup(ctx context.Context, q storage.Querier, g *Group) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO review_groups (id, name, description, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, g.ID, g.Name, g.Description, g.CreatedBy, g.CreatedAt, g.UpdatedAt)
	return storage.Classify("insert group", err)
}

func updateGroupFields(ctx context.Context, q storage.Querier, g *Group) error {
	_, err := q.ExecContext(ctx,
		`UPDATE review_groups SET name = $1, description = $2, updated_at = $3 WHERE id = $4`,
		g.Name, g.Description, g.UpdatedAt, g.ID,
	)
	return storage.Classify("update group", err)
}

// compareAndSetRole writes newRole only if the stored role is still expected
func compareAndSetRole(ctx context.Context, q storage.Querier, groupID, actorID string, expected, newRole rbac.Role, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE memberships SET role = $1, updated_at = $2
		WHERE group_id = $3 AND actor_id = $4 AND role = $5
	`, string(newRole), now, groupID, actorID, string(expected))
	return casResult("update membership role", res, err)
}

// compareAndDelete removes the membership only if the stored role is still expected
func compareAndDelete(ctx context.Context, q storage.Querier, groupID, actorID string, expected rbac.Role) error {
	res, err := q.ExecContext(ctx,
		`DELETE FROM memberships WHERE group_id = $1 AND actor_id = $2 AND role = $3`,
		groupID, actorID, string(expected),
	)
	return casResult("delete membership", res, err)
}

func casResult(op string, res sql.Result, err error) error {
	if err != nil {
		return storage.Classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Classify(op, err)
	}
	if n == 0 {
		return apperrors.NewConflict(apperrors.ReasonConcurrentUpdate, "membership changed concurrently, reload and retry")
	}
	return nil
}

func listMembers(ctx context.Context, q storage.Querier, groupID string) ([]*rbac.Membership, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT group_id, actor_id, role, joined_at, updated_at
		FROM memberships
		WHERE group_id = $1
		ORDER BY joined_at ASC, actor_id ASC
	`, groupID)
	if err != nil {
		return nil, storage.Classify("list members", err)
	}
	defer rows.Close()

	members := make([]*rbac.Membership, 0)
	for rows.Next() {
		m := &rbac.Membership{}
		var role string
		if err := rows.Scan(&m.GroupID, &m.ActorID, &role, &m.JoinedAt, &m.UpdatedAt); err != nil {
			return nil, storage.Classify("scan member", err)
		}
		m.Role = rbac.Role(role)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Classify("iterate members", err)
	}
	return members, nil
}

func listGroupsForActor(ctx context.Context, q storage.Querier, actorID string) ([]*GroupMembership, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT g.id, g.name, g.description, g.created_by, g.created_at, g.updated_at, m.role, m.joined_at
		FROM memberships m
		JOIN review_groups g ON g.id = m.group_id
		WHERE m.actor_id = $1
		ORDER BY g.name ASC, g.id ASC
	`, actorID)
	if err != nil {
		return nil, storage.Classify("list groups", err)
	}
	defer rows.Close()

	out := make([]*GroupMembership, 0)
	for rows.Next() {
		gm := &GroupMembership{}
		var role string
		err := rows.Scan(
			&gm.ID, &gm.Name, &gm.Description, &gm.CreatedBy, &gm.CreatedAt, &gm.UpdatedAt,
			&role, &gm.JoinedAt,
		)
		if err != nil {
			return nil, storage.Classify("scan group", err)
		}
		gm.Role = rbac.Role(role)
		out = append(out, gm)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Classify("iterate groups", err)
	}
	return out, nil
}

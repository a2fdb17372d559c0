package invites

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/platinummonkey/circles/pkg/apperrors"
	"github.com/platinummonkey/circles/pkg/storage"
)

const inviteColumns = `id, code, group_id, max_uses, current_uses, is_active, expires_at, created_by, created_at`

func scanInvite(row interface{ Scan(...any) error }) (*InviteCode, error) {
	c := &InviteCode{}
	err := row.Scan(
		&c.ID, &c.Code, &c.GroupID, &c.MaxUses, &c.CurrentUses, &c.IsActive,
		&c.ExpiresAt, &c.CreatedBy, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ExpiresAt = c.ExpiresAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func getInviteByCode(ctx context.Context, q storage.Querier, code string) (*InviteCode, error) {
	c, err := scanInvite(q.QueryRowContext(ctx,
		`SELECT `+inviteColumns+` FROM invite_codes WHERE code = $1`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("invite", code)
	}
	if err != nil {
		return nil, storage.Classify("get invite by code", err)
	}
	return c, nil
}

func getInviteByID(ctx context.Context, q storage.Querier, id string) (*InviteCode, error) {
	c, err := scanInvite(q.QueryRowContext(ctx,
		`SELECT `+inviteColumns+` FROM invite_codes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("invite", id)
	}
	if err != nil {
		return nil, storage.Classify("get invite", err)
	}
	return c, nil
}

// codeExists checks a candidate against every code ever issued, active or not
func codeExists(ctx context.Context, q storage.Querier, code string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM invite_codes WHERE code = $1`, code).Scan(&n)
	if err != nil {
		return false, storage.Classify("check invite code", err)
	}
	return n > 0, nil
}

func insertInvite(ctx context.Context, q storage.Querier, c *InviteCode) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO invite_codes (`+inviteColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.Code, c.GroupID, c.MaxUses, c.CurrentUses, c.IsActive, c.ExpiresAt, c.CreatedBy, c.CreatedAt)
	return storage.Classify("insert invite", err)
}

// consumeUse increments current_uses only while the code is redeemable at now. On Postgres
// the UPDATE holds the row lock until commit, so a concurrent redemption re-evaluates the
// guard against the incremented row.
func consumeUse(ctx context.Context, q storage.Querier, id string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE invite_codes SET current_uses = current_uses + 1
		WHERE id = $1 AND is_active AND current_uses < max_uses AND expires_at > $2
	`, id, now)
	if err != nil {
		return false, storage.Classify("consume invite use", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.Classify("consume invite use", err)
	}
	return n == 1, nil
}

// deactivate reports whether this call flipped the code from active to inactive
func deactivate(ctx context.Context, q storage.Querier, id string) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE invite_codes SET is_active = $1 WHERE id = $2 AND is_active`, false, id)
	if err != nil {
		return false, storage.Classify("revoke invite", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.Classify("revoke invite", err)
	}
	return n == 1, nil
}

func deactivateStale(ctx context.Context, q storage.Querier, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE invite_codes SET is_active = $1
		WHERE is_active AND (expires_at <= $2 OR current_uses >= max_uses)
	`, false, now)
	if err != nil {
		return 0, storage.Classify("deactivate stale invites", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storage.Classify("deactivate stale invites", err)
	}
	return n, nil
}

func listInvites(ctx context.Context, q storage.Querier, groupID string) ([]*InviteCode, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+inviteColumns+` FROM invite_codes WHERE group_id = $1 ORDER BY created_at DESC, id ASC`,
		groupID,
	)
	if err != nil {
		return nil, storage.Classify("list invites", err)
	}
	defer rows.Close()

	out := make([]*InviteCode, 0)
	for rows.Next() {
		c, err := scanInvite(rows)
		if err != nil {
			return nil, storage.Classify("scan invite", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Classify("iterate invites", err)
	}
	return out, nil
}

func groupName(ctx context.Context, q storage.Querier, groupID string) (string, error) {
	var name string
	err := q.QueryRowContext(ctx, `SELECT name FROM review_groups WHERE id = $1`, groupID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.NewNotFound("group", groupID)
	}
	if err != nil {
		return "", storage.Classify("get group name", err)
	}
	return name, nil
}

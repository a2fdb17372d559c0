package invites

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/platinummonkey/circles/pkg/apperrors"
)

// Generation policy
const (
	CodeLength            = 6
	MaxGenerationAttempts = 10

	DefaultMaxUses = 10
	MaxMaxUses     = 100
	DefaultTTL     = 7 * 24 * time.Hour
	MinTTL         = time.Hour
	MaxTTL         = 30 * 24 * time.Hour
)

// Status is the redeemability of a code at a point in time
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusExpired   Status = "expired"
	StatusExhausted Status = "exhausted"
)

// InviteCode admits actors to a group until it is revoked, expires or runs out of uses
type InviteCode struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	GroupID     string    `json:"group_id"`
	MaxUses     int       `json:"max_uses"`
	CurrentUses int       `json:"current_uses"`
	IsActive    bool      `json:"is_active"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	Status      Status    `json:"status"`
}

// StatusAt classifies the code at now. Revocation wins over expiry, expiry over exhaustion.
func (c *InviteCode) StatusAt(now time.Time) Status {
	switch {
	case !c.IsActive:
		return StatusInactive
	case !now.Before(c.ExpiresAt):
		return StatusExpired
	case c.CurrentUses >= c.MaxUses:
		return StatusExhausted
	default:
		return StatusActive
	}
}

// conflictFor maps a non-active status to its join failure
func conflictFor(s Status) error {
	switch s {
	case StatusInactive:
		return apperrors.NewConflict(apperrors.ReasonInviteInactive, "invite code has been revoked")
	case StatusExpired:
		return apperrors.NewConflict(apperrors.ReasonInviteExpired, "invite code has expired")
	case StatusExhausted:
		return apperrors.NewConflict(apperrors.ReasonInviteExhausted, "invite code has no uses left")
	default:
		return apperrors.NewConflict(apperrors.ReasonConcurrentUpdate, "invite code changed concurrently, please retry")
	}
}

// CreateOptions overrides the default policy. Zero values keep the defaults.
type CreateOptions struct {
	MaxUses int
	TTL     time.Duration
}

func (o CreateOptions) resolve() (CreateOptions, error) {
	if o.MaxUses == 0 {
		o.MaxUses = DefaultMaxUses
	}
	if o.TTL == 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxUses < 1 || o.MaxUses > MaxMaxUses {
		return o, apperrors.NewValidation("max_uses", fmt.Sprintf("must be between 1 and %d", MaxMaxUses))
	}
	if o.TTL < MinTTL || o.TTL > MaxTTL {
		return o, errTTLRange()
	}
	return o, nil
}

func errTTLRange() error {
	return apperrors.NewValidation("expires_in_hours", fmt.Sprintf("must be between %d and %d hours", int(MinTTL.Hours()), int(MaxTTL.Hours())))
}

// TTLFromHours converts a requested lifetime in hours. Zero selects the default; values
// outside the allowed range are rejected before the multiplication can overflow.
func TTLFromHours(hours int) (time.Duration, error) {
	if hours < 0 || hours > int(MaxTTL.Hours()) {
		return 0, errTTLRange()
	}
	return time.Duration(hours) * time.Hour, nil
}

// JoinResult is the result of a successful redemption
type JoinResult struct {
	GroupID   string `json:"group_id"`
	GroupName string `json:"group_name"`
	AuditID   int64  `json:"audit_id"`
}

// Revocation is the result of RevokeInviteCode
type Revocation struct {
	InviteID        string `json:"invite_id"`
	GroupID         string `json:"group_id"`
	AlreadyInactive bool   `json:"already_inactive"`
	AuditID         int64  `json:"audit_id,omitempty"`
}

// CodeGenerator returns a candidate code
type CodeGenerator func() (string, error)

var codeSpace = big.NewInt(1_000_000)

// RandomCode returns a uniformly random 6-digit code, leading zeros included
func RandomCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("failed to read random code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}

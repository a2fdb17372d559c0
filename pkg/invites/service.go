package invites

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/circles/pkg/apperrors"
	"github.com/platinummonkey/circles/pkg/audit"
	"github.com/platinummonkey/circles/pkg/observability"
	"github.com/platinummonkey/circles/pkg/rbac"
	"github.com/platinummonkey/circles/pkg/storage"
)

const tracerName = "github.com/platinummonkey/circles/pkg/invites"

// errCodeTaken aborts a generation transaction whose insert lost a race on the code
var errCodeTaken = errors.New("invite code taken")

// Service issues, redeems and revokes invite codes
type Service struct {
	db       *storage.DB
	perms    *rbac.Service
	audit    audit.Appender
	metrics  *observability.Metrics
	logger   *observability.Logger
	generate CodeGenerator
	now      func() time.Time
	newID    func() string
}

// Option configures a Service
type Option func(*Service)

// WithGenerator replaces RandomCode
func WithGenerator(g CodeGenerator) Option {
	return func(s *Service) { s.generate = g }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an invite service. metrics may be nil.
func NewService(db *storage.DB, perms *rbac.Service, appender audit.Appender, metrics *observability.Metrics, logger *observability.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	s := &Service{
		db:       db,
		perms:    perms,
		audit:    appender,
		metrics:  metrics,
		logger:   logger,
		generate: RandomCode,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInviteCode issues a new code for the group. Any member may do this.
func (s *Service) CreateInviteCode(ctx context.Context, groupID, actorID string, opts CreateOptions, info audit.RequestInfo) (*InviteCode, error) {
	opts, err := opts.resolve()
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, tracerName, "invites.CreateInviteCode", "group_id", groupID, "actor_id", actorID)
	defer func() { observability.EndSpan(span, err) }()

	attempts := 0
	var invite *InviteCode
	for attempts < MaxGenerationAttempts {
		invite, err = s.createOnce(ctx, groupID, actorID, opts, info, &attempts)
		if !errors.Is(err, errCodeTaken) {
			break
		}
	}
	if errors.Is(err, errCodeTaken) {
		err = &apperrors.CodeGenerationExhaustedError{Attempts: attempts}
	}
	if err != nil {
		if apperrors.IsCodeGenerationExhausted(err) {
			observability.FromContext(ctx, s.logger).WithField("group_id", groupID).WithError(err).Warn("invite code space congested")
		}
		return nil, err
	}

	s.metrics.RecordInviteCreated()
	return invite, nil
}

// createOnce runs one generation transaction, drawing candidates until one is free or the
// shared attempt budget is spent
func (s *Service) createOnce(ctx context.Context, groupID, actorID string, opts CreateOptions, info audit.RequestInfo, attempts *int) (*InviteCode, error) {
	var invite *InviteCode
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.perms.EnsureCanTx(ctx, tx, actorID, rbac.CapCreateInvite, rbac.GroupScope(groupID)); err != nil {
			return err
		}

		var code string
		for {
			if *attempts >= MaxGenerationAttempts {
				return &apperrors.CodeGenerationExhaustedError{Attempts: *attempts}
			}
			*attempts++

			candidate, err := s.generate()
			if err != nil {
				return err
			}
			taken, err := codeExists(ctx, tx, candidate)
			if err != nil {
				return err
			}
			if !taken {
				code = candidate
				break
			}
		}

		now := s.now().UTC()
		invite = &InviteCode{
			ID:        s.newID(),
			Code:      code,
			GroupID:   groupID,
			MaxUses:   opts.MaxUses,
			IsActive:  true,
			ExpiresAt: now.Add(opts.TTL),
			CreatedBy: actorID,
			CreatedAt: now,
			Status:    StatusActive,
		}
		if err := insertInvite(ctx, tx, invite); err != nil {
			if storage.IsUniqueViolation(err) {
				return errCodeTaken
			}
			return err
		}

		_, err := s.audit.Append(ctx, tx, info.Apply(&audit.Entry{
			Action:     audit.ActionInviteCreated,
			ActorID:    actorID,
			GroupID:    groupID,
			TargetType: audit.TargetInvite,
			TargetID:   invite.ID,
			Changes: &audit.Changes{After: map[string]interface{}{
				"max_uses":   invite.MaxUses,
				"expires_at": invite.ExpiresAt,
			}},
			CreatedAt: now,
		}))
		return err
	})
	if err != nil {
		return nil, err
	}
	return invite, nil
}

// JoinGroupWithCode redeems code for actorID. Disqualifications are *apperrors.ConflictError
// with reason invite_not_found, inactive, expired, exhausted or already_member; none of them
// consume a use.
func (s *Service) JoinGroupWithCode(ctx context.Context, code, actorID string, info audit.RequestInfo) (*JoinResult, error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "invites.JoinGroupWithCode", "actor_id", actorID)

	var result *JoinResult
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UTC()

		invite, err := getInviteByCode(ctx, tx, code)
		if apperrors.IsNotFound(err) {
			return apperrors.NewConflict(apperrors.ReasonInviteNotFound, "invite code not found")
		}
		if err != nil {
			return err
		}

		if _, err := rbac.GetMembership(ctx, tx, invite.GroupID, actorID); err == nil {
			return apperrors.NewConflict(apperrors.ReasonAlreadyMember, "actor is already a member of the group")
		} else if !apperrors.IsNotFound(err) {
			return err
		}

		consumed, err := consumeUse(ctx, tx, invite.ID, now)
		if err != nil {
			return err
		}
		if !consumed {
			current, err := getInviteByID(ctx, tx, invite.ID)
			if err != nil {
				return err
			}
			return conflictFor(current.StatusAt(now))
		}

		if err := rbac.CreateMembership(ctx, tx, invite.GroupID, actorID, rbac.RoleMember, now); err != nil {
			return err
		}

		name, err := groupName(ctx, tx, invite.GroupID)
		if err != nil {
			return err
		}

		entry, err := s.audit.Append(ctx, tx, info.Apply(&audit.Entry{
			Action:     audit.ActionMemberJoined,
			ActorID:    actorID,
			GroupID:    invite.GroupID,
			TargetType: audit.TargetMembership,
			TargetID:   actorID,
			Changes: &audit.Changes{After: map[string]interface{}{
				"role":      string(rbac.RoleMember),
				"invite_id": invite.ID,
			}},
			CreatedAt: now,
		}))
		if err != nil {
			return err
		}

		result = &JoinResult{GroupID: invite.GroupID, GroupName: name, AuditID: entry.ID}
		return nil
	})

	outcome := "success"
	if err != nil {
		if reason := apperrors.ConflictReasonOf(err); reason != "" {
			outcome = string(reason)
		} else {
			outcome = string(apperrors.KindOf(err))
		}
	}
	s.metrics.RecordRedemption(outcome)
	observability.EndSpan(span, err)

	if err != nil {
		logger := observability.FromContext(ctx, s.logger).WithField("outcome", outcome)
		if apperrors.IsConflict(err) {
			logger.Debug("invite redemption rejected")
		} else {
			logger.WithError(err).Error("invite redemption failed")
		}
		return nil, err
	}
	return result, nil
}

// RevokeInviteCode deactivates an invite. Revoking an inactive code succeeds with
// AlreadyInactive set and no audit entry.
func (s *Service) RevokeInviteCode(ctx context.Context, inviteID, actorID string, info audit.RequestInfo) (*Revocation, error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "invites.RevokeInviteCode", "invite_id", inviteID, "actor_id", actorID)

	var result *Revocation
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		invite, err := getInviteByID(ctx, tx, inviteID)
		if err != nil {
			return err
		}
		if err := s.perms.EnsureCanTx(ctx, tx, actorID, rbac.CapRevokeInvite, rbac.GroupScope(invite.GroupID)); err != nil {
			return err
		}

		result = &Revocation{InviteID: invite.ID, GroupID: invite.GroupID}
		flipped, err := deactivate(ctx, tx, invite.ID)
		if err != nil {
			return err
		}
		if !flipped {
			result.AlreadyInactive = true
			return nil
		}

		entry, err := s.audit.Append(ctx, tx, info.Apply(&audit.Entry{
			Action:     audit.ActionInviteRevoked,
			ActorID:    actorID,
			GroupID:    invite.GroupID,
			TargetType: audit.TargetInvite,
			TargetID:   invite.ID,
			Changes: &audit.Changes{
				Before: map[string]interface{}{"is_active": true},
				After:  map[string]interface{}{"is_active": false},
			},
			CreatedAt: s.now().UTC(),
		}))
		if err != nil {
			return err
		}
		result.AuditID = entry.ID
		return nil
	})

	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListInviteCodes returns the group's codes, newest first, with their current status
func (s *Service) ListInviteCodes(ctx context.Context, groupID, actorID string) ([]*InviteCode, error) {
	if err := s.perms.EnsureCan(ctx, actorID, rbac.CapViewInvites, rbac.GroupScope(groupID)); err != nil {
		return nil, err
	}

	codes, err := storage.RetryRead(ctx, func() ([]*InviteCode, error) {
		return listInvites(ctx, s.db.Reader(), groupID)
	})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	for _, c := range codes {
		c.Status = c.StatusAt(now)
	}
	return codes, nil
}

// DeactivateStale marks expired and used-up codes inactive. Redemption never depends on it.
func (s *Service) DeactivateStale(ctx context.Context) (int64, error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "invites.DeactivateStale")

	n, err := deactivateStale(ctx, s.db, s.now().UTC())
	observability.EndSpan(span, err)
	if err != nil {
		return 0, err
	}

	s.metrics.RecordSwept(n)
	if n > 0 {
		s.logger.WithField("count", n).Info("Deactivated stale invite codes")
	}
	return n, nil
}

// ScheduleSweep registers DeactivateStale on c with the given cron spec
func (s *Service) ScheduleSweep(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		defer observability.RecoverPanic(s.logger, "invite sweeper")
		if _, err := s.DeactivateStale(ctx); err != nil {
			s.logger.WithError(err).Error("Invite sweep failed")
		}
	})
}

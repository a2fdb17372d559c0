package invites

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/circles/pkg/apperrors"
	"github.com/platinummonkey/circles/pkg/audit"
	"github.com/platinummonkey/circles/pkg/observability"
	"github.com/platinummonkey/circles/pkg/rbac"
	"github.com/platinummonkey/circles/pkg/storage"
	"github.com/platinummonkey/circles/pkg/storage/storetest"
)

var (
	now  = storetest.Epoch.Add(time.Hour)
	info = audit.RequestInfo{IPAddress: "10.1.1.1", UserAgent: "test", RequestID: "req-9"}
)

type fixture struct {
	svc     *Service
	db      *storage.DB
	log     *audit.Log
	metrics *observability.Metrics
}

// newFixture seeds group g1 (alice owner, bob member); carol and dave belong nowhere
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db := storetest.NewDB(t)

	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		storetest.SeedActor(t, db, id, false)
	}
	storetest.SeedGroup(t, db, "g1", "Dumpling Society", "alice")
	storetest.SeedMembership(t, db, "g1", "alice", "owner")
	storetest.SeedMembership(t, db, "g1", "bob", "member")

	log := audit.NewLog(db, nil)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	svc := NewService(db, rbac.NewService(db, nil, nil), log, metrics, nil, opts...)
	return &fixture{svc: svc, db: db, log: log, metrics: metrics}
}

func (f *fixture) uses(t *testing.T, id string) int {
	t.Helper()
	inv, err := getInviteByID(context.Background(), f.db, id)
	require.NoError(t, err)
	return inv.CurrentUses
}

func (f *fixture) members(t *testing.T) int {
	t.Helper()
	return storetest.Count(t, f.db, "SELECT COUNT(*) FROM memberships WHERE group_id = $1", "g1")
}

// sequence returns codes in order, repeating the last one
func sequence(codes ...string) CodeGenerator {
	i := 0
	return func() (string, error) {
		c := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return c, nil
	}
}

func TestRandomCode(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9]{6}$`)
	for i := 0; i < 200; i++ {
		code, err := RandomCode()
		require.NoError(t, err)
		assert.Regexp(t, pattern, code)
	}
}

func TestCreateInviteCode_Defaults(t *testing.T) {
	f := newFixture(t)

	invite, err := f.svc.CreateInviteCode(context.Background(), "g1", "bob", CreateOptions{}, info)
	require.NoError(t, err)

	assert.Len(t, invite.Code, CodeLength)
	assert.Equal(t, DefaultMaxUses, invite.MaxUses)
	assert.Zero(t, invite.CurrentUses)
	assert.True(t, invite.IsActive)
	assert.Equal(t, now.Add(DefaultTTL), invite.ExpiresAt)
	assert.Equal(t, "bob", invite.CreatedBy)

	stored, err := getInviteByCode(context.Background(), f.db, invite.Code)
	require.NoError(t, err)
	assert.Equal(t, invite.ID, stored.ID)

	entries, _, err := f.log.Query(context.Background(), audit.Filter{Action: audit.ActionInviteCreated})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, invite.ID, entries[0].TargetID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.InvitesCreatedTotal))
}

func TestCreateInviteCode_RequiresMembership(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateInviteCode(context.Background(), "g1", "dave", CreateOptions{}, info)
	var pd *apperrors.PermissionDeniedError
	require.ErrorAs(t, err, &pd)
	assert.Equal(t, string(rbac.CapCreateInvite), pd.Capability)
	assert.Zero(t, storetest.Count(t, f.db, "SELECT COUNT(*) FROM invite_codes"))
}

func TestTTLFromHours(t *testing.T) {
	tests := []struct {
		hours   int
		want    time.Duration
		wantErr bool
	}{
		{hours: 0, want: 0},
		{hours: 48, want: 48 * time.Hour},
		{hours: 720, want: MaxTTL},
		{hours: 721, wantErr: true},
		{hours: 5124120, wantErr: true},
		{hours: -1, wantErr: true},
	}

	for _, tt := range tests {
		got, err := TTLFromHours(tt.hours)
		if tt.wantErr {
			assert.True(t, apperrors.IsValidation(err), "hours=%d", tt.hours)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestCreateInviteCode_Options(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	invite, err := f.svc.CreateInviteCode(ctx, "g1", "alice", CreateOptions{MaxUses: 1, TTL: 2 * time.Hour}, info)
	require.NoError(t, err)
	assert.Equal(t, 1, invite.MaxUses)
	assert.Equal(t, now.Add(2*time.Hour), invite.ExpiresAt)

	tests := []struct {
		name  string
		opts  CreateOptions
		field string
	}{
		{"too many uses", CreateOptions{MaxUses: MaxMaxUses + 1}, "max_uses"},
		{"negative uses", CreateOptions{MaxUses: -1}, "max_uses"},
		{"ttl too short", CreateOptions{TTL: 30 * time.Minute}, "expires_in_hours"},
		{"ttl too long", CreateOptions{TTL: MaxTTL + time.Hour}, "expires_in_hours"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateInviteCode(ctx, "g1", "alice", tt.opts, info)
			var ve *apperrors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestCreateInviteCode_RetriesCollisions(t *testing.T) {
	f := newFixture(t, WithGenerator(sequence("111111", "111111", "222222")))
	storetest.SeedInvite(t, f.db, "old", "111111", "g1", 10, 0, false, storetest.Epoch)

	invite, err := f.svc.CreateInviteCode(context.Background(), "g1", "bob", CreateOptions{}, info)
	require.NoError(t, err)
	assert.Equal(t, "222222", invite.Code)
}

func TestCreateInviteCode_GenerationExhausted(t *testing.T) {
	calls := 0
	gen := func() (string, error) {
		calls++
		return "111111", nil
	}
	f := newFixture(t, WithGenerator(gen))
	storetest.SeedInvite(t, f.db, "old", "111111", "g1", 10, 0, true, now.Add(time.Hour))

	_, err := f.svc.CreateInviteCode(context.Background(), "g1", "bob", CreateOptions{}, info)
	var ex *apperrors.CodeGenerationExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, MaxGenerationAttempts, ex.Attempts)
	assert.Equal(t, MaxGenerationAttempts, calls)

	assert.Equal(t, 1, storetest.Count(t, f.db, "SELECT COUNT(*) FROM invite_codes"))
	assert.Zero(t, storetest.Count(t, f.db, "SELECT COUNT(*) FROM audit_entries"))
}

func TestCreateInviteCode_GeneratorError(t *testing.T) {
	f := newFixture(t, WithGenerator(func() (string, error) { return "", errors.New("entropy gone") }))

	_, err := f.svc.CreateInviteCode(context.Background(), "g1", "bob", CreateOptions{}, info)
	assert.Error(t, err)
	assert.Zero(t, storetest.Count(t, f.db, "SELECT COUNT(*) FROM invite_codes"))
}

func TestJoinGroupWithCode(t *testing.T) {
	f := newFixture(t)
	storetest.SeedInvite(t, f.db, "inv1", "135790", "g1", 10, 3, true, now.Add(24*time.Hour))

	result, err := f.svc.JoinGroupWithCode(context.Background(), "135790", "carol", info)
	require.NoError(t, err)
	assert.Equal(t, "g1", result.GroupID)
	assert.Equal(t, "Dumpling Society", result.GroupName)
	assert.NotZero(t, result.AuditID)

	ms, err := rbac.GetMembership(context.Background(), f.db, "g1", "carol")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleMember, ms.Role)
	assert.Equal(t, 4, f.uses(t, "inv1"))

	entries, _, err := f.log.Query(context.Background(), audit.Filter{Action: audit.ActionMemberJoined})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "carol", entries[0].ActorID)
	assert.Equal(t, "inv1", entries[0].Changes.After["invite_id"])
	assert.Equal(t, "10.1.1.1", entries[0].IPAddress)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.InviteRedemptionsTotal.WithLabelValues("success")))
}

func TestJoinGroupWithCode_Exhausted(t *testing.T) {
	f := newFixture(t)
	storetest.SeedInvite(t, f.db, "inv1", "482913", "g1", 10, 10, true, now.Add(24*time.Hour))

	_, err := f.svc.JoinGroupWithCode(context.Background(), "482913", "carol", info)
	assert.Equal(t, apperrors.ReasonInviteExhausted, apperrors.ConflictReasonOf(err))

	_, err = rbac.GetMembership(context.Background(), f.db, "g1", "carol")
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, 10, f.uses(t, "inv1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.InviteRedemptionsTotal.WithLabelValues("exhausted")))
}

func TestJoinGroupWithCode_Disqualified(t *testing.T) {
	tests := []struct {
		name    string
		seed    func(t *testing.T, db storage.Querier)
		code    string
		actor   string
		reason  apperrors.ConflictReason
		wantUse int
	}{
		{
			name:   "unknown code",
			seed:   func(t *testing.T, db storage.Querier) {},
			code:   "000000",
			actor:  "carol",
			reason: apperrors.ReasonInviteNotFound,
		},
		{
			name: "expired",
			seed: func(t *testing.T, db storage.Querier) {
				storetest.SeedInvite(t, db, "inv1", "246810", "g1", 10, 2, true, now.Add(-time.Minute))
			},
			code: "246810", actor: "carol", reason: apperrors.ReasonInviteExpired, wantUse: 2,
		},
		{
			name: "expires exactly now",
			seed: func(t *testing.T, db storage.Querier) {
				storetest.SeedInvite(t, db, "inv1", "246810", "g1", 10, 2, true, now)
			},
			code: "246810", actor: "carol", reason: apperrors.ReasonInviteExpired, wantUse: 2,
		},
		{
			name: "revoked",
			seed: func(t *testing.T, db storage.Querier) {
				storetest.SeedInvite(t, db, "inv1", "246810", "g1", 10, 2, false, now.Add(time.Hour))
			},
			code: "246810", actor: "carol", reason: apperrors.ReasonInviteInactive, wantUse: 2,
		},
		{
			name: "already a member",
			seed: func(t *testing.T, db storage.Querier) {
				storetest.SeedInvite(t, db, "inv1", "246810", "g1", 10, 2, true, now.Add(time.Hour))
			},
			code: "246810", actor: "bob", reason: apperrors.ReasonAlreadyMember, wantUse: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.seed(t, f.db)
			before := f.members(t)

			_, err := f.svc.JoinGroupWithCode(context.Background(), tt.code, tt.actor, info)
			var ce *apperrors.ConflictError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.reason, ce.Reason)

			assert.Equal(t, before, f.members(t))
			if tt.wantUse > 0 {
				assert.Equal(t, tt.wantUse, f.uses(t, "inv1"))
			}
			assert.Zero(t, storetest.Count(t, f.db, "SELECT COUNT(*) FROM audit_entries"))
		})
	}
}

func TestJoinGroupWithCode_LastUseUnderContention(t *testing.T) {
	f := newFixture(t)
	storetest.SeedInvite(t, f.db, "inv1", "777777", "g1", 1, 0, true, now.Add(time.Hour))

	actors := []string{"carol", "dave"}
	errs := make([]error, len(actors))
	var g errgroup.Group
	for i, actor := range actors {
		i, actor := i, actor
		g.Go(func() error {
			_, errs[i] = f.svc.JoinGroupWithCode(context.Background(), "777777", actor, info)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var ok, exhausted int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperrors.ConflictReasonOf(err) == apperrors.ReasonInviteExhausted:
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, exhausted)
	assert.Equal(t, 1, f.uses(t, "inv1"))
	assert.Equal(t, 3, f.members(t))
}

func TestJoinGroupWithCode_RollsBackWhenAuditFails(t *testing.T) {
	f := newFixture(t)
	storetest.SeedInvite(t, f.db, "inv1", "135790", "g1", 10, 0, true, now.Add(time.Hour))

	failing := audit.AppenderFunc(func(ctx context.Context, q storage.Querier, e *audit.Entry) (*audit.Entry, error) {
		return nil, apperrors.NewStorage("append audit entry", errors.New("disk full"), false)
	})
	svc := NewService(f.db, rbac.NewService(f.db, nil, nil), failing, nil, nil, WithClock(func() time.Time { return now }))

	_, err := svc.JoinGroupWithCode(context.Background(), "135790", "carol", info)
	assert.True(t, apperrors.IsStorage(err))
	assert.Zero(t, f.uses(t, "inv1"))
	assert.Equal(t, 2, f.members(t))
}

func TestRevokeInviteCode_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storetest.SeedInvite(t, f.db, "inv1", "135790", "g1", 10, 0, true, now.Add(time.Hour))

	first, err := f.svc.RevokeInviteCode(ctx, "inv1", "bob", info)
	require.NoError(t, err)
	assert.False(t, first.AlreadyInactive)
	assert.NotZero(t, first.AuditID)

	second, err := f.svc.RevokeInviteCode(ctx, "inv1", "bob", info)
	require.NoError(t, err)
	assert.True(t, second.AlreadyInactive)
	assert.Zero(t, second.AuditID)

	inv, err := getInviteByID(ctx, f.db, "inv1")
	require.NoError(t, err)
	assert.False(t, inv.IsActive)
	assert.Equal(t, 1, storetest.Count(t, f.db, "SELECT COUNT(*) FROM audit_entries WHERE action = $1", string(audit.ActionInviteRevoked)))

	_, err = f.svc.JoinGroupWithCode(ctx, "135790", "carol", info)
	assert.Equal(t, apperrors.ReasonInviteInactive, apperrors.ConflictReasonOf(err))
}

func TestRevokeInviteCode_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storetest.SeedInvite(t, f.db, "inv1", "135790", "g1", 10, 0, true, now.Add(time.Hour))

	_, err := f.svc.RevokeInviteCode(ctx, "inv1", "dave", info)
	assert.True(t, apperrors.IsPermissionDenied(err))

	_, err = f.svc.RevokeInviteCode(ctx, "missing", "bob", info)
	assert.True(t, apperrors.IsNotFound(err))

	inv, err := getInviteByID(ctx, f.db, "inv1")
	require.NoError(t, err)
	assert.True(t, inv.IsActive)
}

func TestListInviteCodes(t *testing.T) {
	f := newFixture(t)
	storetest.SeedInvite(t, f.db, "a", "111111", "g1", 10, 0, true, now.Add(time.Hour))
	storetest.SeedInvite(t, f.db, "b", "222222", "g1", 10, 10, true, now.Add(time.Hour))
	storetest.SeedInvite(t, f.db, "c", "333333", "g1", 10, 0, true, now.Add(-time.Hour))
	storetest.SeedInvite(t, f.db, "d", "444444", "g1", 10, 0, false, now.Add(time.Hour))

	codes, err := f.svc.ListInviteCodes(context.Background(), "g1", "bob")
	require.NoError(t, err)
	require.Len(t, codes, 4)

	status := map[string]Status{}
	for _, c := range codes {
		status[c.ID] = c.Status
	}
	assert.Equal(t, map[string]Status{
		"a": StatusActive,
		"b": StatusExhausted,
		"c": StatusExpired,
		"d": StatusInactive,
	}, status)

	_, err = f.svc.ListInviteCodes(context.Background(), "g1", "dave")
	assert.True(t, apperrors.IsPermissionDenied(err))
}

func TestDeactivateStale(t *testing.T) {
	f := newFixture(t)
	storetest.SeedInvite(t, f.db, "fresh", "111111", "g1", 10, 0, true, now.Add(time.Hour))
	storetest.SeedInvite(t, f.db, "used", "222222", "g1", 5, 5, true, now.Add(time.Hour))
	storetest.SeedInvite(t, f.db, "old", "333333", "g1", 10, 0, true, now.Add(-time.Hour))

	n, err := f.svc.DeactivateStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 1, storetest.Count(t, f.db, "SELECT COUNT(*) FROM invite_codes WHERE is_active"))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.InvitesSweptTotal))

	n, err = f.svc.DeactivateStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScheduleSweep(t *testing.T) {
	f := newFixture(t)
	c := cron.New()

	id, err := f.svc.ScheduleSweep(context.Background(), c, "@every 5m")
	require.NoError(t, err)
	assert.True(t, c.Entry(id).Valid())

	_, err = f.svc.ScheduleSweep(context.Background(), c, "not a schedule")
	assert.Error(t, err)
}

func TestInviteCode_StatusAt(t *testing.T) {
	c := &InviteCode{IsActive: true, MaxUses: 2, CurrentUses: 1, ExpiresAt: now.Add(time.Minute)}
	assert.Equal(t, StatusActive, c.StatusAt(now))
	assert.Equal(t, StatusExpired, c.StatusAt(now.Add(time.Minute)))

	c.CurrentUses = 2
	assert.Equal(t, StatusExhausted, c.StatusAt(now))
	assert.Equal(t, StatusExpired, c.StatusAt(now.Add(time.Hour)))

	c.IsActive = false
	assert.Equal(t, StatusInactive, c.StatusAt(now.Add(time.Hour)))
}

package groups

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
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

type fixture struct {
	m   *Manager
	db  *storage.DB
	log *audit.Log
}

// newFixture seeds group g1 with alice(owner), bob(admin), carol(member); root is a
// platform admin outside g1 and dave has no membership anywhere
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.NewDB(t)

	storetest.SeedActor(t, db, "root", true)
	for _, id := range []string{"alice", "bob", "carol", "dave", "erin"} {
		storetest.SeedActor(t, db, id, false)
	}
	storetest.SeedGroup(t, db, "g1", "Brunch Club", "root")
	storetest.SeedMembership(t, db, "g1", "alice", "owner")
	storetest.SeedMembership(t, db, "g1", "bob", "admin")
	storetest.SeedMembership(t, db, "g1", "carol", "member")

	log := audit.NewLog(db, nil)
	m := NewManager(db, rbac.NewService(db, nil, nil), log, nil, nil)
	m.now = func() time.Time { return storetest.Epoch.Add(time.Hour) }
	return &fixture{m: m, db: db, log: log}
}

func (f *fixture) role(t *testing.T, actorID string) rbac.Role {
	t.Helper()
	ms, err := rbac.GetMembership(context.Background(), f.db, "g1", actorID)
	if apperrors.IsNotFound(err) {
		return ""
	}
	require.NoError(t, err)
	return ms.Role
}

func (f *fixture) auditCount(t *testing.T) int {
	t.Helper()
	return storetest.Count(t, f.db, "SELECT COUNT(*) FROM audit_entries")
}

var info = audit.RequestInfo{IPAddress: "10.0.0.7", UserAgent: "test", RequestID: "req-1"}

func TestCreateGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.m.CreateGroup(ctx, CreateGroupRequest{Name: "  Taco Tuesday ", Description: "tacos"}, "root", info)
	require.NoError(t, err)
	assert.Equal(t, "Taco Tuesday", created.Group.Name)
	assert.NotEmpty(t, created.Group.ID)
	assert.NotZero(t, created.AuditID)

	owner, err := rbac.GetMembership(ctx, f.db, created.Group.ID, "root")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleOwner, owner.Role)

	entries, _, err := f.log.Query(ctx, audit.Filter{GroupID: created.Group.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionGroupCreated, entries[0].Action)
	assert.Equal(t, "root", entries[0].ActorID)
	assert.Equal(t, "10.0.0.7", entries[0].IPAddress)
	assert.Equal(t, "req-1", entries[0].RequestID)
}

func TestCreateGroup_RequiresPlatformAdmin(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.CreateGroup(context.Background(), CreateGroupRequest{Name: "Sneaky"}, "alice", info)
	var pd *apperrors.PermissionDeniedError
	require.ErrorAs(t, err, &pd)
	assert.Equal(t, string(rbac.CapCreateGroup), pd.Capability)

	assert.Equal(t, 1, storetest.Count(t, f.db, "SELECT COUNT(*) FROM review_groups"))
	assert.Zero(t, f.auditCount(t))
}

func TestCreateGroup_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     CreateGroupRequest
		field   string
		wantErr bool
	}{
		{"empty", CreateGroupRequest{Name: ""}, "name", true},
		{"whitespace", CreateGroupRequest{Name: "   "}, "name", true},
		{"too long", CreateGroupRequest{Name: strings.Repeat("a", MaxNameLength+1)}, "name", true},
		{"max runes", CreateGroupRequest{Name: strings.Repeat("é", MaxNameLength)}, "", false},
		{"description too long", CreateGroupRequest{Name: "ok", Description: strings.Repeat("d", MaxDescriptionLength+1)}, "description", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.CreateGroup(ctx, tt.req, "root", info)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var ve *apperrors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestUpdateRole_AdminCannotDemoteOwner(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.UpdateRole(context.Background(), "bob", "g1", "alice", rbac.RoleMember, "", info)
	var pd *apperrors.PermissionDeniedError
	require.ErrorAs(t, err, &pd)
	assert.Equal(t, string(rbac.CapTransferOwnership), pd.Capability)
	assert.Equal(t, "admin", pd.ActorRole)
	assert.Equal(t, "owner", pd.RequiredRole)

	assert.Equal(t, rbac.RoleOwner, f.role(t, "alice"))
	assert.Zero(t, f.auditCount(t))
}

func TestUpdateRole_SoleOwnerCannotDemoteSelf(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.UpdateRole(context.Background(), "alice", "g1", "alice", rbac.RoleMember, "", info)
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonLastOwner, apperrors.ConflictReasonOf(err))

	assert.Equal(t, 1, storetest.Count(t, f.db, "SELECT COUNT(*) FROM memberships WHERE group_id = $1 AND role = 'owner'", "g1"))
	assert.Zero(t, f.auditCount(t))
}

func TestUpdateRole_AdminCannotGrantOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	change, err := f.m.UpdateRole(ctx, "bob", "g1", "carol", rbac.RoleAdmin, "", info)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleMember, change.OldRole)

	_, err = f.m.UpdateRole(ctx, "bob", "g1", "carol", rbac.RoleOwner, "", info)
	assert.True(t, apperrors.IsPermissionDenied(err))
	assert.Equal(t, rbac.RoleAdmin, f.role(t, "carol"))
}

func TestUpdateRole_OwnerTransfersOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.UpdateRole(ctx, "alice", "g1", "carol", rbac.RoleOwner, "handing over", info)
	require.NoError(t, err)

	change, err := f.m.UpdateRole(ctx, "alice", "g1", "alice", rbac.RoleMember, "", info)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleOwner, change.OldRole)
	assert.Equal(t, rbac.RoleMember, change.NewRole)

	assert.Equal(t, rbac.RoleOwner, f.role(t, "carol"))
	assert.Equal(t, rbac.RoleMember, f.role(t, "alice"))

	entries, total, err := f.log.Query(ctx, audit.Filter{Action: audit.ActionRoleChanged})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	assert.Equal(t, change.AuditID, entries[0].ID)
	assert.Equal(t, "owner", entries[0].Changes.Before["role"])
	assert.Equal(t, "member", entries[0].Changes.After["role"])
	assert.Equal(t, "handing over", entries[1].Reason)
}

func TestUpdateRole_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		actor   string
		target  string
		role    rbac.Role
		errKind apperrors.Kind
	}{
		{"member cannot manage roles", "carol", "bob", rbac.RoleMember, apperrors.KindPermissionDenied},
		{"outsider cannot manage roles", "dave", "carol", rbac.RoleAdmin, apperrors.KindPermissionDenied},
		{"platform admin is not a group admin", "root", "carol", rbac.RoleAdmin, apperrors.KindPermissionDenied},
		{"target not a member", "alice", "dave", rbac.RoleAdmin, apperrors.KindNotFound},
		{"unchanged role", "alice", "bob", rbac.RoleAdmin, apperrors.KindValidation},
		{"invalid role", "alice", "bob", rbac.Role("superuser"), apperrors.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.m.UpdateRole(context.Background(), tt.actor, "g1", tt.target, tt.role, "", info)
			require.Error(t, err)
			assert.Equal(t, tt.errKind, apperrors.KindOf(err))
			assert.Zero(t, f.auditCount(t))
		})
	}
}

func TestUpdateRole_RollsBackWhenAuditFails(t *testing.T) {
	f := newFixture(t)
	failing := audit.AppenderFunc(func(ctx context.Context, q storage.Querier, e *audit.Entry) (*audit.Entry, error) {
		return nil, apperrors.NewStorage("append audit entry", errors.New("disk full"), false)
	})
	m := NewManager(f.db, rbac.NewService(f.db, nil, nil), failing, nil, nil)

	_, err := m.UpdateRole(context.Background(), "alice", "g1", "carol", rbac.RoleAdmin, "", info)
	assert.True(t, apperrors.IsStorage(err))
	assert.Equal(t, rbac.RoleMember, f.role(t, "carol"))
}

func TestRemoveMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	removal, err := f.m.RemoveMember(ctx, "bob", "g1", "carol", "spam", info)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleMember, removal.RemovedRole)
	assert.Empty(t, f.role(t, "carol"))

	entries, _, err := f.log.Query(ctx, audit.Filter{Action: audit.ActionMemberRemoved})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "carol", entries[0].TargetID)
	assert.Equal(t, "spam", entries[0].Reason)
	assert.Equal(t, "member", entries[0].Changes.Before["role"])
	assert.Nil(t, entries[0].Changes.After)
}

func TestRemoveMember_OwnerRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.RemoveMember(ctx, "bob", "g1", "alice", "", info)
	assert.True(t, apperrors.IsPermissionDenied(err))

	_, err = f.m.RemoveMember(ctx, "alice", "g1", "alice", "", info)
	assert.Equal(t, apperrors.ReasonLastOwner, apperrors.ConflictReasonOf(err))

	_, err = f.m.RemoveMember(ctx, "carol", "g1", "bob", "", info)
	assert.True(t, apperrors.IsPermissionDenied(err))

	_, err = f.m.RemoveMember(ctx, "alice", "g1", "dave", "", info)
	assert.True(t, apperrors.IsNotFound(err))

	assert.Equal(t, rbac.RoleOwner, f.role(t, "alice"))
	assert.Equal(t, rbac.RoleAdmin, f.role(t, "bob"))
	assert.Zero(t, f.auditCount(t))

	storetest.SeedMembership(t, f.db, "g1", "erin", "owner")
	_, err = f.m.RemoveMember(ctx, "alice", "g1", "erin", "", info)
	require.NoError(t, err)
}

func TestLeaveGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	removal, err := f.m.LeaveGroup(ctx, "carol", "g1", info)
	require.NoError(t, err)
	assert.Equal(t, "carol", removal.ActorID)

	_, err = f.m.LeaveGroup(ctx, "alice", "g1", info)
	assert.Equal(t, apperrors.ReasonLastOwner, apperrors.ConflictReasonOf(err))

	_, err = f.m.LeaveGroup(ctx, "dave", "g1", info)
	assert.True(t, apperrors.IsNotFound(err))

	entries, _, err := f.log.Query(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionMemberLeft, entries[0].Action)
	assert.Equal(t, "carol", entries[0].ActorID)
}

func TestLeaveGroup_ConcurrentOwnersKeepOne(t *testing.T) {
	f := newFixture(t)
	storetest.SeedMembership(t, f.db, "g1", "erin", "owner")

	errs := make([]error, 2)
	var g errgroup.Group
	for i, actor := range []string{"alice", "erin"} {
		i, actor := i, actor
		g.Go(func() error {
			_, errs[i] = f.m.LeaveGroup(context.Background(), actor, "g1", info)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperrors.ConflictReasonOf(err) == apperrors.ReasonLastOwner:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 1, storetest.Count(t, f.db, "SELECT COUNT(*) FROM memberships WHERE group_id = $1 AND role = 'owner'", "g1"))
}

func TestUpdateGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	name := "Second Brunch"

	updated, err := f.m.UpdateGroup(ctx, "bob", "g1", UpdateGroupRequest{Name: &name}, info)
	require.NoError(t, err)
	assert.Equal(t, name, updated.Group.Name)

	g, err := f.m.GetGroup(ctx, "carol", "g1")
	require.NoError(t, err)
	assert.Equal(t, name, g.Name)

	_, err = f.m.UpdateGroup(ctx, "carol", "g1", UpdateGroupRequest{Name: &name}, info)
	assert.True(t, apperrors.IsPermissionDenied(err))

	_, err = f.m.UpdateGroup(ctx, "bob", "g1", UpdateGroupRequest{}, info)
	assert.True(t, apperrors.IsValidation(err))

	entries, _, err := f.log.Query(ctx, audit.Filter{Action: audit.ActionGroupUpdated})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Brunch Club", entries[0].Changes.Before["name"])
	assert.Equal(t, name, entries[0].Changes.After["name"])
}

func TestReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	members, err := f.m.ListMembers(ctx, "carol", "g1")
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, "alice", members[0].ActorID)

	_, err = f.m.ListMembers(ctx, "dave", "g1")
	assert.True(t, apperrors.IsPermissionDenied(err))

	_, err = f.m.GetGroup(ctx, "dave", "g1")
	assert.True(t, apperrors.IsPermissionDenied(err))

	mine, err := f.m.ListGroupsForActor(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "g1", mine[0].ID)
	assert.Equal(t, rbac.RoleAdmin, mine[0].Role)

	none, err := f.m.ListGroupsForActor(ctx, "dave")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSetPlatformAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	change, err := f.m.SetPlatformAdmin(ctx, "root", "alice", true, "new moderator", info)
	require.NoError(t, err)
	assert.False(t, change.Before)
	assert.NotZero(t, change.AuditID)

	again, err := f.m.SetPlatformAdmin(ctx, "root", "alice", true, "", info)
	require.NoError(t, err)
	assert.Zero(t, again.AuditID)

	_, err = f.m.SetPlatformAdmin(ctx, "carol", "dave", true, "", info)
	assert.True(t, apperrors.IsPermissionDenied(err))

	revoked, err := f.m.SetPlatformAdmin(ctx, SystemActorID, "root", false, "rotation", info)
	require.NoError(t, err)
	assert.True(t, revoked.Before)

	_, err = f.m.SetPlatformAdmin(ctx, SystemActorID, "nobody", true, "", info)
	assert.True(t, apperrors.IsNotFound(err))

	entries, total, err := f.log.Query(ctx, audit.Filter{TargetType: audit.TargetActor})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	assert.Equal(t, audit.ActionPlatformAdminRevoked, entries[0].Action)
	assert.Equal(t, SystemActorID, entries[0].ActorID)
	assert.Equal(t, audit.ActionPlatformAdminGranted, entries[1].Action)
}

func TestMutations_AuditCompleteness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	name := "Renamed"

	succeeded := 0
	try := func(err error) {
		if err == nil {
			succeeded++
		}
	}

	_, err := f.m.UpdateRole(ctx, "alice", "g1", "carol", rbac.RoleAdmin, "", info)
	try(err)
	_, err = f.m.UpdateRole(ctx, "bob", "g1", "alice", rbac.RoleAdmin, "", info)
	try(err)
	_, err = f.m.RemoveMember(ctx, "carol", "g1", "bob", "", info)
	try(err)
	_, err = f.m.UpdateGroup(ctx, "carol", "g1", UpdateGroupRequest{Name: &name}, info)
	try(err)
	_, err = f.m.LeaveGroup(ctx, "alice", "g1", info)
	try(err)
	_, err = f.m.LeaveGroup(ctx, "bob", "g1", info)
	try(err)

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, succeeded, f.auditCount(t))
}

func TestMutations_Metrics(t *testing.T) {
	f := newFixture(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	f.m.metrics = metrics
	ctx := context.Background()

	_, err := f.m.UpdateRole(ctx, "alice", "g1", "carol", rbac.RoleAdmin, "", info)
	require.NoError(t, err)
	_, err = f.m.UpdateRole(ctx, "alice", "g1", "alice", rbac.RoleMember, "", info)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MembershipMutationsTotal.WithLabelValues("update_role", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MembershipMutationsTotal.WithLabelValues("update_role", "conflict")))
}

func TestCompareAndSetRole_DetectsConcurrentChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := compareAndSetRole(ctx, f.db, "g1", "carol", rbac.RoleAdmin, rbac.RoleOwner, storetest.Epoch)
	assert.Equal(t, apperrors.ReasonConcurrentUpdate, apperrors.ConflictReasonOf(err))

	err = compareAndDelete(ctx, f.db, "g1", "bob", rbac.RoleMember)
	assert.Equal(t, apperrors.ReasonConcurrentUpdate, apperrors.ConflictReasonOf(err))

	assert.Equal(t, rbac.RoleMember, f.role(t, "carol"))
	assert.Equal(t, rbac.RoleAdmin, f.role(t, "bob"))
}

func TestUpdateRole_StorageFailure(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	db := storage.New(raw, storage.DialectPostgres)
	m := NewManager(db, rbac.NewService(db, nil, nil), audit.NewLog(db, nil), nil, nil)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE review_groups SET updated_at").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err = m.UpdateRole(context.Background(), "alice", "g1", "carol", rbac.RoleAdmin, "", info)
	assert.True(t, apperrors.IsStorage(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/circles/pkg/audit"
	"github.com/platinummonkey/circles/pkg/config"
	"github.com/platinummonkey/circles/pkg/groups"
	"github.com/platinummonkey/circles/pkg/invites"
	"github.com/platinummonkey/circles/pkg/middleware"
	"github.com/platinummonkey/circles/pkg/observability"
	"github.com/platinummonkey/circles/pkg/storage"
	"github.com/platinummonkey/circles/pkg/storage/storetest"
)

type testServer struct {
	*Server
	db      *storage.DB
	metrics *observability.Metrics
}

func newTestServer(t *testing.T, mutate func(*Dependencies)) *testServer {
	t.Helper()
	db := storetest.NewDB(t)
	storetest.SeedActor(t, db, "root", true)
	for _, id := range []string{"alice", "carol", "dave"} {
		storetest.SeedActor(t, db, id, false)
	}

	cfg := config.Default()
	cfg.Storage.Driver = storage.DialectSQLite
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	deps := Dependencies{Config: cfg, DB: db, Metrics: metrics}
	if mutate != nil {
		mutate(&deps)
	}
	return &testServer{Server: NewServer(deps), db: db, metrics: metrics}
}

func (s *testServer) do(t *testing.T, actorID, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if actorID != "" {
		req.Header.Set(middleware.DefaultActorHeader, actorID)
	}
	req.Header.Set("User-Agent", "circles-e2e")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestServer_InviteLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, "root", http.MethodPost, "/v1/groups", `{"name":"Supper Club"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	groupID := decode[groups.Created](t, rec).Group.ID

	rec = s.do(t, "root", http.MethodPost, "/v1/groups/"+groupID+"/invites", `{"max_uses":1}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	invite := decode[invites.InviteCode](t, rec)
	assert.Len(t, invite.Code, invites.CodeLength)

	rec = s.do(t, "carol", http.MethodPost, "/v1/invites/join", `{"code":"`+invite.Code+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	joined := decode[invites.JoinResponse](t, rec)
	assert.True(t, joined.Success)
	assert.Equal(t, "Supper Club", joined.GroupName)

	rec = s.do(t, "dave", http.MethodPost, "/v1/invites/join", `{"code":"`+invite.Code+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	refused := decode[invites.JoinResponse](t, rec)
	assert.False(t, refused.Success)
	assert.Equal(t, invites.ReasonInvalidCode, refused.Reason)

	// carol is a plain member now
	rec = s.do(t, "carol", http.MethodGet, "/v1/groups/"+groupID+"/members", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, "dave", http.MethodGet, "/v1/groups/"+groupID+"/members", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, "root", http.MethodGet, "/v1/audit/entries?group_id="+groupID, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[struct {
		Entries []audit.Entry `json:"entries"`
		Total   int           `json:"total"`
	}](t, rec)
	assert.Equal(t, 3, page.Total)

	var join *audit.Entry
	for i := range page.Entries {
		if page.Entries[i].Action == audit.ActionMemberJoined {
			join = &page.Entries[i]
		}
	}
	require.NotNil(t, join)
	assert.Equal(t, "carol", join.ActorID)
	assert.Equal(t, "192.0.2.1", join.IPAddress)
	assert.Equal(t, "circles-e2e", join.UserAgent)
	assert.NotEmpty(t, join.RequestID)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.InviteRedemptionsTotal.WithLabelValues("success")))
}

func TestServer_AuditGate(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, "alice", http.MethodGet, "/v1/audit/entries", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, "root", http.MethodGet, "/v1/audit/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Plumbing(t *testing.T) {
	s := newTestServer(t, nil)

	t.Run("missing actor", func(t *testing.T) {
		rec := s.do(t, "", http.MethodGet, "/v1/groups", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown route", func(t *testing.T) {
		rec := s.do(t, "alice", http.MethodGet, "/v1/nowhere", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("request id echoed", func(t *testing.T) {
		rec := s.do(t, "alice", http.MethodGet, "/v1/groups", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
	})

	t.Run("permissions", func(t *testing.T) {
		rec := s.do(t, "root", http.MethodGet, "/v1/permissions", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestServer_JoinLimits(t *testing.T) {
	tests := []struct {
		name  string
		redis bool
	}{
		{"in memory", false},
		{"redis", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, func(d *Dependencies) {
				d.Config.RateLimit.JoinPerActor.RequestsPerWindow = 2
				d.Config.RateLimit.JoinPerActor.WindowDuration = time.Minute
				if tt.redis {
					mr := miniredis.RunT(t)
					client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
					t.Cleanup(func() { _ = client.Close() })
					d.Redis = client
				}
			})

			for i := 0; i < 2; i++ {
				rec := s.do(t, "dave", http.MethodPost, "/v1/invites/join", `{"code":"000000"}`)
				require.Equal(t, http.StatusOK, rec.Code)
			}
			rec := s.do(t, "dave", http.MethodPost, "/v1/invites/join", `{"code":"000000"}`)
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)

			// a different actor has their own budget
			rec = s.do(t, "carol", http.MethodPost, "/v1/invites/join", `{"code":"000000"}`)
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

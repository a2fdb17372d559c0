package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/circles/pkg/contextkeys"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("Debug message should not be logged at Info level")
	}

	logger.WithField("group_id", "g1").Info("member removed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "member removed", entry["msg"])
	assert.Equal(t, "g1", entry["group_id"])
}

func TestLogger_WithFieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(DebugLevel, &buf).WithFields(map[string]interface{}{"b": 2, "a": 1, "c": 3}).Debug("x")

	out := buf.String()
	assert.Less(t, strings.Index(out, `"a":1`), strings.Index(out, `"b":2`))
	assert.Less(t, strings.Index(out, `"b":2`), strings.Index(out, `"c":3`))
}

func TestLogLevel_String(t *testing.T) {
	assert.Equal(t, "WARN", WarnLevel.String())
	assert.Equal(t, "INFO", LogLevel(42).String())
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLogLevel("DEBUG"))
	assert.Equal(t, WarnLevel, ParseLogLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLogLevel("error"))
	assert.Equal(t, InfoLevel, ParseLogLevel("nonsense"))
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(InfoLevel, &buf)

	ctx := contextkeys.WithRequestID(context.Background(), "req-1")
	ctx = contextkeys.WithActorID(ctx, "alice")

	FromContext(ctx, base).WithError(errors.New("boom")).Error("join failed")

	out := buf.String()
	assert.Contains(t, out, `"request_id":"req-1"`)
	assert.Contains(t, out, `"actor_id":"alice"`)
	assert.Contains(t, out, `"error":"boom"`)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDecision("create_group", true)
		m.RecordMutation("update_role", "ok")
		m.RecordRedemption("joined")
		m.RecordSwept(3)
		m.RecordRateLimited("join_ip")
		m.RecordAuditEntry("role_changed")
		m.RecordArchive(true)
		m.RecordInviteCreated()
	})
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordDecision("manage_roles", false)
	m.RecordDecision("manage_roles", false)
	m.RecordRedemption("exhausted")
	m.RecordSwept(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PermissionDecisionsTotal.WithLabelValues("manage_roles", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InviteRedemptionsTotal.WithLabelValues("exhausted")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.InvitesSweptTotal))
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/v1/groups/{group_id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/groups/abc", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/groups/{group_id}", "404")))
}

type fakeDB struct{ err error }

func (f fakeDB) HealthCheck(context.Context) error { return f.err }

func TestHealthChecker_Check(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	t.Run("healthy", func(t *testing.T) {
		status := NewHealthChecker(fakeDB{}, client, "test").Check(context.Background())
		assert.Equal(t, StatusHealthy, status.Status)
		assert.Equal(t, StatusHealthy, status.Dependencies["redis"].Status)
	})

	t.Run("database down is unhealthy", func(t *testing.T) {
		status := NewHealthChecker(fakeDB{err: errors.New("down")}, client, "test").Check(context.Background())
		assert.Equal(t, StatusUnhealthy, status.Status)
		assert.Equal(t, "down", status.Dependencies["database"].Message)
	})

	t.Run("redis down is degraded", func(t *testing.T) {
		broken := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
		defer broken.Close()

		status := NewHealthChecker(fakeDB{}, broken, "test").Check(context.Background())
		assert.Equal(t, StatusDegraded, status.Status)
	})
}

func TestHealthChecker_Readiness(t *testing.T) {
	checker := NewHealthChecker(fakeDB{err: errors.New("down")}, nil, "test")
	serveMux := http.NewServeMux()
	RegisterHealthRoutes(serveMux, checker)

	rec := httptest.NewRecorder()
	serveMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	serveMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestShutdownManager_RunsFuncsInReverse(t *testing.T) {
	var order []string
	sm := NewShutdownManager(NopLogger(), time.Second)
	sm.RegisterShutdownFunc(func(context.Context) error { order = append(order, "db"); return nil })
	sm.RegisterShutdownFunc(func(context.Context) error { order = append(order, "cron"); return nil })

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"cron", "db"}, order)
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second)
	sm.RegisterShutdownFunc(func(context.Context) error { return errors.New("close failed") })

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "close failed"))
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(NopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

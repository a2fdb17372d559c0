package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing,
// so services can be built without a registry in tests and tools.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	PermissionDecisionsTotal *prometheus.CounterVec

	// Membership metrics
	MembershipMutationsTotal *prometheus.CounterVec

	// Invite metrics
	InviteRedemptionsTotal *prometheus.CounterVec
	InvitesCreatedTotal    prometheus.Counter
	InvitesSweptTotal      prometheus.Counter

	// Rate limiting
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Audit
	AuditEntriesTotal  *prometheus.CounterVec
	AuditArchivesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circles_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "circles_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		PermissionDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circles_permission_decisions_total",
				Help: "Permission decisions by capability and result",
			},
			[]string{"capability", "result"},
		),
		MembershipMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circles_membership_mutations_total",
				Help: "Membership manager operations by action and outcome kind",
			},
			[]string{"action", "outcome"},
		),
		InviteRedemptionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circles_invite_redemptions_total",
				Help: "Invite code redemptions by outcome",
			},
			[]string{"outcome"},
		),
		InvitesCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "circles_invites_created_total",
				Help: "Invite codes created",
			},
		),
		InvitesSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "circles_invites_swept_total",
				Help: "Invite codes deactivated by the expiry sweeper",
			},
		),
		RateLimitRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circles_rate_limit_rejections_total",
				Help: "Requests rejected by a rate limiter",
			},
			[]string{"limiter"},
		),
		AuditEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circles_audit_entries_total",
				Help: "Audit entries appended by action",
			},
			[]string{"action"},
		),
		AuditArchivesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circles_audit_archives_total",
				Help: "Daily audit archive uploads by status",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionDecisionsTotal,
		m.MembershipMutationsTotal,
		m.InviteRedemptionsTotal,
		m.InvitesCreatedTotal,
		m.InvitesSweptTotal,
		m.RateLimitRejectionsTotal,
		m.AuditEntriesTotal,
		m.AuditArchivesTotal,
	)

	return m
}

// RecordDecision counts a permission decision
func (m *Metrics) RecordDecision(capability string, allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.PermissionDecisionsTotal.WithLabelValues(capability, result).Inc()
}

// RecordMutation counts a membership operation. outcome is "ok" or an error kind.
func (m *Metrics) RecordMutation(action, outcome string) {
	if m == nil {
		return
	}
	m.MembershipMutationsTotal.WithLabelValues(action, outcome).Inc()
}

// RecordRedemption counts an invite redemption attempt
func (m *Metrics) RecordRedemption(outcome string) {
	if m == nil {
		return
	}
	m.InviteRedemptionsTotal.WithLabelValues(outcome).Inc()
}

// RecordInviteCreated counts a generated invite code
func (m *Metrics) RecordInviteCreated() {
	if m == nil {
		return
	}
	m.InvitesCreatedTotal.Inc()
}

// RecordSwept counts codes deactivated by the sweeper
func (m *Metrics) RecordSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.InvitesSweptTotal.Add(float64(n))
}

// RecordRateLimited counts a rejected request
func (m *Metrics) RecordRateLimited(limiter string) {
	if m == nil {
		return
	}
	m.RateLimitRejectionsTotal.WithLabelValues(limiter).Inc()
}

// RecordAuditEntry counts an appended audit entry
func (m *Metrics) RecordAuditEntry(action string) {
	if m == nil {
		return
	}
	m.AuditEntriesTotal.WithLabelValues(action).Inc()
}

// RecordArchive counts an archive upload
func (m *Metrics) RecordArchive(success bool) {
	if m == nil {
		return
	}
	status := "failure"
	if success {
		status = "success"
	}
	m.AuditArchivesTotal.WithLabelValues(status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics. Requests are
// labelled with the matched mux route template so ids do not explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

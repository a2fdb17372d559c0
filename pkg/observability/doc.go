// Package observability provides structured logging, Prometheus metrics, OpenTelemetry
// tracing, health probes and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("group_id", groupID).Info("Member removed")
//
// Request-scoped loggers carry request_id and actor_id:
//
//	observability.FromContext(r.Context(), logger).WithError(err).Error("Join failed")
//
// # Prometheus Metrics
//
// Metrics methods are nil-safe, so services accept an optional *Metrics:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordDecision("manage_roles", false)
//	metrics.RecordRedemption("exhausted")
//
// # Tracing
//
//	ctx, span := observability.StartSpan(ctx, tracerName, "groups.UpdateRole", "group_id", groupID)
//	defer func() { observability.EndSpan(span, err) }()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(mux, checker)
package observability

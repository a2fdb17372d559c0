// Package config loads service configuration.
//
// Values come from three layers, later ones winning: built-in defaults, an optional YAML
// file named by CIRCLES_CONFIG_FILE, and CIRCLES_* environment variables.
//
// Server settings:
//
//	CIRCLES_HOST="0.0.0.0"
//	CIRCLES_PORT="8080"
//	CIRCLES_HEALTH_PORT="9090"
//	CIRCLES_TRUST_FORWARDED_FOR="false"
//	CIRCLES_ACTOR_HEADER="X-Actor-ID"
//
// Storage settings:
//
//	CIRCLES_DB_DRIVER="postgres"  # postgres or sqlite3
//	CIRCLES_DB_URL="postgres://localhost/circles?sslmode=disable"
//	CIRCLES_DB_AUTO_MIGRATE="false"
//	CIRCLES_REDIS_URL="redis://localhost:6379/0"  # shared join rate limits; in-memory when unset
//
// Invites and rate limits:
//
//	CIRCLES_JOIN_PER_IP_LIMIT="20"
//	CIRCLES_JOIN_PER_ACTOR_LIMIT="10"
//	CIRCLES_INVITE_DETAILED_ERRORS="false"
//	CIRCLES_INVITE_SWEEP_SCHEDULE="*/10 * * * *"
//
// Audit archive:
//
//	CIRCLES_AUDIT_ARCHIVE_ENABLED="true"
//	CIRCLES_AUDIT_ARCHIVE_BUCKET="circles-audit"
//	CIRCLES_AUDIT_ARCHIVE_SCHEDULE="15 0 * * *"
//
// Observability:
//
//	CIRCLES_LOG_LEVEL="info"
//	CIRCLES_OTEL_ENABLED="true"
//	CIRCLES_OTEL_ENDPOINT="otel-collector:4317"
//
// The same keys in YAML:
//
//	server:
//	  port: "8080"
//	storage:
//	  driver: postgres
//	  url: postgres://localhost/circles
//	rate_limit:
//	  join_per_ip: {requests_per_window: 20, window: 15m}
//	invites:
//	  detailed_errors: false
package config

package api

import (
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/circles/pkg/audit"
	"github.com/platinummonkey/circles/pkg/config"
	"github.com/platinummonkey/circles/pkg/groups"
	"github.com/platinummonkey/circles/pkg/httputil"
	"github.com/platinummonkey/circles/pkg/invites"
	"github.com/platinummonkey/circles/pkg/middleware"
	"github.com/platinummonkey/circles/pkg/observability"
	"github.com/platinummonkey/circles/pkg/ratelimit"
	"github.com/platinummonkey/circles/pkg/rbac"
	"github.com/platinummonkey/circles/pkg/storage"
)

// Dependencies are the collaborators the server is assembled from. Redis, Metrics and
// Logger are optional.
type Dependencies struct {
	Config  *config.Config
	DB      *storage.DB
	Redis   *redis.Client
	Metrics *observability.Metrics
	Logger  *observability.Logger

	InviteOptions []invites.Option
}

// Server represents our API server
type Server struct {
	router  *mux.Router
	handler http.Handler

	Permissions *rbac.Service
	AuditLog    *audit.Log
	Groups      *groups.Manager
	Invites     *invites.Service
}

// NewServer builds the services and wires every route
func NewServer(deps Dependencies) *Server {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	perms := rbac.NewService(deps.DB, deps.Metrics, logger)
	auditLog := audit.NewLog(deps.DB, deps.Metrics)

	s := &Server{
		router:      mux.NewRouter(),
		Permissions: perms,
		AuditLog:    auditLog,
		Groups:      groups.NewManager(deps.DB, perms, auditLog, deps.Metrics, logger),
		Invites:     invites.NewService(deps.DB, perms, auditLog, deps.Metrics, logger, deps.InviteOptions...),
	}

	s.router.Use(observability.HTTPMetricsMiddleware(deps.Metrics))

	api := s.router.NewRoute().Subrouter()
	api.Use(middleware.NewAuthMiddleware(cfg.Auth.ActorHeader, false).Handler)

	rbac.NewHandlers(perms).RegisterRoutes(api)
	groups.NewHandlers(s.Groups).RegisterRoutes(api)
	invites.NewHandlers(s.Invites, cfg.Invites.DetailedErrors).RegisterRoutes(api, joinLimits(cfg, deps, logger)...)
	audit.NewHandlers(auditLog).RegisterRoutes(api, perms.RequireCapability(rbac.CapViewAuditLog, ""))

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "route not found", Kind: "not_found"})
	})

	// outermost first: request id and client info must exist before logging and auth
	var h http.Handler = s.router
	h = middleware.RequestLogger(logger)(h)
	h = middleware.RequestInfo(cfg.Server.TrustForwardedFor)(h)
	h = middleware.RequestID(h)
	h = observability.RecoveryMiddleware(logger)(h)
	h = httputil.CORSMiddleware(cfg.Server.CORSOrigins)(h)
	s.handler = otelhttp.NewHandler(h, "circles-api")

	return s
}

// joinLimits builds the per-address and per-actor limits on invite redemption. Counters
// are shared through Redis when a client is configured, otherwise kept in process.
func joinLimits(cfg *config.Config, deps Dependencies, logger *observability.Logger) []mux.MiddlewareFunc {
	rl := cfg.RateLimit

	var byIP, byActor ratelimit.Limiter
	if deps.Redis != nil {
		byIP = ratelimit.NewRedisLimiter(deps.Redis, rl.JoinPerIP, rl.RedisPrefix+":join:ip")
		byActor = ratelimit.NewRedisLimiter(deps.Redis, rl.JoinPerActor, rl.RedisPrefix+":join:actor")
	} else {
		byIP = ratelimit.NewMemoryLimiter(rl.JoinPerIP, rl.MemoryMaxKeys, nil)
		byActor = ratelimit.NewMemoryLimiter(rl.JoinPerActor, rl.MemoryMaxKeys, nil)
	}

	return []mux.MiddlewareFunc{
		ratelimit.Middleware("join_ip", byIP, ratelimit.ByClientIP, deps.Metrics, logger),
		ratelimit.Middleware("join_actor", byActor, ratelimit.ByActor, deps.Metrics, logger),
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router exposes the route table, mostly for tests walking routes
func (s *Server) Router() *mux.Router {
	return s.router
}

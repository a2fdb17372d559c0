// Package ratelimit provides fixed-window limiters and an HTTP middleware.
//
// RedisLimiter shares counters between server processes and is the default when Redis is
// configured. MemoryLimiter is a bounded, expiring in-process map for single-instance
// deployments and tests; its clock is injectable.
//
//	perIP := ratelimit.NewRedisLimiter(redisClient, ratelimit.JoinPerIPConfig(), "circles:join:ip")
//	router.Handle("/v1/invites/join",
//		ratelimit.Middleware("join_ip", perIP, ratelimit.ByClientIP, metrics, logger)(joinHandler))
//
// The middleware fails open: when Redis is unreachable the request proceeds and a warning
// is logged.
package ratelimit

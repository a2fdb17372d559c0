// Package middleware establishes request identity for the HTTP API.
//
// Authentication happens upstream. AuthMiddleware trusts the actor id header set by the
// authenticating proxy and rejects requests without one:
//
//	router.Use(middleware.NewAuthMiddleware("X-Actor-ID", false).Handler)
//
// RequestID, RequestInfo and RequestLogger put the request id, client address, user agent
// and a request-scoped logger on the context, where audit entries and service logs pick
// them up. A typical chain:
//
//	router.Use(middleware.RequestID)
//	router.Use(middleware.RequestInfo(trustForwarded))
//	router.Use(middleware.RequestLogger(logger))
//	router.Use(auth.Handler)
//
// Rate limiting lives in pkg/ratelimit.
package middleware

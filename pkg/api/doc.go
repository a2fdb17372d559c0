// Package api assembles the HTTP server from the permission, group, invite and audit
// services.
//
//	srv := api.NewServer(api.Dependencies{Config: cfg, DB: db, Redis: rdb, Metrics: m, Logger: l})
//	http.ListenAndServe(":8080", srv)
//
// Every request passes through, outermost first: OpenTelemetry, CORS, panic recovery,
// request id, client info, and the request logger. Routes additionally require the
// actor header; invite redemption is rate limited per client address and per actor.
//
// Endpoints:
//
//	GET    /v1/permissions
//	POST   /v1/permissions/check
//	POST   /v1/groups
//	GET    /v1/groups
//	GET    /v1/groups/{group_id}
//	PATCH  /v1/groups/{group_id}
//	GET    /v1/groups/{group_id}/members
//	PUT    /v1/groups/{group_id}/members/{actor_id}/role
//	DELETE /v1/groups/{group_id}/members/{actor_id}
//	POST   /v1/groups/{group_id}/leave
//	POST   /v1/groups/{group_id}/invites
//	GET    /v1/groups/{group_id}/invites
//	DELETE /v1/invites/{invite_id}
//	POST   /v1/invites/join
//	PUT    /v1/admins/{actor_id}
//	DELETE /v1/admins/{actor_id}
//	GET    /v1/audit/entries
//	GET    /v1/audit/stats
//	GET    /v1/audit/export
package api

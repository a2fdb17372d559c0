// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteSuccess(w, group)
//	httputil.WriteCreated(w, invite)
//	httputil.WriteBadRequest(w, "code is required")
//
// # Service Errors
//
// WriteAppError maps the apperrors taxonomy onto HTTP:
//
//	PermissionDenied        403  details: capability, actor_role, required_role
//	NotFound                404  details: entity, id
//	ValidationError         400  details: field
//	Conflict                409  details: reason
//	CodeGenerationExhausted 503  Retry-After
//	Storage / unknown       500  generic message
//
// # Request Parsing
//
//	groupID, ok := httputil.ParsePathStringOrError(w, r, "group_id")
//	limit, err := httputil.ParseQueryInt(r, "limit", 50)
//	since, err := httputil.ParseQueryTime(r, "start_time")
package httputil

// Package invites issues and redeems the numeric codes that admit actors to a group.
//
// Any member of a group may mint a code; anyone authenticated who holds the code may
// redeem it. Codes are 6 random digits drawn from crypto/rand and checked against every
// code ever issued. After 10 colliding draws CreateInviteCode gives up with
// *apperrors.CodeGenerationExhaustedError.
//
// # Redemption
//
// JoinGroupWithCode runs in one transaction:
//
//  1. load the code (missing: invite_not_found)
//  2. reject an existing membership (already_member) without consuming a use
//  3. increment current_uses with a guard on is_active, max_uses and expires_at
//  4. insert the member row and append member_joined
//
// When the guarded increment matches no row the code is re-read and the failure is
// classified as inactive, expired or exhausted. Concurrent redemptions of the last use
// yield exactly one success.
//
// # HTTP
//
//	POST   /v1/groups/{group_id}/invites   {"max_uses": 10, "expires_in_hours": 168}
//	GET    /v1/groups/{group_id}/invites
//	DELETE /v1/invites/{invite_id}
//	POST   /v1/invites/join                {"code": "482913"}
//
// Join disqualifications are 200 responses with {"success": false, "reason": "..."}.
//
// # Sweeper
//
// DeactivateStale flips expired and used-up codes to inactive on a cron schedule so
// listings stay tidy. Redemption re-checks expiry itself and never relies on it.
package invites

package httputil

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/circles/pkg/apperrors"
)

// StatusFor maps an error kind to its HTTP status
func StatusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindPermissionDenied:
		return http.StatusForbidden
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindCodeGenerationExhausted:
		return http.StatusServiceUnavailable
	case apperrors.KindStorage:
		if apperrors.IsRetryable(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteAppError renders a service error. Authorization, validation and conflict errors
// are surfaced verbatim with their structured fields; storage and unknown errors become a
// generic message so driver details never leak.
func WriteAppError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	kind := string(apperrors.KindOf(err))

	var (
		pd *apperrors.PermissionDeniedError
		nf *apperrors.NotFoundError
		ve *apperrors.ValidationError
		ce *apperrors.ConflictError
		se *apperrors.StorageError
	)

	switch {
	case errors.As(err, &pd):
		details := map[string]string{"capability": pd.Capability}
		if pd.ActorRole != "" {
			details["actor_role"] = pd.ActorRole
		}
		if pd.RequiredRole != "" {
			details["required_role"] = pd.RequiredRole
		}
		WriteDetailedError(w, status, kind, pd.Error(), details)
	case errors.As(err, &nf):
		WriteDetailedError(w, status, kind, nf.Error(), map[string]string{"entity": nf.Entity, "id": nf.ID})
	case errors.As(err, &ve):
		WriteDetailedError(w, status, kind, ve.Error(), map[string]string{"field": ve.Field})
	case errors.As(err, &ce):
		WriteDetailedError(w, status, kind, ce.Error(), map[string]string{"reason": string(ce.Reason)})
	case apperrors.IsCodeGenerationExhausted(err):
		w.Header().Set("Retry-After", "5")
		WriteDetailedError(w, status, kind, "could not generate an invite code, please try again later", nil)
	case errors.As(err, &se) && se.Retryable:
		w.Header().Set("Retry-After", "1")
		WriteDetailedError(w, http.StatusServiceUnavailable, kind, "internal error, please retry", nil)
	default:
		WriteDetailedError(w, http.StatusInternalServerError, string(apperrors.KindStorage), "internal error, please retry", nil)
	}
}

package reliability

import (
	"net/http"

	"github.com/ent0n29/voxnote/internal/apperr"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// KindForHTTPStatus maps an upstream provider status onto the taxonomy.
// fallback is used for retryable 5xx responses.
func KindForHTTPStatus(code int, fallback apperr.Kind) apperr.Kind {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperr.KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.KindPermission
	case http.StatusNotFound:
		return apperr.KindNotFound
	case http.StatusRequestEntityTooLarge:
		return apperr.KindUpload
	case http.StatusTooManyRequests:
		return apperr.KindRateLimit
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return apperr.KindTimeout
	}
	if IsRetryableHTTPStatus(code) {
		return fallback
	}
	return apperr.KindGeneral
}

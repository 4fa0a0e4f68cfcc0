// Package handlers error codes.
//
// Codes are lowercase snake_case. Generic codes mirror the HTTP status;
// domain codes name a condition the shell is expected to act on (prompt for
// login, open the location settings, show the rating form).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/helpbudy-patient/internal/api"
	"github.com/tbourn/helpbudy-patient/internal/geo"
	"github.com/tbourn/helpbudy-patient/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeNoActiveService = "no_active_service"
	ErrCodeLocationDenied  = "location_denied"
	ErrCodeUpstream        = "upstream_unavailable"
	ErrCodeSendFailed      = "send_failed"
)

// failErr maps a service or request-layer error onto a status and code.
func failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNotAuthenticated), errors.Is(err, api.ErrUnauthorized):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, err.Error())
	case errors.Is(err, services.ErrNoActiveService):
		fail(c, http.StatusNotFound, ErrCodeNoActiveService, err.Error())
	case errors.Is(err, geo.ErrPermissionDenied):
		fail(c, http.StatusForbidden, ErrCodeLocationDenied, err.Error())
	case errors.Is(err, services.ErrServiceInProgress),
		errors.Is(err, services.ErrDuplicateRating),
		errors.Is(err, services.ErrNotRateable):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, services.ErrInvalidPhone),
		errors.Is(err, services.ErrInvalidOTP),
		errors.Is(err, services.ErrInvalidRequest),
		errors.Is(err, services.ErrInvalidRating),
		errors.Is(err, services.ErrInvalidPayment),
		errors.Is(err, services.ErrEmptyMessage),
		errors.Is(err, services.ErrTooLong):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, services.ErrSendFailed):
		fail(c, http.StatusBadGateway, ErrCodeSendFailed, err.Error())
	case errors.Is(err, api.ErrRateLimited):
		fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, err.Error())
	case errors.Is(err, api.ErrValidation):
		if api.StatusOf(err) == http.StatusNotFound {
			fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, api.ErrNetwork), errors.Is(err, api.ErrServer), errors.Is(err, api.ErrDecode):
		fail(c, http.StatusBadGateway, ErrCodeUpstream, err.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

package helpers

import (
	"errors"
	"fmt"
	"net/http"

	"auction-engine/internal/biddingerrors"
	"auction-engine/utils"

	"github.com/gin-gonic/gin"
)

// Gin context keys set by the auth middleware
const (
	ContextUserID = "user_id"
	ContextRole   = "role"
)

// CurrentUser returns the authenticated caller set by the auth middleware
func CurrentUser(c *gin.Context) (userID, role string) {
	return c.GetString(ContextUserID), c.GetString(ContextRole)
}

// HandleBindError sends a standardized JSON error for binding failures
func HandleBindError(c *gin.Context, handlerName string, err error) {
	wrappedErr := fmt.Errorf("invalid request payload: %w", err)
	utils.JSONError(c, http.StatusBadRequest, wrappedErr, "invalid request payload")
	utils.Warn(handlerName+": binding error", map[string]any{"error": err.Error()})
}

// MapErrorToHTTP maps domain/service errors to HTTP status code and message
func MapErrorToHTTP(err error) (int, string) {
	switch {
	case errors.Is(err, biddingerrors.ErrTryAgain):
		return http.StatusServiceUnavailable, "temporarily unavailable, try again"
	case errors.Is(err, biddingerrors.ErrRateLimited):
		return http.StatusTooManyRequests, "too many requests"
	case errors.Is(err, biddingerrors.ErrInvalidBid), errors.Is(err, biddingerrors.ErrInvalidDeposit):
		return http.StatusBadRequest, reasonMessage(err, "invalid request")
	case errors.Is(err, biddingerrors.ErrNotFound):
		return http.StatusNotFound, reasonMessage(err, "not found")
	case errors.Is(err, biddingerrors.ErrValidation):
		return http.StatusUnprocessableEntity, reasonMessage(err, "bid rejected")
	case errors.Is(err, biddingerrors.ErrStateConflict):
		return http.StatusConflict, reasonMessage(err, "auction state conflict")
	case errors.Is(err, biddingerrors.ErrAuthorization):
		return http.StatusForbidden, reasonMessage(err, "not allowed")
	case errors.Is(err, biddingerrors.ErrIntegrityViolation):
		return http.StatusInternalServerError, "internal server error"
	case errors.Is(err, biddingerrors.ErrConcurrencyConflict), errors.Is(err, biddingerrors.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "temporarily unavailable, try again"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func reasonMessage(err error, fallback string) string {
	var reason *biddingerrors.Reason
	if errors.As(err, &reason) {
		return reason.Message
	}
	return fallback
}

// LogSuccess is a small helper to standardize logging of successful operations
func LogSuccess(handlerName, message string, ctx map[string]any) {
	utils.Info(handlerName+": "+message, ctx)
}

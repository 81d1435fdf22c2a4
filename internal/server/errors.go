package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	aggregatedomain "github.com/iotmca0/autovolt-sub006/internal/aggregate/domain"
	costdomain "github.com/iotmca0/autovolt-sub006/internal/costversion/domain"
	ledgerdomain "github.com/iotmca0/autovolt-sub006/internal/ledger/domain"
	telemetrydomain "github.com/iotmca0/autovolt-sub006/internal/telemetry/domain"
	trackerdomain "github.com/iotmca0/autovolt-sub006/internal/tracker/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInternal       = errors.New("internal_error")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, ledgerdomain.ErrIntervalOverlap):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "interval overlaps an existing entry",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, telemetrydomain.ErrInvalidController),
		errors.Is(err, telemetrydomain.ErrInvalidDevice),
		errors.Is(err, telemetrydomain.ErrInvalidClassroom),
		errors.Is(err, telemetrydomain.ErrInvalidTimestamp),
		errors.Is(err, telemetrydomain.ErrInvalidStatus),
		errors.Is(err, costdomain.ErrInvalidRate),
		errors.Is(err, costdomain.ErrInvalidEffectiveFrom),
		errors.Is(err, costdomain.ErrInvalidScope),
		errors.Is(err, costdomain.ErrMissingScopeKey),
		errors.Is(err, ledgerdomain.ErrInvalidInterval),
		errors.Is(err, ledgerdomain.ErrInvalidDevice),
		errors.Is(err, ledgerdomain.ErrInvalidProducer),
		errors.Is(err, ledgerdomain.ErrInvalidBucket),
		errors.Is(err, ledgerdomain.ErrInvalidReason),
		errors.Is(err, trackerdomain.ErrInvalidInterval),
		errors.Is(err, trackerdomain.ErrInvalidPower),
		errors.Is(err, trackerdomain.ErrInvalidDevice),
		errors.Is(err, aggregatedomain.ErrInvalidGranularity),
		errors.Is(err, aggregatedomain.ErrInvalidRange):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	return errors.Is(err, telemetrydomain.ErrNotFound) ||
		errors.Is(err, ledgerdomain.ErrEntryNotFound) ||
		errors.Is(err, gorm.ErrRecordNotFound)
}

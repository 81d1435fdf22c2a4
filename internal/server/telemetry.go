package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	telemetrydomain "github.com/iotmca0/autovolt-sub006/internal/telemetry/domain"
)

func (s *Server) ingestTelemetry(c *gin.Context) {
	var req telemetrydomain.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.telemetrySvc.Ingest(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// Duplicates acknowledge with 200 so controllers retrying over flaky
	// links do not treat the replay as a failure.
	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (s *Server) listTelemetry(c *gin.Context) {
	var req telemetrydomain.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.telemetrySvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/iotmca0/autovolt-sub006/internal/ledger/domain"
	trackerdomain "github.com/iotmca0/autovolt-sub006/internal/tracker/domain"
)

func (s *Server) createTrackerEntry(c *gin.Context) {
	var req trackerdomain.TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	entry, err := s.trackerSvc.Track(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) createCorrection(c *gin.Context) {
	var req ledgerdomain.CorrectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	entry, err := s.ledgerSvc.AppendCorrection(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

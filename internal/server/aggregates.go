package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// parseAt reads an optional "at" RFC3339 instant selecting which period to
// roll up. Defaults to now.
func (s *Server) parseAt(c *gin.Context) (time.Time, bool) {
	raw := c.Query("at")
	if raw == "" {
		return s.clock.Now(), true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return time.Time{}, false
	}
	return t, true
}

func (s *Server) runDailyAggregate(c *gin.Context) {
	at, ok := s.parseAt(c)
	if !ok {
		return
	}
	stats, err := s.aggregateSvc.RunDaily(c.Request.Context(), at)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) runMonthlyAggregate(c *gin.Context) {
	at, ok := s.parseAt(c)
	if !ok {
		return
	}
	stats, err := s.aggregateSvc.RunMonthly(c.Request.Context(), at)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	aggregatedomain "github.com/iotmca0/autovolt-sub006/internal/aggregate/domain"
)

const defaultQueryWindow = 24 * time.Hour

// parseRange reads start/end RFC3339 query params. A missing range defaults
// to the trailing day.
func (s *Server) parseRange(c *gin.Context) (time.Time, time.Time, bool) {
	now := s.clock.Now()
	start := now.Add(-defaultQueryWindow)
	end := now

	if raw := c.Query("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return time.Time{}, time.Time{}, false
		}
		start = t
	}
	if raw := c.Query("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return time.Time{}, time.Time{}, false
		}
		end = t
	}
	if !end.After(start) {
		AbortWithError(c, ErrInvalidRequest)
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func (s *Server) deviceConsumption(c *gin.Context) {
	controllerID := c.Query("controller_id")
	deviceID := c.Query("device_id")
	if controllerID == "" || deviceID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	start, end, ok := s.parseRange(c)
	if !ok {
		return
	}

	totals, err := s.ledgerSvc.TotalConsumption(c.Request.Context(), controllerID, deviceID, start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"controller_id": controllerID,
		"device_id":     deviceID,
		"start":         start,
		"end":           end,
		"totals":        totals,
	})
}

func (s *Server) classroomConsumption(c *gin.Context) {
	classroomID := c.Param("classroom_id")
	start, end, ok := s.parseRange(c)
	if !ok {
		return
	}

	breakdown, err := s.ledgerSvc.ClassroomConsumption(c.Request.Context(), classroomID, start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, breakdown)
}

func (s *Server) consumptionTimeline(c *gin.Context) {
	classroomID := c.Query("classroom_id")
	if classroomID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	start, end, ok := s.parseRange(c)
	if !ok {
		return
	}

	bucketMinutes := 60
	if raw := c.Query("bucket_minutes"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		bucketMinutes = v
	}

	buckets, err := s.ledgerSvc.Timeline(c.Request.Context(), classroomID, start, end, bucketMinutes)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"classroom_id": classroomID,
		"buckets":      buckets,
	})
}

func (s *Server) consumptionBreakdown(c *gin.Context) {
	start, end, ok := s.parseRange(c)
	if !ok {
		return
	}

	req := aggregatedomain.BreakdownRequest{
		ClassroomID: c.Query("classroom_id"),
		DeviceID:    c.Query("device_id"),
		Granularity: aggregatedomain.Granularity(c.DefaultQuery("granularity", "daily")),
		Start:       start,
		End:         end,
	}

	rows, err := s.aggregateSvc.Breakdown(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"granularity": req.Granularity,
		"rows":        rows,
	})
}

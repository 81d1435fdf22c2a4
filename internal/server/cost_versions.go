package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	costdomain "github.com/iotmca0/autovolt-sub006/internal/costversion/domain"
)

func (s *Server) createCostVersion(c *gin.Context) {
	var req costdomain.CreateVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	version, err := s.costSvc.CreateVersion(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, version)
}

func (s *Server) currentCostVersion(c *gin.Context) {
	scope := costdomain.Scope(c.DefaultQuery("scope", string(costdomain.ScopeGlobal)))
	key := c.Query("scope_key")

	rate, err := s.costSvc.CurrentRate(c.Request.Context(), scope, key)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scope":        rate.Scope,
		"rate_per_kwh": rate.RatePerKWh,
		"version_id":   rate.VersionID,
	})
}

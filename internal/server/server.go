// Package server exposes the HTTP API: telemetry ingestion, consumption
// queries, cost version management, tracker entries, and rollup triggers.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	aggregatedomain "github.com/iotmca0/autovolt-sub006/internal/aggregate/domain"
	"github.com/iotmca0/autovolt-sub006/internal/clock"
	"github.com/iotmca0/autovolt-sub006/internal/config"
	costdomain "github.com/iotmca0/autovolt-sub006/internal/costversion/domain"
	ledgerdomain "github.com/iotmca0/autovolt-sub006/internal/ledger/domain"
	telemetrydomain "github.com/iotmca0/autovolt-sub006/internal/telemetry/domain"
	trackerdomain "github.com/iotmca0/autovolt-sub006/internal/tracker/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogMiddleware(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger
	clock  clock.Clock

	telemetrySvc telemetrydomain.Service
	ledgerSvc    ledgerdomain.Service
	costSvc      costdomain.Service
	trackerSvc   trackerdomain.Service
	aggregateSvc aggregatedomain.Service
}

type ServerParams struct {
	fx.In

	Gin   *gin.Engine
	Cfg   config.Config
	Log   *zap.Logger
	Clock clock.Clock

	TelemetrySvc telemetrydomain.Service
	LedgerSvc    ledgerdomain.Service
	CostSvc      costdomain.Service
	TrackerSvc   trackerdomain.Service
	AggregateSvc aggregatedomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("server"),
		clock:        p.Clock,
		telemetrySvc: p.TelemetrySvc,
		ledgerSvc:    p.LedgerSvc,
		costSvc:      p.CostSvc,
		trackerSvc:   p.TrackerSvc,
		aggregateSvc: p.AggregateSvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/api/v1")

	v1.POST("/telemetry", s.ingestTelemetry)
	v1.GET("/telemetry", s.listTelemetry)

	v1.GET("/consumption/device", s.deviceConsumption)
	v1.GET("/consumption/classroom/:classroom_id", s.classroomConsumption)
	v1.GET("/consumption/timeline", s.consumptionTimeline)
	v1.GET("/consumption/breakdown", s.consumptionBreakdown)

	v1.POST("/cost-versions", s.createCostVersion)
	v1.GET("/cost-versions/current", s.currentCostVersion)

	v1.POST("/ledger/corrections", s.createCorrection)
	v1.POST("/tracker/entries", s.createTrackerEntry)

	v1.POST("/aggregates/daily:run", s.runDailyAggregate)
	v1.POST("/aggregates/monthly:run", s.runMonthlyAggregate)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

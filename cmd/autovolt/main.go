package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/iotmca0/autovolt-sub006/internal/aggregate"
	"github.com/iotmca0/autovolt-sub006/internal/clock"
	"github.com/iotmca0/autovolt-sub006/internal/config"
	"github.com/iotmca0/autovolt-sub006/internal/costversion"
	"github.com/iotmca0/autovolt-sub006/internal/generator"
	"github.com/iotmca0/autovolt-sub006/internal/ledger"
	"github.com/iotmca0/autovolt-sub006/internal/logger"
	"github.com/iotmca0/autovolt-sub006/internal/migration"
	"github.com/iotmca0/autovolt-sub006/internal/mqttingest"
	"github.com/iotmca0/autovolt-sub006/internal/observability"
	"github.com/iotmca0/autovolt-sub006/internal/scheduler"
	"github.com/iotmca0/autovolt-sub006/internal/server"
	"github.com/iotmca0/autovolt-sub006/internal/telemetry"
	"github.com/iotmca0/autovolt-sub006/internal/tracker"
	"github.com/iotmca0/autovolt-sub006/pkg/db"
	"go.uber.org/fx"
)

// Monolith entrypoint: HTTP API, MQTT bridge, and the background pipeline
// in one process.
func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain services
		telemetry.Module,
		costversion.Module,
		ledger.Module,
		generator.Module,
		aggregate.Module,
		tracker.Module,

		// Surfaces
		server.Module,
		mqttingest.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

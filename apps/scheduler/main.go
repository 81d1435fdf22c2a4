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
	"github.com/iotmca0/autovolt-sub006/internal/observability"
	"github.com/iotmca0/autovolt-sub006/internal/scheduler"
	"github.com/iotmca0/autovolt-sub006/internal/telemetry"
	"github.com/iotmca0/autovolt-sub006/pkg/db"
	"go.uber.org/fx"
)

// Worker-only entrypoint: runs generation and rollups without the HTTP or
// MQTT surfaces. Pair with SCHEDULER_ENABLED_JOBS and a Redis lease when
// scaling out.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		telemetry.Module,
		costversion.Module,
		ledger.Module,
		generator.Module,
		aggregate.Module,

		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}

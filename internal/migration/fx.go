// Package migration keeps the schema in sync with the registered models at
// startup.
package migration

import (
	aggregatedomain "github.com/iotmca0/autovolt-sub006/internal/aggregate/domain"
	costdomain "github.com/iotmca0/autovolt-sub006/internal/costversion/domain"
	ledgerdomain "github.com/iotmca0/autovolt-sub006/internal/ledger/domain"
	telemetrydomain "github.com/iotmca0/autovolt-sub006/internal/telemetry/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Models lists every persisted type, in dependency order. Shared with tests
// so in-memory databases carry the same schema.
func Models() []any {
	return []any{
		&telemetrydomain.TelemetryEvent{},
		&costdomain.CostVersion{},
		&ledgerdomain.ConsumptionLedgerEntry{},
		&aggregatedomain.DailyAggregate{},
		&aggregatedomain.MonthlyAggregate{},
	}
}

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB) error {
		return conn.AutoMigrate(Models()...)
	}),
)

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	aggregatedomain "github.com/iotmca0/autovolt-sub006/internal/aggregate/domain"
	aggregateservice "github.com/iotmca0/autovolt-sub006/internal/aggregate/service"
	"github.com/iotmca0/autovolt-sub006/internal/clock"
	"github.com/iotmca0/autovolt-sub006/internal/config"
	costservice "github.com/iotmca0/autovolt-sub006/internal/costversion/service"
	"github.com/iotmca0/autovolt-sub006/internal/generator"
	ledgerdomain "github.com/iotmca0/autovolt-sub006/internal/ledger/domain"
	ledgerservice "github.com/iotmca0/autovolt-sub006/internal/ledger/service"
	"github.com/iotmca0/autovolt-sub006/internal/migration"
	telemetrydomain "github.com/iotmca0/autovolt-sub006/internal/telemetry/domain"
	telemetryservice "github.com/iotmca0/autovolt-sub006/internal/telemetry/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupSchedulerTest(t *testing.T, cfg Config) (*Scheduler, telemetrydomain.Service, *clock.FakeClock, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(migration.Models()...))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	policy := config.NewStaticTariffPolicyHolder(config.DefaultTariffPolicy())
	log := zap.NewNop()

	telemetrySvc := telemetryservice.NewService(telemetryservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Policy: policy,
	})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake,
	})
	costSvc := costservice.NewService(costservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Policy: policy,
	})
	gen := generator.New(generator.Params{
		Log: log, GenID: node, Clock: fake, Policy: policy,
		TelemetrySvc: telemetrySvc, LedgerSvc: ledgerSvc, CostSvc: costSvc,
	})
	aggSvc := aggregateservice.NewService(aggregateservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Policy: policy,
	})

	sched, err := New(Params{
		Log: log, Clock: fake, Generator: gen, AggregateSvc: aggSvc, Config: cfg,
	})
	require.NoError(t, err)
	return sched, telemetrySvc, fake, db
}

func ingestReading(t *testing.T, svc telemetrydomain.Service, at time.Time, energyWh float64) {
	t.Helper()
	result, err := svc.Ingest(context.Background(), telemetrydomain.IngestRequest{
		ControllerID:    "esp32-01",
		DeviceID:        "fan-1",
		ClassroomID:     "room-101",
		DeviceTimestamp: at,
		EnergyCounterWh: &energyWh,
		SwitchStates:    map[string]bool{"sw1": true},
		Status:          telemetrydomain.StatusOnline,
	})
	require.NoError(t, err)
	require.True(t, result.Accepted)
}

func TestRunOnce_DrivesPipelineEndToEnd(t *testing.T) {
	sched, telemetrySvc, fake, db := setupSchedulerTest(t, Config{})
	start := fake.Now()

	ingestReading(t, telemetrySvc, start.Add(-10*time.Minute), 1000)
	ingestReading(t, telemetrySvc, start.Add(-5*time.Minute), 1010)

	require.NoError(t, sched.RunOnce(context.Background()))

	var entries []ledgerdomain.ConsumptionLedgerEntry
	require.NoError(t, db.Order("interval_end ASC").Find(&entries).Error)
	require.Len(t, entries, 2)
	assert.InDelta(t, 10, entries[1].DeltaWh, 1e-9)

	// The daily rollup in the same tick already covers today.
	var aggs []aggregatedomain.DailyAggregate
	require.NoError(t, db.Find(&aggs).Error)
	require.Len(t, aggs, 1)
	assert.InDelta(t, 10, aggs[0].TotalWh, 1e-9)
}

func TestRunOnce_JobFilter(t *testing.T) {
	sched, telemetrySvc, fake, db := setupSchedulerTest(t, Config{
		EnabledJobs: []string{"daily_rollup"},
	})

	ingestReading(t, telemetrySvc, fake.Now().Add(-5*time.Minute), 1000)
	require.NoError(t, sched.RunOnce(context.Background()))

	// Generation is disabled: the event stays unprocessed.
	var count int64
	db.Model(&ledgerdomain.ConsumptionLedgerEntry{}).Count(&count)
	assert.Zero(t, count)
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 30*time.Second, cfg.RunInterval)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.JobTimeout)

	custom := Config{RunInterval: time.Minute, BatchSize: 10}.withDefaults()
	assert.Equal(t, time.Minute, custom.RunInterval)
	assert.Equal(t, 10, custom.BatchSize)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

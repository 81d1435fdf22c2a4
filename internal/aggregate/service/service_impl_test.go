package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	aggregatedomain "github.com/iotmca0/autovolt-sub006/internal/aggregate/domain"
	"github.com/iotmca0/autovolt-sub006/internal/clock"
	"github.com/iotmca0/autovolt-sub006/internal/config"
	ledgerdomain "github.com/iotmca0/autovolt-sub006/internal/ledger/domain"
	ledgerservice "github.com/iotmca0/autovolt-sub006/internal/ledger/service"
	"github.com/iotmca0/autovolt-sub006/internal/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupAggregateTest(t *testing.T) (aggregatedomain.Service, ledgerdomain.Service, *clock.FakeClock, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(migration.Models()...))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	policy := config.NewStaticTariffPolicyHolder(config.DefaultTariffPolicy())
	log := zap.NewNop()

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake,
	})
	svc := NewService(Params{
		DB: db, Log: log, GenID: node, Clock: fake, Policy: policy,
	})
	return svc, ledgerSvc, fake, db
}

func seedEntry(t *testing.T, svc ledgerdomain.Service, device string, start, end time.Time, deltaWh float64, confidence ledgerdomain.Confidence) {
	t.Helper()
	require.NoError(t, svc.Append(context.Background(), &ledgerdomain.ConsumptionLedgerEntry{
		ControllerID:  "esp32-01",
		DeviceID:      device,
		ClassroomID:   "room-101",
		IntervalStart: start,
		IntervalEnd:   end,
		DeltaWh:       deltaWh,
		Method:        ledgerdomain.MethodCumulativeMeter,
		SwitchState:   ledgerdomain.SwitchOn,
		OnDurationSec: int64(end.Sub(start).Seconds()),
		Confidence:    confidence,
		RatePerKWh:    7.0,
		CostAmount:    deltaWh / 1000 * 7.0,
		CreatedBy:     ledgerdomain.ProducerTelemetryGenerator,
	}))
}

func TestRunDaily_RollsUpLocalDay(t *testing.T) {
	svc, ledgerSvc, fake, db := setupAggregateTest(t)

	// 2026-03-10 in Asia/Kolkata spans 2026-03-09T18:30Z to 2026-03-10T18:30Z.
	morning := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	seedEntry(t, ledgerSvc, "fan-1", morning, morning.Add(10*time.Minute), 10, ledgerdomain.ConfidenceHigh)
	seedEntry(t, ledgerSvc, "fan-1", morning.Add(10*time.Minute), morning.Add(20*time.Minute), 20, ledgerdomain.ConfidenceLow)
	seedEntry(t, ledgerSvc, "light-2", morning, morning.Add(10*time.Minute), 5, ledgerdomain.ConfidenceHigh)

	stats, err := svc.RunDaily(context.Background(), fake.Now())
	require.NoError(t, err)
	assert.Equal(t, "2026-03-10", stats.Period)
	assert.Equal(t, 2, stats.RowsUpserted)
	assert.EqualValues(t, 3, stats.EntriesRead)

	var rows []aggregatedomain.DailyAggregate
	require.NoError(t, db.Order("device_id ASC").Find(&rows).Error)
	require.Len(t, rows, 2)

	fan := rows[0]
	assert.Equal(t, "fan-1", fan.DeviceID)
	assert.InDelta(t, 30, fan.TotalWh, 1e-9)
	assert.InDelta(t, 30.0/1000*7.0, fan.TotalCost, 1e-9)
	assert.InDelta(t, 7.0, fan.RateUsed, 1e-9)
	assert.EqualValues(t, 2, fan.EntryCount)
	assert.EqualValues(t, 1, fan.HighConfidenceCount)
	assert.EqualValues(t, 0, fan.MediumConfidenceCount)
	assert.EqualValues(t, 1, fan.LowConfidenceCount)
	assert.Equal(t, "Asia/Kolkata", fan.Timezone)
	assert.NotEmpty(t, fan.CalcBatchID)

	// Both rows came from the same rollup run.
	assert.Equal(t, rows[0].CalcBatchID, rows[1].CalcBatchID)
}

func TestRunDaily_Idempotent(t *testing.T) {
	svc, ledgerSvc, fake, db := setupAggregateTest(t)

	morning := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	seedEntry(t, ledgerSvc, "fan-1", morning, morning.Add(10*time.Minute), 10, ledgerdomain.ConfidenceHigh)

	_, err := svc.RunDaily(context.Background(), fake.Now())
	require.NoError(t, err)

	// New entry lands, rerun updates in place rather than duplicating.
	seedEntry(t, ledgerSvc, "fan-1", morning.Add(10*time.Minute), morning.Add(20*time.Minute), 20, ledgerdomain.ConfidenceHigh)
	_, err = svc.RunDaily(context.Background(), fake.Now())
	require.NoError(t, err)

	var rows []aggregatedomain.DailyAggregate
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.InDelta(t, 30, rows[0].TotalWh, 1e-9)
	assert.EqualValues(t, 2, rows[0].EntryCount)
}

func TestRunMonthly_RollsUpLocalMonth(t *testing.T) {
	svc, ledgerSvc, fake, db := setupAggregateTest(t)

	early := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	late := time.Date(2026, 3, 20, 6, 0, 0, 0, time.UTC)
	seedEntry(t, ledgerSvc, "fan-1", early, early.Add(10*time.Minute), 10, ledgerdomain.ConfidenceHigh)
	seedEntry(t, ledgerSvc, "fan-1", late, late.Add(10*time.Minute), 20, ledgerdomain.ConfidenceHigh)

	stats, err := svc.RunMonthly(context.Background(), fake.Now())
	require.NoError(t, err)
	assert.Equal(t, "2026-03", stats.Period)

	var rows []aggregatedomain.MonthlyAggregate
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.InDelta(t, 30, rows[0].TotalWh, 1e-9)
}

func TestBreakdown_DailyServedFromAggregates(t *testing.T) {
	svc, ledgerSvc, fake, _ := setupAggregateTest(t)

	morning := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	seedEntry(t, ledgerSvc, "fan-1", morning, morning.Add(10*time.Minute), 10, ledgerdomain.ConfidenceHigh)

	_, err := svc.RunDaily(context.Background(), fake.Now())
	require.NoError(t, err)

	rows, err := svc.Breakdown(context.Background(), aggregatedomain.BreakdownRequest{
		ClassroomID: "room-101",
		Granularity: aggregatedomain.GranularityDaily,
		Start:       time.Date(2026, 3, 9, 18, 30, 0, 0, time.UTC),
		End:         time.Date(2026, 3, 10, 18, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2026-03-10", rows[0].Period)
	assert.InDelta(t, 10, rows[0].Wh, 1e-9)
}

func TestBreakdown_DailyFallsBackToLedger(t *testing.T) {
	svc, ledgerSvc, _, _ := setupAggregateTest(t)

	// No rollup run; the query still answers from raw entries.
	morning := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	seedEntry(t, ledgerSvc, "fan-1", morning, morning.Add(10*time.Minute), 10, ledgerdomain.ConfidenceHigh)

	rows, err := svc.Breakdown(context.Background(), aggregatedomain.BreakdownRequest{
		ClassroomID: "room-101",
		Granularity: aggregatedomain.GranularityDaily,
		Start:       time.Date(2026, 3, 9, 18, 30, 0, 0, time.UTC),
		End:         time.Date(2026, 3, 10, 18, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2026-03-10", rows[0].Period)
	assert.InDelta(t, 10, rows[0].Wh, 1e-9)
	assert.InDelta(t, 7.0, rows[0].RateUsed, 1e-9)
}

func TestBreakdown_HourlyBucketsInLocalTime(t *testing.T) {
	svc, ledgerSvc, _, _ := setupAggregateTest(t)

	// 04:10Z is 09:40 IST; 05:10Z is 10:40 IST: two separate local hours.
	first := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	seedEntry(t, ledgerSvc, "fan-1", first, first.Add(10*time.Minute), 10, ledgerdomain.ConfidenceHigh)
	second := time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)
	seedEntry(t, ledgerSvc, "fan-1", second, second.Add(10*time.Minute), 20, ledgerdomain.ConfidenceHigh)

	rows, err := svc.Breakdown(context.Background(), aggregatedomain.BreakdownRequest{
		ClassroomID: "room-101",
		Granularity: aggregatedomain.GranularityHourly,
		Start:       time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.InDelta(t, 10, rows[0].Wh, 1e-9)
	assert.InDelta(t, 20, rows[1].Wh, 1e-9)
}

func TestBreakdown_InvalidRequests(t *testing.T) {
	svc, _, fake, _ := setupAggregateTest(t)

	_, err := svc.Breakdown(context.Background(), aggregatedomain.BreakdownRequest{
		Granularity: "weekly",
		Start:       fake.Now().Add(-time.Hour),
		End:         fake.Now(),
	})
	assert.ErrorIs(t, err, aggregatedomain.ErrInvalidGranularity)

	_, err = svc.Breakdown(context.Background(), aggregatedomain.BreakdownRequest{
		Granularity: aggregatedomain.GranularityDaily,
		Start:       fake.Now(),
		End:         fake.Now().Add(-time.Hour),
	})
	assert.ErrorIs(t, err, aggregatedomain.ErrInvalidRange)
}

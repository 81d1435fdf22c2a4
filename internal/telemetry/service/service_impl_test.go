package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/iotmca0/autovolt-sub006/internal/clock"
	"github.com/iotmca0/autovolt-sub006/internal/config"
	"github.com/iotmca0/autovolt-sub006/internal/migration"
	telemetrydomain "github.com/iotmca0/autovolt-sub006/internal/telemetry/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTelemetryTest(t *testing.T) (telemetrydomain.Service, *clock.FakeClock, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(migration.Models()...))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Policy: config.NewStaticTariffPolicyHolder(config.DefaultTariffPolicy()),
	})
	return svc, fake, db
}

func floatPtr(v float64) *float64 { return &v }

func baseRequest(deviceTime time.Time) telemetrydomain.IngestRequest {
	return telemetrydomain.IngestRequest{
		ControllerID:    "esp32-01",
		DeviceID:        "fan-1",
		ClassroomID:     "room-101",
		DeviceTimestamp: deviceTime,
		PowerW:          floatPtr(60),
		EnergyCounterWh: floatPtr(1000),
		SwitchStates:    map[string]bool{"sw1": true},
		Status:          telemetrydomain.StatusOnline,
	}
}

func TestIngest_AcceptsFirstReading(t *testing.T) {
	svc, fake, db := setupTelemetryTest(t)

	result, err := svc.Ingest(context.Background(), baseRequest(fake.Now()))
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.False(t, result.Duplicate)
	assert.NotEmpty(t, result.EventID)

	var count int64
	db.Model(&telemetrydomain.TelemetryEvent{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestIngest_IdenticalRetransmissionIsDuplicate(t *testing.T) {
	svc, fake, db := setupTelemetryTest(t)
	req := baseRequest(fake.Now())

	first, err := svc.Ingest(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Accepted)

	// Same reading again two minutes later, inside the dedup window.
	fake.Advance(2 * time.Minute)
	second, err := svc.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)

	var count int64
	db.Model(&telemetrydomain.TelemetryEvent{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestIngest_ChangedReadingIsNotDuplicate(t *testing.T) {
	svc, fake, _ := setupTelemetryTest(t)

	req := baseRequest(fake.Now())
	_, err := svc.Ingest(context.Background(), req)
	require.NoError(t, err)

	fake.Advance(time.Minute)
	next := baseRequest(fake.Now())
	next.EnergyCounterWh = floatPtr(1005)

	result, err := svc.Ingest(context.Background(), next)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
}

func TestIngest_TimeDriftFlag(t *testing.T) {
	svc, fake, db := setupTelemetryTest(t)

	// Device RTC running 10 minutes behind, past the 5 minute tolerance.
	req := baseRequest(fake.Now().Add(-10 * time.Minute))
	result, err := svc.Ingest(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Accepted)

	var event telemetrydomain.TelemetryEvent
	require.NoError(t, db.First(&event).Error)
	assert.True(t, event.TimeDrift)
	assert.False(t, event.OutOfOrder)
}

func TestIngest_OutOfOrderAndGapFlags(t *testing.T) {
	svc, fake, db := setupTelemetryTest(t)
	start := fake.Now()

	_, err := svc.Ingest(context.Background(), baseRequest(start))
	require.NoError(t, err)

	// Arrives later but carries an older device timestamp.
	fake.Advance(time.Minute)
	stale := baseRequest(start.Add(-30 * time.Second))
	stale.EnergyCounterWh = floatPtr(990)
	result, err := svc.Ingest(context.Background(), stale)
	require.NoError(t, err)
	require.True(t, result.Accepted)

	var event telemetrydomain.TelemetryEvent
	require.NoError(t, db.Where("id = ?", result.EventID).First(&event).Error)
	assert.True(t, event.OutOfOrder)

	// Next in-order reading 20 minutes after the newest one records the gap.
	fake.Advance(20 * time.Minute)
	gapped := baseRequest(start.Add(20 * time.Minute))
	gapped.EnergyCounterWh = floatPtr(1012)
	result, err = svc.Ingest(context.Background(), gapped)
	require.NoError(t, err)

	event = telemetrydomain.TelemetryEvent{}
	require.NoError(t, db.Where("id = ?", result.EventID).First(&event).Error)
	assert.False(t, event.OutOfOrder)
	assert.EqualValues(t, 20*60, event.GapBeforeSec)
}

func TestIngest_RejectsMissingFields(t *testing.T) {
	svc, fake, _ := setupTelemetryTest(t)

	req := baseRequest(fake.Now())
	req.DeviceID = ""
	_, err := svc.Ingest(context.Background(), req)
	assert.ErrorIs(t, err, telemetrydomain.ErrInvalidDevice)

	req = baseRequest(fake.Now())
	req.Status = "rebooting"
	_, err = svc.Ingest(context.Background(), req)
	assert.ErrorIs(t, err, telemetrydomain.ErrInvalidStatus)
}

func TestFetchUnprocessed_OrderAndMarkProcessed(t *testing.T) {
	svc, fake, _ := setupTelemetryTest(t)
	start := fake.Now()

	// Insert out of wall-clock order; fetch must come back by device time.
	second := baseRequest(start.Add(5 * time.Minute))
	second.EnergyCounterWh = floatPtr(1010)
	res2, err := svc.Ingest(context.Background(), second)
	require.NoError(t, err)

	first := baseRequest(start)
	res1, err := svc.Ingest(context.Background(), first)
	require.NoError(t, err)

	events, err := svc.FetchUnprocessed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, res1.EventID, events[0].ID.String())
	assert.Equal(t, res2.EventID, events[1].ID.String())

	require.NoError(t, svc.MarkProcessed(context.Background(), events[0].ID, telemetrydomain.ProcessOutcome{
		Flag: telemetrydomain.FlagLedgerEntry,
	}))

	events, err = svc.FetchUnprocessed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, res2.EventID, events[0].ID.String())
}

func TestMarkProcessed_UnknownEvent(t *testing.T) {
	svc, _, _ := setupTelemetryTest(t)

	node, err := snowflake.NewNode(9)
	require.NoError(t, err)

	err = svc.MarkProcessed(context.Background(), node.Generate(), telemetrydomain.ProcessOutcome{
		Flag: telemetrydomain.FlagError,
	})
	assert.ErrorIs(t, err, telemetrydomain.ErrNotFound)
}

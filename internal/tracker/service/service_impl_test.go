package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/iotmca0/autovolt-sub006/internal/clock"
	"github.com/iotmca0/autovolt-sub006/internal/config"
	costservice "github.com/iotmca0/autovolt-sub006/internal/costversion/service"
	ledgerdomain "github.com/iotmca0/autovolt-sub006/internal/ledger/domain"
	ledgerservice "github.com/iotmca0/autovolt-sub006/internal/ledger/service"
	"github.com/iotmca0/autovolt-sub006/internal/migration"
	trackerdomain "github.com/iotmca0/autovolt-sub006/internal/tracker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTrackerTest(t *testing.T) (trackerdomain.Service, *gorm.DB) {
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
	costSvc := costservice.NewService(costservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Policy: policy,
	})
	svc := NewService(Params{
		Log: log, LedgerSvc: ledgerSvc, CostSvc: costSvc,
	})
	return svc, db
}

func TestTrack_AppendsEstimatedEntry(t *testing.T) {
	svc, db := setupTrackerTest(t)
	onStart := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	entry, err := svc.Track(context.Background(), trackerdomain.TrackRequest{
		ControllerID: "esp32-01",
		DeviceID:     "fan-1",
		ClassroomID:  "room-101",
		RatedPowerW:  75,
		OnStart:      onStart,
		OnEnd:        onStart.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	assert.Equal(t, ledgerdomain.MethodEstimated, entry.Method)
	assert.Equal(t, ledgerdomain.ProducerRuntimeTracker, entry.CreatedBy)
	assert.InDelta(t, 150, entry.DeltaWh, 1e-9) // 75 W for 2 h
	assert.InDelta(t, 150.0/1000*7.0, entry.CostAmount, 1e-9)
	assert.Equal(t, ledgerdomain.ConfidenceMedium, entry.Confidence)
	assert.EqualValues(t, 2*3600, entry.OnDurationSec)

	var count int64
	db.Model(&ledgerdomain.ConsumptionLedgerEntry{}).
		Where("created_by = ?", ledgerdomain.ProducerRuntimeTracker).
		Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestTrack_OrderingWithinLane(t *testing.T) {
	svc, _ := setupTrackerTest(t)
	onStart := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	_, err := svc.Track(context.Background(), trackerdomain.TrackRequest{
		ControllerID: "esp32-01", DeviceID: "fan-1", ClassroomID: "room-101",
		RatedPowerW: 75, OnStart: onStart, OnEnd: onStart.Add(time.Hour),
	})
	require.NoError(t, err)

	// Overlapping on-interval for the same device is rejected.
	_, err = svc.Track(context.Background(), trackerdomain.TrackRequest{
		ControllerID: "esp32-01", DeviceID: "fan-1", ClassroomID: "room-101",
		RatedPowerW: 75, OnStart: onStart.Add(30 * time.Minute), OnEnd: onStart.Add(90 * time.Minute),
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrIntervalOverlap)
}

func TestTrack_Validation(t *testing.T) {
	svc, _ := setupTrackerTest(t)
	onStart := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	_, err := svc.Track(context.Background(), trackerdomain.TrackRequest{
		ControllerID: "esp32-01", DeviceID: "fan-1", ClassroomID: "room-101",
		RatedPowerW: 0, OnStart: onStart, OnEnd: onStart.Add(time.Hour),
	})
	assert.ErrorIs(t, err, trackerdomain.ErrInvalidPower)

	_, err = svc.Track(context.Background(), trackerdomain.TrackRequest{
		ControllerID: "esp32-01", DeviceID: "fan-1", ClassroomID: "room-101",
		RatedPowerW: 75, OnStart: onStart, OnEnd: onStart,
	})
	assert.ErrorIs(t, err, trackerdomain.ErrInvalidInterval)
}

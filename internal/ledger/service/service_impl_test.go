package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/iotmca0/autovolt-sub006/internal/clock"
	ledgerdomain "github.com/iotmca0/autovolt-sub006/internal/ledger/domain"
	"github.com/iotmca0/autovolt-sub006/internal/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupLedgerTest(t *testing.T) (ledgerdomain.Service, *clock.FakeClock, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(migration.Models()...))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	return svc, fake, db
}

func generatorEntry(start, end time.Time, deltaWh float64) *ledgerdomain.ConsumptionLedgerEntry {
	return &ledgerdomain.ConsumptionLedgerEntry{
		ControllerID:  "esp32-01",
		DeviceID:      "fan-1",
		ClassroomID:   "room-101",
		IntervalStart: start,
		IntervalEnd:   end,
		DeltaWh:       deltaWh,
		Method:        ledgerdomain.MethodCumulativeMeter,
		SwitchState:   ledgerdomain.SwitchOn,
		OnDurationSec: int64(end.Sub(start).Seconds()),
		Confidence:    ledgerdomain.ConfidenceHigh,
		RatePerKWh:    7.0,
		CostAmount:    deltaWh / 1000 * 7.0,
		CreatedBy:     ledgerdomain.ProducerTelemetryGenerator,
	}
}

func TestAppend_SetsDerivedFields(t *testing.T) {
	svc, fake, _ := setupLedgerTest(t)
	start := fake.Now()

	entry := generatorEntry(start, start.Add(time.Minute), 10)
	require.NoError(t, svc.Append(context.Background(), entry))
	assert.NotZero(t, entry.ID)
	assert.EqualValues(t, 60, entry.DurationSec)
}

func TestAppend_RejectsOverlapWithinLane(t *testing.T) {
	svc, fake, _ := setupLedgerTest(t)
	start := fake.Now()

	require.NoError(t, svc.Append(context.Background(), generatorEntry(start, start.Add(time.Minute), 10)))

	// Starts 30s before the previous interval ended.
	overlap := generatorEntry(start.Add(30*time.Second), start.Add(2*time.Minute), 5)
	err := svc.Append(context.Background(), overlap)
	assert.ErrorIs(t, err, ledgerdomain.ErrIntervalOverlap)

	// Contiguous intervals are allowed: next start equals previous end.
	next := generatorEntry(start.Add(time.Minute), start.Add(2*time.Minute), 5)
	assert.NoError(t, svc.Append(context.Background(), next))
}

func TestAppend_LanesDoNotBlockEachOther(t *testing.T) {
	svc, fake, _ := setupLedgerTest(t)
	start := fake.Now()

	require.NoError(t, svc.Append(context.Background(), generatorEntry(start, start.Add(time.Hour), 100)))

	// Tracker lane entry over the same wall-clock window.
	tracked := generatorEntry(start.Add(10*time.Minute), start.Add(40*time.Minute), 30)
	tracked.Method = ledgerdomain.MethodEstimated
	tracked.CreatedBy = ledgerdomain.ProducerRuntimeTracker
	assert.NoError(t, svc.Append(context.Background(), tracked))
}

func TestAppend_Validation(t *testing.T) {
	svc, fake, _ := setupLedgerTest(t)
	start := fake.Now()

	entry := generatorEntry(start, start.Add(time.Minute), 10)
	entry.DeviceID = ""
	assert.ErrorIs(t, svc.Append(context.Background(), entry), ledgerdomain.ErrInvalidDevice)

	entry = generatorEntry(start, start.Add(-time.Minute), 10)
	assert.ErrorIs(t, svc.Append(context.Background(), entry), ledgerdomain.ErrInvalidInterval)

	entry = generatorEntry(start, start.Add(time.Minute), 10)
	entry.CreatedBy = ""
	assert.ErrorIs(t, svc.Append(context.Background(), entry), ledgerdomain.ErrInvalidProducer)
}

func TestAppendCorrection_CompensatingEntry(t *testing.T) {
	svc, fake, _ := setupLedgerTest(t)
	start := fake.Now()

	original := generatorEntry(start, start.Add(time.Hour), 100)
	require.NoError(t, svc.Append(context.Background(), original))

	correction, err := svc.AppendCorrection(context.Background(), ledgerdomain.CorrectionRequest{
		OriginalEntryID: original.ID,
		CorrectedWh:     80,
		Reason:          "meter audit",
		CreatedBy:       "ops",
	})
	require.NoError(t, err)

	assert.Equal(t, ledgerdomain.MethodManualCorrection, correction.Method)
	assert.Equal(t, ledgerdomain.ProducerManual, correction.CreatedBy)
	assert.InDelta(t, -20, correction.DeltaWh, 1e-9)
	assert.True(t, correction.NegativeDeltaCorrected)
	require.NotNil(t, correction.ReconciliationOf)
	assert.Equal(t, original.ID, *correction.ReconciliationOf)
	require.NotNil(t, correction.OriginalDeltaWh)
	assert.InDelta(t, 100, *correction.OriginalDeltaWh, 1e-9)

	// Lane totals converge on the corrected figure.
	totals, err := svc.TotalConsumption(context.Background(), "esp32-01", "fan-1", start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 80, totals.Wh, 1e-9)
	assert.InDelta(t, 80.0/1000*7.0, totals.Cost, 1e-9)
}

func TestAppendCorrection_UnknownOriginal(t *testing.T) {
	svc, _, _ := setupLedgerTest(t)

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	_, err = svc.AppendCorrection(context.Background(), ledgerdomain.CorrectionRequest{
		OriginalEntryID: node.Generate(),
		CorrectedWh:     10,
		Reason:          "audit",
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrEntryNotFound)
}

func TestTotalConsumption_OverlapPredicate(t *testing.T) {
	svc, fake, _ := setupLedgerTest(t)
	start := fake.Now()

	require.NoError(t, svc.Append(context.Background(), generatorEntry(start, start.Add(10*time.Minute), 10)))
	require.NoError(t, svc.Append(context.Background(), generatorEntry(start.Add(10*time.Minute), start.Add(20*time.Minute), 20)))

	// Query window touching only the second interval.
	totals, err := svc.TotalConsumption(context.Background(), "esp32-01", "fan-1",
		start.Add(10*time.Minute), start.Add(30*time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 20, totals.Wh, 1e-9)
	assert.EqualValues(t, 1, totals.EntryCount)
}

func TestClassroomConsumption_GroupsByDevice(t *testing.T) {
	svc, fake, _ := setupLedgerTest(t)
	start := fake.Now()

	require.NoError(t, svc.Append(context.Background(), generatorEntry(start, start.Add(10*time.Minute), 10)))

	other := generatorEntry(start, start.Add(10*time.Minute), 40)
	other.DeviceID = "light-2"
	require.NoError(t, svc.Append(context.Background(), other))

	breakdown, err := svc.ClassroomConsumption(context.Background(), "room-101", start, start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, breakdown.Devices, 2)
	assert.InDelta(t, 50, breakdown.Totals.Wh, 1e-9)
	assert.EqualValues(t, 2, breakdown.Totals.EntryCount)
}

func TestTimeline_BucketsAndEmptySlots(t *testing.T) {
	svc, _, _ := setupLedgerTest(t)
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, svc.Append(context.Background(), generatorEntry(start, start.Add(5*time.Minute), 10)))
	// Nothing between 09:15 and 09:30.
	require.NoError(t, svc.Append(context.Background(), generatorEntry(start.Add(30*time.Minute), start.Add(35*time.Minute), 30)))

	buckets, err := svc.Timeline(context.Background(), "room-101", start, start.Add(45*time.Minute), 15)
	require.NoError(t, err)
	require.Len(t, buckets, 3)

	assert.InDelta(t, 10, buckets[0].Wh, 1e-9)
	assert.EqualValues(t, 1, buckets[0].DeviceCount)
	assert.Zero(t, buckets[1].Wh)
	assert.Zero(t, buckets[1].DeviceCount)
	assert.InDelta(t, 30, buckets[2].Wh, 1e-9)

	_, err = svc.Timeline(context.Background(), "room-101", start, start.Add(time.Hour), 0)
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidBucket)
}

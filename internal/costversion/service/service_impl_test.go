package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/iotmca0/autovolt-sub006/internal/clock"
	"github.com/iotmca0/autovolt-sub006/internal/config"
	costdomain "github.com/iotmca0/autovolt-sub006/internal/costversion/domain"
	"github.com/iotmca0/autovolt-sub006/internal/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupCostTest(t *testing.T) (costdomain.Service, *clock.FakeClock, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(migration.Models()...))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Policy: config.NewStaticTariffPolicyHolder(config.DefaultTariffPolicy()),
	})
	return svc, fake, db
}

func TestRateFor_DefaultWhenNoVersions(t *testing.T) {
	svc, fake, _ := setupCostTest(t)

	rate, err := svc.RateFor(context.Background(), fake.Now(), "room-101", "fan-1")
	require.NoError(t, err)
	assert.Equal(t, 7.0, rate.RatePerKWh)
	assert.Nil(t, rate.VersionID)
}

func TestCreateVersion_ClosesOpenVersion(t *testing.T) {
	svc, fake, db := setupCostTest(t)

	first, err := svc.CreateVersion(context.Background(), costdomain.CreateVersionRequest{
		RatePerKWh:    6.5,
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Scope:         costdomain.ScopeGlobal,
	})
	require.NoError(t, err)
	require.Nil(t, first.EffectiveUntil)

	cutover := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err = svc.CreateVersion(context.Background(), costdomain.CreateVersionRequest{
		RatePerKWh:    8.0,
		EffectiveFrom: cutover,
		Scope:         costdomain.ScopeGlobal,
	})
	require.NoError(t, err)

	var reloaded costdomain.CostVersion
	require.NoError(t, db.Where("id = ?", first.ID).First(&reloaded).Error)
	require.NotNil(t, reloaded.EffectiveUntil)
	assert.True(t, reloaded.EffectiveUntil.Equal(cutover))

	// Entry timestamps before the cutover still price at the old rate.
	rate, err := svc.RateFor(context.Background(), cutover.Add(-time.Hour), "", "")
	require.NoError(t, err)
	assert.Equal(t, 6.5, rate.RatePerKWh)

	rate, err = svc.RateFor(context.Background(), cutover, "", "")
	require.NoError(t, err)
	assert.Equal(t, 8.0, rate.RatePerKWh)
	_ = fake
}

func TestRateFor_ScopePrecedence(t *testing.T) {
	svc, fake, _ := setupCostTest(t)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := svc.CreateVersion(context.Background(), costdomain.CreateVersionRequest{
		RatePerKWh: 7.5, EffectiveFrom: from, Scope: costdomain.ScopeGlobal,
	})
	require.NoError(t, err)
	_, err = svc.CreateVersion(context.Background(), costdomain.CreateVersionRequest{
		RatePerKWh: 8.5, EffectiveFrom: from, Scope: costdomain.ScopeClassroom, ScopeKey: "room-101",
	})
	require.NoError(t, err)
	_, err = svc.CreateVersion(context.Background(), costdomain.CreateVersionRequest{
		RatePerKWh: 9.5, EffectiveFrom: from, Scope: costdomain.ScopeDevice, ScopeKey: "fan-1",
	})
	require.NoError(t, err)

	now := fake.Now()

	rate, err := svc.RateFor(context.Background(), now, "room-101", "fan-1")
	require.NoError(t, err)
	assert.Equal(t, 9.5, rate.RatePerKWh)
	assert.Equal(t, costdomain.ScopeDevice, rate.Scope)

	rate, err = svc.RateFor(context.Background(), now, "room-101", "projector-1")
	require.NoError(t, err)
	assert.Equal(t, 8.5, rate.RatePerKWh)

	rate, err = svc.RateFor(context.Background(), now, "room-202", "heater-9")
	require.NoError(t, err)
	assert.Equal(t, 7.5, rate.RatePerKWh)
}

func TestCreateVersion_BackdatedDoesNotCloseNewer(t *testing.T) {
	svc, fake, db := setupCostTest(t)

	openFrom := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	open, err := svc.CreateVersion(context.Background(), costdomain.CreateVersionRequest{
		RatePerKWh: 8.0, EffectiveFrom: openFrom, Scope: costdomain.ScopeGlobal,
	})
	require.NoError(t, err)

	// Backdated version before the open one must not truncate it.
	_, err = svc.CreateVersion(context.Background(), costdomain.CreateVersionRequest{
		RatePerKWh: 5.0, EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Scope: costdomain.ScopeGlobal,
	})
	require.NoError(t, err)

	var reloaded costdomain.CostVersion
	require.NoError(t, db.Where("id = ?", open.ID).First(&reloaded).Error)
	assert.Nil(t, reloaded.EffectiveUntil)

	rate, err := svc.RateFor(context.Background(), fake.Now(), "", "")
	require.NoError(t, err)
	assert.Equal(t, 8.0, rate.RatePerKWh)
}

func TestCreateVersion_Validation(t *testing.T) {
	svc, _, _ := setupCostTest(t)

	_, err := svc.CreateVersion(context.Background(), costdomain.CreateVersionRequest{
		RatePerKWh: 0, EffectiveFrom: time.Now(), Scope: costdomain.ScopeGlobal,
	})
	assert.ErrorIs(t, err, costdomain.ErrInvalidRate)

	_, err = svc.CreateVersion(context.Background(), costdomain.CreateVersionRequest{
		RatePerKWh: 7, EffectiveFrom: time.Now(), Scope: costdomain.ScopeDevice,
	})
	assert.ErrorIs(t, err, costdomain.ErrMissingScopeKey)

	_, err = svc.CreateVersion(context.Background(), costdomain.CreateVersionRequest{
		RatePerKWh: 7, EffectiveFrom: time.Now(), Scope: "building",
	})
	assert.ErrorIs(t, err, costdomain.ErrInvalidScope)
}

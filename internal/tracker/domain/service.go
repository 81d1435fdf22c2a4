// Package domain describes the runtime tracker lane: estimated consumption
// derived from switch on-time and a rated wattage, written into the shared
// ledger on its own producer lane.
package domain

import (
	"context"
	"errors"
	"time"

	ledgerdomain "github.com/iotmca0/autovolt-sub006/internal/ledger/domain"
)

// TrackRequest records one completed on-interval of a switched device.
type TrackRequest struct {
	ControllerID string    `json:"controller_id" binding:"required"`
	DeviceID     string    `json:"device_id" binding:"required"`
	ClassroomID  string    `json:"classroom_id" binding:"required"`
	RatedPowerW  float64   `json:"rated_power_w" binding:"required"`
	OnStart      time.Time `json:"on_start" binding:"required"`
	OnEnd        time.Time `json:"on_end" binding:"required"`
	RunID        string    `json:"run_id"`
}

type Service interface {
	// Track appends an estimated ledger entry for the on-interval. The
	// delta is rated wattage integrated over the on-time; it never
	// overlaps the previous tracker entry for the same device.
	Track(ctx context.Context, req TrackRequest) (*ledgerdomain.ConsumptionLedgerEntry, error)
}

var (
	ErrInvalidInterval = errors.New("invalid_interval")
	ErrInvalidPower    = errors.New("invalid_power")
	ErrInvalidDevice   = errors.New("invalid_device")
)

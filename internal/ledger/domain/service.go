package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Totals summarizes consumption over a queried range.
type Totals struct {
	Wh         float64 `json:"wh"`
	Cost       float64 `json:"cost"`
	OnTimeSec  int64   `json:"on_time_sec"`
	EntryCount int64   `json:"entry_count"`
}

// DeviceTotals is one device row inside a classroom breakdown.
type DeviceTotals struct {
	ControllerID string `json:"controller_id"`
	DeviceID     string `json:"device_id"`
	Totals
}

type ClassroomBreakdown struct {
	ClassroomID string         `json:"classroom_id"`
	Devices     []DeviceTotals `json:"devices"`
	Totals      Totals         `json:"totals"`
}

// TimelineBucket is one slot of a bucketed consumption timeline.
type TimelineBucket struct {
	Timestamp   time.Time `json:"timestamp"`
	Wh          float64   `json:"wh"`
	Cost        float64   `json:"cost"`
	DeviceCount int64     `json:"device_count"`
}

type CorrectionRequest struct {
	OriginalEntryID snowflake.ID `json:"original_entry_id"`
	CorrectedWh     float64      `json:"corrected_wh"`
	Reason          string       `json:"reason"`
	RunID           string       `json:"run_id"`
	CreatedBy       string       `json:"created_by"`
}

type Service interface {
	// Append inserts an entry after enforcing the per-device ordering
	// invariant: the new interval must begin at or after the last
	// recorded interval end for the same producer lane.
	Append(ctx context.Context, entry *ConsumptionLedgerEntry) error

	// LastEntry returns the newest generator-lane entry for the device,
	// or nil if none exists.
	LastEntry(ctx context.Context, controllerID, deviceID string) (*ConsumptionLedgerEntry, error)

	// AppendCorrection emits a compensating manual_correction entry
	// referencing the original; history is never mutated.
	AppendCorrection(ctx context.Context, req CorrectionRequest) (*ConsumptionLedgerEntry, error)

	TotalConsumption(ctx context.Context, controllerID, deviceID string, start, end time.Time) (Totals, error)
	ClassroomConsumption(ctx context.Context, classroomID string, start, end time.Time) (ClassroomBreakdown, error)
	Timeline(ctx context.Context, classroomID string, start, end time.Time, bucketMinutes int) ([]TimelineBucket, error)

	// ListOverlapping returns entries whose interval overlaps [start, end),
	// optionally filtered by classroom and device. Used by the aggregator
	// and the on-demand breakdown fallback.
	ListOverlapping(ctx context.Context, start, end time.Time, classroomID, deviceID string) ([]ConsumptionLedgerEntry, error)
}

var (
	ErrInvalidInterval  = errors.New("invalid_interval")
	ErrIntervalOverlap  = errors.New("interval_overlap")
	ErrInvalidDevice    = errors.New("invalid_device")
	ErrInvalidProducer  = errors.New("invalid_producer")
	ErrEntryNotFound    = errors.New("entry_not_found")
	ErrInvalidBucket    = errors.New("invalid_bucket")
	ErrInvalidReason    = errors.New("invalid_reason")
)

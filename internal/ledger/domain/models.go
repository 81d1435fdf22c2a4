// Package domain contains the append-only consumption ledger records.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Method identifies how an entry's delta was estimated.
type Method string

const (
	MethodCumulativeMeter  Method = "cumulative_meter"
	MethodPowerIntegration Method = "power_integration"
	MethodEstimated        Method = "estimated"
	MethodManualCorrection Method = "manual_correction"
)

// SwitchState classifies the per-switch boolean map over the interval.
type SwitchState string

const (
	SwitchOn      SwitchState = "on"
	SwitchOff     SwitchState = "off"
	SwitchMixed   SwitchState = "mixed"
	SwitchUnknown SwitchState = "unknown"
)

// Confidence is the qualitative trust level of an entry's delta.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ResetReason is the inferred cause of a counter discontinuity.
type ResetReason string

const (
	ResetPowerCycle     ResetReason = "power_cycle"
	ResetFirmwareUpdate ResetReason = "firmware_update"
	ResetCounterWrap    ResetReason = "counter_wrap"
	ResetUnknown        ResetReason = "unknown"
)

// Producer lanes writing into the shared ledger. Lanes never coordinate on
// interval boundaries; downstream totals sum across both without merging.
const (
	ProducerTelemetryGenerator = "telemetry_generator"
	ProducerRuntimeTracker     = "runtime_tracker"
	ProducerManual             = "manual"
)

// ConsumptionLedgerEntry is one derived, priced record of energy consumed
// over an interval. Append-only: corrections are new entries carrying
// reconciliation metadata, never in-place updates.
type ConsumptionLedgerEntry struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	ControllerID string       `gorm:"type:text;not null;index:ix_ledger_device,priority:1"`
	DeviceID     string       `gorm:"type:text;not null;index:ix_ledger_device,priority:2"`
	ClassroomID  string       `gorm:"type:text;not null;index"`

	IntervalStart time.Time `gorm:"not null"`
	IntervalEnd   time.Time `gorm:"not null;index:ix_ledger_device,priority:3"`
	DurationSec   int64     `gorm:"not null"`

	DeltaWh     float64           `gorm:"column:delta_wh;not null"`
	Method      Method            `gorm:"type:text;not null"`
	CalcPayload datatypes.JSONMap `gorm:"type:jsonb"`

	SwitchState   SwitchState `gorm:"type:text;not null;default:'unknown'"`
	OnDurationSec int64       `gorm:"not null;default:0"`
	DeviceStatus  string      `gorm:"type:text;not null;default:''"`

	Confidence             Confidence `gorm:"type:text;not null"`
	GapFilled              bool       `gorm:"not null;default:false"`
	Interpolated           bool       `gorm:"not null;default:false"`
	PostReset              bool       `gorm:"not null;default:false"`
	NegativeDeltaCorrected bool       `gorm:"not null;default:false"`

	RatePerKWh    float64 `gorm:"column:rate_per_kwh;not null"`
	CostAmount    float64 `gorm:"not null"`
	CostVersionID *int64  // nil when the default rate applied

	IsResetMarker bool        `gorm:"not null;default:false"`
	ResetReason   ResetReason `gorm:"type:text;not null;default:''"`

	// Weak reference to the raw event that produced this entry.
	SourceEventID *snowflake.ID

	CreatedBy string `gorm:"type:text;not null;index"` // producer lane
	BatchID   string `gorm:"type:text;not null;default:''"`

	// Reconciliation metadata for compensating entries.
	ReconciliationOf *snowflake.ID
	ReconcileReason  string   `gorm:"type:text;not null;default:''"`
	OriginalDeltaWh  *float64 `gorm:"column:original_delta_wh"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ConsumptionLedgerEntry) TableName() string { return "consumption_ledger_entries" }

// Package domain contains persistence models for raw telemetry ingestion.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// DeviceStatus is the controller-reported availability state.
type DeviceStatus string

const (
	StatusOnline           DeviceStatus = "online"
	StatusOfflineHeartbeat DeviceStatus = "offline_heartbeat"
	StatusOfflineLost      DeviceStatus = "offline_lost"
)

// ProcessingFlag records why the generator consumed an event without
// producing a normal ledger entry.
type ProcessingFlag string

const (
	FlagNone             ProcessingFlag = ""
	FlagLedgerEntry      ProcessingFlag = "ledger_entry"
	FlagResetMarker      ProcessingFlag = "reset_marker"
	FlagInvalidDelta     ProcessingFlag = "invalid_delta"
	FlagInsufficientData ProcessingFlag = "insufficient_data"
	FlagError            ProcessingFlag = "error"
)

// TelemetryEvent stores a single inbound reading from a relay controller.
// Immutable after insert except the processed marker and the ledger
// back-reference, which are set exactly once by the generator.
type TelemetryEvent struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	ControllerID string       `gorm:"type:text;not null;index:ix_telemetry_device,priority:1"`
	DeviceID     string       `gorm:"type:text;not null;index:ix_telemetry_device,priority:2"`
	ClassroomID  string       `gorm:"type:text;not null;index"`

	DeviceTime time.Time `gorm:"not null;index:ix_telemetry_device,priority:3"`
	ReceivedAt time.Time `gorm:"not null"`

	PowerW       *float64          `gorm:"column:power_w"`
	EnergyWh     *float64          `gorm:"column:energy_wh"` // cumulative counter
	SwitchStates datatypes.JSONMap `gorm:"type:jsonb"`
	Status       DeviceStatus      `gorm:"type:text;not null"`
	UptimeSec    *int64

	ContentHash string `gorm:"type:text;not null;uniqueIndex:ux_telemetry_content_hash"`

	// Quality flags stamped at write time.
	TimeDrift     bool  `gorm:"not null;default:false"`
	OutOfOrder    bool  `gorm:"not null;default:false"`
	GapBeforeSec  int64 `gorm:"not null;default:0"`

	Processed      bool           `gorm:"not null;default:false;index"`
	ProcessedAt    *time.Time
	ProcessingFlag ProcessingFlag `gorm:"type:text;not null;default:''"`

	// Weak reference to the ledger entry this event produced. Relation
	// only; the two stores stay independently prunable.
	LedgerEntryID *snowflake.ID

	RawPayload datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TelemetryEvent) TableName() string { return "telemetry_events" }

package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/iotmca0/autovolt-sub006/pkg/db/pagination"
)

type IngestRequest struct {
	ControllerID    string          `json:"controller_id"`
	DeviceID        string          `json:"device_id"`
	ClassroomID     string          `json:"classroom_id"`
	DeviceTimestamp time.Time       `json:"device_timestamp"`
	PowerW          *float64        `json:"power_w"`
	EnergyCounterWh *float64        `json:"energy_counter_wh"`
	SwitchStates    map[string]bool `json:"switch_states"`
	Status          DeviceStatus    `json:"status"`
	UptimeSec       *int64          `json:"uptime_sec"`
	RawPayload      map[string]any  `json:"raw_payload"`
}

type IngestResult struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
	EventID   string `json:"event_id"`
}

// ProcessOutcome records how the generator consumed an event.
type ProcessOutcome struct {
	Flag          ProcessingFlag
	LedgerEntryID *snowflake.ID
}

type ListRequest struct {
	pagination.Pagination
	ControllerID string `form:"controller_id"`
	DeviceID     string `form:"device_id"`
	ClassroomID  string `form:"classroom_id"`
}

type ListResponse struct {
	pagination.PageInfo
	Events []TelemetryEvent `json:"events"`
}

type Service interface {
	Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)

	// Generator-facing operations.
	FetchUnprocessed(ctx context.Context, limit int) ([]TelemetryEvent, error)
	MarkProcessed(ctx context.Context, id snowflake.ID, outcome ProcessOutcome) error
}

var (
	ErrInvalidController = errors.New("invalid_controller")
	ErrInvalidDevice     = errors.New("invalid_device")
	ErrInvalidClassroom  = errors.New("invalid_classroom")
	ErrInvalidTimestamp  = errors.New("invalid_timestamp")
	ErrInvalidStatus     = errors.New("invalid_status")
	ErrNotFound          = errors.New("not_found")
)

package domain

import (
	"context"
	"errors"
	"time"
)

// Granularity selects the bucket size of a breakdown query.
type Granularity string

const (
	GranularityHourly  Granularity = "hourly"
	GranularityDaily   Granularity = "daily"
	GranularityMonthly Granularity = "monthly"
	GranularityYearly  Granularity = "yearly"
)

// RunStats reports the outcome of one rollup run.
type RunStats struct {
	Period       string `json:"period"`
	RowsUpserted int    `json:"rows_upserted"`
	EntriesRead  int64  `json:"entries_read"`
}

type BreakdownRequest struct {
	ClassroomID string      `json:"classroom_id"`
	DeviceID    string      `json:"device_id"`
	Granularity Granularity `json:"granularity"`
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
}

// BreakdownRow is one bucket of a breakdown response. Period is formatted
// per granularity: hour RFC3339, day YYYY-MM-DD, month YYYY-MM, year YYYY.
// RateUsed is the effective rate in currency per kWh across the bucket.
type BreakdownRow struct {
	Period     string  `json:"period"`
	Wh         float64 `json:"wh"`
	Cost       float64 `json:"cost"`
	RateUsed   float64 `json:"rate_used"`
	OnTimeSec  int64   `json:"on_time_sec"`
	EntryCount int64   `json:"entry_count"`

	ResetCount         int64 `json:"reset_count"`
	LowConfidenceCount int64 `json:"low_confidence_count"`
	GapFilledCount     int64 `json:"gap_filled_count"`
}

type Service interface {
	// RunDaily rolls the ledger up for the local calendar day containing
	// the given instant. Idempotent: rerunning replaces existing rows.
	RunDaily(ctx context.Context, at time.Time) (RunStats, error)

	// RunMonthly rolls the ledger up for the local month containing the
	// given instant.
	RunMonthly(ctx context.Context, at time.Time) (RunStats, error)

	// Breakdown answers bucketed consumption queries. Daily and monthly
	// buckets are served from materialized rows when present and computed
	// from the ledger otherwise, so fresh entries are visible before the
	// next rollup run.
	Breakdown(ctx context.Context, req BreakdownRequest) ([]BreakdownRow, error)
}

var (
	ErrInvalidGranularity = errors.New("invalid_granularity")
	ErrInvalidRange       = errors.New("invalid_range")
)

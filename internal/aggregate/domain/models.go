// Package domain contains materialized rollups of the consumption ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// DailyAggregate is one device's rollup for one local calendar day.
// Keyed by (day, classroom, controller, device); reruns upsert in place.
type DailyAggregate struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	Day          string       `gorm:"type:text;not null;uniqueIndex:ux_daily_agg,priority:1"` // YYYY-MM-DD in the billing timezone
	ClassroomID  string       `gorm:"type:text;not null;uniqueIndex:ux_daily_agg,priority:2"`
	ControllerID string       `gorm:"type:text;not null;uniqueIndex:ux_daily_agg,priority:3"`
	DeviceID     string       `gorm:"type:text;not null;uniqueIndex:ux_daily_agg,priority:4"`

	TotalWh    float64 `gorm:"column:total_wh;not null"`
	TotalCost  float64 `gorm:"not null"`
	RateUsed   float64 `gorm:"not null;default:0"` // effective currency per kWh over the period
	OnTimeSec  int64   `gorm:"not null"`
	EntryCount int64   `gorm:"not null"`

	// Quality summary carried up from the underlying entries. The three
	// confidence counts sum to EntryCount so percentages are derivable.
	ResetCount            int64 `gorm:"not null;default:0"`
	HighConfidenceCount   int64 `gorm:"not null;default:0"`
	MediumConfidenceCount int64 `gorm:"not null;default:0"`
	LowConfidenceCount    int64 `gorm:"not null;default:0"`
	GapFilledCount        int64 `gorm:"not null;default:0"`

	CalcBatchID string    `gorm:"type:text;not null;default:''"` // run id of the rollup that wrote this row
	Timezone    string    `gorm:"type:text;not null;default:''"`
	ComputedAt  time.Time `gorm:"not null"`
}

func (DailyAggregate) TableName() string { return "daily_aggregates" }

// MonthlyAggregate mirrors DailyAggregate at month granularity.
type MonthlyAggregate struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	Month        string       `gorm:"type:text;not null;uniqueIndex:ux_monthly_agg,priority:1"` // YYYY-MM in the billing timezone
	ClassroomID  string       `gorm:"type:text;not null;uniqueIndex:ux_monthly_agg,priority:2"`
	ControllerID string       `gorm:"type:text;not null;uniqueIndex:ux_monthly_agg,priority:3"`
	DeviceID     string       `gorm:"type:text;not null;uniqueIndex:ux_monthly_agg,priority:4"`

	TotalWh    float64 `gorm:"column:total_wh;not null"`
	TotalCost  float64 `gorm:"not null"`
	RateUsed   float64 `gorm:"not null;default:0"`
	OnTimeSec  int64   `gorm:"not null"`
	EntryCount int64   `gorm:"not null"`

	ResetCount            int64 `gorm:"not null;default:0"`
	HighConfidenceCount   int64 `gorm:"not null;default:0"`
	MediumConfidenceCount int64 `gorm:"not null;default:0"`
	LowConfidenceCount    int64 `gorm:"not null;default:0"`
	GapFilledCount        int64 `gorm:"not null;default:0"`

	CalcBatchID string    `gorm:"type:text;not null;default:''"`
	Timezone    string    `gorm:"type:text;not null;default:''"`
	ComputedAt  time.Time `gorm:"not null"`
}

func (MonthlyAggregate) TableName() string { return "monthly_aggregates" }

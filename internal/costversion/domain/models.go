// Package domain contains the effective-dated electricity rate records.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Scope narrows a rate to a classroom or a single device; global applies
// everywhere as the fallback tier.
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopeClassroom Scope = "classroom"
	ScopeDevice    Scope = "device"
)

// CostVersion is one effective-dated electricity rate. Within a scope+key,
// versions never overlap: creating a new version closes the prior open one.
type CostVersion struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	RatePerKWh     float64      `gorm:"column:rate_per_kwh;not null"`
	EffectiveFrom  time.Time    `gorm:"not null;index:ix_cost_versions_scope,priority:3"`
	EffectiveUntil *time.Time   // nil = currently open
	Scope          Scope        `gorm:"type:text;not null;index:ix_cost_versions_scope,priority:1"`
	ScopeKey       string       `gorm:"type:text;not null;default:'';index:ix_cost_versions_scope,priority:2"`
	Active         bool         `gorm:"not null;default:true"`
	Notes          string       `gorm:"type:text;not null;default:''"`
	CreatedBy      string       `gorm:"type:text;not null;default:''"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CostVersion) TableName() string { return "cost_versions" }

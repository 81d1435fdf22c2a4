package domain

import (
	"context"
	"errors"
	"time"
)

type CreateVersionRequest struct {
	RatePerKWh    float64   `json:"rate_per_kwh"`
	EffectiveFrom time.Time `json:"effective_from"`
	Scope         Scope     `json:"scope"`
	ScopeKey      string    `json:"scope_key"`
	Notes         string    `json:"notes"`
	CreatedBy     string    `json:"created_by"`
}

// ResolvedRate is the outcome of a rate lookup, including which version (if
// any) supplied the rate so ledger entries can reference it.
type ResolvedRate struct {
	RatePerKWh float64
	VersionID  *int64 // nil when the hard default applied
	Scope      Scope
}

type Service interface {
	// RateFor resolves the rate valid at date: device scope first, then
	// classroom, then global, then the configured hard default.
	RateFor(ctx context.Context, date time.Time, classroomID, deviceID string) (ResolvedRate, error)
	CreateVersion(ctx context.Context, req CreateVersionRequest) (*CostVersion, error)
	CurrentRate(ctx context.Context, scope Scope, key string) (ResolvedRate, error)
}

var (
	ErrInvalidRate          = errors.New("invalid_rate")
	ErrInvalidEffectiveFrom = errors.New("invalid_effective_from")
	ErrInvalidScope         = errors.New("invalid_scope")
	ErrMissingScopeKey      = errors.New("missing_scope_key")
)

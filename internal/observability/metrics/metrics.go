package metrics

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics exposes application-level instruments for the telemetry pipeline.
type Metrics struct {
	eventsIngested  metric.Int64Counter
	eventsDuplicate metric.Int64Counter
	ledgerEntries   metric.Int64Counter
	resetMarkers    metric.Int64Counter
	rejectedDeltas  metric.Int64Counter
	aggregateRuns   metric.Int64Counter
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "autovolt"
	}
	meter := provider.Meter(name)

	eventsIngested, err := meter.Int64Counter("telemetry_events_ingested_total",
		metric.WithDescription("Telemetry events accepted into the store"))
	if err != nil {
		return nil, err
	}
	eventsDuplicate, err := meter.Int64Counter("telemetry_events_duplicate_total",
		metric.WithDescription("Telemetry events dropped by the dedup window"))
	if err != nil {
		return nil, err
	}
	ledgerEntries, err := meter.Int64Counter("consumption_ledger_entries_total",
		metric.WithDescription("Ledger entries appended, by method and producer lane"))
	if err != nil {
		return nil, err
	}
	resetMarkers, err := meter.Int64Counter("consumption_reset_markers_total",
		metric.WithDescription("Counter reset markers emitted, by inferred reason"))
	if err != nil {
		return nil, err
	}
	rejectedDeltas, err := meter.Int64Counter("consumption_rejected_deltas_total",
		metric.WithDescription("Events dropped for implausible or negative deltas"))
	if err != nil {
		return nil, err
	}
	aggregateRuns, err := meter.Int64Counter("aggregate_runs_total",
		metric.WithDescription("Daily/monthly aggregation runs"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		eventsIngested:  eventsIngested,
		eventsDuplicate: eventsDuplicate,
		ledgerEntries:   ledgerEntries,
		resetMarkers:    resetMarkers,
		rejectedDeltas:  rejectedDeltas,
		aggregateRuns:   aggregateRuns,
	}, nil
}

func (m *Metrics) IncIngested(ctx context.Context, controller string) {
	if m == nil {
		return
	}
	m.eventsIngested.Add(ctx, 1, metric.WithAttributes(attribute.String("controller", controller)))
}

func (m *Metrics) IncDuplicate(ctx context.Context, controller string) {
	if m == nil {
		return
	}
	m.eventsDuplicate.Add(ctx, 1, metric.WithAttributes(attribute.String("controller", controller)))
}

func (m *Metrics) IncLedgerEntry(ctx context.Context, method, lane string) {
	if m == nil {
		return
	}
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("lane", lane),
	))
}

func (m *Metrics) IncResetMarker(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.resetMarkers.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) IncRejectedDelta(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.rejectedDeltas.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) IncAggregateRun(ctx context.Context, period string) {
	if m == nil {
		return
	}
	m.aggregateRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("period", period)))
}

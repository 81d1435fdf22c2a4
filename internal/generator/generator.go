// Package generator derives priced consumption-ledger entries from
// unprocessed telemetry. It is the only writer on the telemetry_generator
// lane and owns reset detection, method selection, plausibility filtering
// and confidence scoring.
package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/iotmca0/autovolt-sub006/internal/clock"
	"github.com/iotmca0/autovolt-sub006/internal/config"
	costdomain "github.com/iotmca0/autovolt-sub006/internal/costversion/domain"
	ledgerdomain "github.com/iotmca0/autovolt-sub006/internal/ledger/domain"
	obsmetrics "github.com/iotmca0/autovolt-sub006/internal/observability/metrics"
	telemetrydomain "github.com/iotmca0/autovolt-sub006/internal/telemetry/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const nearZeroCounterWh = 10.0

type Params struct {
	fx.In

	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Policy       *config.TariffPolicyHolder
	TelemetrySvc telemetrydomain.Service
	LedgerSvc    ledgerdomain.Service
	CostSvc      costdomain.Service
	Metrics      *obsmetrics.Metrics `optional:"true"`
}

type Generator struct {
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	policy       *config.TariffPolicyHolder
	telemetrySvc telemetrydomain.Service
	ledgerSvc    ledgerdomain.Service
	costSvc      costdomain.Service
	metrics      *obsmetrics.Metrics
}

// BatchStats summarizes one generation run.
type BatchStats struct {
	BatchID      string
	Fetched      int
	Entries      int
	ResetMarkers int
	Rejected     int
	Insufficient int
	Errors       int
}

func New(p Params) *Generator {
	return &Generator{
		log:          p.Log.Named("generator"),
		genID:        p.GenID,
		clock:        p.Clock,
		policy:       p.Policy,
		telemetrySvc: p.TelemetrySvc,
		ledgerSvc:    p.LedgerSvc,
		costSvc:      p.CostSvc,
		metrics:      p.Metrics,
	}
}

// ProcessBatch drains up to limit unprocessed events. A failure on one event
// marks that event with an error flag and moves on; it never aborts the
// batch.
func (g *Generator) ProcessBatch(ctx context.Context, limit int) (BatchStats, error) {
	stats := BatchStats{BatchID: uuid.NewString()}

	events, err := g.telemetrySvc.FetchUnprocessed(ctx, limit)
	if err != nil {
		return stats, fmt.Errorf("fetch unprocessed telemetry: %w", err)
	}
	stats.Fetched = len(events)

	for i := range events {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		event := events[i]
		if err := g.processEventSafe(ctx, stats.BatchID, &event, &stats); err != nil {
			stats.Errors++
			g.log.Warn("event processing failed",
				zap.Error(err),
				zap.String("event_id", event.ID.String()),
				zap.String("device", event.DeviceID),
			)
			if markErr := g.telemetrySvc.MarkProcessed(ctx, event.ID, telemetrydomain.ProcessOutcome{
				Flag: telemetrydomain.FlagError,
			}); markErr != nil {
				g.log.Error("failed to flag errored event", zap.Error(markErr),
					zap.String("event_id", event.ID.String()))
			}
		}
	}
	return stats, nil
}

func (g *Generator) processEventSafe(ctx context.Context, batchID string, event *telemetrydomain.TelemetryEvent, stats *BatchStats) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing event: %v", r)
		}
	}()
	return g.processEvent(ctx, batchID, event, stats)
}

func (g *Generator) processEvent(ctx context.Context, batchID string, event *telemetrydomain.TelemetryEvent, stats *BatchStats) error {
	policy := g.policy.Current()

	last, err := g.ledgerSvc.LastEntry(ctx, event.ControllerID, event.DeviceID)
	if err != nil {
		return err
	}

	// Counter discontinuity takes precedence over everything else.
	if event.EnergyWh != nil && last != nil {
		if priorMeter, ok := meterReading(last); ok && *event.EnergyWh < priorMeter {
			return g.emitResetMarker(ctx, batchID, event, last, priorMeter, stats)
		}
	}

	// An event whose timestamp does not advance past the recorded history
	// cannot anchor a new interval.
	if last != nil && !event.DeviceTime.After(last.IntervalEnd) {
		stats.Rejected++
		g.metrics.IncRejectedDelta(ctx, "stale_timestamp")
		return g.telemetrySvc.MarkProcessed(ctx, event.ID, telemetrydomain.ProcessOutcome{
			Flag: telemetrydomain.FlagInvalidDelta,
		})
	}

	method, ok := selectMethod(event, last)
	if !ok {
		stats.Insufficient++
		return g.telemetrySvc.MarkProcessed(ctx, event.ID, telemetrydomain.ProcessOutcome{
			Flag: telemetrydomain.FlagInsufficientData,
		})
	}

	entry, reject, err := g.buildEntry(ctx, batchID, event, last, method, policy)
	if err != nil {
		return err
	}
	if reject != "" {
		stats.Rejected++
		g.metrics.IncRejectedDelta(ctx, reject)
		return g.telemetrySvc.MarkProcessed(ctx, event.ID, telemetrydomain.ProcessOutcome{
			Flag: telemetrydomain.FlagInvalidDelta,
		})
	}

	if err := g.ledgerSvc.Append(ctx, entry); err != nil {
		return err
	}
	stats.Entries++
	g.metrics.IncLedgerEntry(ctx, string(method), string(ledgerdomain.ProducerTelemetryGenerator))

	entryID := entry.ID
	return g.telemetrySvc.MarkProcessed(ctx, event.ID, telemetrydomain.ProcessOutcome{
		Flag:          telemetrydomain.FlagLedgerEntry,
		LedgerEntryID: &entryID,
	})
}

// selectMethod prefers the cumulative meter when the event carries a counter
// and the prior entry is comparable; power integration needs a prior entry
// to anchor the time base.
func selectMethod(event *telemetrydomain.TelemetryEvent, last *ledgerdomain.ConsumptionLedgerEntry) (ledgerdomain.Method, bool) {
	if event.EnergyWh != nil {
		if last == nil {
			return ledgerdomain.MethodCumulativeMeter, true
		}
		if _, ok := meterReading(last); ok {
			return ledgerdomain.MethodCumulativeMeter, true
		}
	}
	if event.PowerW != nil && last != nil {
		return ledgerdomain.MethodPowerIntegration, true
	}
	return "", false
}

func (g *Generator) buildEntry(
	ctx context.Context,
	batchID string,
	event *telemetrydomain.TelemetryEvent,
	last *ledgerdomain.ConsumptionLedgerEntry,
	method ledgerdomain.Method,
	policy config.TariffPolicy,
) (*ledgerdomain.ConsumptionLedgerEntry, string, error) {

	intervalStart := event.DeviceTime
	if last != nil {
		intervalStart = last.IntervalEnd
	}
	intervalEnd := event.DeviceTime
	duration := intervalEnd.Sub(intervalStart)

	var (
		deltaWh     float64
		calcPayload map[string]any
		warnLongGap bool
	)

	switch method {
	case ledgerdomain.MethodCumulativeMeter:
		current := *event.EnergyWh
		prior := current
		if last != nil {
			if reading, ok := meterReading(last); ok {
				prior = reading
			}
		}
		deltaWh = current - prior
		if deltaWh < 0 {
			// Reset detection should have caught this.
			return nil, "negative_delta", nil
		}
		if deltaWh > policy.MaxMeterDeltaWh {
			return nil, "implausible_meter_delta", nil
		}
		calcPayload = map[string]any{
			"start_meter_wh": prior,
			"end_meter_wh":   current,
		}

	case ledgerdomain.MethodPowerIntegration:
		elapsedHours := duration.Hours()
		deltaWh = *event.PowerW * elapsedHours
		if deltaWh < 0 {
			return nil, "negative_delta", nil
		}
		if deltaWh > policy.MaxIntegrationWh {
			return nil, "implausible_integration_delta", nil
		}
		warnLongGap = elapsedHours > policy.IntegrationWarnHours
		calcPayload = map[string]any{
			"avg_power_w":   *event.PowerW,
			"elapsed_hours": elapsedHours,
			"sample_count":  1,
		}

	default:
		return nil, "", fmt.Errorf("unsupported method %q", method)
	}

	switchState, onDuration := classifySwitchState(event, duration)
	if switchState == ledgerdomain.SwitchOff {
		// No load with every switch open; the measured delta is noise.
		deltaWh = 0
	}

	rate, err := g.costSvc.RateFor(ctx, event.DeviceTime, event.ClassroomID, event.DeviceID)
	if err != nil {
		return nil, "", err
	}

	entry := &ledgerdomain.ConsumptionLedgerEntry{
		ControllerID:  event.ControllerID,
		DeviceID:      event.DeviceID,
		ClassroomID:   event.ClassroomID,
		IntervalStart: intervalStart,
		IntervalEnd:   intervalEnd,
		DeltaWh:       deltaWh,
		Method:        method,
		CalcPayload:   calcPayload,
		SwitchState:   switchState,
		OnDurationSec: onDuration,
		DeviceStatus:  string(event.Status),
		RatePerKWh:    rate.RatePerKWh,
		CostAmount:    (deltaWh / 1000) * rate.RatePerKWh,
		CostVersionID: rate.VersionID,
		CreatedBy:     ledgerdomain.ProducerTelemetryGenerator,
		BatchID:       batchID,
	}
	eventID := event.ID
	entry.SourceEventID = &eventID

	g.scoreConfidence(entry, event, duration, policy)
	if warnLongGap {
		entry.Interpolated = true
		g.log.Warn("integration interval exceeds warning threshold",
			zap.String("device", event.DeviceID),
			zap.Duration("elapsed", duration),
		)
	}
	return entry, "", nil
}

// scoreConfidence applies the downgrade ladder: start high, integration
// drops to medium, a gap-filled interval drops to low, and degraded event
// quality drops one further level.
func (g *Generator) scoreConfidence(entry *ledgerdomain.ConsumptionLedgerEntry, event *telemetrydomain.TelemetryEvent, duration time.Duration, policy config.TariffPolicy) {
	level := 0 // 0=high 1=medium 2=low
	if entry.Method == ledgerdomain.MethodPowerIntegration {
		level = 1
	}
	if duration > time.Duration(policy.GapFilledMinutes)*time.Minute {
		level = 2
		entry.GapFilled = true
	}
	if event.TimeDrift || event.OutOfOrder {
		level++
	}
	if level > 2 {
		level = 2
	}
	entry.Confidence = [3]ledgerdomain.Confidence{
		ledgerdomain.ConfidenceHigh,
		ledgerdomain.ConfidenceMedium,
		ledgerdomain.ConfidenceLow,
	}[level]
}

func (g *Generator) emitResetMarker(
	ctx context.Context,
	batchID string,
	event *telemetrydomain.TelemetryEvent,
	last *ledgerdomain.ConsumptionLedgerEntry,
	priorMeter float64,
	stats *BatchStats,
) error {
	reason := inferResetReason(event, last)

	intervalEnd := event.DeviceTime
	if intervalEnd.Before(last.IntervalEnd) {
		intervalEnd = last.IntervalEnd
	}

	entry := &ledgerdomain.ConsumptionLedgerEntry{
		ControllerID:  event.ControllerID,
		DeviceID:      event.DeviceID,
		ClassroomID:   event.ClassroomID,
		IntervalStart: last.IntervalEnd,
		IntervalEnd:   intervalEnd,
		DeltaWh:       0,
		Method:        ledgerdomain.MethodCumulativeMeter,
		CalcPayload: map[string]any{
			"start_meter_wh": priorMeter,
			"end_meter_wh":   *event.EnergyWh,
		},
		SwitchState:   ledgerdomain.SwitchUnknown,
		DeviceStatus:  string(event.Status),
		Confidence:    ledgerdomain.ConfidenceHigh,
		PostReset:     true,
		RatePerKWh:    0,
		CostAmount:    0,
		IsResetMarker: true,
		ResetReason:   reason,
		CreatedBy:     ledgerdomain.ProducerTelemetryGenerator,
		BatchID:       batchID,
	}
	eventID := event.ID
	entry.SourceEventID = &eventID

	if err := g.ledgerSvc.Append(ctx, entry); err != nil {
		return err
	}
	stats.ResetMarkers++
	g.metrics.IncResetMarker(ctx, string(reason))
	g.log.Info("counter reset detected",
		zap.String("device", event.DeviceID),
		zap.Float64("prior_meter_wh", priorMeter),
		zap.Float64("new_meter_wh", *event.EnergyWh),
		zap.String("reason", string(reason)),
	)

	entryID := entry.ID
	return g.telemetrySvc.MarkProcessed(ctx, event.ID, telemetrydomain.ProcessOutcome{
		Flag:          telemetrydomain.FlagResetMarker,
		LedgerEntryID: &entryID,
	})
}

func inferResetReason(event *telemetrydomain.TelemetryEvent, last *ledgerdomain.ConsumptionLedgerEntry) ledgerdomain.ResetReason {
	gap := event.DeviceTime.Sub(last.IntervalEnd)
	if event.Status != telemetrydomain.StatusOnline && gap < 5*time.Minute {
		return ledgerdomain.ResetPowerCycle
	}
	if event.UptimeSec != nil && *event.UptimeSec < 300 {
		return ledgerdomain.ResetFirmwareUpdate
	}
	if event.EnergyWh != nil && *event.EnergyWh < nearZeroCounterWh {
		return ledgerdomain.ResetCounterWrap
	}
	return ledgerdomain.ResetUnknown
}

// classifySwitchState folds the per-switch boolean map into the interval
// classification. On-duration for mixed intervals is prorated by the share
// of closed switches.
func classifySwitchState(event *telemetrydomain.TelemetryEvent, duration time.Duration) (ledgerdomain.SwitchState, int64) {
	if len(event.SwitchStates) == 0 {
		return ledgerdomain.SwitchUnknown, 0
	}

	total := 0
	on := 0
	for _, raw := range event.SwitchStates {
		state, ok := raw.(bool)
		if !ok {
			return ledgerdomain.SwitchUnknown, 0
		}
		total++
		if state {
			on++
		}
	}

	durationSec := int64(duration.Seconds())
	switch {
	case on == 0:
		return ledgerdomain.SwitchOff, 0
	case on == total:
		return ledgerdomain.SwitchOn, durationSec
	default:
		prorated := int64(float64(durationSec) * float64(on) / float64(total))
		return ledgerdomain.SwitchMixed, prorated
	}
}

// meterReading extracts the closing counter value recorded in a prior
// cumulative-meter entry.
func meterReading(entry *ledgerdomain.ConsumptionLedgerEntry) (float64, bool) {
	if entry.Method != ledgerdomain.MethodCumulativeMeter || entry.CalcPayload == nil {
		return 0, false
	}
	raw, ok := entry.CalcPayload["end_meter_wh"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

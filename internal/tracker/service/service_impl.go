package service

import (
	"context"
	"strings"

	costdomain "github.com/iotmca0/autovolt-sub006/internal/costversion/domain"
	ledgerdomain "github.com/iotmca0/autovolt-sub006/internal/ledger/domain"
	obsmetrics "github.com/iotmca0/autovolt-sub006/internal/observability/metrics"
	trackerdomain "github.com/iotmca0/autovolt-sub006/internal/tracker/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	LedgerSvc ledgerdomain.Service
	CostSvc   costdomain.Service
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log       *zap.Logger
	ledgerSvc ledgerdomain.Service
	costSvc   costdomain.Service
	metrics   *obsmetrics.Metrics
}

func NewService(p Params) trackerdomain.Service {
	return &Service{
		log:       p.Log.Named("tracker.service"),
		ledgerSvc: p.LedgerSvc,
		costSvc:   p.CostSvc,
		metrics:   p.Metrics,
	}
}

func (s *Service) Track(ctx context.Context, req trackerdomain.TrackRequest) (*ledgerdomain.ConsumptionLedgerEntry, error) {
	if strings.TrimSpace(req.ControllerID) == "" || strings.TrimSpace(req.DeviceID) == "" {
		return nil, trackerdomain.ErrInvalidDevice
	}
	if req.RatedPowerW <= 0 {
		return nil, trackerdomain.ErrInvalidPower
	}
	if req.OnStart.IsZero() || req.OnEnd.IsZero() || !req.OnEnd.After(req.OnStart) {
		return nil, trackerdomain.ErrInvalidInterval
	}

	onHours := req.OnEnd.Sub(req.OnStart).Hours()
	deltaWh := req.RatedPowerW * onHours

	rate, err := s.costSvc.RateFor(ctx, req.OnEnd, req.ClassroomID, req.DeviceID)
	if err != nil {
		return nil, err
	}

	entry := &ledgerdomain.ConsumptionLedgerEntry{
		ControllerID:  req.ControllerID,
		DeviceID:      req.DeviceID,
		ClassroomID:   req.ClassroomID,
		IntervalStart: req.OnStart,
		IntervalEnd:   req.OnEnd,
		DeltaWh:       deltaWh,
		Method:        ledgerdomain.MethodEstimated,
		CalcPayload: map[string]any{
			"rated_power_w": req.RatedPowerW,
			"on_hours":      onHours,
		},
		SwitchState:   ledgerdomain.SwitchOn,
		OnDurationSec: int64(req.OnEnd.Sub(req.OnStart).Seconds()),
		// Rated wattage is a plate value, not a measurement.
		Confidence: ledgerdomain.ConfidenceMedium,
		RatePerKWh: rate.RatePerKWh,
		CostAmount: (deltaWh / 1000) * rate.RatePerKWh,
		CreatedBy:  ledgerdomain.ProducerRuntimeTracker,
		BatchID:    req.RunID,
	}
	entry.CostVersionID = rate.VersionID

	if err := s.ledgerSvc.Append(ctx, entry); err != nil {
		return nil, err
	}
	s.metrics.IncLedgerEntry(ctx, string(ledgerdomain.MethodEstimated), ledgerdomain.ProducerRuntimeTracker)

	s.log.Debug("tracker entry appended",
		zap.String("device", req.DeviceID),
		zap.Float64("delta_wh", deltaWh),
	)
	return entry, nil
}

package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/iotmca0/autovolt-sub006/internal/clock"
	ledgerdomain "github.com/iotmca0/autovolt-sub006/internal/ledger/domain"
	obsmetrics "github.com/iotmca0/autovolt-sub006/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	metrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("ledger.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

func (s *Service) Append(ctx context.Context, entry *ledgerdomain.ConsumptionLedgerEntry) error {
	if strings.TrimSpace(entry.ControllerID) == "" || strings.TrimSpace(entry.DeviceID) == "" {
		return ledgerdomain.ErrInvalidDevice
	}
	if entry.CreatedBy == "" {
		return ledgerdomain.ErrInvalidProducer
	}
	if entry.IntervalStart.IsZero() || entry.IntervalEnd.IsZero() || entry.IntervalEnd.Before(entry.IntervalStart) {
		return ledgerdomain.ErrInvalidInterval
	}

	if entry.ID == 0 {
		entry.ID = s.genID.Generate()
	}
	entry.IntervalStart = entry.IntervalStart.UTC()
	entry.IntervalEnd = entry.IntervalEnd.UTC()
	entry.DurationSec = int64(entry.IntervalEnd.Sub(entry.IntervalStart).Seconds())
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock.Now()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Ordering invariant holds per (device, producer lane). Manual
		// corrections reference an existing interval and are exempt.
		if entry.Method != ledgerdomain.MethodManualCorrection {
			last, err := s.lastEntryTx(ctx, tx, entry.ControllerID, entry.DeviceID, entry.CreatedBy)
			if err != nil {
				return err
			}
			if last != nil && entry.IntervalStart.Before(last.IntervalEnd) {
				return ledgerdomain.ErrIntervalOverlap
			}
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		s.metrics.IncLedgerEntry(ctx, string(entry.Method), entry.CreatedBy)
		return nil
	})
}

func (s *Service) LastEntry(ctx context.Context, controllerID, deviceID string) (*ledgerdomain.ConsumptionLedgerEntry, error) {
	return s.lastEntryTx(ctx, s.db, controllerID, deviceID, ledgerdomain.ProducerTelemetryGenerator)
}

func (s *Service) lastEntryTx(ctx context.Context, tx *gorm.DB, controllerID, deviceID, lane string) (*ledgerdomain.ConsumptionLedgerEntry, error) {
	var entries []ledgerdomain.ConsumptionLedgerEntry
	err := tx.WithContext(ctx).
		Where("controller_id = ? AND device_id = ? AND created_by = ?", controllerID, deviceID, lane).
		Order("interval_end DESC").
		Limit(1).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (s *Service) AppendCorrection(ctx context.Context, req ledgerdomain.CorrectionRequest) (*ledgerdomain.ConsumptionLedgerEntry, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, ledgerdomain.ErrInvalidReason
	}

	var original ledgerdomain.ConsumptionLedgerEntry
	err := s.db.WithContext(ctx).First(&original, "id = ?", req.OriginalEntryID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ledgerdomain.ErrEntryNotFound
		}
		return nil, err
	}

	// The compensating entry carries the signed difference so lane totals
	// converge on the corrected figure without touching history.
	diffWh := req.CorrectedWh - original.DeltaWh
	originalID := original.ID
	originalDelta := original.DeltaWh

	entry := &ledgerdomain.ConsumptionLedgerEntry{
		ID:               s.genID.Generate(),
		ControllerID:     original.ControllerID,
		DeviceID:         original.DeviceID,
		ClassroomID:      original.ClassroomID,
		IntervalStart:    original.IntervalStart,
		IntervalEnd:      original.IntervalEnd,
		DeltaWh:          diffWh,
		Method:           ledgerdomain.MethodManualCorrection,
		SwitchState:      original.SwitchState,
		DeviceStatus:     original.DeviceStatus,
		Confidence:       ledgerdomain.ConfidenceHigh,
		RatePerKWh:       original.RatePerKWh,
		CostAmount:       (diffWh / 1000) * original.RatePerKWh,
		CostVersionID:    original.CostVersionID,
		SourceEventID:    original.SourceEventID,
		CreatedBy:        ledgerdomain.ProducerManual,
		BatchID:          req.RunID,
		ReconciliationOf: &originalID,
		ReconcileReason:  strings.TrimSpace(req.Reason),
		OriginalDeltaWh:  &originalDelta,
	}
	if diffWh < 0 {
		entry.NegativeDeltaCorrected = true
	}

	if err := s.Append(ctx, entry); err != nil {
		return nil, err
	}
	s.log.Info("ledger correction appended",
		zap.String("original_id", originalID.String()),
		zap.Float64("original_wh", originalDelta),
		zap.Float64("corrected_wh", req.CorrectedWh),
		zap.String("reason", entry.ReconcileReason),
	)
	return entry, nil
}

type totalsRow struct {
	Wh         float64
	Cost       float64
	OnTimeSec  int64
	EntryCount int64
}

func (s *Service) TotalConsumption(ctx context.Context, controllerID, deviceID string, start, end time.Time) (ledgerdomain.Totals, error) {
	var row totalsRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(delta_wh), 0) AS wh,
		        COALESCE(SUM(cost_amount), 0) AS cost,
		        COALESCE(SUM(on_duration_sec), 0) AS on_time_sec,
		        COUNT(*) AS entry_count
		 FROM consumption_ledger_entries
		 WHERE controller_id = ? AND device_id = ?
		   AND interval_end > ? AND interval_start < ?`,
		controllerID, deviceID, start.UTC(), end.UTC(),
	).Scan(&row).Error
	if err != nil {
		return ledgerdomain.Totals{}, err
	}
	return ledgerdomain.Totals{Wh: row.Wh, Cost: row.Cost, OnTimeSec: row.OnTimeSec, EntryCount: row.EntryCount}, nil
}

func (s *Service) ClassroomConsumption(ctx context.Context, classroomID string, start, end time.Time) (ledgerdomain.ClassroomBreakdown, error) {
	type deviceRow struct {
		ControllerID string
		DeviceID     string
		Wh           float64
		Cost         float64
		OnTimeSec    int64
		EntryCount   int64
	}

	var rows []deviceRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT controller_id, device_id,
		        COALESCE(SUM(delta_wh), 0) AS wh,
		        COALESCE(SUM(cost_amount), 0) AS cost,
		        COALESCE(SUM(on_duration_sec), 0) AS on_time_sec,
		        COUNT(*) AS entry_count
		 FROM consumption_ledger_entries
		 WHERE classroom_id = ?
		   AND interval_end > ? AND interval_start < ?
		 GROUP BY controller_id, device_id
		 ORDER BY controller_id, device_id`,
		classroomID, start.UTC(), end.UTC(),
	).Scan(&rows).Error
	if err != nil {
		return ledgerdomain.ClassroomBreakdown{}, err
	}

	breakdown := ledgerdomain.ClassroomBreakdown{ClassroomID: classroomID}
	for _, row := range rows {
		device := ledgerdomain.DeviceTotals{
			ControllerID: row.ControllerID,
			DeviceID:     row.DeviceID,
			Totals: ledgerdomain.Totals{
				Wh:         row.Wh,
				Cost:       row.Cost,
				OnTimeSec:  row.OnTimeSec,
				EntryCount: row.EntryCount,
			},
		}
		breakdown.Devices = append(breakdown.Devices, device)
		breakdown.Totals.Wh += row.Wh
		breakdown.Totals.Cost += row.Cost
		breakdown.Totals.OnTimeSec += row.OnTimeSec
		breakdown.Totals.EntryCount += row.EntryCount
	}
	return breakdown, nil
}

func (s *Service) Timeline(ctx context.Context, classroomID string, start, end time.Time, bucketMinutes int) ([]ledgerdomain.TimelineBucket, error) {
	if bucketMinutes <= 0 {
		return nil, ledgerdomain.ErrInvalidBucket
	}
	entries, err := s.ListOverlapping(ctx, start, end, classroomID, "")
	if err != nil {
		return nil, err
	}

	bucketSize := time.Duration(bucketMinutes) * time.Minute
	start = start.UTC().Truncate(bucketSize)

	type bucketAcc struct {
		wh      float64
		cost    float64
		devices map[string]struct{}
	}
	buckets := map[time.Time]*bucketAcc{}
	for _, entry := range entries {
		// Each entry lands in the bucket holding its interval end, the
		// event timestamp that produced it.
		slot := entry.IntervalEnd.UTC().Truncate(bucketSize)
		acc, ok := buckets[slot]
		if !ok {
			acc = &bucketAcc{devices: map[string]struct{}{}}
			buckets[slot] = acc
		}
		acc.wh += entry.DeltaWh
		acc.cost += entry.CostAmount
		acc.devices[entry.ControllerID+"/"+entry.DeviceID] = struct{}{}
	}

	var timeline []ledgerdomain.TimelineBucket
	for slot := start; slot.Before(end); slot = slot.Add(bucketSize) {
		acc, ok := buckets[slot]
		if !ok {
			timeline = append(timeline, ledgerdomain.TimelineBucket{Timestamp: slot})
			continue
		}
		timeline = append(timeline, ledgerdomain.TimelineBucket{
			Timestamp:   slot,
			Wh:          acc.wh,
			Cost:        acc.cost,
			DeviceCount: int64(len(acc.devices)),
		})
	}
	return timeline, nil
}

func (s *Service) ListOverlapping(ctx context.Context, start, end time.Time, classroomID, deviceID string) ([]ledgerdomain.ConsumptionLedgerEntry, error) {
	stmt := s.db.WithContext(ctx).
		Where("interval_end > ? AND interval_start < ?", start.UTC(), end.UTC())
	if strings.TrimSpace(classroomID) != "" {
		stmt = stmt.Where("classroom_id = ?", classroomID)
	}
	if strings.TrimSpace(deviceID) != "" {
		stmt = stmt.Where("device_id = ?", deviceID)
	}

	var entries []ledgerdomain.ConsumptionLedgerEntry
	err := stmt.Order("interval_end ASC").Find(&entries).Error
	return entries, err
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	aggregatedomain "github.com/iotmca0/autovolt-sub006/internal/aggregate/domain"
	"github.com/iotmca0/autovolt-sub006/internal/clock"
	"github.com/iotmca0/autovolt-sub006/internal/config"
	ledgerdomain "github.com/iotmca0/autovolt-sub006/internal/ledger/domain"
	obsmetrics "github.com/iotmca0/autovolt-sub006/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Policy  *config.TariffPolicyHolder
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	policy  *config.TariffPolicyHolder
	metrics *obsmetrics.Metrics
}

func NewService(p Params) aggregatedomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("aggregate.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		policy:  p.Policy,
		metrics: p.Metrics,
	}
}

// rollupRow is the grouped shape read back from the ledger. Entries are
// attributed to the period containing their interval end, so an entry is
// never counted twice across adjacent periods.
type rollupRow struct {
	ClassroomID           string
	ControllerID          string
	DeviceID              string
	TotalWh               float64
	TotalCost             float64
	OnTimeSec             int64
	EntryCount            int64
	ResetCount            int64
	HighConfidenceCount   int64
	MediumConfidenceCount int64
	LowConfidenceCount    int64
	GapFilledCount        int64
}

// rateUsed derives the effective currency-per-kWh rate of a rolled-up row,
// falling back to the policy default for zero-consumption rows.
func (r rollupRow) rateUsed(defaultRate float64) float64 {
	if r.TotalWh > 0 {
		return r.TotalCost / (r.TotalWh / 1000)
	}
	return defaultRate
}

func (s *Service) location() *time.Location {
	loc, err := time.LoadLocation(s.policy.Current().Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s *Service) RunDaily(ctx context.Context, at time.Time) (aggregatedomain.RunStats, error) {
	loc := s.location()
	local := at.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)
	day := dayStart.Format("2006-01-02")

	rows, err := s.rollup(ctx, dayStart, dayEnd)
	if err != nil {
		return aggregatedomain.RunStats{}, fmt.Errorf("roll up day %s: %w", day, err)
	}

	now := s.clock.Now()
	batchID := uuid.NewString()
	defaultRate := s.policy.Current().DefaultRatePerKWh
	aggs := make([]aggregatedomain.DailyAggregate, 0, len(rows))
	var entries int64
	for _, r := range rows {
		entries += r.EntryCount
		aggs = append(aggs, aggregatedomain.DailyAggregate{
			ID:                    s.genID.Generate(),
			Day:                   day,
			ClassroomID:           r.ClassroomID,
			ControllerID:          r.ControllerID,
			DeviceID:              r.DeviceID,
			TotalWh:               r.TotalWh,
			TotalCost:             r.TotalCost,
			RateUsed:              r.rateUsed(defaultRate),
			OnTimeSec:             r.OnTimeSec,
			EntryCount:            r.EntryCount,
			ResetCount:            r.ResetCount,
			HighConfidenceCount:   r.HighConfidenceCount,
			MediumConfidenceCount: r.MediumConfidenceCount,
			LowConfidenceCount:    r.LowConfidenceCount,
			GapFilledCount:        r.GapFilledCount,
			CalcBatchID:           batchID,
			Timezone:              loc.String(),
			ComputedAt:            now,
		})
	}

	if len(aggs) > 0 {
		err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "day"}, {Name: "classroom_id"}, {Name: "controller_id"}, {Name: "device_id"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_wh", "total_cost", "rate_used", "on_time_sec", "entry_count",
				"reset_count", "high_confidence_count", "medium_confidence_count",
				"low_confidence_count", "gap_filled_count",
				"calc_batch_id", "timezone", "computed_at",
			}),
		}).Create(&aggs).Error
		if err != nil {
			return aggregatedomain.RunStats{}, fmt.Errorf("upsert daily aggregates: %w", err)
		}
	}

	s.metrics.IncAggregateRun(ctx, "daily")
	s.log.Info("daily rollup complete",
		zap.String("day", day),
		zap.Int("rows", len(aggs)),
		zap.Int64("entries", entries),
	)
	return aggregatedomain.RunStats{Period: day, RowsUpserted: len(aggs), EntriesRead: entries}, nil
}

func (s *Service) RunMonthly(ctx context.Context, at time.Time) (aggregatedomain.RunStats, error) {
	loc := s.location()
	local := at.In(loc)
	monthStart := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	monthEnd := monthStart.AddDate(0, 1, 0)
	month := monthStart.Format("2006-01")

	rows, err := s.rollup(ctx, monthStart, monthEnd)
	if err != nil {
		return aggregatedomain.RunStats{}, fmt.Errorf("roll up month %s: %w", month, err)
	}

	now := s.clock.Now()
	batchID := uuid.NewString()
	defaultRate := s.policy.Current().DefaultRatePerKWh
	aggs := make([]aggregatedomain.MonthlyAggregate, 0, len(rows))
	var entries int64
	for _, r := range rows {
		entries += r.EntryCount
		aggs = append(aggs, aggregatedomain.MonthlyAggregate{
			ID:                    s.genID.Generate(),
			Month:                 month,
			ClassroomID:           r.ClassroomID,
			ControllerID:          r.ControllerID,
			DeviceID:              r.DeviceID,
			TotalWh:               r.TotalWh,
			TotalCost:             r.TotalCost,
			RateUsed:              r.rateUsed(defaultRate),
			OnTimeSec:             r.OnTimeSec,
			EntryCount:            r.EntryCount,
			ResetCount:            r.ResetCount,
			HighConfidenceCount:   r.HighConfidenceCount,
			MediumConfidenceCount: r.MediumConfidenceCount,
			LowConfidenceCount:    r.LowConfidenceCount,
			GapFilledCount:        r.GapFilledCount,
			CalcBatchID:           batchID,
			Timezone:              loc.String(),
			ComputedAt:            now,
		})
	}

	if len(aggs) > 0 {
		err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "month"}, {Name: "classroom_id"}, {Name: "controller_id"}, {Name: "device_id"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_wh", "total_cost", "rate_used", "on_time_sec", "entry_count",
				"reset_count", "high_confidence_count", "medium_confidence_count",
				"low_confidence_count", "gap_filled_count",
				"calc_batch_id", "timezone", "computed_at",
			}),
		}).Create(&aggs).Error
		if err != nil {
			return aggregatedomain.RunStats{}, fmt.Errorf("upsert monthly aggregates: %w", err)
		}
	}

	s.metrics.IncAggregateRun(ctx, "monthly")
	s.log.Info("monthly rollup complete",
		zap.String("month", month),
		zap.Int("rows", len(aggs)),
		zap.Int64("entries", entries),
	)
	return aggregatedomain.RunStats{Period: month, RowsUpserted: len(aggs), EntriesRead: entries}, nil
}

func (s *Service) rollup(ctx context.Context, start, end time.Time) ([]rollupRow, error) {
	var rows []rollupRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT
			classroom_id,
			controller_id,
			device_id,
			COALESCE(SUM(delta_wh), 0)                                      AS total_wh,
			COALESCE(SUM(cost_amount), 0)                                   AS total_cost,
			COALESCE(SUM(on_duration_sec), 0)                               AS on_time_sec,
			COUNT(*)                                                        AS entry_count,
			COALESCE(SUM(CASE WHEN is_reset_marker THEN 1 ELSE 0 END), 0)   AS reset_count,
			COALESCE(SUM(CASE WHEN confidence = 'high' THEN 1 ELSE 0 END), 0)   AS high_confidence_count,
			COALESCE(SUM(CASE WHEN confidence = 'medium' THEN 1 ELSE 0 END), 0) AS medium_confidence_count,
			COALESCE(SUM(CASE WHEN confidence = 'low' THEN 1 ELSE 0 END), 0)    AS low_confidence_count,
			COALESCE(SUM(CASE WHEN gap_filled THEN 1 ELSE 0 END), 0)        AS gap_filled_count
		FROM consumption_ledger_entries
		WHERE interval_end >= ? AND interval_end < ?
		GROUP BY classroom_id, controller_id, device_id
		ORDER BY classroom_id, controller_id, device_id`,
		start.UTC(), end.UTC(),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Service) Breakdown(ctx context.Context, req aggregatedomain.BreakdownRequest) ([]aggregatedomain.BreakdownRow, error) {
	if req.Start.IsZero() || req.End.IsZero() || !req.End.After(req.Start) {
		return nil, aggregatedomain.ErrInvalidRange
	}

	var (
		rows []aggregatedomain.BreakdownRow
		err  error
	)
	switch req.Granularity {
	case aggregatedomain.GranularityHourly:
		rows, err = s.breakdownFromLedger(ctx, req, func(local time.Time) string {
			hour := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, local.Location())
			return hour.Format(time.RFC3339)
		})
	case aggregatedomain.GranularityDaily:
		rows, err = s.breakdownDaily(ctx, req)
	case aggregatedomain.GranularityMonthly:
		rows, err = s.breakdownMonthly(ctx, req)
	case aggregatedomain.GranularityYearly:
		rows, err = s.breakdownYearly(ctx, req)
	default:
		return nil, aggregatedomain.ErrInvalidGranularity
	}
	if err != nil {
		return nil, err
	}

	defaultRate := s.policy.Current().DefaultRatePerKWh
	for i := range rows {
		if rows[i].Wh > 0 {
			rows[i].RateUsed = rows[i].Cost / (rows[i].Wh / 1000)
		} else {
			rows[i].RateUsed = defaultRate
		}
	}
	return rows, nil
}

// breakdownFromLedger buckets raw entries by interval end in the billing
// timezone. bucketKey maps a localized interval end to its period label.
func (s *Service) breakdownFromLedger(ctx context.Context, req aggregatedomain.BreakdownRequest, bucketKey func(time.Time) string) ([]aggregatedomain.BreakdownRow, error) {
	loc := s.location()

	var entries []ledgerdomain.ConsumptionLedgerEntry
	q := s.db.WithContext(ctx).
		Where("interval_end >= ? AND interval_end < ?", req.Start.UTC(), req.End.UTC())
	if req.ClassroomID != "" {
		q = q.Where("classroom_id = ?", req.ClassroomID)
	}
	if req.DeviceID != "" {
		q = q.Where("device_id = ?", req.DeviceID)
	}
	if err := q.Order("interval_end ASC").Find(&entries).Error; err != nil {
		return nil, err
	}

	byPeriod := make(map[string]*aggregatedomain.BreakdownRow)
	order := make([]string, 0)
	for i := range entries {
		e := &entries[i]
		period := bucketKey(e.IntervalEnd.In(loc))
		row, ok := byPeriod[period]
		if !ok {
			row = &aggregatedomain.BreakdownRow{Period: period}
			byPeriod[period] = row
			order = append(order, period)
		}
		accumulate(row, e)
	}

	rows := make([]aggregatedomain.BreakdownRow, 0, len(order))
	for _, period := range order {
		rows = append(rows, *byPeriod[period])
	}
	return rows, nil
}

func accumulate(row *aggregatedomain.BreakdownRow, e *ledgerdomain.ConsumptionLedgerEntry) {
	row.Wh += e.DeltaWh
	row.Cost += e.CostAmount
	row.OnTimeSec += e.OnDurationSec
	row.EntryCount++
	if e.IsResetMarker {
		row.ResetCount++
	}
	if e.Confidence == ledgerdomain.ConfidenceLow {
		row.LowConfidenceCount++
	}
	if e.GapFilled {
		row.GapFilledCount++
	}
}

// breakdownDaily serves materialized rows where they exist and falls back
// to the ledger for days without a rollup yet.
func (s *Service) breakdownDaily(ctx context.Context, req aggregatedomain.BreakdownRequest) ([]aggregatedomain.BreakdownRow, error) {
	loc := s.location()

	start := req.Start.In(loc)
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	end := req.End.In(loc)

	rows := make([]aggregatedomain.BreakdownRow, 0)
	for cursor := start; cursor.Before(end); cursor = cursor.AddDate(0, 0, 1) {
		day := cursor.Format("2006-01-02")

		var aggs []aggregatedomain.DailyAggregate
		q := s.db.WithContext(ctx).Where("day = ?", day)
		if req.ClassroomID != "" {
			q = q.Where("classroom_id = ?", req.ClassroomID)
		}
		if req.DeviceID != "" {
			q = q.Where("device_id = ?", req.DeviceID)
		}
		if err := q.Find(&aggs).Error; err != nil {
			return nil, err
		}

		if len(aggs) > 0 {
			row := aggregatedomain.BreakdownRow{Period: day}
			for _, a := range aggs {
				row.Wh += a.TotalWh
				row.Cost += a.TotalCost
				row.OnTimeSec += a.OnTimeSec
				row.EntryCount += a.EntryCount
				row.ResetCount += a.ResetCount
				row.LowConfidenceCount += a.LowConfidenceCount
				row.GapFilledCount += a.GapFilledCount
			}
			rows = append(rows, row)
			continue
		}

		// No rollup for this day yet; compute from the ledger.
		dayReq := req
		dayReq.Start = cursor
		dayReq.End = cursor.AddDate(0, 0, 1)
		computed, err := s.breakdownFromLedger(ctx, dayReq, func(time.Time) string { return day })
		if err != nil {
			return nil, err
		}
		if len(computed) > 0 {
			rows = append(rows, collapse(day, computed))
		}
	}
	return rows, nil
}

func (s *Service) breakdownMonthly(ctx context.Context, req aggregatedomain.BreakdownRequest) ([]aggregatedomain.BreakdownRow, error) {
	loc := s.location()

	start := req.Start.In(loc)
	start = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, loc)
	end := req.End.In(loc)

	rows := make([]aggregatedomain.BreakdownRow, 0)
	for cursor := start; cursor.Before(end); cursor = cursor.AddDate(0, 1, 0) {
		month := cursor.Format("2006-01")

		var aggs []aggregatedomain.MonthlyAggregate
		q := s.db.WithContext(ctx).Where("month = ?", month)
		if req.ClassroomID != "" {
			q = q.Where("classroom_id = ?", req.ClassroomID)
		}
		if req.DeviceID != "" {
			q = q.Where("device_id = ?", req.DeviceID)
		}
		if err := q.Find(&aggs).Error; err != nil {
			return nil, err
		}

		if len(aggs) > 0 {
			row := aggregatedomain.BreakdownRow{Period: month}
			for _, a := range aggs {
				row.Wh += a.TotalWh
				row.Cost += a.TotalCost
				row.OnTimeSec += a.OnTimeSec
				row.EntryCount += a.EntryCount
				row.ResetCount += a.ResetCount
				row.LowConfidenceCount += a.LowConfidenceCount
				row.GapFilledCount += a.GapFilledCount
			}
			rows = append(rows, row)
			continue
		}

		monthReq := req
		monthReq.Start = cursor
		monthReq.End = cursor.AddDate(0, 1, 0)
		computed, err := s.breakdownFromLedger(ctx, monthReq, func(time.Time) string { return month })
		if err != nil {
			return nil, err
		}
		if len(computed) > 0 {
			rows = append(rows, collapse(month, computed))
		}
	}
	return rows, nil
}

func (s *Service) breakdownYearly(ctx context.Context, req aggregatedomain.BreakdownRequest) ([]aggregatedomain.BreakdownRow, error) {
	monthly, err := s.breakdownMonthly(ctx, req)
	if err != nil {
		return nil, err
	}

	byYear := make(map[string]*aggregatedomain.BreakdownRow)
	order := make([]string, 0)
	for _, m := range monthly {
		year := m.Period[:4]
		row, ok := byYear[year]
		if !ok {
			row = &aggregatedomain.BreakdownRow{Period: year}
			byYear[year] = row
			order = append(order, year)
		}
		row.Wh += m.Wh
		row.Cost += m.Cost
		row.OnTimeSec += m.OnTimeSec
		row.EntryCount += m.EntryCount
		row.ResetCount += m.ResetCount
		row.LowConfidenceCount += m.LowConfidenceCount
		row.GapFilledCount += m.GapFilledCount
	}

	rows := make([]aggregatedomain.BreakdownRow, 0, len(order))
	for _, year := range order {
		rows = append(rows, *byYear[year])
	}
	return rows, nil
}

func collapse(period string, computed []aggregatedomain.BreakdownRow) aggregatedomain.BreakdownRow {
	row := aggregatedomain.BreakdownRow{Period: period}
	for _, c := range computed {
		row.Wh += c.Wh
		row.Cost += c.Cost
		row.OnTimeSec += c.OnTimeSec
		row.EntryCount += c.EntryCount
		row.ResetCount += c.ResetCount
		row.LowConfidenceCount += c.LowConfidenceCount
		row.GapFilledCount += c.GapFilledCount
	}
	return row
}

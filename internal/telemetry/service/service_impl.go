package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/iotmca0/autovolt-sub006/internal/clock"
	"github.com/iotmca0/autovolt-sub006/internal/config"
	obsmetrics "github.com/iotmca0/autovolt-sub006/internal/observability/metrics"
	telemetrydomain "github.com/iotmca0/autovolt-sub006/internal/telemetry/domain"
	"github.com/iotmca0/autovolt-sub006/pkg/db"
	"github.com/iotmca0/autovolt-sub006/pkg/db/option"
	"github.com/iotmca0/autovolt-sub006/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
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
	repo    repository.Repository[telemetrydomain.TelemetryEvent]
	metrics *obsmetrics.Metrics
}

func NewService(p Params) telemetrydomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("telemetry.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		policy:  p.Policy,
		repo:    repository.ProvideStore[telemetrydomain.TelemetryEvent](p.DB),
		metrics: p.Metrics,
	}
}

func (s *Service) Ingest(ctx context.Context, req telemetrydomain.IngestRequest) (*telemetrydomain.IngestResult, error) {
	if strings.TrimSpace(req.ControllerID) == "" {
		return nil, telemetrydomain.ErrInvalidController
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		return nil, telemetrydomain.ErrInvalidDevice
	}
	if strings.TrimSpace(req.ClassroomID) == "" {
		return nil, telemetrydomain.ErrInvalidClassroom
	}
	if req.DeviceTimestamp.IsZero() {
		return nil, telemetrydomain.ErrInvalidTimestamp
	}
	status, err := normalizeStatus(req.Status)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	policy := s.policy.Current()
	hash := contentHash(req)

	// Fast path: a reading with the same hash inside the recency window is
	// a retransmission, not new data.
	window := time.Duration(policy.DedupWindowMinutes) * time.Minute
	existing, err := s.repo.FindOne(ctx,
		&telemetrydomain.TelemetryEvent{ContentHash: hash},
		option.WithWhere("received_at > ?", now.Add(-window)),
	)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.metrics.IncDuplicate(ctx, req.ControllerID)
		return &telemetrydomain.IngestResult{Accepted: false, Duplicate: true, EventID: existing.ID.String()}, nil
	}

	event := &telemetrydomain.TelemetryEvent{
		ID:           s.genID.Generate(),
		ControllerID: req.ControllerID,
		DeviceID:     req.DeviceID,
		ClassroomID:  req.ClassroomID,
		DeviceTime:   req.DeviceTimestamp.UTC(),
		ReceivedAt:   now,
		PowerW:       req.PowerW,
		EnergyWh:     req.EnergyCounterWh,
		Status:       status,
		UptimeSec:    req.UptimeSec,
		ContentHash:  hash,
		CreatedAt:    now,
	}
	if req.SwitchStates != nil {
		states := make(datatypes.JSONMap, len(req.SwitchStates))
		for name, on := range req.SwitchStates {
			states[name] = on
		}
		event.SwitchStates = states
	}
	if req.RawPayload != nil {
		event.RawPayload = datatypes.JSONMap(req.RawPayload)
	}

	s.stampQualityFlags(ctx, event, policy)

	if err := s.repo.Create(ctx, event); err != nil {
		// The unique index on content_hash closes the check-then-insert
		// race between concurrent retransmissions.
		if db.IsDuplicateKeyErr(err) {
			s.metrics.IncDuplicate(ctx, req.ControllerID)
			prior, findErr := s.repo.FindOne(ctx, &telemetrydomain.TelemetryEvent{ContentHash: hash})
			if findErr != nil {
				return nil, findErr
			}
			result := &telemetrydomain.IngestResult{Accepted: false, Duplicate: true}
			if prior != nil {
				result.EventID = prior.ID.String()
			}
			return result, nil
		}
		return nil, err
	}

	s.metrics.IncIngested(ctx, req.ControllerID)
	s.log.Debug("telemetry accepted",
		zap.String("controller", event.ControllerID),
		zap.String("device", event.DeviceID),
		zap.Bool("time_drift", event.TimeDrift),
		zap.Bool("out_of_order", event.OutOfOrder),
	)
	return &telemetrydomain.IngestResult{Accepted: true, EventID: event.ID.String()}, nil
}

// stampQualityFlags annotates drift, ordering and gap information against the
// most recent known reading for the device. Flags are computed once at write
// time and never revised.
func (s *Service) stampQualityFlags(ctx context.Context, event *telemetrydomain.TelemetryEvent, policy config.TariffPolicy) {
	drift := event.ReceivedAt.Sub(event.DeviceTime)
	if drift < 0 {
		drift = -drift
	}
	event.TimeDrift = drift > time.Duration(policy.TimeDriftMinutes)*time.Minute

	prev, err := s.repo.FindOne(ctx,
		&telemetrydomain.TelemetryEvent{ControllerID: event.ControllerID, DeviceID: event.DeviceID},
		option.WithOrder("device_time DESC"),
	)
	if err != nil {
		s.log.Warn("quality flag lookup failed", zap.Error(err),
			zap.String("device", event.DeviceID))
		return
	}
	if prev == nil {
		return
	}
	if event.DeviceTime.Before(prev.DeviceTime) {
		event.OutOfOrder = true
		return
	}
	event.GapBeforeSec = int64(event.DeviceTime.Sub(prev.DeviceTime).Seconds())
}

func (s *Service) List(ctx context.Context, req telemetrydomain.ListRequest) (telemetrydomain.ListResponse, error) {
	filter := &telemetrydomain.TelemetryEvent{
		ControllerID: strings.TrimSpace(req.ControllerID),
		DeviceID:     strings.TrimSpace(req.DeviceID),
		ClassroomID:  strings.TrimSpace(req.ClassroomID),
	}

	size := req.PageSize
	if size <= 0 {
		size = 50
	}

	opts := []option.QueryOption{
		option.WithOrder("device_time DESC"),
		option.WithLimit(size + 1),
	}
	events, err := s.repo.Find(ctx, filter, opts...)
	if err != nil {
		return telemetrydomain.ListResponse{}, err
	}

	resp := telemetrydomain.ListResponse{}
	if len(events) > size {
		resp.HasMore = true
		events = events[:size]
	}
	resp.Events = make([]telemetrydomain.TelemetryEvent, 0, len(events))
	for _, event := range events {
		resp.Events = append(resp.Events, *event)
	}
	return resp, nil
}

func (s *Service) FetchUnprocessed(ctx context.Context, limit int) ([]telemetrydomain.TelemetryEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []telemetrydomain.TelemetryEvent
	err := s.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("device_time ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (s *Service) MarkProcessed(ctx context.Context, id snowflake.ID, outcome telemetrydomain.ProcessOutcome) error {
	now := s.clock.Now()
	updates := map[string]any{
		"processed":       true,
		"processed_at":    now,
		"processing_flag": string(outcome.Flag),
	}
	if outcome.LedgerEntryID != nil {
		updates["ledger_entry_id"] = *outcome.LedgerEntryID
	}
	result := s.db.WithContext(ctx).
		Model(&telemetrydomain.TelemetryEvent{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return telemetrydomain.ErrNotFound
	}
	return nil
}

func normalizeStatus(status telemetrydomain.DeviceStatus) (telemetrydomain.DeviceStatus, error) {
	switch telemetrydomain.DeviceStatus(strings.ToLower(strings.TrimSpace(string(status)))) {
	case telemetrydomain.StatusOnline:
		return telemetrydomain.StatusOnline, nil
	case telemetrydomain.StatusOfflineHeartbeat:
		return telemetrydomain.StatusOfflineHeartbeat, nil
	case telemetrydomain.StatusOfflineLost:
		return telemetrydomain.StatusOfflineLost, nil
	case "":
		return telemetrydomain.StatusOnline, nil
	default:
		return "", telemetrydomain.ErrInvalidStatus
	}
}

// contentHash fingerprints the reading so retransmissions collapse onto one
// stored event. The device timestamp participates, so two genuinely distinct
// readings with identical payloads still hash apart.
func contentHash(req telemetrydomain.IngestRequest) string {
	var b strings.Builder
	b.WriteString(req.ControllerID)
	b.WriteByte('|')
	b.WriteString(req.DeviceID)
	b.WriteByte('|')
	fmt.Fprintf(&b, "%d|", req.DeviceTimestamp.UTC().UnixNano())
	if req.PowerW != nil {
		fmt.Fprintf(&b, "p=%.6f|", *req.PowerW)
	}
	if req.EnergyCounterWh != nil {
		fmt.Fprintf(&b, "e=%.6f|", *req.EnergyCounterWh)
	}

	names := make([]string, 0, len(req.SwitchStates))
	for name := range req.SwitchStates {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "s:%s=%t|", name, req.SwitchStates[name])
	}
	b.WriteString(string(req.Status))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

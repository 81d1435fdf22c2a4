package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/iotmca0/autovolt-sub006/internal/clock"
	"github.com/iotmca0/autovolt-sub006/internal/config"
	costdomain "github.com/iotmca0/autovolt-sub006/internal/costversion/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Policy *config.TariffPolicyHolder
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	policy *config.TariffPolicyHolder
}

func NewService(p Params) costdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("costversion.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		policy: p.Policy,
	}
}

func (s *Service) RateFor(ctx context.Context, date time.Time, classroomID, deviceID string) (costdomain.ResolvedRate, error) {
	lookups := []struct {
		scope costdomain.Scope
		key   string
	}{
		{costdomain.ScopeDevice, strings.TrimSpace(deviceID)},
		{costdomain.ScopeClassroom, strings.TrimSpace(classroomID)},
		{costdomain.ScopeGlobal, ""},
	}

	for _, lookup := range lookups {
		if lookup.scope != costdomain.ScopeGlobal && lookup.key == "" {
			continue
		}
		version, err := s.findValidAt(ctx, date, lookup.scope, lookup.key)
		if err != nil {
			return costdomain.ResolvedRate{}, err
		}
		if version != nil {
			id := int64(version.ID)
			return costdomain.ResolvedRate{
				RatePerKWh: version.RatePerKWh,
				VersionID:  &id,
				Scope:      version.Scope,
			}, nil
		}
	}

	// Rate-resolution miss falls back to the configured default rather
	// than failing the pricing step.
	return costdomain.ResolvedRate{
		RatePerKWh: s.policy.Current().DefaultRatePerKWh,
		Scope:      costdomain.ScopeGlobal,
	}, nil
}

func (s *Service) findValidAt(ctx context.Context, date time.Time, scope costdomain.Scope, key string) (*costdomain.CostVersion, error) {
	var versions []costdomain.CostVersion
	err := s.db.WithContext(ctx).
		Where("scope = ? AND scope_key = ? AND active = ?", scope, key, true).
		Where("effective_from <= ?", date).
		Where("effective_until IS NULL OR effective_until > ?", date).
		Order("effective_from DESC").
		Limit(1).
		Find(&versions).Error
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}
	return &versions[0], nil
}

func (s *Service) CreateVersion(ctx context.Context, req costdomain.CreateVersionRequest) (*costdomain.CostVersion, error) {
	if req.RatePerKWh <= 0 {
		return nil, costdomain.ErrInvalidRate
	}
	if req.EffectiveFrom.IsZero() {
		return nil, costdomain.ErrInvalidEffectiveFrom
	}
	scope, err := normalizeScope(req.Scope)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(req.ScopeKey)
	if scope != costdomain.ScopeGlobal && key == "" {
		return nil, costdomain.ErrMissingScopeKey
	}
	if scope == costdomain.ScopeGlobal {
		key = ""
	}

	now := s.clock.Now()
	version := &costdomain.CostVersion{
		ID:            s.genID.Generate(),
		RatePerKWh:    req.RatePerKWh,
		EffectiveFrom: req.EffectiveFrom.UTC(),
		Scope:         scope,
		ScopeKey:      key,
		Active:        true,
		Notes:         strings.TrimSpace(req.Notes),
		CreatedBy:     strings.TrimSpace(req.CreatedBy),
		CreatedAt:     now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Close the currently open version in this scope+key. Versions
		// with a later effective_from stay untouched; history is not
		// re-ordered by a backdated create.
		if err := tx.Model(&costdomain.CostVersion{}).
			Where("scope = ? AND scope_key = ? AND effective_until IS NULL", scope, key).
			Where("effective_from < ?", version.EffectiveFrom).
			Update("effective_until", version.EffectiveFrom).Error; err != nil {
			return err
		}
		return tx.Create(version).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("cost version created",
		zap.String("scope", string(scope)),
		zap.String("scope_key", key),
		zap.Float64("rate_per_kwh", version.RatePerKWh),
		zap.Time("effective_from", version.EffectiveFrom),
	)
	return version, nil
}

func (s *Service) CurrentRate(ctx context.Context, scope costdomain.Scope, key string) (costdomain.ResolvedRate, error) {
	now := s.clock.Now()
	switch scope {
	case costdomain.ScopeDevice:
		return s.RateFor(ctx, now, "", key)
	case costdomain.ScopeClassroom:
		return s.RateFor(ctx, now, key, "")
	default:
		return s.RateFor(ctx, now, "", "")
	}
}

func normalizeScope(scope costdomain.Scope) (costdomain.Scope, error) {
	switch costdomain.Scope(strings.ToLower(strings.TrimSpace(string(scope)))) {
	case costdomain.ScopeGlobal, "":
		return costdomain.ScopeGlobal, nil
	case costdomain.ScopeClassroom:
		return costdomain.ScopeClassroom, nil
	case costdomain.ScopeDevice:
		return costdomain.ScopeDevice, nil
	default:
		return "", costdomain.ErrInvalidScope
	}
}

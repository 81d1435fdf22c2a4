package config

import (
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TariffPolicy holds the operator-tunable pricing and plausibility knobs.
// It lives in a mounted config file so operators can adjust rates and caps
// without a redeploy.
type TariffPolicy struct {
	DefaultRatePerKWh    float64 `mapstructure:"defaultRatePerKwh"`
	Timezone             string  `mapstructure:"timezone"`
	DedupWindowMinutes   int     `mapstructure:"dedupWindowMinutes"`
	TimeDriftMinutes     int     `mapstructure:"timeDriftMinutes"`
	MaxMeterDeltaWh      float64 `mapstructure:"maxMeterDeltaWh"`
	MaxIntegrationWh     float64 `mapstructure:"maxIntegrationWh"`
	GapFilledMinutes     int     `mapstructure:"gapFilledMinutes"`
	IntegrationWarnHours float64 `mapstructure:"integrationWarnHours"`
}

func DefaultTariffPolicy() TariffPolicy {
	return TariffPolicy{
		DefaultRatePerKWh:    7.0,
		Timezone:             "Asia/Kolkata",
		DedupWindowMinutes:   5,
		TimeDriftMinutes:     5,
		MaxMeterDeltaWh:      100_000,
		MaxIntegrationWh:     10_000,
		GapFilledMinutes:     10,
		IntegrationWarnHours: 1,
	}
}

// TariffPolicyHolder exposes the latest policy snapshot and hot-reloads it
// when the underlying file changes.
type TariffPolicyHolder struct {
	current atomic.Value // holds TariffPolicy
}

func NewTariffPolicyHolder() (*TariffPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("tariff")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/autovolt/config") // Volume-mounted config
	v.AddConfigPath("/etc/autovolt")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	v.SetEnvPrefix("AUTOVOLT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultTariffPolicy()
		v.SetDefault("tariff.defaultRatePerKwh", defaults.DefaultRatePerKWh)
		v.SetDefault("tariff.timezone", defaults.Timezone)
		v.SetDefault("tariff.dedupWindowMinutes", defaults.DedupWindowMinutes)
		v.SetDefault("tariff.timeDriftMinutes", defaults.TimeDriftMinutes)
		v.SetDefault("tariff.maxMeterDeltaWh", defaults.MaxMeterDeltaWh)
		v.SetDefault("tariff.maxIntegrationWh", defaults.MaxIntegrationWh)
		v.SetDefault("tariff.gapFilledMinutes", defaults.GapFilledMinutes)
		v.SetDefault("tariff.integrationWarnHours", defaults.IntegrationWarnHours)
	}

	holder := &TariffPolicyHolder{}
	if err := holder.load(v); err != nil {
		return nil, err
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		if err := holder.load(v); err != nil {
			log.Printf("tariff config reload failed: %v", err)
		}
	})
	v.WatchConfig()

	return holder, nil
}

// NewStaticTariffPolicyHolder pins a fixed policy. No file watching; used
// by tests and tooling.
func NewStaticTariffPolicyHolder(policy TariffPolicy) *TariffPolicyHolder {
	holder := &TariffPolicyHolder{}
	holder.current.Store(policy.withDefaults())
	return holder
}

func (h *TariffPolicyHolder) load(v *viper.Viper) error {
	var policy TariffPolicy
	if err := v.UnmarshalKey("tariff", &policy); err != nil {
		return err
	}
	policy = policy.withDefaults()
	h.current.Store(policy)
	return nil
}

// Current returns the active policy snapshot.
func (h *TariffPolicyHolder) Current() TariffPolicy {
	if h == nil {
		return DefaultTariffPolicy()
	}
	if policy, ok := h.current.Load().(TariffPolicy); ok {
		return policy
	}
	return DefaultTariffPolicy()
}

func (p TariffPolicy) withDefaults() TariffPolicy {
	defaults := DefaultTariffPolicy()
	if p.DefaultRatePerKWh <= 0 {
		p.DefaultRatePerKWh = defaults.DefaultRatePerKWh
	}
	if strings.TrimSpace(p.Timezone) == "" {
		p.Timezone = defaults.Timezone
	}
	if p.DedupWindowMinutes <= 0 {
		p.DedupWindowMinutes = defaults.DedupWindowMinutes
	}
	if p.TimeDriftMinutes <= 0 {
		p.TimeDriftMinutes = defaults.TimeDriftMinutes
	}
	if p.MaxMeterDeltaWh <= 0 {
		p.MaxMeterDeltaWh = defaults.MaxMeterDeltaWh
	}
	if p.MaxIntegrationWh <= 0 {
		p.MaxIntegrationWh = defaults.MaxIntegrationWh
	}
	if p.GapFilledMinutes <= 0 {
		p.GapFilledMinutes = defaults.GapFilledMinutes
	}
	if p.IntegrationWarnHours <= 0 {
		p.IntegrationWarnHours = defaults.IntegrationWarnHours
	}
	return p
}

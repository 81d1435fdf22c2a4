package mqttingest

import (
	"context"

	"github.com/iotmca0/autovolt-sub006/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("mqttingest",
	fx.Provide(NewSubscriber),
	fx.Invoke(registerHooks),
)

func registerHooks(lc fx.Lifecycle, cfg config.Config, sub *Subscriber) {
	if !cfg.MQTT.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return sub.Start(ctx)
		},
		OnStop: func(context.Context) error {
			sub.Stop()
			return nil
		},
	})
}

package telemetry

import (
	"github.com/iotmca0/autovolt-sub006/internal/telemetry/service"
	"go.uber.org/fx"
)

var Module = fx.Module("telemetry.service",
	fx.Provide(service.NewService),
)

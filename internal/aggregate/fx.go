package aggregate

import (
	"github.com/iotmca0/autovolt-sub006/internal/aggregate/service"
	"go.uber.org/fx"
)

var Module = fx.Module("aggregate",
	fx.Provide(service.NewService),
)

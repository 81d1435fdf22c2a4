package tracker

import (
	"github.com/iotmca0/autovolt-sub006/internal/tracker/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tracker",
	fx.Provide(service.NewService),
)

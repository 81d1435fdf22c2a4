package costversion

import (
	"github.com/iotmca0/autovolt-sub006/internal/costversion/service"
	"go.uber.org/fx"
)

var Module = fx.Module("costversion.service",
	fx.Provide(service.NewService),
)

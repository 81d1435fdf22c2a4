package ledger

import (
	"github.com/iotmca0/autovolt-sub006/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(service.NewService),
)

package eventlog

import (
	"github.com/smallbiznis/clinicpay/internal/eventlog/repository"
	"github.com/smallbiznis/clinicpay/internal/eventlog/service"
	"go.uber.org/fx"
)

var Module = fx.Module("eventlog",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)

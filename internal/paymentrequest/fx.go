package paymentrequest

import (
	"github.com/smallbiznis/clinicpay/internal/paymentrequest/repository"
	"github.com/smallbiznis/clinicpay/internal/paymentrequest/service"
	"go.uber.org/fx"
)

var Module = fx.Module("paymentrequest",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)

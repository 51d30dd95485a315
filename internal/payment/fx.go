package payment

import (
	"github.com/smallbiznis/clinicpay/internal/payment/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("payment",
	fx.Provide(repository.Provide),
)

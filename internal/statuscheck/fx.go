package statuscheck

import (
	"github.com/smallbiznis/clinicpay/internal/statuscheck/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("statuscheck",
	fx.Provide(repository.Provide),
)

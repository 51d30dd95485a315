package providers

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/clinicpay/internal/providers/email"
	"github.com/smallbiznis/clinicpay/internal/providers/pdf"
	"github.com/smallbiznis/clinicpay/internal/providers/storage"
)

var Module = fx.Module("providers",
	email.Module,
	pdf.Module,
	storage.Module,
)

package pdf

import (
	"context"
	"time"

	"go.uber.org/fx"
)

var Module = fx.Module("providers.pdf",
	fx.Provide(func() Renderer { return New() }),
)

// Receipt is the content of a payment receipt handed to the customer.
// Amount is already formatted in major units.
type Receipt struct {
	ClinicName    string
	ClinicEmail   string
	ReceiptNumber string
	CustomerEmail string
	Description   string
	BookingID     string
	InvoiceID     string
	Amount        string
	Currency      string
	PaidAt        time.Time
}

type Renderer interface {
	Receipt(ctx context.Context, r Receipt) ([]byte, error)
}

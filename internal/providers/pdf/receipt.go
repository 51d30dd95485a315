package pdf

import (
	"context"
	"errors"
	"strings"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

var ErrInvalidReceipt = errors.New("invalid_receipt")

const paidAtLayout = "2 January 2006, 15:04 MST"

type MarotoRenderer struct{}

func New() *MarotoRenderer {
	return &MarotoRenderer{}
}

func (r *MarotoRenderer) Receipt(ctx context.Context, receipt Receipt) ([]byte, error) {
	if strings.TrimSpace(receipt.ReceiptNumber) == "" || strings.TrimSpace(receipt.Amount) == "" {
		return nil, ErrInvalidReceipt
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	clinic := receipt.ClinicName
	if clinic == "" {
		clinic = "Your clinic"
	}
	m.AddRow(25,
		text.NewCol(6, "Payment receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		col.New(6).Add(
			text.New(clinic, props.Text{Style: fontstyle.Bold, Align: align.Right}),
			text.New(receipt.ClinicEmail, props.Text{Top: 5, Align: align.Right}),
		),
	)

	paidAt := ""
	if !receipt.PaidAt.IsZero() {
		paidAt = receipt.PaidAt.UTC().Format(paidAtLayout)
	}
	m.AddRow(25,
		col.New(6).Add(
			text.New("Receipt number: "+receipt.ReceiptNumber, props.Text{Top: 0}),
			text.New("Date paid: "+paidAt, props.Text{Top: 5}),
			text.New("Paid by: "+receipt.CustomerEmail, props.Text{Top: 10}),
		),
		col.New(6).Add(
			text.New(optionalLine("Booking: ", receipt.BookingID), props.Text{Top: 0, Align: align.Right}),
			text.New(optionalLine("Invoice: ", receipt.InvoiceID), props.Text{Top: 5, Align: align.Right}),
		),
	)

	total := receipt.Amount + " " + strings.ToUpper(receipt.Currency)
	m.AddRow(15,
		text.NewCol(12, total+" paid", props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	m.AddRow(10,
		text.NewCol(9, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	description := receipt.Description
	if description == "" {
		description = "Clinic services"
	}
	m.AddRow(12,
		text.NewCol(9, description, props.Text{Size: 9}),
		text.NewCol(3, total, props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(10,
		col.New(7),
		text.NewCol(2, "Total", props.Text{Size: 9, Style: fontstyle.Bold}),
		text.NewCol(3, total, props.Text{Size: 9, Style: fontstyle.Bold, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}

func optionalLine(label, value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return label + value
}

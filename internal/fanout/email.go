package fanout

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	prdomain "github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
	"github.com/smallbiznis/clinicpay/internal/providers/email"
	"github.com/smallbiznis/clinicpay/internal/providers/pdf"
	"github.com/smallbiznis/clinicpay/internal/providers/storage"
)

type EmailSinkConfig struct {
	ClinicName  string
	ClinicEmail string
	// RetryURL builds the link offered in a failure email.
	RetryURL func(ev StatusChanged) string
	// Archive, when set, keeps a copy of every rendered receipt.
	Archive storage.Archive
}

// EmailSink notifies the customer for events flagged NotifyCustomer. A
// receipt PDF is attached to the success email when a renderer is set.
type EmailSink struct {
	provider email.Provider
	receipts pdf.Renderer
	cfg      EmailSinkConfig
	log      *zap.Logger
}

func NewEmailSink(provider email.Provider, receipts pdf.Renderer, cfg EmailSinkConfig, log *zap.Logger) *EmailSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &EmailSink{provider: provider, receipts: receipts, cfg: cfg, log: log.Named("fanout.email")}
}

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) Deliver(ctx context.Context, ev StatusChanged) error {
	if !ev.NotifyCustomer || strings.TrimSpace(ev.CustomerEmail) == "" {
		return nil
	}

	data := map[string]any{
		"Amount":    formatAmount(ev.Amount, ev.Currency),
		"Currency":  ev.Currency,
		"Reference": ev.CheckoutReference,
		"BookingID": deref(ev.BookingID),
	}
	to := []string{ev.CustomerEmail}

	if ev.CustomerStatus != prdomain.CustomerSucceeded {
		if s.cfg.RetryURL != nil {
			data["RetryURL"] = s.cfg.RetryURL(ev)
		}
		return s.provider.SendTemplate(ctx, to, email.TemplatePaymentFailed, data)
	}

	var attachments []email.Attachment
	if receipt, ok := s.receipt(ctx, ev); ok {
		attachments = append(attachments, receipt)
		data["ReceiptAttached"] = true
	}
	return s.provider.SendTemplate(ctx, to, email.TemplatePaymentSucceeded, data, attachments...)
}

// receipt renders the PDF; a rendering failure still lets the email go out.
func (s *EmailSink) receipt(ctx context.Context, ev StatusChanged) (email.Attachment, bool) {
	if s.receipts == nil || ev.CheckoutReference == "" {
		return email.Attachment{}, false
	}
	paidAt := ev.OccurredAt
	if ev.PaidAt != nil {
		paidAt = *ev.PaidAt
	}
	doc, err := s.receipts.Receipt(ctx, pdf.Receipt{
		ClinicName:    s.cfg.ClinicName,
		ClinicEmail:   s.cfg.ClinicEmail,
		ReceiptNumber: ev.CheckoutReference,
		CustomerEmail: ev.CustomerEmail,
		Description:   ev.Description,
		BookingID:     deref(ev.BookingID),
		InvoiceID:     deref(ev.InvoiceID),
		Amount:        formatAmount(ev.Amount, ev.Currency),
		Currency:      ev.Currency,
		PaidAt:        paidAt,
	})
	if err != nil {
		s.log.Warn("failed to render receipt",
			zap.String("payment_request_id", ev.PaymentRequestID.String()),
			zap.Error(err),
		)
		return email.Attachment{}, false
	}
	if s.cfg.Archive != nil {
		if err := s.cfg.Archive.Put(ctx, storage.ReceiptKey(paidAt, ev.CheckoutReference), "application/pdf", doc); err != nil {
			s.log.Warn("failed to archive receipt",
				zap.String("payment_request_id", ev.PaymentRequestID.String()),
				zap.Error(err),
			)
		}
	}
	return email.Attachment{
		Filename:    "receipt-" + ev.CheckoutReference + ".pdf",
		ContentType: "application/pdf",
		Data:        doc,
	}, true
}

var zeroDecimal = map[string]bool{"JPY": true, "KRW": true, "VND": true, "CLP": true, "ISK": true}

func formatAmount(minor int64, currency string) string {
	if zeroDecimal[strings.ToUpper(currency)] {
		return fmt.Sprintf("%d", minor)
	}
	sign := ""
	if minor < 0 {
		sign, minor = "-", -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

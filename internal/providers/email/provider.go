package email

import "context"

const (
	TemplatePaymentSucceeded = "payment_succeeded"
	TemplatePaymentFailed    = "payment_failed"
)

// Attachment is a file sent along with a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string, attachments ...Attachment) error
	SendTemplate(ctx context.Context, to []string, templateName string, data any, attachments ...Attachment) error
}

// NoOpProvider is used when SMTP is not configured.
type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, to []string, subject string, htmlBody string, attachments ...Attachment) error {
	return nil
}

func (p *NoOpProvider) SendTemplate(ctx context.Context, to []string, templateName string, data any, attachments ...Attachment) error {
	return nil
}

package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	prdomain "github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
	"github.com/smallbiznis/clinicpay/internal/providers/email"
	"github.com/smallbiznis/clinicpay/internal/providers/pdf"
)

func sampleEvent() StatusChanged {
	booking := "booking_1"
	return StatusChanged{
		EventID:           "evt_1",
		Subject:           SubjectPaymentRequest,
		PaymentRequestID:  42,
		CheckoutReference: "chk_1",
		Status:            "paid",
		CustomerStatus:    prdomain.CustomerSucceeded,
		Message:           prdomain.MessageSucceeded,
		BookingID:         &booking,
		BookingUnlocked:   true,
		Amount:            12050,
		Currency:          "EUR",
		OccurredAt:        time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
		CustomerEmail:     "patient@example.com",
		NotifyCustomer:    true,
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSinkKeysByRequest(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSink(w, "payment.request.status_changed", zap.NewNop())

	require.NoError(t, sink.Deliver(context.Background(), sampleEvent()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "42", string(w.msgs[0].Key))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &body))
	assert.Equal(t, "42", body["payment_request_id"])
	assert.Equal(t, true, body["booking_unlocked"])
	assert.NotContains(t, body, "CustomerEmail")
	assert.NotContains(t, string(w.msgs[0].Value), "patient@example.com")

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestKafkaSinkWrapsWriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	err := NewKafkaSink(w, "t", zap.NewNop()).Deliver(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka write t")
}

type fakeSNS struct {
	inputs []*sns.PublishInput
}

func (f *fakeSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, params)
	return &sns.PublishOutput{}, nil
}

func TestSNSSinkPublishesWithAttributes(t *testing.T) {
	client := &fakeSNS{}
	sink, err := NewSNSSink(client, "arn:aws:sns:us-east-1:000000000000:payments")
	require.NoError(t, err)

	require.NoError(t, sink.Deliver(context.Background(), sampleEvent()))
	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, "arn:aws:sns:us-east-1:000000000000:payments", *in.TopicArn)
	assert.Equal(t, "paid", *in.MessageAttributes["status"].StringValue)
	assert.Contains(t, *in.Message, `"event_id":"evt_1"`)

	_, err = NewSNSSink(client, " ")
	assert.Error(t, err)
}

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, params)
	return &sqs.SendMessageOutput{}, f.err
}

func TestSQSSinkGroupsFIFOByRequest(t *testing.T) {
	client := &fakeSQS{}
	sink, err := NewSQSSink(client, "https://sqs.eu-west-1.amazonaws.com/000000000000/payments.fifo")
	require.NoError(t, err)
	require.NoError(t, sink.Deliver(context.Background(), sampleEvent()))

	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, "42", *in.MessageGroupId)
	assert.Equal(t, "evt_1", *in.MessageDeduplicationId)
	assert.Equal(t, "paid", *in.MessageAttributes["status"].StringValue)
	assert.Contains(t, *in.MessageBody, `"checkout_reference":"chk_1"`)

	std, err := NewSQSSink(client, "https://sqs.eu-west-1.amazonaws.com/000000000000/payments")
	require.NoError(t, err)
	require.NoError(t, std.Deliver(context.Background(), sampleEvent()))
	assert.Nil(t, client.inputs[1].MessageGroupId)

	_, err = NewSQSSink(client, " ")
	assert.Error(t, err)

	client.err = errors.New("throttled")
	assert.ErrorContains(t, sink.Deliver(context.Background(), sampleEvent()), "throttled")
}

type fakeMailer struct {
	to          []string
	template    string
	data        any
	attachments []email.Attachment
}

func (m *fakeMailer) Send(ctx context.Context, to []string, subject, body string, attachments ...email.Attachment) error {
	return nil
}

func (m *fakeMailer) SendTemplate(ctx context.Context, to []string, name string, data any, attachments ...email.Attachment) error {
	m.to, m.template, m.data, m.attachments = to, name, data, attachments
	return nil
}

type fakeRenderer struct {
	got pdf.Receipt
	err error
}

func (r *fakeRenderer) Receipt(ctx context.Context, receipt pdf.Receipt) ([]byte, error) {
	r.got = receipt
	if r.err != nil {
		return nil, r.err
	}
	return []byte("%PDF-fake"), nil
}

func TestEmailSinkChoosesTemplate(t *testing.T) {
	mailer := &fakeMailer{}
	sink := NewEmailSink(mailer, nil, EmailSinkConfig{
		RetryURL: func(ev StatusChanged) string { return "https://portal.example/pr/" + ev.Key() },
	}, zap.NewNop())

	require.NoError(t, sink.Deliver(context.Background(), sampleEvent()))
	assert.Equal(t, email.TemplatePaymentSucceeded, mailer.template)
	assert.Equal(t, []string{"patient@example.com"}, mailer.to)
	assert.Equal(t, "120.50", mailer.data.(map[string]any)["Amount"])
	assert.Empty(t, mailer.attachments)

	failed := sampleEvent()
	failed.CustomerStatus = prdomain.CustomerFailed
	require.NoError(t, sink.Deliver(context.Background(), failed))
	assert.Equal(t, email.TemplatePaymentFailed, mailer.template)
	assert.Equal(t, "https://portal.example/pr/42", mailer.data.(map[string]any)["RetryURL"])
}

func TestEmailSinkAttachesReceipt(t *testing.T) {
	mailer := &fakeMailer{}
	renderer := &fakeRenderer{}
	sink := NewEmailSink(mailer, renderer, EmailSinkConfig{ClinicName: "Harbour Dental"}, zap.NewNop())

	ev := sampleEvent()
	paidAt := ev.OccurredAt.Add(-time.Minute)
	ev.PaidAt = &paidAt
	ev.Description = "Check-up"
	require.NoError(t, sink.Deliver(context.Background(), ev))

	require.Len(t, mailer.attachments, 1)
	assert.Equal(t, "receipt-chk_1.pdf", mailer.attachments[0].Filename)
	assert.Equal(t, "application/pdf", mailer.attachments[0].ContentType)
	assert.Equal(t, true, mailer.data.(map[string]any)["ReceiptAttached"])

	assert.Equal(t, "Harbour Dental", renderer.got.ClinicName)
	assert.Equal(t, "chk_1", renderer.got.ReceiptNumber)
	assert.Equal(t, "120.50", renderer.got.Amount)
	assert.Equal(t, "booking_1", renderer.got.BookingID)
	assert.Equal(t, paidAt, renderer.got.PaidAt)

	// failure emails never carry a receipt
	failed := sampleEvent()
	failed.CustomerStatus = prdomain.CustomerFailed
	require.NoError(t, sink.Deliver(context.Background(), failed))
	assert.Empty(t, mailer.attachments)
}

func TestEmailSinkSendsWithoutReceiptWhenRenderFails(t *testing.T) {
	mailer := &fakeMailer{}
	sink := NewEmailSink(mailer, &fakeRenderer{err: errors.New("font missing")}, EmailSinkConfig{}, zap.NewNop())

	require.NoError(t, sink.Deliver(context.Background(), sampleEvent()))
	assert.Equal(t, email.TemplatePaymentSucceeded, mailer.template)
	assert.Empty(t, mailer.attachments)
	assert.Nil(t, mailer.data.(map[string]any)["ReceiptAttached"])
}

type fakeArchive struct {
	keys []string
	err  error
}

func (a *fakeArchive) Put(ctx context.Context, key, contentType string, data []byte) error {
	a.keys = append(a.keys, key)
	return a.err
}

func TestEmailSinkArchivesReceipt(t *testing.T) {
	archive := &fakeArchive{}
	mailer := &fakeMailer{}
	sink := NewEmailSink(mailer, &fakeRenderer{}, EmailSinkConfig{Archive: archive}, zap.NewNop())

	ev := sampleEvent()
	paidAt := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	ev.PaidAt = &paidAt
	require.NoError(t, sink.Deliver(context.Background(), ev))
	assert.Equal(t, []string{"receipts/2026/05/chk_1.pdf"}, archive.keys)

	// an archive outage never blocks the customer email
	archive.err = errors.New("bucket unavailable")
	mailer.attachments = nil
	require.NoError(t, sink.Deliver(context.Background(), ev))
	assert.Len(t, mailer.attachments, 1)
}

func TestEmailSinkSkipsUnflaggedEvents(t *testing.T) {
	mailer := &fakeMailer{}
	ev := sampleEvent()
	ev.NotifyCustomer = false
	require.NoError(t, NewEmailSink(mailer, nil, EmailSinkConfig{}, nil).Deliver(context.Background(), ev))
	assert.Empty(t, mailer.template)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "120.05", formatAmount(12005, "EUR"))
	assert.Equal(t, "0.99", formatAmount(99, "usd"))
	assert.Equal(t, "5000", formatAmount(5000, "JPY"))
}

package hosted

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/clinicpay/internal/gateway/domain"
)

// eventStatus maps the gateway's event vocabulary onto checkout status.
var eventStatus = map[string]domain.Status{
	"checkout.processing": domain.StatusProcessing,
	"checkout.completed":  domain.StatusPaid,
	"payment.succeeded":   domain.StatusPaid,
	"checkout.failed":     domain.StatusFailed,
	"payment.failed":      domain.StatusFailed,
	"checkout.cancelled":  domain.StatusCancelled,
	"checkout.expired":    domain.StatusExpired,
	"payment.refunded":    domain.StatusRefunded,
}

type webhookEvent struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	CreatedAt string      `json:"created_at"`
	Data      webhookData `json:"data"`
}

type webhookData struct {
	CheckoutID    string `json:"checkout_id"`
	Reference     string `json:"reference"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"payment_method"`
	FailureReason string `json:"failure_reason"`
	RefundAmount  int64  `json:"refund_amount"`
	RefundReason  string `json:"refund_reason"`
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	header := strings.TrimSpace(headers.Get(SignatureHeader))
	if header == "" {
		return domain.ErrInvalidSignature
	}

	ts, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	if age := a.now().Sub(time.Unix(unix, 0)); age > a.tolerance || age < -a.tolerance {
		return domain.ErrInvalidSignature
	}

	expected := Sign(a.webhookSecret, ts, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.Notification, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	eventType := strings.TrimSpace(event.Type)
	if eventType == "" {
		return nil, domain.ErrInvalidPayload
	}

	status, ok := eventStatus[eventType]
	if !ok {
		// Unknown event types are still usable when they carry an explicit status.
		status, ok = domain.ParseStatus(event.Data.Status)
		if !ok {
			return &domain.Notification{EventID: event.ID, EventType: eventType, RawPayload: payload}, domain.ErrEventIgnored
		}
	}

	reference := strings.TrimSpace(event.Data.Reference)
	if reference == "" {
		return &domain.Notification{EventID: event.ID, EventType: eventType, RawPayload: payload}, domain.ErrInvalidPayload
	}

	var occurredAt time.Time
	if event.CreatedAt != "" {
		parsed, err := time.Parse(time.RFC3339Nano, event.CreatedAt)
		if err != nil {
			return nil, domain.ErrInvalidPayload
		}
		occurredAt = parsed.UTC()
	}

	return &domain.Notification{
		EventID:           strings.TrimSpace(event.ID),
		EventType:         eventType,
		CheckoutReference: reference,
		CheckoutID:        strings.TrimSpace(event.Data.CheckoutID),
		TransactionID:     strings.TrimSpace(event.Data.TransactionID),
		Status:            status,
		Amount:            event.Data.Amount,
		Currency:          strings.ToUpper(strings.TrimSpace(event.Data.Currency)),
		Method:            strings.TrimSpace(event.Data.PaymentMethod),
		FailureReason:     strings.TrimSpace(event.Data.FailureReason),
		RefundAmount:      event.Data.RefundAmount,
		RefundReason:      strings.TrimSpace(event.Data.RefundReason),
		OccurredAt:        occurredAt,
		RawPayload:        payload,
	}, nil
}

// Sign computes the v1 signature for a timestamped payload.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue builds the header a gateway would send.
func SignatureHeaderValue(secret string, at time.Time, payload []byte) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + Sign(secret, ts, payload)
}

func parseSignatureHeader(header string) (string, []string, error) {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid signature header")
	}
	return timestamp, signatures, nil
}

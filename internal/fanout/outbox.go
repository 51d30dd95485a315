package fanout

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const deliveryColumns = `id, event_id, sink, subject, payment_request_id, status, payload,
	attempts, last_error, next_attempt_at, delivered_at, created_at, updated_at`

const (
	maxDeliveryAttempts = 10
	deliveryBackoffBase = 30 * time.Second
	deliveryBackoffMax  = time.Hour
)

// Delivery is one event waiting for, or delivered to, one sink.
type Delivery struct {
	ID               snowflake.ID `json:"id"`
	EventID          string       `json:"event_id"`
	Sink             string       `json:"sink"`
	Subject          Subject      `json:"subject"`
	PaymentRequestID snowflake.ID `json:"payment_request_id"`
	Status           string       `json:"status"`
	Payload          string       `json:"-"`
	Attempts         int          `json:"attempts"`
	LastError        *string      `json:"last_error,omitempty"`
	NextAttemptAt    time.Time    `json:"next_attempt_at"`
	DeliveredAt      *time.Time   `json:"delivered_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// storedEvent keeps the fields StatusChanged hides from consumers, the
// email sink needs them on redelivery.
type storedEvent struct {
	StatusChanged
	CustomerEmail  string     `json:"customer_email,omitempty"`
	Description    string     `json:"description,omitempty"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	NotifyCustomer bool       `json:"notify_customer,omitempty"`
}

func encodeEvent(ev StatusChanged) (string, error) {
	raw, err := json.Marshal(storedEvent{
		StatusChanged:  ev,
		CustomerEmail:  ev.CustomerEmail,
		Description:    ev.Description,
		PaidAt:         ev.PaidAt,
		NotifyCustomer: ev.NotifyCustomer,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeEvent(payload string) (StatusChanged, error) {
	var stored storedEvent
	if err := json.Unmarshal([]byte(payload), &stored); err != nil {
		return StatusChanged{}, err
	}
	ev := stored.StatusChanged
	ev.CustomerEmail = stored.CustomerEmail
	ev.Description = stored.Description
	ev.PaidAt = stored.PaidAt
	ev.NotifyCustomer = stored.NotifyCustomer
	return ev, nil
}

// deliveryBackoff is the wait after the given attempt number.
func deliveryBackoff(attempt int) time.Duration {
	wait := deliveryBackoffBase
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= deliveryBackoffMax {
			return deliveryBackoffMax
		}
	}
	return wait
}

type outbox struct{}

func (outbox) insert(ctx context.Context, tx *gorm.DB, d *Delivery) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO status_deliveries (
			id, event_id, sink, subject, payment_request_id, status, payload,
			attempts, next_attempt_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.EventID,
		d.Sink,
		d.Subject,
		d.PaymentRequestID,
		d.Status,
		d.Payload,
		d.Attempts,
		d.NextAttemptAt,
		d.CreatedAt,
		d.UpdatedAt,
	).Error
}

func (outbox) listDue(ctx context.Context, conn *gorm.DB, now time.Time, limit int) ([]Delivery, error) {
	var items []Delivery
	err := conn.WithContext(ctx).Raw(
		`SELECT `+deliveryColumns+`
		 FROM status_deliveries
		 WHERE delivered_at IS NULL AND next_attempt_at <= ? AND attempts < ?
		 ORDER BY next_attempt_at ASC, id ASC
		 LIMIT ?`,
		now,
		maxDeliveryAttempts,
		limit,
	).Scan(&items).Error
	return items, err
}

// lease counts the attempt and pushes next_attempt_at out before the sink
// is called, so a concurrent sweep skips the row and a crash retries it.
func (outbox) lease(ctx context.Context, conn *gorm.DB, d Delivery, now time.Time) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE status_deliveries
		 SET attempts = attempts + 1, next_attempt_at = ?, updated_at = ?
		 WHERE id = ? AND attempts = ? AND delivered_at IS NULL`,
		now.Add(deliveryBackoff(d.Attempts+1)),
		now,
		d.ID,
		d.Attempts,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (outbox) markDelivered(ctx context.Context, conn *gorm.DB, id snowflake.ID, now time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE status_deliveries
		 SET delivered_at = ?, last_error = NULL, updated_at = ?
		 WHERE id = ?`,
		now,
		now,
		id,
	).Error
}

func (outbox) markFailed(ctx context.Context, conn *gorm.DB, id snowflake.ID, message string, now time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE status_deliveries
		 SET last_error = ?, updated_at = ?
		 WHERE id = ?`,
		message,
		now,
		id,
	).Error
}

func (outbox) listByEvent(ctx context.Context, conn *gorm.DB, eventID string) ([]Delivery, error) {
	var items []Delivery
	err := conn.WithContext(ctx).Raw(
		`SELECT `+deliveryColumns+`
		 FROM status_deliveries
		 WHERE event_id = ?
		 ORDER BY sink ASC`,
		eventID,
	).Scan(&items).Error
	return items, err
}

const maxDeliveryError = 512

func errorText(message string) string {
	if len(message) <= maxDeliveryError {
		return message
	}
	cut := maxDeliveryError
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

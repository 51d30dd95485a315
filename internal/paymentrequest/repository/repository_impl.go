package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
	"github.com/smallbiznis/clinicpay/pkg/db"
)

const requestColumns = `id, customer_id, customer_email, booking_id, invoice_id, amount,
	currency, description, status, gateway_provider, checkout_id, checkout_reference,
	checkout_url, due_at, webhook_failure_count, next_poll_at, cancel_reason,
	cancelled_at, gateway_cancel_status, gateway_cancel_attempts,
	last_emitted_status, paid_at, created_at, updated_at`

const sessionColumns = `id, payment_request_id, provider, checkout_reference, checkout_id,
	redirect_url, amount, currency, return_url, cancel_url, state, error,
	created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, req *domain.PaymentRequest) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO payment_requests (
			id, customer_id, customer_email, booking_id, invoice_id, amount,
			currency, description, status, due_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID,
		req.CustomerID,
		req.CustomerEmail,
		req.BookingID,
		req.InvoiceID,
		req.Amount,
		req.Currency,
		req.Description,
		req.Status,
		req.DueAt,
		req.CreatedAt,
		req.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.PaymentRequest, error) {
	return r.findRequest(ctx, conn, id, "")
}

func (r *repo) Lock(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.PaymentRequest, error) {
	return r.findRequest(ctx, tx, id, db.ForUpdate(tx))
}

func (r *repo) findRequest(ctx context.Context, conn *gorm.DB, id snowflake.ID, lock string) (*domain.PaymentRequest, error) {
	var item domain.PaymentRequest
	err := conn.WithContext(ctx).Raw(
		`SELECT `+requestColumns+`
		 FROM payment_requests
		 WHERE id = ?
		 LIMIT 1`+lock,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) LockByCheckoutReference(ctx context.Context, tx *gorm.DB, reference string) (*domain.PaymentRequest, error) {
	session, err := r.FindSessionByReference(ctx, tx, reference)
	if err != nil || session == nil {
		return nil, err
	}
	return r.Lock(ctx, tx, session.PaymentRequestID)
}

func (r *repo) Update(ctx context.Context, tx *gorm.DB, req *domain.PaymentRequest, expected domain.Status) error {
	res := tx.WithContext(ctx).Exec(
		`UPDATE payment_requests
		 SET status = ?,
			gateway_provider = ?,
			checkout_id = ?,
			checkout_reference = ?,
			checkout_url = ?,
			next_poll_at = ?,
			cancel_reason = ?,
			cancelled_at = ?,
			gateway_cancel_status = ?,
			gateway_cancel_attempts = ?,
			paid_at = ?,
			updated_at = ?
		 WHERE id = ? AND status = ?`,
		req.Status,
		req.GatewayProvider,
		req.CheckoutID,
		req.CheckoutReference,
		req.CheckoutURL,
		req.NextPollAt,
		req.CancelReason,
		req.CancelledAt,
		req.GatewayCancelStatus,
		req.GatewayCancelAttempts,
		req.PaidAt,
		req.UpdatedAt,
		req.ID,
		expected,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConcurrentUpdate
	}
	return nil
}

func (r *repo) IncrementWebhookFailures(ctx context.Context, conn *gorm.DB, id snowflake.ID, now time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE payment_requests
		 SET webhook_failure_count = webhook_failure_count + 1, updated_at = ?
		 WHERE id = ?`,
		now,
		id,
	).Error
}

func (r *repo) SetNextPollAt(ctx context.Context, conn *gorm.DB, id snowflake.ID, next *time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE payment_requests SET next_poll_at = ? WHERE id = ?`,
		next,
		id,
	).Error
}

func (r *repo) ClaimEmission(ctx context.Context, conn *gorm.DB, id snowflake.ID, status domain.Status) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE payment_requests
		 SET last_emitted_status = ?
		 WHERE id = ? AND (last_emitted_status IS NULL OR last_emitted_status <> ?)`,
		status,
		id,
		status,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListExpirable(ctx context.Context, conn *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := conn.WithContext(ctx).Raw(
		`SELECT id
		 FROM payment_requests
		 WHERE status IN (?, ?) AND due_at < ?
		 ORDER BY due_at ASC, id ASC
		 LIMIT ?`,
		domain.StatusPending,
		domain.StatusSent,
		now,
		limit,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) ListUnemitted(ctx context.Context, conn *gorm.DB, statuses []domain.Status, updatedBefore time.Time, limit int) ([]domain.PaymentRequest, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	var items []domain.PaymentRequest
	err := conn.WithContext(ctx).Raw(
		`SELECT `+requestColumns+`
		 FROM payment_requests
		 WHERE status IN ?
		   AND (last_emitted_status IS NULL OR last_emitted_status <> status)
		   AND updated_at <= ?
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		values,
		updatedBefore,
		limit,
	).Scan(&items).Error
	return items, err
}

func (r *repo) ListCancellationsDue(ctx context.Context, conn *gorm.DB, updatedBefore time.Time, limit int) ([]domain.PaymentRequest, error) {
	var items []domain.PaymentRequest
	err := conn.WithContext(ctx).Raw(
		`SELECT `+requestColumns+`
		 FROM payment_requests
		 WHERE gateway_cancel_status = ? AND updated_at <= ?
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		domain.GatewayCancelPending,
		updatedBefore,
		limit,
	).Scan(&items).Error
	return items, err
}

func (r *repo) InsertSession(ctx context.Context, tx *gorm.DB, session *domain.CheckoutSession) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO checkout_sessions (
			id, payment_request_id, provider, checkout_reference, amount, currency,
			return_url, cancel_url, state, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.PaymentRequestID,
		session.Provider,
		session.CheckoutReference,
		session.Amount,
		session.Currency,
		session.ReturnURL,
		session.CancelURL,
		session.State,
		session.CreatedAt,
		session.UpdatedAt,
	).Error
}

func (r *repo) FindSessionByReference(ctx context.Context, conn *gorm.DB, reference string) (*domain.CheckoutSession, error) {
	return r.findSession(ctx, conn, "checkout_reference = ?", strings.TrimSpace(reference))
}

func (r *repo) FindOpeningSession(ctx context.Context, conn *gorm.DB, requestID snowflake.ID) (*domain.CheckoutSession, error) {
	return r.findSession(ctx, conn, "payment_request_id = ? AND state = ?", requestID, domain.SessionOpening)
}

func (r *repo) findSession(ctx context.Context, conn *gorm.DB, where string, args ...any) (*domain.CheckoutSession, error) {
	var item domain.CheckoutSession
	err := conn.WithContext(ctx).Raw(
		`SELECT `+sessionColumns+`
		 FROM checkout_sessions
		 WHERE `+where+`
		 ORDER BY id DESC
		 LIMIT 1`,
		args...,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListSessions(ctx context.Context, conn *gorm.DB, requestID snowflake.ID) ([]domain.CheckoutSession, error) {
	var items []domain.CheckoutSession
	err := conn.WithContext(ctx).Raw(
		`SELECT `+sessionColumns+`
		 FROM checkout_sessions
		 WHERE payment_request_id = ?
		 ORDER BY id ASC`,
		requestID,
	).Scan(&items).Error
	return items, err
}

func (r *repo) ListStaleOpeningSessions(ctx context.Context, conn *gorm.DB, updatedBefore time.Time, limit int) ([]domain.CheckoutSession, error) {
	var items []domain.CheckoutSession
	err := conn.WithContext(ctx).Raw(
		`SELECT `+sessionColumns+`
		 FROM checkout_sessions
		 WHERE state = ? AND updated_at <= ?
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		domain.SessionOpening,
		updatedBefore,
		limit,
	).Scan(&items).Error
	return items, err
}

func (r *repo) TouchSession(ctx context.Context, conn *gorm.DB, id snowflake.ID, now time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE checkout_sessions SET updated_at = ? WHERE id = ? AND state = ?`,
		now,
		id,
		domain.SessionOpening,
	).Error
}

func (r *repo) MarkSessionOpen(ctx context.Context, tx *gorm.DB, id snowflake.ID, checkoutID, redirectURL string, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE checkout_sessions
		 SET state = ?, checkout_id = ?, redirect_url = ?, error = NULL, updated_at = ?
		 WHERE id = ?`,
		domain.SessionOpen,
		checkoutID,
		redirectURL,
		now,
		id,
	).Error
}

func (r *repo) MarkSessionRejected(ctx context.Context, conn *gorm.DB, id snowflake.ID, message string, now time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE checkout_sessions
		 SET state = ?, error = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		domain.SessionRejected,
		message,
		now,
		id,
		domain.SessionOpening,
	).Error
}

package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/smallbiznis/clinicpay/internal/payment/domain"
	"github.com/smallbiznis/clinicpay/pkg/db"
)

const paymentColumns = `id, payment_request_id, customer_id, transaction_id, checkout_id,
	checkout_reference, amount, currency, status, method, failure_reason,
	refund_amount, refund_reason, status_history, gateway_observed_at,
	last_emitted_status, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Guard(ctx context.Context, tx *gorm.DB, candidate *domain.Payment) (*domain.Payment, bool, error) {
	if candidate == nil || strings.TrimSpace(candidate.CheckoutReference) == "" {
		return nil, false, domain.ErrInvalidReference
	}
	if candidate.StatusHistory == nil {
		candidate.StatusHistory = []domain.StatusChange{}
	}

	res := tx.WithContext(ctx).Exec(
		`INSERT INTO payments (
			id, payment_request_id, customer_id, transaction_id, checkout_id,
			checkout_reference, amount, currency, status, method, failure_reason,
			refund_amount, refund_reason, status_history, gateway_observed_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (checkout_reference) DO NOTHING`,
		candidate.ID,
		candidate.PaymentRequestID,
		candidate.CustomerID,
		candidate.TransactionID,
		candidate.CheckoutID,
		candidate.CheckoutReference,
		candidate.Amount,
		candidate.Currency,
		candidate.Status,
		candidate.Method,
		candidate.FailureReason,
		candidate.RefundAmount,
		candidate.RefundReason,
		candidate.StatusHistory,
		candidate.GatewayObservedAt,
		candidate.CreatedAt,
		candidate.UpdatedAt,
	)
	if res.Error != nil {
		return nil, false, res.Error
	}
	inserted := res.RowsAffected > 0

	var item domain.Payment
	err := tx.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE checkout_reference = ?
		 LIMIT 1`+db.ForUpdate(tx),
		candidate.CheckoutReference,
	).Scan(&item).Error
	if err != nil {
		return nil, false, err
	}
	if item.ID == 0 {
		return nil, false, domain.ErrNotFound
	}
	return &item, inserted, nil
}

func (r *repo) Update(ctx context.Context, tx *gorm.DB, p *domain.Payment, expected domain.Status) error {
	if p.StatusHistory == nil {
		p.StatusHistory = []domain.StatusChange{}
	}
	res := tx.WithContext(ctx).Exec(
		`UPDATE payments
		 SET payment_request_id = ?,
			customer_id = ?,
			transaction_id = ?,
			checkout_id = ?,
			amount = ?,
			currency = ?,
			status = ?,
			method = ?,
			failure_reason = ?,
			refund_amount = ?,
			refund_reason = ?,
			status_history = ?,
			gateway_observed_at = ?,
			updated_at = ?
		 WHERE id = ? AND status = ?`,
		p.PaymentRequestID,
		p.CustomerID,
		p.TransactionID,
		p.CheckoutID,
		p.Amount,
		p.Currency,
		p.Status,
		p.Method,
		p.FailureReason,
		p.RefundAmount,
		p.RefundReason,
		p.StatusHistory,
		p.GatewayObservedAt,
		p.UpdatedAt,
		p.ID,
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

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	return r.findOne(ctx, conn, "id = ?", id)
}

func (r *repo) FindByReference(ctx context.Context, conn *gorm.DB, reference string) (*domain.Payment, error) {
	return r.findOne(ctx, conn, "checkout_reference = ?", strings.TrimSpace(reference))
}

func (r *repo) findOne(ctx context.Context, conn *gorm.DB, where string, arg any) (*domain.Payment, error) {
	var item domain.Payment
	err := conn.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE `+where+`
		 LIMIT 1`,
		arg,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListByRequest(ctx context.Context, conn *gorm.DB, requestID snowflake.ID) ([]domain.Payment, error) {
	var items []domain.Payment
	err := conn.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE payment_request_id = ?
		 ORDER BY created_at ASC, id ASC`,
		requestID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListUnemitted(ctx context.Context, conn *gorm.DB, statuses []domain.Status, updatedBefore time.Time, limit int) ([]domain.Payment, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	var items []domain.Payment
	err := conn.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE payment_request_id IS NOT NULL
		   AND status IN ?
		   AND (last_emitted_status IS NULL OR last_emitted_status <> status)
		   AND updated_at <= ?
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		values,
		updatedBefore,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ClaimEmission(ctx context.Context, conn *gorm.DB, id snowflake.ID, status domain.Status) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE payments
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

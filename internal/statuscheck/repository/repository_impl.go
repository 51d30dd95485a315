package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/smallbiznis/clinicpay/internal/statuscheck/domain"
	"github.com/smallbiznis/clinicpay/pkg/db"
)

const checkColumns = `id, payment_request_id, provider, checkout_id, checkout_reference,
	attempt_count, max_attempts, next_check_at, status, last_gateway_status,
	last_error, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, check *domain.PaymentStatusCheck) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO payment_status_checks (
			id, payment_request_id, provider, checkout_id, checkout_reference,
			attempt_count, max_attempts, next_check_at, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		check.ID,
		check.PaymentRequestID,
		check.Provider,
		check.CheckoutID,
		check.CheckoutReference,
		check.AttemptCount,
		check.MaxAttempts,
		truncate(check.NextCheckAt),
		check.Status,
		check.CreatedAt,
		check.UpdatedAt,
	).Error
}

func (r *repo) CloseActiveForRequest(ctx context.Context, tx *gorm.DB, requestID snowflake.ID, status domain.Status, now time.Time) (int64, error) {
	res := tx.WithContext(ctx).Exec(
		`UPDATE payment_status_checks
		 SET status = ?, updated_at = ?
		 WHERE payment_request_id = ? AND status = ?`,
		status,
		now,
		requestID,
		domain.StatusActive,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) FindActiveByRequest(ctx context.Context, conn *gorm.DB, requestID snowflake.ID) (*domain.PaymentStatusCheck, error) {
	var item domain.PaymentStatusCheck
	err := conn.WithContext(ctx).Raw(
		`SELECT `+checkColumns+`
		 FROM payment_status_checks
		 WHERE payment_request_id = ? AND status = ?
		 LIMIT 1`,
		requestID,
		domain.StatusActive,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListByRequest(ctx context.Context, conn *gorm.DB, requestID snowflake.ID) ([]domain.PaymentStatusCheck, error) {
	var items []domain.PaymentStatusCheck
	err := conn.WithContext(ctx).Raw(
		`SELECT `+checkColumns+`
		 FROM payment_status_checks
		 WHERE payment_request_id = ?
		 ORDER BY id ASC`,
		requestID,
	).Scan(&items).Error
	return items, err
}

func (r *repo) ClaimDue(ctx context.Context, conn *gorm.DB, now, leaseUntil time.Time, limit int) ([]domain.PaymentStatusCheck, error) {
	leaseUntil = truncate(leaseUntil)
	var claimed []domain.PaymentStatusCheck

	err := conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []domain.PaymentStatusCheck
		err := tx.Raw(
			`SELECT `+checkColumns+`
			 FROM payment_status_checks
			 WHERE status = ? AND next_check_at <= ?
			 ORDER BY next_check_at ASC, id ASC
			 LIMIT ?`+db.ForUpdateSkipLocked(tx),
			domain.StatusActive,
			now,
			limit,
		).Scan(&due).Error
		if err != nil {
			return err
		}

		for _, check := range due {
			res := tx.Exec(
				`UPDATE payment_status_checks
				 SET next_check_at = ?, updated_at = ?
				 WHERE id = ? AND status = ? AND next_check_at = ?`,
				leaseUntil,
				now,
				check.ID,
				domain.StatusActive,
				check.NextCheckAt,
			)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			check.NextCheckAt = leaseUntil
			claimed = append(claimed, check)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *repo) RecordAttempt(ctx context.Context, conn *gorm.DB, check domain.PaymentStatusCheck, attempt domain.Attempt) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE payment_status_checks
		 SET attempt_count = attempt_count + 1,
			next_check_at = ?,
			last_gateway_status = ?,
			last_error = ?,
			updated_at = ?
		 WHERE id = ? AND status = ? AND next_check_at = ?`,
		truncate(attempt.NextCheckAt),
		nullable(attempt.GatewayStatus),
		nullable(attempt.Error),
		attempt.At,
		check.ID,
		domain.StatusActive,
		check.NextCheckAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, conn *gorm.DB, check domain.PaymentStatusCheck, attempt domain.Attempt) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE payment_status_checks
		 SET attempt_count = attempt_count + 1,
			status = ?,
			last_gateway_status = ?,
			last_error = ?,
			updated_at = ?
		 WHERE id = ? AND status = ? AND next_check_at = ?`,
		domain.StatusFailed,
		nullable(attempt.GatewayStatus),
		nullable(attempt.Error),
		attempt.At,
		check.ID,
		domain.StatusActive,
		check.NextCheckAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// truncate matches the microsecond precision Postgres keeps, so lease
// comparisons on next_check_at stay exact.
func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

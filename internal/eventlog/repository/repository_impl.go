package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/smallbiznis/clinicpay/internal/eventlog/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.WebhookEvent) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (
			id, provider, payload, signature_valid, processed, received_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Provider,
		event.Payload,
		event.SignatureValid,
		event.Processed,
		event.ReceivedAt,
	).Error
}

func (r *repo) AnnotateEvent(ctx context.Context, db *gorm.DB, id snowflake.ID, ann domain.Annotation) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET event_id = COALESCE(?, event_id),
			event_type = COALESCE(?, event_type),
			checkout_reference = COALESCE(?, checkout_reference),
			transaction_id = COALESCE(?, transaction_id),
			signature_valid = ?
		 WHERE id = ?`,
		nullable(ann.EventID),
		nullable(ann.EventType),
		nullable(ann.CheckoutReference),
		nullable(ann.TransactionID),
		ann.SignatureValid,
		id,
	).Error
}

func (r *repo) FinishEvent(ctx context.Context, db *gorm.DB, id snowflake.ID, processed bool, message *string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET processed = ?, error_message = ?, processed_at = ?
		 WHERE id = ?`,
		processed,
		message,
		at,
		id,
	).Error
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.WebhookEvent, error) {
	var item domain.WebhookEvent
	if err := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListEvents(ctx context.Context, db *gorm.DB, filter domain.EventFilter) ([]domain.WebhookEvent, error) {
	var items []domain.WebhookEvent
	stmt := db.WithContext(ctx).Model(&domain.WebhookEvent{})
	if provider := strings.TrimSpace(filter.Provider); provider != "" {
		stmt = stmt.Where("provider = ?", provider)
	}
	if ref := strings.TrimSpace(filter.CheckoutReference); ref != "" {
		stmt = stmt.Where("checkout_reference = ?", ref)
	}
	if filter.Processed != nil {
		stmt = stmt.Where("processed = ?", *filter.Processed)
	}
	if filter.BeforeID != 0 {
		stmt = stmt.Where("id < ?", filter.BeforeID)
	}
	stmt = stmt.Order("id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertFailure(ctx context.Context, db *gorm.DB, f *domain.ProcessingFailure) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO processing_failures (
			id, webhook_event_id, payment_request_id, kind, checkout_reference,
			message, retry_count, max_retries, next_retry_at, resolved,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID,
		f.WebhookEventID,
		f.PaymentRequestID,
		f.Kind,
		f.CheckoutReference,
		f.Message,
		f.RetryCount,
		f.MaxRetries,
		f.NextRetryAt,
		f.Resolved,
		f.CreatedAt,
		f.UpdatedAt,
	).Error
}

func (r *repo) FindOpenFailure(ctx context.Context, db *gorm.DB, kind domain.FailureKind, eventID *snowflake.ID, reference string) (*domain.ProcessingFailure, error) {
	var item domain.ProcessingFailure
	stmt := db.WithContext(ctx).
		Where("kind = ? AND resolved = ?", kind, false)
	if eventID != nil {
		stmt = stmt.Where("webhook_event_id = ?", *eventID)
	} else {
		stmt = stmt.Where("webhook_event_id IS NULL AND checkout_reference = ?", reference)
	}
	if err := stmt.Order("id asc").Limit(1).Find(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindFailure(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.ProcessingFailure, error) {
	var item domain.ProcessingFailure
	if err := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListDueFailures(ctx context.Context, db *gorm.DB, kind domain.FailureKind, now time.Time, limit int) ([]domain.ProcessingFailure, error) {
	var items []domain.ProcessingFailure
	err := db.WithContext(ctx).Raw(
		`SELECT *
		 FROM processing_failures
		 WHERE resolved = ? AND kind = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC, id ASC
		 LIMIT ?`,
		false,
		kind,
		now,
		limit,
	).Scan(&items).Error
	return items, err
}

func (r *repo) UpdateRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, next *time.Time, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE processing_failures
		 SET retry_count = retry_count + 1, message = ?, next_retry_at = ?, updated_at = ?
		 WHERE id = ? AND resolved = ?`,
		message,
		next,
		now,
		id,
		false,
	).Error
}

func (r *repo) Resolve(ctx context.Context, db *gorm.DB, id snowflake.ID, note string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE processing_failures
		 SET resolved = ?, resolved_at = ?, resolution_note = ?, next_retry_at = NULL, updated_at = ?
		 WHERE id = ? AND resolved = ?`,
		true,
		now,
		nullable(note),
		now,
		id,
		false,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListFailures(ctx context.Context, db *gorm.DB, filter domain.FailureFilter) ([]domain.ProcessingFailure, error) {
	var items []domain.ProcessingFailure
	stmt := db.WithContext(ctx).Model(&domain.ProcessingFailure{})
	if filter.Kind != "" {
		stmt = stmt.Where("kind = ?", filter.Kind)
	}
	if filter.Resolved != nil {
		stmt = stmt.Where("resolved = ?", *filter.Resolved)
	}
	if filter.PaymentRequestID != 0 {
		stmt = stmt.Where("payment_request_id = ?", filter.PaymentRequestID)
	}
	if filter.BeforeID != 0 {
		stmt = stmt.Where("id < ?", filter.BeforeID)
	}
	stmt = stmt.Order("id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func nullable(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/clinicpay/internal/audit/domain"
	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/eventlog/domain"
	obsmetrics "github.com/smallbiznis/clinicpay/internal/observability/metrics"
	"github.com/smallbiznis/clinicpay/pkg/db/pagination"
)

const maxMessageLength = 1024

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Audit      auditdomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	audit      auditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("eventlog.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		audit:      p.Audit,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) RecordReceived(ctx context.Context, provider string, payload []byte) (*domain.WebhookEvent, error) {
	event := &domain.WebhookEvent{
		ID:         s.genID.Generate(),
		Provider:   strings.ToLower(strings.TrimSpace(provider)),
		Payload:    toValidUTF8(payload),
		ReceivedAt: s.clock.Now(),
	}
	if err := s.repo.InsertEvent(ctx, s.db, event); err != nil {
		return nil, err
	}
	return event, nil
}

func (s *Service) Annotate(ctx context.Context, id snowflake.ID, ann domain.Annotation) error {
	return s.repo.AnnotateEvent(ctx, s.db, id, ann)
}

func (s *Service) MarkProcessed(ctx context.Context, id snowflake.ID, note string) error {
	var message *string
	if note = strings.TrimSpace(note); note != "" {
		message = &note
	}
	return s.repo.FinishEvent(ctx, s.db, id, true, message, s.clock.Now())
}

func (s *Service) MarkFailed(ctx context.Context, id snowflake.ID, message string) error {
	message = truncate(message)
	return s.repo.FinishEvent(ctx, s.db, id, false, &message, s.clock.Now())
}

func (s *Service) GetEvent(ctx context.Context, id snowflake.ID) (*domain.WebhookEvent, error) {
	event, err := s.repo.FindEvent(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, domain.ErrEventNotFound
	}
	return event, nil
}

func (s *Service) ListEvents(ctx context.Context, req domain.ListEventsRequest) (domain.ListEventsResponse, error) {
	beforeID, err := decodeToken(req.PageToken)
	if err != nil {
		return domain.ListEventsResponse{}, err
	}
	limit := req.Limit()
	items, err := s.repo.ListEvents(ctx, s.db, domain.EventFilter{
		Provider:          req.Provider,
		CheckoutReference: req.CheckoutReference,
		Processed:         req.Processed,
		BeforeID:          beforeID,
		Limit:             limit,
	})
	if err != nil {
		return domain.ListEventsResponse{}, err
	}
	events, pageInfo, err := pagination.Trim(items, limit, func(e domain.WebhookEvent) string { return e.ID.String() })
	if err != nil {
		return domain.ListEventsResponse{}, err
	}
	if events == nil {
		events = []domain.WebhookEvent{}
	}
	return domain.ListEventsResponse{PageInfo: pageInfo, Events: events}, nil
}

func (s *Service) RecordFailure(ctx context.Context, in domain.FailureInput) (*domain.ProcessingFailure, error) {
	if !in.Kind.Valid() {
		return nil, domain.ErrInvalidKind
	}

	existing, err := s.repo.FindOpenFailure(ctx, s.db, in.Kind, in.WebhookEventID, in.CheckoutReference)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.clock.Now()
	failure := &domain.ProcessingFailure{
		ID:                s.genID.Generate(),
		WebhookEventID:    in.WebhookEventID,
		PaymentRequestID:  in.PaymentRequestID,
		Kind:              in.Kind,
		CheckoutReference: strings.TrimSpace(in.CheckoutReference),
		Message:           truncate(in.Message),
		MaxRetries:        in.MaxRetries,
		NextRetryAt:       in.NextRetryAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.InsertFailure(ctx, s.db, failure); err != nil {
		return nil, err
	}

	s.log.Warn("processing failure recorded",
		zap.String("failure_id", failure.ID.String()),
		zap.String("kind", string(failure.Kind)),
		zap.String("checkout_reference", failure.CheckoutReference),
	)
	s.obsMetrics.RecordProcessingFailure(ctx, string(failure.Kind))
	return failure, nil
}

func (s *Service) DueRetries(ctx context.Context, kind domain.FailureKind, limit int) ([]domain.ProcessingFailure, error) {
	return s.repo.ListDueFailures(ctx, s.db, kind, s.clock.Now(), limit)
}

func (s *Service) RecordRetry(ctx context.Context, failure domain.ProcessingFailure, message string, next *time.Time) error {
	return s.repo.UpdateRetry(ctx, s.db, failure.ID, truncate(message), next, s.clock.Now())
}

func (s *Service) Resolve(ctx context.Context, id snowflake.ID, note string) (*domain.ProcessingFailure, error) {
	failure, err := s.repo.FindFailure(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if failure == nil {
		return nil, domain.ErrFailureNotFound
	}

	ok, err := s.repo.Resolve(ctx, s.db, id, strings.TrimSpace(note), s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrAlreadyResolved
	}

	if s.audit != nil {
		target := id.String()
		if err := s.audit.AuditLog(ctx, "", nil, auditdomain.ActionFailureResolved, auditdomain.TargetProcessingFailure, &target, map[string]any{
			"kind":               string(failure.Kind),
			"checkout_reference": failure.CheckoutReference,
			"note":               strings.TrimSpace(note),
		}); err != nil {
			s.log.Warn("audit log failed", zap.Error(err))
		}
	}
	return s.repo.FindFailure(ctx, s.db, id)
}

func (s *Service) ListFailures(ctx context.Context, req domain.ListFailuresRequest) (domain.ListFailuresResponse, error) {
	beforeID, err := decodeToken(req.PageToken)
	if err != nil {
		return domain.ListFailuresResponse{}, err
	}
	kind := domain.FailureKind(strings.TrimSpace(req.Kind))
	if kind != "" && !kind.Valid() {
		return domain.ListFailuresResponse{}, domain.ErrInvalidKind
	}
	var requestID snowflake.ID
	if raw := strings.TrimSpace(req.PaymentRequestID); raw != "" {
		requestID, err = snowflake.ParseString(raw)
		if err != nil {
			return domain.ListFailuresResponse{}, domain.ErrFailureNotFound
		}
	}

	limit := req.Limit()
	items, err := s.repo.ListFailures(ctx, s.db, domain.FailureFilter{
		Kind:             kind,
		Resolved:         req.Resolved,
		PaymentRequestID: requestID,
		BeforeID:         beforeID,
		Limit:            limit,
	})
	if err != nil {
		return domain.ListFailuresResponse{}, err
	}
	failures, pageInfo, err := pagination.Trim(items, limit, func(f domain.ProcessingFailure) string { return f.ID.String() })
	if err != nil {
		return domain.ListFailuresResponse{}, err
	}
	if failures == nil {
		failures = []domain.ProcessingFailure{}
	}
	return domain.ListFailuresResponse{PageInfo: pageInfo, Failures: failures}, nil
}

func decodeToken(token string) (snowflake.ID, error) {
	if strings.TrimSpace(token) == "" {
		return 0, nil
	}
	cursor, err := pagination.DecodeCursor(token)
	if err != nil {
		return 0, domain.ErrInvalidPageToken
	}
	id, err := snowflake.ParseString(cursor.ID)
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidPageToken
	}
	return id, nil
}

// toValidUTF8 keeps the raw body storable in a TEXT column even when a
// sender posts binary garbage. Postgres rejects NUL in text.
func toValidUTF8(payload []byte) string {
	out := string(payload)
	if !utf8.ValidString(out) {
		out = strings.ToValidUTF8(out, "\uFFFD")
	}
	return strings.ReplaceAll(out, "\x00", "")
}

func truncate(message string) string {
	message = strings.TrimSpace(message)
	if len(message) <= maxMessageLength {
		return message
	}
	cut := maxMessageLength
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

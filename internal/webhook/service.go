package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/config"
	eventlogdomain "github.com/smallbiznis/clinicpay/internal/eventlog/domain"
	"github.com/smallbiznis/clinicpay/internal/gateway"
	gatewaydomain "github.com/smallbiznis/clinicpay/internal/gateway/domain"
	obslogger "github.com/smallbiznis/clinicpay/internal/observability/logger"
	"github.com/smallbiznis/clinicpay/internal/observability/metrics"
	prdomain "github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
	"github.com/smallbiznis/clinicpay/internal/reconcile"
)

var tracer = otel.Tracer("clinicpay/webhook")

// Outcome is what happened to an accepted notification. Every outcome is
// acknowledged to the gateway with 200.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeUnmatched Outcome = "unmatched"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Events   eventlogdomain.Service
	Gateway  gateway.Resolver
	Engine   *reconcile.Engine
	Requests prdomain.Repository
	Policy   *config.ReconcilePolicyHolder
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	events   eventlogdomain.Service
	gateway  gateway.Resolver
	engine   *reconcile.Engine
	requests prdomain.Repository
	policy   *config.ReconcilePolicyHolder
	metrics  *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("webhook.service"),
		clock:    p.Clock,
		events:   p.Events,
		gateway:  p.Gateway,
		engine:   p.Engine,
		requests: p.Requests,
		policy:   p.Policy,
		metrics:  p.Metrics,
	}
}

// Ingest stores the raw notification before anything else, then verifies,
// parses and reconciles it. Errors wrapping ErrInvalidSignature or
// ErrInvalidPayload are the sender's fault; any other error is ours and the
// gateway should redeliver.
func (s *Service) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (Outcome, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return "", gatewaydomain.ErrProviderNotFound
	}

	ctx, span := tracer.Start(ctx, "webhook.ingest", trace.WithAttributes(attribute.String("provider", provider)))
	defer span.End()

	event, err := s.events.RecordReceived(ctx, provider, payload)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("record webhook event: %w", err)
	}
	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("provider", provider),
		zap.String("webhook_event_id", event.ID.String()),
	)

	handler, err := s.gateway.Webhooks(provider)
	if err != nil {
		log.Warn("webhook for unknown provider", zap.Error(err))
		s.markFailed(ctx, log, event.ID, err.Error())
		s.metrics.RecordWebhookEvent(ctx, provider, "", "unknown_provider")
		return "", err
	}

	if err := handler.Verify(ctx, payload, headers); err != nil {
		log.Warn("webhook signature rejected", zap.Error(err))
		s.markFailed(ctx, log, event.ID, "invalid signature")
		s.metrics.RecordWebhookEvent(ctx, provider, "", "invalid_signature")
		return "", gatewaydomain.ErrInvalidSignature
	}

	n, parseErr := handler.Parse(ctx, payload)
	s.annotate(ctx, log, event.ID, n)
	if errors.Is(parseErr, gatewaydomain.ErrEventIgnored) {
		s.markProcessed(ctx, log, event.ID, "event type not handled")
		s.metrics.RecordWebhookEvent(ctx, provider, eventType(n), string(OutcomeIgnored))
		return OutcomeIgnored, nil
	}
	if parseErr == nil && strings.TrimSpace(n.CheckoutReference) == "" {
		parseErr = gatewaydomain.ErrInvalidPayload
	}
	if parseErr != nil {
		log.Warn("webhook payload rejected", zap.Error(parseErr))
		s.markFailed(ctx, log, event.ID, parseErr.Error())
		s.recordFailure(ctx, log, eventlogdomain.FailureInput{
			WebhookEventID:    &event.ID,
			Kind:              eventlogdomain.KindMalformedPayload,
			CheckoutReference: reference(n),
			Message:           parseErr.Error(),
		})
		s.metrics.RecordWebhookEvent(ctx, provider, eventType(n), "malformed")
		return "", gatewaydomain.ErrInvalidPayload
	}

	obs := observationFrom(n, event, s.policy.Get())
	span.SetAttributes(attribute.String("checkout_reference", obs.CheckoutReference))
	log = obslogger.WithPaymentRequest(log, "", obs.CheckoutReference)

	res, err := s.engine.Apply(ctx, obs)
	switch {
	case errors.Is(err, reconcile.ErrUnmatchedReference):
		s.deferUnmatched(ctx, log, event.ID, obs)
		s.metrics.RecordWebhookEvent(ctx, provider, obs.EventType, string(OutcomeUnmatched))
		return OutcomeUnmatched, nil
	case err != nil:
		span.RecordError(err)
		log.Error("webhook processing failed", zap.Error(err))
		s.markFailed(ctx, log, event.ID, err.Error())
		s.recordFailure(ctx, log, eventlogdomain.FailureInput{
			WebhookEventID:    &event.ID,
			Kind:              eventlogdomain.KindProcessingError,
			CheckoutReference: obs.CheckoutReference,
			Message:           err.Error(),
		})
		s.countRequestFailure(ctx, log, obs.CheckoutReference)
		s.metrics.RecordWebhookEvent(ctx, provider, obs.EventType, "error")
		return "", err
	}

	outcome, note := OutcomeProcessed, ""
	if !res.Applied() {
		outcome, note = OutcomeIgnored, "ignored: "+res.Decision.Reason
	}
	s.markProcessed(ctx, log, event.ID, note)
	s.metrics.RecordWebhookEvent(ctx, provider, obs.EventType, string(outcome))
	return outcome, nil
}

// RetryUnmatched re-runs notifications whose checkout reference was unknown
// when they arrived. The last allowed attempt records an orphan payment so
// money is never silently dropped; its failure entry stays open for review.
func (s *Service) RetryUnmatched(ctx context.Context, limit int) (int, error) {
	due, err := s.events.DueRetries(ctx, eventlogdomain.KindUnmatchedReference, limit)
	if err != nil {
		return 0, err
	}

	policy := s.policy.Get()
	var (
		handled int
		errs    []error
	)
	for _, failure := range due {
		if err := s.retryOne(ctx, failure, policy); err != nil {
			errs = append(errs, fmt.Errorf("failure %s: %w", failure.ID, err))
			continue
		}
		handled++
	}
	return handled, errors.Join(errs...)
}

func (s *Service) retryOne(ctx context.Context, failure eventlogdomain.ProcessingFailure, policy config.ReconcilePolicy) error {
	log := s.log.With(
		zap.String("failure_id", failure.ID.String()),
		zap.String("checkout_reference", failure.CheckoutReference),
		zap.Int("retry", failure.RetryCount+1),
	)
	if failure.WebhookEventID == nil {
		return s.events.RecordRetry(ctx, failure, "no webhook event to replay", nil)
	}
	event, err := s.events.GetEvent(ctx, *failure.WebhookEventID)
	if err != nil {
		return err
	}
	handler, err := s.gateway.Webhooks(event.Provider)
	if err != nil {
		return s.events.RecordRetry(ctx, failure, err.Error(), nil)
	}
	// The signature was checked on arrival; only the payload is replayed.
	n, err := handler.Parse(ctx, []byte(event.Payload))
	if err != nil {
		return s.events.RecordRetry(ctx, failure, err.Error(), nil)
	}

	obs := observationFrom(n, event, policy)
	last := failure.RetryCount+1 >= failure.MaxRetries
	obs.AllowOrphan = last

	res, err := s.engine.Apply(ctx, obs)
	if err != nil {
		if last {
			log.Warn("unmatched webhook retries exhausted", zap.Error(err))
			return s.events.RecordRetry(ctx, failure, err.Error(), nil)
		}
		retryAt := s.clock.Now().Add(policy.UnmatchedRetryInterval)
		if recErr := s.events.RecordRetry(ctx, failure, err.Error(), &retryAt); recErr != nil {
			return recErr
		}
		if errors.Is(err, reconcile.ErrUnmatchedReference) {
			return nil
		}
		return err
	}

	s.markProcessed(ctx, log, event.ID, "matched on retry")
	if res.Orphan {
		log.Warn("unmatched webhook recorded as orphan payment")
		return s.events.RecordRetry(ctx, failure, "recorded as orphan payment, manual review required", nil)
	}
	if _, err := s.events.Resolve(ctx, failure.ID, "matched on retry"); err != nil && !errors.Is(err, eventlogdomain.ErrAlreadyResolved) {
		return err
	}
	log.Info("unmatched webhook reconciled on retry")
	return nil
}

// observationFrom falls back to the arrival time for undated events so a
// replay orders the same as the first delivery.
func observationFrom(n *gatewaydomain.Notification, event *eventlogdomain.WebhookEvent, policy config.ReconcilePolicy) reconcile.Observation {
	obs := reconcile.FromNotification(n, policy)
	obs.WebhookEventID = &event.ID
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = event.ReceivedAt
	}
	return obs
}

func (s *Service) deferUnmatched(ctx context.Context, log *zap.Logger, eventID snowflake.ID, obs reconcile.Observation) {
	policy := s.policy.Get()
	retryAt := s.clock.Now().Add(policy.UnmatchedRetryInterval)
	log.Warn("webhook references unknown checkout, retry scheduled", zap.Time("next_retry_at", retryAt))
	s.markFailed(ctx, log, eventID, reconcile.ErrUnmatchedReference.Error())
	s.recordFailure(ctx, log, eventlogdomain.FailureInput{
		WebhookEventID:    &eventID,
		Kind:              eventlogdomain.KindUnmatchedReference,
		CheckoutReference: obs.CheckoutReference,
		Message:           fmt.Sprintf("no payment request for checkout reference %q", obs.CheckoutReference),
		MaxRetries:        policy.UnmatchedMaxRetries,
		NextRetryAt:       &retryAt,
	})
}

func (s *Service) countRequestFailure(ctx context.Context, log *zap.Logger, ref string) {
	session, err := s.requests.FindSessionByReference(ctx, s.db, ref)
	if err != nil || session == nil {
		return
	}
	if err := s.requests.IncrementWebhookFailures(ctx, s.db, session.PaymentRequestID, s.clock.Now()); err != nil {
		log.Warn("count webhook failure", zap.Error(err))
	}
}

func (s *Service) annotate(ctx context.Context, log *zap.Logger, id snowflake.ID, n *gatewaydomain.Notification) {
	if n == nil {
		n = &gatewaydomain.Notification{}
	}
	err := s.events.Annotate(ctx, id, eventlogdomain.Annotation{
		EventID:           n.EventID,
		EventType:         n.EventType,
		CheckoutReference: n.CheckoutReference,
		TransactionID:     n.TransactionID,
		SignatureValid:    true,
	})
	if err != nil {
		log.Warn("annotate webhook event", zap.Error(err))
	}
}

func (s *Service) markProcessed(ctx context.Context, log *zap.Logger, id snowflake.ID, note string) {
	if err := s.events.MarkProcessed(ctx, id, note); err != nil {
		log.Warn("mark webhook processed", zap.Error(err))
	}
}

func (s *Service) markFailed(ctx context.Context, log *zap.Logger, id snowflake.ID, message string) {
	if err := s.events.MarkFailed(ctx, id, message); err != nil {
		log.Warn("mark webhook failed", zap.Error(err))
	}
}

func (s *Service) recordFailure(ctx context.Context, log *zap.Logger, in eventlogdomain.FailureInput) {
	if _, err := s.events.RecordFailure(ctx, in); err != nil {
		log.Error("record processing failure", zap.Error(err))
	}
}

func eventType(n *gatewaydomain.Notification) string {
	if n == nil {
		return ""
	}
	return n.EventType
}

func reference(n *gatewaydomain.Notification) string {
	if n == nil {
		return ""
	}
	return n.CheckoutReference
}

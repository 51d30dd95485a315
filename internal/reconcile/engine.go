package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/clinicpay/internal/audit/domain"
	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/config"
	eventlogdomain "github.com/smallbiznis/clinicpay/internal/eventlog/domain"
	"github.com/smallbiznis/clinicpay/internal/fanout"
	"github.com/smallbiznis/clinicpay/internal/gateway"
	obslogger "github.com/smallbiznis/clinicpay/internal/observability/logger"
	"github.com/smallbiznis/clinicpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
	prdomain "github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
	checkdomain "github.com/smallbiznis/clinicpay/internal/statuscheck/domain"
)

var tracer = otel.Tracer("clinicpay/reconcile")

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Requests     prdomain.Repository
	Payments     paymentdomain.Repository
	StatusChecks checkdomain.Repository
	Events       eventlogdomain.Service
	Gateway      gateway.Resolver
	Publisher    fanout.Publisher
	Policy       *config.ReconcilePolicyHolder
	Audit        auditdomain.Service `optional:"true"`
	Metrics      *metrics.Metrics    `optional:"true"`
}

// Engine applies observations to the stores. Every write for one
// observation happens in a single transaction that locks the request row
// before the payment row; notifications go out only after commit.
type Engine struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	requests     prdomain.Repository
	payments     paymentdomain.Repository
	statusChecks checkdomain.Repository
	events       eventlogdomain.Service
	gateway      gateway.Resolver
	publisher    fanout.Publisher
	policy       *config.ReconcilePolicyHolder
	audit        auditdomain.Service
	metrics      *metrics.Metrics
}

func NewEngine(p Params) *Engine {
	return &Engine{
		db:           p.DB,
		log:          p.Log.Named("reconcile.engine"),
		genID:        p.GenID,
		clock:        p.Clock,
		requests:     p.Requests,
		payments:     p.Payments,
		statusChecks: p.StatusChecks,
		events:       p.Events,
		gateway:      p.Gateway,
		publisher:    p.Publisher,
		policy:       p.Policy,
		audit:        p.Audit,
		metrics:      p.Metrics,
	}
}

// Result reports what an observation did.
type Result struct {
	Observation           Observation
	Decision              Decision
	Request               *prdomain.PaymentRequest
	Payment               *paymentdomain.Payment
	PreviousPaymentStatus paymentdomain.Status
	PreviousRequestStatus prdomain.Status
	Orphan                bool
}

func (r *Result) Applied() bool {
	return r != nil && r.Decision.Action != ActionIgnore
}

// Apply reconciles one observation. It returns ErrUnmatchedReference when
// no request owns the reference and the observation does not allow orphans.
func (e *Engine) Apply(ctx context.Context, obs Observation) (*Result, error) {
	obs.CheckoutReference = strings.TrimSpace(obs.CheckoutReference)
	if obs.CheckoutReference == "" {
		return nil, paymentdomain.ErrInvalidReference
	}

	ctx, span := tracer.Start(ctx, "reconcile.apply", trace.WithAttributes(
		attribute.String("checkout_reference", obs.CheckoutReference),
		attribute.String("source", string(obs.Source)),
		attribute.String("gateway_status", string(obs.GatewayStatus)),
	))
	defer span.End()

	now := e.clock.Now()
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = now
	}
	obs.ObservedAt = obs.ObservedAt.UTC()

	res := &Result{Observation: obs}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		req, err := e.requests.LockByCheckoutReference(ctx, tx, obs.CheckoutReference)
		if err != nil {
			return err
		}
		if req == nil && !obs.AllowOrphan {
			return ErrUnmatchedReference
		}

		p, inserted, err := e.payments.Guard(ctx, tx, e.candidate(obs, req, now))
		if err != nil {
			return err
		}
		res.Request = req
		res.Payment = p
		res.Orphan = req == nil

		res.Decision = Reconcile(obs, State{Request: req, Payment: p, Inserted: inserted})
		if res.Decision.Action == ActionIgnore {
			if inserted {
				return errDiscard
			}
			return nil
		}
		return e.applyDecision(ctx, tx, res, now)
	})
	if errors.Is(err, errDiscard) {
		res.Payment = nil
		err = nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("decision", string(res.Decision.Action)),
		attribute.String("reason", res.Decision.Reason),
	)
	e.afterCommit(ctx, res)
	return res, nil
}

func (e *Engine) candidate(obs Observation, req *prdomain.PaymentRequest, now time.Time) *paymentdomain.Payment {
	c := &paymentdomain.Payment{
		ID:                e.genID.Generate(),
		CheckoutReference: obs.CheckoutReference,
		Amount:            obs.Amount,
		Currency:          strings.ToUpper(strings.TrimSpace(obs.Currency)),
		Status:            paymentdomain.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req != nil {
		id := req.ID
		c.PaymentRequestID = &id
		c.CustomerID = req.CustomerID
		if c.Amount == 0 {
			c.Amount = req.Amount
		}
		if c.Currency == "" {
			c.Currency = req.Currency
		}
	}
	return c
}

// applyDecision writes a non-ignore decision inside tx.
func (e *Engine) applyDecision(ctx context.Context, tx *gorm.DB, res *Result, now time.Time) error {
	obs, d, p := res.Observation, res.Decision, res.Payment

	from := p.Status
	p.Status = d.PaymentStatus
	setString(&p.TransactionID, obs.TransactionID)
	setString(&p.CheckoutID, obs.CheckoutID)
	setString(&p.Method, obs.Method)
	switch d.PaymentStatus {
	case paymentdomain.StatusPaid:
		if obs.Amount > 0 {
			p.Amount = obs.Amount
		}
	case paymentdomain.StatusFailed:
		setString(&p.FailureReason, d.FailureReason)
	case paymentdomain.StatusRefunded:
		p.RefundAmount = obs.RefundAmount
		if p.RefundAmount == 0 {
			p.RefundAmount = p.Amount
		}
		setString(&p.RefundReason, obs.RefundReason)
	}
	if p.GatewayObservedAt == nil || obs.ObservedAt.After(*p.GatewayObservedAt) {
		observed := obs.ObservedAt
		p.GatewayObservedAt = &observed
	}
	p.AppendHistory(paymentdomain.StatusChange{
		From:      from,
		To:        p.Status,
		At:        now,
		Source:    obs.Source,
		EventType: obs.EventType,
	})
	p.UpdatedAt = now
	res.PreviousPaymentStatus = from
	if err := e.payments.Update(ctx, tx, p, from); err != nil {
		return fmt.Errorf("update payment: %w", err)
	}

	req := res.Request
	if req == nil {
		return nil
	}

	if d.RequestStatus != "" {
		reqFrom := req.Status
		req.Status = d.RequestStatus
		if d.RequestStatus == prdomain.StatusPaid {
			paidAt := now
			req.PaidAt = &paidAt
			req.NextPollAt = nil
		}
		req.UpdatedAt = now
		res.PreviousRequestStatus = reqFrom
		if err := e.requests.Update(ctx, tx, req, reqFrom); err != nil {
			return fmt.Errorf("update payment request: %w", err)
		}
	}

	if !d.Has(EffectCancelCheck) && !d.Has(EffectCompleteCheck) {
		return nil
	}
	active, err := e.statusChecks.FindActiveByRequest(ctx, tx, req.ID)
	if err != nil {
		return err
	}
	// A failure on an older checkout must not stop polling of the current one.
	if active == nil || (d.RequestStatus != prdomain.StatusPaid && active.CheckoutReference != obs.CheckoutReference) {
		return nil
	}
	status := checkdomain.StatusCancelled
	if d.Has(EffectCompleteCheck) {
		status = checkdomain.StatusCompleted
	}
	if _, err := e.statusChecks.CloseActiveForRequest(ctx, tx, req.ID, status, now); err != nil {
		return fmt.Errorf("close status check: %w", err)
	}
	if req.NextPollAt != nil {
		req.NextPollAt = nil
		return e.requests.SetNextPollAt(ctx, tx, req.ID, nil)
	}
	return nil
}

func (e *Engine) afterCommit(ctx context.Context, res *Result) {
	obs, d := res.Observation, res.Decision
	log := obslogger.WithPaymentRequest(obslogger.WithContext(ctx, e.log), requestIDString(res.Request), obs.CheckoutReference)

	if d.Action == ActionIgnore {
		e.metrics.RecordReconcileIgnored(ctx, string(obs.Source), d.Reason)
		log.Debug("observation ignored",
			zap.String("source", string(obs.Source)),
			zap.String("gateway_status", string(obs.GatewayStatus)),
			zap.String("reason", d.Reason),
		)
		if d.Has(EffectRecordLatePayment) {
			log.Warn("payment received for cancelled payment, refund required")
			e.recordFailure(ctx, obs, res.Request, eventlogdomain.KindLatePayment,
				fmt.Sprintf("gateway reported %s after the payment was cancelled; manual refund required", obs.GatewayStatus))
		}
		return
	}

	p := res.Payment
	e.metrics.RecordPaymentTransition(ctx, string(res.PreviousPaymentStatus), string(p.Status), string(obs.Source))
	log.Info("payment status changed",
		zap.String("payment_id", p.ID.String()),
		zap.String("from", string(res.PreviousPaymentStatus)),
		zap.String("to", string(p.Status)),
		zap.String("source", string(obs.Source)),
	)
	e.auditLog(ctx, auditdomain.ActionPaymentStatusChanged, auditdomain.TargetPayment, p.ID, map[string]any{
		"from":               res.PreviousPaymentStatus,
		"to":                 p.Status,
		"source":             obs.Source,
		"event_type":         obs.EventType,
		"checkout_reference": obs.CheckoutReference,
	})

	if res.Orphan {
		log.Warn("orphan payment recorded", zap.String("payment_id", p.ID.String()))
		return
	}
	req := res.Request

	if d.Has(EffectRecordLatePayment) {
		log.Warn("payment received for cancelled request, refund required", zap.String("payment_id", p.ID.String()))
		e.recordFailure(ctx, obs, req, eventlogdomain.KindLatePayment,
			fmt.Sprintf("gateway reported %s for cancelled request; manual refund required", obs.GatewayStatus))
	}

	if d.Integrity {
		log.Error("paid amount does not match request",
			zap.Int64("paid_amount", p.Amount),
			zap.String("paid_currency", p.Currency),
			zap.Int64("request_amount", req.Amount),
		)
		e.recordFailure(ctx, obs, req, eventlogdomain.KindIntegrityViolation,
			fmt.Sprintf("paid %d %s, request expects %d %s", obs.Amount, obs.Currency, req.Amount, req.Currency))
	}

	if d.Has(EffectEmitPayment) {
		ev := fanout.PaymentEvent(req, p, e.clock.Now())
		ev.NotifyCustomer = d.Has(EffectNotifyFailure)
		e.publish(ctx, ev)
	}
	if d.RequestStatus == prdomain.StatusPaid {
		e.auditLog(ctx, auditdomain.ActionPaymentRequestPaid, auditdomain.TargetPaymentRequest, req.ID, map[string]any{
			"checkout_reference": obs.CheckoutReference,
			"amount":             p.Amount,
			"source":             obs.Source,
		})
		e.cancelSuperseded(ctx, req, obs.CheckoutReference)
	}
	if d.Has(EffectEmitRequest) {
		e.publish(ctx, fanout.RequestEvent(req, p, e.clock.Now()))
	}
}

// cancelSuperseded closes a newer checkout after an older one got paid.
func (e *Engine) cancelSuperseded(ctx context.Context, req *prdomain.PaymentRequest, paidReference string) {
	if req.CheckoutID == nil || req.CheckoutReference == nil || *req.CheckoutReference == paidReference {
		return
	}
	client, err := e.gateway.Client(req.GatewayProvider)
	if err == nil {
		err = client.CancelCheckout(ctx, *req.CheckoutID)
	}
	if err != nil {
		e.log.Warn("cancel superseded checkout failed",
			zap.String("payment_request_id", req.ID.String()),
			zap.String("checkout_id", *req.CheckoutID),
			zap.Error(err),
		)
	}
}

func (e *Engine) publish(ctx context.Context, ev fanout.StatusChanged) {
	if e.publisher == nil {
		return
	}
	if _, err := e.publisher.Emit(ctx, ev); err != nil {
		e.log.Warn("status emission incomplete",
			zap.String("subject", string(ev.Subject)),
			zap.String("status", ev.Status),
			zap.String("payment_request_id", ev.PaymentRequestID.String()),
			zap.Error(err),
		)
	}
}

func (e *Engine) recordFailure(ctx context.Context, obs Observation, req *prdomain.PaymentRequest, kind eventlogdomain.FailureKind, message string) {
	in := eventlogdomain.FailureInput{
		WebhookEventID:    obs.WebhookEventID,
		Kind:              kind,
		CheckoutReference: obs.CheckoutReference,
		Message:           message,
	}
	if req != nil {
		id := req.ID
		in.PaymentRequestID = &id
	}
	if _, err := e.events.RecordFailure(ctx, in); err != nil {
		e.log.Error("record processing failure", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (e *Engine) auditLog(ctx context.Context, action, targetType string, id snowflake.ID, metadata map[string]any) {
	e.auditAs(ctx, "", "", action, targetType, id, metadata)
}

func (e *Engine) auditAs(ctx context.Context, actorType, actorID, action, targetType string, id snowflake.ID, metadata map[string]any) {
	if e.audit == nil {
		return
	}
	target := id.String()
	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	if err := e.audit.AuditLog(ctx, actorType, actor, action, targetType, &target, metadata); err != nil {
		e.log.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

func setString(dst **string, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	*dst = &value
}

func requestIDString(req *prdomain.PaymentRequest) string {
	if req == nil {
		return ""
	}
	return req.ID.String()
}

package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
	prdomain "github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
)

var ErrInvalidEvent = errors.New("invalid_status_event")

// Publisher is what the reconciliation engine depends on.
type Publisher interface {
	Emit(ctx context.Context, ev StatusChanged) (bool, error)
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Payments paymentdomain.Repository
	Requests prdomain.Repository
	Sinks    []Sink           `group:"fanout.sinks"`
	Metrics  *metrics.Metrics `optional:"true"`
}

// Emitter guarantees at most one publication per subject and status across
// all writers by claiming last_emitted_status before dispatching. Every sink
// delivery is queued in the same transaction as the claim, so a sink that is
// down or a process that stops mid-dispatch is retried by Redeliver.
type Emitter struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	payments paymentdomain.Repository
	requests prdomain.Repository
	sinks    []Sink
	outbox   outbox
	metrics  *metrics.Metrics
}

func NewEmitter(p Params) *Emitter {
	sinks := make([]Sink, 0, len(p.Sinks))
	for _, s := range p.Sinks {
		if s != nil {
			sinks = append(sinks, s)
		}
	}
	return &Emitter{
		db:       p.DB,
		log:      p.Log.Named("fanout.emitter"),
		genID:    p.GenID,
		clock:    p.Clock,
		payments: p.Payments,
		requests: p.Requests,
		sinks:    sinks,
		metrics:  p.Metrics,
	}
}

// Emit claims the event and, if this caller won, delivers it to every sink.
// Sink failures are reported but never undo the claim; the failed
// deliveries stay queued.
func (e *Emitter) Emit(ctx context.Context, ev StatusChanged) (bool, error) {
	payload, err := encodeEvent(ev)
	if err != nil {
		return false, err
	}

	now := e.clock.Now()
	var (
		won     bool
		pending []Delivery
	)
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		won, err = e.claim(ctx, tx, ev)
		if err != nil || !won {
			return err
		}
		pending = make([]Delivery, 0, len(e.sinks))
		for _, sink := range e.sinks {
			d := Delivery{
				ID:               e.genID.Generate(),
				EventID:          ev.EventID,
				Sink:             sink.Name(),
				Subject:          ev.Subject,
				PaymentRequestID: ev.PaymentRequestID,
				Status:           ev.Status,
				Payload:          payload,
				Attempts:         1,
				NextAttemptAt:    now.Add(deliveryBackoff(1)),
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := e.outbox.insert(ctx, tx, &d); err != nil {
				return fmt.Errorf("queue %s delivery: %w", sink.Name(), err)
			}
			pending = append(pending, d)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !won {
		e.metrics.RecordFanoutDelivery(ctx, "emitter", "duplicate")
		return false, nil
	}

	var errs []error
	for i, sink := range e.sinks {
		if err := e.deliver(ctx, sink, pending[i], ev); err != nil {
			errs = append(errs, err)
		}
	}
	return true, errors.Join(errs...)
}

// Redeliver retries queued deliveries that are due and returns how many
// reached their sink.
func (e *Emitter) Redeliver(ctx context.Context, limit int) (int, error) {
	now := e.clock.Now()
	due, err := e.outbox.listDue(ctx, e.db, now, limit)
	if err != nil {
		return 0, err
	}

	var (
		delivered int
		errs      []error
	)
	for _, d := range due {
		leased, err := e.outbox.lease(ctx, e.db, d, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("delivery %s: %w", d.ID, err))
			continue
		}
		if !leased {
			continue
		}
		d.Attempts++

		sink := e.sinkNamed(d.Sink)
		if sink == nil {
			e.fail(ctx, d, "sink not configured", now)
			continue
		}
		ev, err := decodeEvent(d.Payload)
		if err != nil {
			e.fail(ctx, d, "undecodable payload: "+err.Error(), now)
			errs = append(errs, fmt.Errorf("delivery %s: %w", d.ID, err))
			continue
		}
		if err := e.deliver(ctx, sink, d, ev); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

// Deliveries lists the queued and finished deliveries of one event.
func (e *Emitter) Deliveries(ctx context.Context, eventID string) ([]Delivery, error) {
	return e.outbox.listByEvent(ctx, e.db, eventID)
}

func (e *Emitter) deliver(ctx context.Context, sink Sink, d Delivery, ev StatusChanged) error {
	err := sink.Deliver(ctx, ev)
	now := e.clock.Now()
	if err != nil {
		e.metrics.RecordFanoutDelivery(ctx, sink.Name(), "error")
		e.fail(ctx, d, err.Error(), now)
		return fmt.Errorf("%s: %w", sink.Name(), err)
	}
	e.metrics.RecordFanoutDelivery(ctx, sink.Name(), "ok")
	if err := e.outbox.markDelivered(ctx, e.db, d.ID, now); err != nil {
		// Consumers dedupe on event_id, a second delivery is harmless.
		e.log.Warn("mark status delivery done", zap.String("delivery_id", d.ID.String()), zap.Error(err))
	}
	return nil
}

func (e *Emitter) fail(ctx context.Context, d Delivery, message string, now time.Time) {
	log := e.log.With(
		zap.String("sink", d.Sink),
		zap.String("event_id", d.EventID),
		zap.String("payment_request_id", d.PaymentRequestID.String()),
		zap.Int("attempts", d.Attempts),
	)
	if d.Attempts >= maxDeliveryAttempts {
		log.Error("status delivery abandoned", zap.String("error", message))
	} else {
		log.Warn("status delivery failed", zap.String("error", message))
	}
	if err := e.outbox.markFailed(ctx, e.db, d.ID, errorText(message), now); err != nil {
		log.Warn("record status delivery failure", zap.Error(err))
	}
}

func (e *Emitter) sinkNamed(name string) Sink {
	for _, s := range e.sinks {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func (e *Emitter) claim(ctx context.Context, tx *gorm.DB, ev StatusChanged) (bool, error) {
	switch ev.Subject {
	case SubjectPayment:
		if ev.PaymentID == nil {
			return false, ErrInvalidEvent
		}
		return e.payments.ClaimEmission(ctx, tx, *ev.PaymentID, paymentdomain.Status(ev.Status))
	case SubjectPaymentRequest:
		return e.requests.ClaimEmission(ctx, tx, ev.PaymentRequestID, prdomain.Status(ev.Status))
	default:
		return false, ErrInvalidEvent
	}
}

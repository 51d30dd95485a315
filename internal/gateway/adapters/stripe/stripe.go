// Package stripe adapts Stripe Checkout Sessions to the gateway client contract.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	stripego "github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"github.com/stripe/stripe-go/v80/webhook"

	"github.com/smallbiznis/clinicpay/internal/gateway/domain"
)

const Provider = "stripe"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return Provider
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	key := strings.TrimSpace(cfg.APIKey)
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if key == "" || secret == "" {
		return nil, domain.ErrInvalidConfig
	}

	var backends *stripego.Backends
	if cfg.HTTPClient != nil {
		backends = stripego.NewBackends(cfg.HTTPClient)
	}
	api := &client.API{}
	api.Init(key, backends)

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Adapter{
		sessions:      api.CheckoutSessions,
		webhookSecret: secret,
		returnURL:     cfg.ReturnURL,
		cancelURL:     cfg.CancelURL,
		now:           now,
	}, nil
}

// sessionAPI is the slice of the Stripe client the adapter uses.
type sessionAPI interface {
	New(params *stripego.CheckoutSessionParams) (*stripego.CheckoutSession, error)
	Get(id string, params *stripego.CheckoutSessionParams) (*stripego.CheckoutSession, error)
	Expire(id string, params *stripego.CheckoutSessionExpireParams) (*stripego.CheckoutSession, error)
}

type Adapter struct {
	sessions      sessionAPI
	webhookSecret string
	returnURL     string
	cancelURL     string
	now           func() time.Time
}

func (a *Adapter) CreateCheckout(ctx context.Context, in domain.CreateCheckoutInput) (domain.CheckoutSession, error) {
	const op = "create_checkout"

	name := strings.TrimSpace(in.Description)
	if name == "" {
		name = "Clinic payment"
	}
	params := &stripego.CheckoutSessionParams{
		Mode:              stripego.String(string(stripego.CheckoutSessionModePayment)),
		ClientReferenceID: stripego.String(in.CheckoutReference),
		SuccessURL:        stripego.String(firstNonEmpty(in.ReturnURL, a.returnURL)),
		CancelURL:         stripego.String(firstNonEmpty(in.CancelURL, a.cancelURL)),
		LineItems: []*stripego.CheckoutSessionLineItemParams{
			{
				PriceData: &stripego.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripego.String(strings.ToLower(in.Currency)),
					UnitAmount: stripego.Int64(in.Amount),
					ProductData: &stripego.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripego.String(name),
					},
				},
				Quantity: stripego.Int64(1),
			},
		},
	}
	if email := strings.TrimSpace(in.CustomerEmail); email != "" {
		params.CustomerEmail = stripego.String(email)
	}
	params.AddMetadata("checkout_reference", in.CheckoutReference)
	params.SetIdempotencyKey(in.CheckoutReference)
	params.Context = ctx

	sess, err := a.sessions.New(params)
	if err != nil {
		return domain.CheckoutSession{}, classify(op, err)
	}
	return domain.CheckoutSession{
		CheckoutID:        sess.ID,
		CheckoutReference: in.CheckoutReference,
		RedirectURL:       sess.URL,
	}, nil
}

func (a *Adapter) GetCheckoutStatus(ctx context.Context, checkoutID string) (domain.CheckoutStatus, error) {
	const op = "get_checkout_status"

	params := &stripego.CheckoutSessionParams{}
	params.AddExpand("payment_intent")
	params.Context = ctx

	sess, err := a.sessions.Get(checkoutID, params)
	if err != nil {
		return domain.CheckoutStatus{}, classify(op, err)
	}
	raw, _ := json.Marshal(sess)

	status, reason := sessionStatus(sess)
	return domain.CheckoutStatus{
		CheckoutID:        sess.ID,
		CheckoutReference: referenceOf(sess),
		Status:            status,
		TransactionID:     paymentIntentID(sess),
		Amount:            sess.AmountTotal,
		Currency:          strings.ToUpper(string(sess.Currency)),
		Method:            paymentMethod(sess),
		FailureReason:     reason,
		ObservedAt:        a.now().UTC(),
		RawPayload:        raw,
	}, nil
}

func (a *Adapter) CancelCheckout(ctx context.Context, checkoutID string) error {
	const op = "cancel_checkout"
	params := &stripego.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := a.sessions.Expire(checkoutID, params); err != nil {
		return classify(op, err)
	}
	return nil
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}
	_, err := webhook.ConstructEventWithOptions(payload, sigHeader, a.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.Notification, error) {
	var event stripego.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	eventType := string(event.Type)
	if strings.TrimSpace(event.ID) == "" || eventType == "" {
		return nil, domain.ErrInvalidPayload
	}
	partial := &domain.Notification{EventID: event.ID, EventType: eventType, RawPayload: payload}

	if !strings.HasPrefix(eventType, "checkout.session.") {
		return partial, domain.ErrEventIgnored
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return partial, domain.ErrInvalidPayload
	}

	var sess stripego.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return partial, domain.ErrInvalidPayload
	}

	var status domain.Status
	var reason string
	switch eventType {
	case "checkout.session.completed":
		status, reason = sessionStatus(&sess)
	case "checkout.session.async_payment_succeeded":
		status = domain.StatusPaid
	case "checkout.session.async_payment_failed":
		status, reason = domain.StatusFailed, "async_payment_failed"
	case "checkout.session.expired":
		status = domain.StatusExpired
	default:
		return partial, domain.ErrEventIgnored
	}

	reference := referenceOf(&sess)
	if reference == "" {
		return partial, domain.ErrInvalidPayload
	}

	var occurredAt time.Time
	if event.Created > 0 {
		occurredAt = time.Unix(event.Created, 0).UTC()
	}
	return &domain.Notification{
		EventID:           event.ID,
		EventType:         eventType,
		CheckoutReference: reference,
		CheckoutID:        sess.ID,
		TransactionID:     paymentIntentID(&sess),
		Status:            status,
		Amount:            sess.AmountTotal,
		Currency:          strings.ToUpper(string(sess.Currency)),
		Method:            paymentMethod(&sess),
		FailureReason:     reason,
		OccurredAt:        occurredAt,
		RawPayload:        payload,
	}, nil
}

func sessionStatus(sess *stripego.CheckoutSession) (domain.Status, string) {
	switch sess.Status {
	case stripego.CheckoutSessionStatusExpired:
		return domain.StatusExpired, "checkout_expired"
	case stripego.CheckoutSessionStatusComplete:
		if sess.PaymentStatus == stripego.CheckoutSessionPaymentStatusPaid {
			return domain.StatusPaid, ""
		}
		return domain.StatusProcessing, ""
	}
	if pi := sess.PaymentIntent; pi != nil && pi.LastPaymentError != nil {
		return domain.StatusFailed, pi.LastPaymentError.Msg
	}
	return domain.StatusPending, ""
}

func referenceOf(sess *stripego.CheckoutSession) string {
	if ref := strings.TrimSpace(sess.ClientReferenceID); ref != "" {
		return ref
	}
	return strings.TrimSpace(sess.Metadata["checkout_reference"])
}

func paymentIntentID(sess *stripego.CheckoutSession) string {
	if sess.PaymentIntent == nil {
		return ""
	}
	return sess.PaymentIntent.ID
}

func paymentMethod(sess *stripego.CheckoutSession) string {
	if sess.PaymentIntent != nil && len(sess.PaymentIntent.PaymentMethodTypes) > 0 {
		return sess.PaymentIntent.PaymentMethodTypes[0]
	}
	if len(sess.PaymentMethodTypes) > 0 {
		return sess.PaymentMethodTypes[0]
	}
	return ""
}

func classify(op string, err error) error {
	var serr *stripego.Error
	if !errors.As(err, &serr) {
		return domain.Transient(op, 0, err)
	}
	switch {
	case serr.HTTPStatusCode == http.StatusNotFound:
		return &domain.Error{Op: op, Kind: domain.ErrRejected, StatusCode: serr.HTTPStatusCode, Message: serr.Msg, Err: domain.ErrCheckoutNotFound}
	case serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= 500 || serr.Type == stripego.ErrorTypeAPI:
		return domain.Transient(op, serr.HTTPStatusCode, err)
	default:
		return domain.Rejected(op, serr.HTTPStatusCode, serr.Msg)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripego "github.com/stripe/stripe-go/v80"

	"github.com/smallbiznis/clinicpay/internal/gateway/domain"
)

type fakeSessions struct {
	created  *stripego.CheckoutSessionParams
	session  *stripego.CheckoutSession
	err      error
	expired  string
	fetchArg string
}

func (f *fakeSessions) New(params *stripego.CheckoutSessionParams) (*stripego.CheckoutSession, error) {
	f.created = params
	return f.session, f.err
}

func (f *fakeSessions) Get(id string, params *stripego.CheckoutSessionParams) (*stripego.CheckoutSession, error) {
	f.fetchArg = id
	return f.session, f.err
}

func (f *fakeSessions) Expire(id string, params *stripego.CheckoutSessionExpireParams) (*stripego.CheckoutSession, error) {
	f.expired = id
	return f.session, f.err
}

func newTestAdapter(sessions sessionAPI) *Adapter {
	return &Adapter{
		sessions:      sessions,
		webhookSecret: "whsec_test",
		returnURL:     "https://clinic.example/return",
		cancelURL:     "https://clinic.example/cancel",
		now:           func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
}

func TestFactoryRequiresCredentials(t *testing.T) {
	_, err := NewFactory().NewAdapter(domain.AdapterConfig{APIKey: "sk_test"})
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}

	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{APIKey: "sk_test", WebhookSecret: "whsec"})
	require.NoError(t, err)
	assert.NotNil(t, adapter)
}

func TestCreateCheckoutBuildsSessionParams(t *testing.T) {
	fake := &fakeSessions{session: &stripego.CheckoutSession{ID: "cs_123", URL: "https://checkout.stripe.test/cs_123"}}
	adapter := newTestAdapter(fake)

	session, err := adapter.CreateCheckout(context.Background(), domain.CreateCheckoutInput{
		Amount:            15000,
		Currency:          "USD",
		CheckoutReference: "chk_01",
		CustomerEmail:     "patient@example.com",
		Description:       "Consultation",
	})
	require.NoError(t, err)

	assert.Equal(t, "cs_123", session.CheckoutID)
	assert.Equal(t, "chk_01", session.CheckoutReference)
	assert.Equal(t, "https://checkout.stripe.test/cs_123", session.RedirectURL)

	params := fake.created
	require.NotNil(t, params)
	assert.Equal(t, "chk_01", *params.ClientReferenceID)
	assert.Equal(t, "chk_01", *params.IdempotencyKey)
	assert.Equal(t, "chk_01", params.Metadata["checkout_reference"])
	assert.Equal(t, "https://clinic.example/return", *params.SuccessURL)
	require.Len(t, params.LineItems, 1)
	assert.Equal(t, "usd", *params.LineItems[0].PriceData.Currency)
	assert.Equal(t, int64(15000), *params.LineItems[0].PriceData.UnitAmount)
}

func TestStripeErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		notFound  bool
	}{
		{name: "rate limited", err: &stripego.Error{HTTPStatusCode: 429}, transient: true},
		{name: "server error", err: &stripego.Error{HTTPStatusCode: 502}, transient: true},
		{name: "invalid request", err: &stripego.Error{HTTPStatusCode: 400, Msg: "bad currency"}},
		{name: "missing session", err: &stripego.Error{HTTPStatusCode: 404}, notFound: true},
		{name: "network", err: errors.New("connection reset"), transient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(&fakeSessions{err: tt.err})
			_, err := adapter.GetCheckoutStatus(context.Background(), "cs_1")
			require.Error(t, err)
			assert.Equal(t, tt.transient, domain.IsTransient(err))
			assert.Equal(t, !tt.transient, errors.Is(err, domain.ErrRejected))
			assert.Equal(t, tt.notFound, errors.Is(err, domain.ErrCheckoutNotFound))
		})
	}
}

func TestGetCheckoutStatusMapsSession(t *testing.T) {
	tests := []struct {
		name    string
		session stripego.CheckoutSession
		want    domain.Status
	}{
		{name: "paid", session: stripego.CheckoutSession{Status: stripego.CheckoutSessionStatusComplete, PaymentStatus: stripego.CheckoutSessionPaymentStatusPaid}, want: domain.StatusPaid},
		{name: "awaiting async", session: stripego.CheckoutSession{Status: stripego.CheckoutSessionStatusComplete, PaymentStatus: stripego.CheckoutSessionPaymentStatusUnpaid}, want: domain.StatusProcessing},
		{name: "expired", session: stripego.CheckoutSession{Status: stripego.CheckoutSessionStatusExpired}, want: domain.StatusExpired},
		{name: "open", session: stripego.CheckoutSession{Status: stripego.CheckoutSessionStatusOpen}, want: domain.StatusPending},
		{
			name: "declined",
			session: stripego.CheckoutSession{
				Status:        stripego.CheckoutSessionStatusOpen,
				PaymentIntent: &stripego.PaymentIntent{ID: "pi_1", LastPaymentError: &stripego.Error{Msg: "card_declined"}},
			},
			want: domain.StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := tt.session
			sess.ID = "cs_1"
			sess.ClientReferenceID = "chk_1"
			fake := &fakeSessions{session: &sess}

			status, err := newTestAdapter(fake).GetCheckoutStatus(context.Background(), "cs_1")
			require.NoError(t, err)
			assert.Equal(t, "cs_1", fake.fetchArg)
			assert.Equal(t, tt.want, status.Status)
			assert.Equal(t, "chk_1", status.CheckoutReference)
		})
	}
}

func TestCancelCheckoutExpiresSession(t *testing.T) {
	fake := &fakeSessions{session: &stripego.CheckoutSession{ID: "cs_9"}}
	require.NoError(t, newTestAdapter(fake).CancelCheckout(context.Background(), "cs_9"))
	assert.Equal(t, "cs_9", fake.expired)
}

func signedHeader(secret string, at time.Time, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", at.Unix())))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(eventType string, session string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","type":%q,"created":1767225600,"api_version":"2024-06-20","data":{"object":%s}}`, eventType, session))
}

func TestVerifySignature(t *testing.T) {
	adapter := newTestAdapter(&fakeSessions{})
	payload := eventPayload("checkout.session.completed", `{"id":"cs_1","object":"checkout.session"}`)

	headers := http.Header{}
	headers.Set("Stripe-Signature", signedHeader("whsec_test", time.Now(), payload))
	require.NoError(t, adapter.Verify(context.Background(), payload, headers))

	headers.Set("Stripe-Signature", signedHeader("other", time.Now(), payload))
	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, headers), domain.ErrInvalidSignature)

	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, http.Header{}), domain.ErrInvalidSignature)
}

func TestParseCheckoutEvents(t *testing.T) {
	completed := `{"id":"cs_1","object":"checkout.session","client_reference_id":"chk_1","status":"complete","payment_status":"paid","amount_total":15000,"currency":"usd","payment_intent":"pi_1"}`
	tests := []struct {
		name      string
		eventType string
		session   string
		want      domain.Status
		wantErr   error
	}{
		{name: "completed paid", eventType: "checkout.session.completed", session: completed, want: domain.StatusPaid},
		{name: "async failed", eventType: "checkout.session.async_payment_failed", session: completed, want: domain.StatusFailed},
		{name: "expired", eventType: "checkout.session.expired", session: completed, want: domain.StatusExpired},
		{name: "unrelated", eventType: "customer.created", session: `{"id":"cus_1"}`, wantErr: domain.ErrEventIgnored},
		{name: "missing reference", eventType: "checkout.session.completed", session: `{"id":"cs_2","object":"checkout.session"}`, wantErr: domain.ErrInvalidPayload},
	}

	adapter := newTestAdapter(&fakeSessions{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := adapter.Parse(context.Background(), eventPayload(tt.eventType, tt.session))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				require.NotNil(t, n)
				assert.Equal(t, "evt_1", n.EventID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, n.Status)
			assert.Equal(t, "chk_1", n.CheckoutReference)
			assert.Equal(t, "cs_1", n.CheckoutID)
			assert.Equal(t, "pi_1", n.TransactionID)
			assert.Equal(t, int64(15000), n.Amount)
			assert.Equal(t, "USD", n.Currency)
			assert.Equal(t, time.Unix(1767225600, 0).UTC(), n.OccurredAt)
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := newTestAdapter(&fakeSessions{}).Parse(context.Background(), []byte("{not json"))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

package hosted

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/clinicpay/internal/gateway/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

func newTestAdapter(t *testing.T, handler http.HandlerFunc, now time.Time) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{
		BaseURL:       server.URL,
		APIKey:        "sk_test",
		WebhookSecret: testSecret,
		ReturnURL:     "https://clinic.example/return",
		HTTPClient:    server.Client(),
		Now:           func() time.Time { return now },
	})
	require.NoError(t, err)
	return adapter.(*Adapter)
}

func TestNewAdapterRequiresCredentials(t *testing.T) {
	_, err := NewFactory().NewAdapter(domain.AdapterConfig{BaseURL: "https://gw.example"})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestCreateCheckoutSendsIdempotencyKey(t *testing.T) {
	var got createCheckoutRequest
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkouts", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "chk_1", r.Header.Get(IdempotencyKeyHeader))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(checkoutResponse{ID: "co_1", Reference: "chk_1", RedirectURL: "https://gw.example/pay/co_1"})
	}, time.Now())

	session, err := adapter.CreateCheckout(context.Background(), domain.CreateCheckoutInput{
		Amount:            2500,
		Currency:          "eur",
		CheckoutReference: "chk_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "co_1", session.CheckoutID)
	assert.Equal(t, "https://gw.example/pay/co_1", session.RedirectURL)
	assert.Equal(t, int64(2500), got.Amount)
	assert.Equal(t, "EUR", got.Currency)
	assert.Equal(t, "https://clinic.example/return", got.ReturnURL)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		transient bool
		notFound  bool
	}{
		{name: "server error", status: http.StatusBadGateway, transient: true},
		{name: "rate limited", status: http.StatusTooManyRequests, transient: true},
		{name: "bad merchant config", status: http.StatusUnauthorized},
		{name: "missing", status: http.StatusNotFound, notFound: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":{"code":"x","message":"nope"}}`))
			}, time.Now())

			_, err := adapter.GetCheckoutStatus(context.Background(), "co_1")
			require.Error(t, err)
			assert.Equal(t, tc.transient, errors.Is(err, domain.ErrTransient))
			assert.Equal(t, !tc.transient, errors.Is(err, domain.ErrRejected))
			assert.Equal(t, tc.notFound, errors.Is(err, domain.ErrCheckoutNotFound))
		})
	}
}

func TestGetCheckoutStatus(t *testing.T) {
	updated := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkouts/co_1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(checkoutResponse{
			ID: "co_1", Reference: "chk_1", Status: "paid", TransactionID: "tx_9",
			Amount: 2500, Currency: "eur", PaymentMethod: "card", UpdatedAt: updated,
		})
	}, time.Now())

	status, err := adapter.GetCheckoutStatus(context.Background(), "co_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, status.Status)
	assert.Equal(t, "tx_9", status.TransactionID)
	assert.Equal(t, "EUR", status.Currency)
	assert.True(t, status.ObservedAt.Equal(updated))
	assert.NotEmpty(t, status.RawPayload)
}

func TestCancelCheckoutConflictIsRejected(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkouts/co_1/cancel", r.URL.Path)
		w.WriteHeader(http.StatusConflict)
	}, time.Now())

	err := adapter.CancelCheckout(context.Background(), "co_1")
	assert.ErrorIs(t, err, domain.ErrRejected)
}

func TestVerifySignature(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	adapter := newTestAdapter(t, func(http.ResponseWriter, *http.Request) {}, now)
	payload := []byte(`{"id":"evt_1"}`)

	headers := http.Header{}
	headers.Set(SignatureHeader, SignatureHeaderValue(testSecret, now, payload))
	assert.NoError(t, adapter.Verify(context.Background(), payload, headers))

	headers.Set(SignatureHeader, SignatureHeaderValue("other", now, payload))
	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, headers), domain.ErrInvalidSignature)

	headers.Set(SignatureHeader, SignatureHeaderValue(testSecret, now.Add(-time.Hour), payload))
	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, headers), domain.ErrInvalidSignature)

	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, http.Header{}), domain.ErrInvalidSignature)
}

func TestParseNotification(t *testing.T) {
	adapter := newTestAdapter(t, func(http.ResponseWriter, *http.Request) {}, time.Now())

	cases := []struct {
		name    string
		payload string
		status  domain.Status
		err     error
	}{
		{
			name:    "completed",
			payload: `{"id":"evt_1","type":"checkout.completed","created_at":"2026-03-01T10:00:00Z","data":{"reference":"chk_1","checkout_id":"co_1","transaction_id":"tx_1","amount":2500,"currency":"eur"}}`,
			status:  domain.StatusPaid,
		},
		{
			name:    "expired",
			payload: `{"id":"evt_2","type":"checkout.expired","data":{"reference":"chk_1"}}`,
			status:  domain.StatusExpired,
		},
		{
			name:    "custom type with explicit status",
			payload: `{"id":"evt_3","type":"payment.updated","data":{"reference":"chk_1","status":"processing"}}`,
			status:  domain.StatusProcessing,
		},
		{
			name:    "ignored",
			payload: `{"id":"evt_4","type":"checkout.viewed","data":{"reference":"chk_1"}}`,
			err:     domain.ErrEventIgnored,
		},
		{
			name:    "missing reference",
			payload: `{"id":"evt_5","type":"checkout.completed","data":{}}`,
			err:     domain.ErrInvalidPayload,
		},
		{
			name:    "not json",
			payload: `<xml/>`,
			err:     domain.ErrInvalidPayload,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := adapter.Parse(context.Background(), []byte(tc.payload))
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.status, n.Status)
			assert.Equal(t, "chk_1", n.CheckoutReference)
		})
	}
}

func TestParseNotificationWithoutTimestamp(t *testing.T) {
	adapter := newTestAdapter(t, func(http.ResponseWriter, *http.Request) {}, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	n, err := adapter.Parse(context.Background(), []byte(`{"id":"evt_1","type":"checkout.expired","data":{"reference":"chk_1"}}`))
	require.NoError(t, err)
	assert.True(t, n.OccurredAt.IsZero(), "parse time is not the event time")

	n, err = adapter.Parse(context.Background(), []byte(`{"id":"evt_2","type":"checkout.expired","created_at":"2026-02-28T08:30:00Z","data":{"reference":"chk_1"}}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 8, 30, 0, 0, time.UTC), n.OccurredAt)
}

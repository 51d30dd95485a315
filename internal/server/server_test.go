package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	auditrepo "github.com/smallbiznis/clinicpay/internal/audit/repository"
	auditservice "github.com/smallbiznis/clinicpay/internal/audit/service"
	"github.com/smallbiznis/clinicpay/internal/authorization"
	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/config"
	eventlogdomain "github.com/smallbiznis/clinicpay/internal/eventlog/domain"
	eventlogrepo "github.com/smallbiznis/clinicpay/internal/eventlog/repository"
	eventlogservice "github.com/smallbiznis/clinicpay/internal/eventlog/service"
	"github.com/smallbiznis/clinicpay/internal/fanout"
	"github.com/smallbiznis/clinicpay/internal/gateway/adapters/hosted"
	gatewaydomain "github.com/smallbiznis/clinicpay/internal/gateway/domain"
	paymentrepo "github.com/smallbiznis/clinicpay/internal/payment/repository"
	prdomain "github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
	prrepo "github.com/smallbiznis/clinicpay/internal/paymentrequest/repository"
	prservice "github.com/smallbiznis/clinicpay/internal/paymentrequest/service"
	"github.com/smallbiznis/clinicpay/internal/reconcile"
	checkrepo "github.com/smallbiznis/clinicpay/internal/statuscheck/repository"
	"github.com/smallbiznis/clinicpay/internal/testutil"
	"github.com/smallbiznis/clinicpay/internal/webhook"
)

const (
	webhookSecret = "whsec_test"
	adminToken    = "admin-token"
	viewerToken   = "viewer-token"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fixture struct {
	router   *gin.Engine
	clock    *clock.FakeClock
	gateway  *testutil.FakeGateway
	requests *prservice.Service
	engine   *reconcile.Engine
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn := testutil.NewDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(t0)
	log := zap.NewNop()
	holder := config.NewStaticReconcilePolicy(config.DefaultReconcilePolicy())

	adapter, err := hosted.NewFactory().NewAdapter(gatewaydomain.AdapterConfig{
		BaseURL:       "https://gateway.example",
		APIKey:        "sk_test",
		WebhookSecret: webhookSecret,
		Now:           clk.Now,
	})
	require.NoError(t, err)
	gw := testutil.NewFakeGateway()
	gw.Handlers[hosted.Provider] = adapter

	hub := fanout.NewHub()
	payments := paymentrepo.Provide()
	requestRepo := prrepo.Provide()
	checks := checkrepo.Provide()
	audit := auditservice.NewService(auditservice.Params{DB: conn, Log: log, GenID: node, Clock: clk, Repo: auditrepo.Provide()})
	events := eventlogservice.NewService(eventlogservice.Params{DB: conn, Log: log, GenID: node, Clock: clk, Repo: eventlogrepo.Provide(), Audit: audit})
	emitter := fanout.NewEmitter(fanout.Params{DB: conn, Log: log, GenID: node, Clock: clk, Payments: payments, Requests: requestRepo, Sinks: []fanout.Sink{hub}})

	requests := prservice.NewService(prservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Repo: requestRepo, Payments: payments,
		StatusChecks: checks, Gateway: gw, Policy: holder, Audit: audit,
	})
	engine := reconcile.NewEngine(reconcile.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Requests: requestRepo, Payments: payments,
		StatusChecks: checks, Events: events, Gateway: gw, Publisher: emitter, Policy: holder, Audit: audit,
	})
	webhooks := webhook.NewService(webhook.Params{
		DB: conn, Log: log, Clock: clk, Events: events, Gateway: gw, Engine: engine, Requests: requestRepo, Policy: holder,
	})

	cfg := config.Config{AdminTokens: []config.AdminToken{
		{Name: "ops", Role: config.RoleOperator, Token: adminToken},
		{Name: "auditor", Role: config.RoleViewer, Token: viewerToken},
	}}
	cfg.Gateway.ReturnURL = "https://clinic.example/paid"
	cfg.Gateway.CancelURL = "https://clinic.example/cancelled"
	for _, fn := range mutate {
		fn(&cfg)
	}

	enforcer, err := authorization.NewEnforcer(conn)
	require.NoError(t, err)
	authz, err := authorization.New(authorization.Params{Config: cfg, Log: log, Enforcer: enforcer, Audit: audit})
	require.NoError(t, err)

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	NewServer(ServerParams{
		Gin:        router,
		Cfg:        cfg,
		RequestSvc: requests,
		Engine:     engine,
		WebhookSvc: webhooks,
		EventSvc:   events,
		AuditSvc:   audit,
		Authz:      authz,
		Hub:        hub,
	})

	return &fixture{router: router, clock: clk, gateway: gw, requests: requests, engine: engine}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) create(t *testing.T) *prdomain.PaymentRequest {
	t.Helper()
	req, err := f.requests.Create(context.Background(), prservice.CreateInput{
		CustomerID:    "cust_1",
		CustomerEmail: "patient@example.com",
		Amount:        5000,
		Currency:      "EUR",
		DueAt:         t0.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	return req
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return body.Data
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error: %v (%s)", err, rec.Body.String())
	}
	return body.Error.Type
}

func TestCreateAndGetStatus(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/payment-requests", map[string]any{
		"customer_id":    "cust_1",
		"customer_email": "patient@example.com",
		"booking_id":     "booking_9",
		"amount":         12000,
		"currency":       "eur",
		"due_at":         t0.Add(48 * time.Hour),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeData(t, rec)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "pending", created["status"])

	rec = f.do(t, http.MethodGet, "/api/payment-requests/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decodeData(t, rec)
	assert.Equal(t, string(prdomain.CustomerPending), view["customer_status"])
	assert.Equal(t, prdomain.MessagePending, view["message"])
	assert.Equal(t, false, view["booking_unlocked"])
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/payment-requests", map[string]any{
		"customer_id": "cust_1",
		"amount":      0,
		"currency":    "EUR",
		"due_at":      t0.Add(time.Hour),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/payment-requests", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetStatusUnknownAndInvalidID(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/payment-requests/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/payment-requests/1234567890", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))
}

func TestOpenCheckoutUsesConfiguredURLs(t *testing.T) {
	f := newFixture(t)
	req := f.create(t)

	rec := f.do(t, http.MethodPost, "/api/payment-requests/"+req.ID.String()+"/checkout", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeData(t, rec)
	assert.NotEmpty(t, data["checkout_reference"])
	assert.NotEmpty(t, data["redirect_url"])

	require.Len(t, f.gateway.Created, 1)
	assert.Equal(t, "https://clinic.example/paid", f.gateway.Created[0].ReturnURL)
	assert.Equal(t, "https://clinic.example/cancelled", f.gateway.Created[0].CancelURL)
}

func TestCancelThenCheckoutConflicts(t *testing.T) {
	f := newFixture(t)
	req := f.create(t)
	base := "/api/payment-requests/" + req.ID.String()

	rec := f.do(t, http.MethodPost, base+"/cancel", map[string]string{"reason": "appointment moved", "actor": "frontdesk"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(prdomain.StatusCancelled), decodeData(t, rec)["status"])

	// cancelling again is a no-op
	rec = f.do(t, http.MethodPost, base+"/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/checkout", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, f.gateway.Created)
}

func completedPayload(reference string, at time.Time) string {
	return fmt.Sprintf(`{"id":"evt_1","type":"checkout.completed","created_at":%q,"data":{"reference":%q,"transaction_id":"txn_1","amount":5000,"currency":"EUR"}}`,
		at.Format(time.RFC3339), reference)
}

func TestWebhookMarksRequestPaid(t *testing.T) {
	f := newFixture(t)
	req := f.create(t)
	checkout, err := f.requests.OpenCheckout(context.Background(), prservice.OpenCheckoutInput{RequestID: req.ID})
	require.NoError(t, err)

	payload := completedPayload(checkout.CheckoutReference, f.clock.Now())
	sig := hosted.SignatureHeaderValue(webhookSecret, f.clock.Now(), []byte(payload))

	rec := f.do(t, http.MethodPost, "/webhooks/hosted", payload, hosted.SignatureHeader, sig)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"outcome":"processed"`)

	// redelivery is acknowledged too
	rec = f.do(t, http.MethodPost, "/webhooks/hosted", payload, hosted.SignatureHeader, sig)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/payment-requests/"+req.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeData(t, rec)
	assert.Equal(t, string(prdomain.CustomerSucceeded), view["customer_status"])
	assert.Equal(t, true, view["booking_unlocked"])
}

func TestWebhookRejections(t *testing.T) {
	f := newFixture(t)
	payload := completedPayload("ref_unknown", f.clock.Now())

	rec := f.do(t, http.MethodPost, "/webhooks/hosted", payload,
		hosted.SignatureHeader, hosted.SignatureHeaderValue("wrong", f.clock.Now(), []byte(payload)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	garbage := "{not json"
	rec = f.do(t, http.MethodPost, "/webhooks/hosted", garbage,
		hosted.SignatureHeader, hosted.SignatureHeaderValue(webhookSecret, f.clock.Now(), []byte(garbage)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/webhooks/adyen", payload)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookUnknownReferenceIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	payload := completedPayload("ref_not_yet_known", f.clock.Now())

	rec := f.do(t, http.MethodPost, "/webhooks/hosted", payload,
		hosted.SignatureHeader, hosted.SignatureHeaderValue(webhookSecret, f.clock.Now(), []byte(payload)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"outcome":"unmatched"`)
}

func TestAdminRequiresToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/admin/failures", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/failures", nil, "Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/failures", nil, "Authorization", "Bearer "+adminToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	closed := newFixture(t, func(cfg *config.Config) { cfg.AdminTokens = nil })
	rec = closed.do(t, http.MethodGet, "/admin/failures", nil, "Authorization", "Bearer "+adminToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminListsUnmatchedFailuresAndEvents(t *testing.T) {
	f := newFixture(t)
	payload := completedPayload("ref_orphan", f.clock.Now())
	rec := f.do(t, http.MethodPost, "/webhooks/hosted", payload,
		hosted.SignatureHeader, hosted.SignatureHeaderValue(webhookSecret, f.clock.Now(), []byte(payload)))
	require.Equal(t, http.StatusOK, rec.Code)

	auth := []string{"Authorization", "Bearer " + adminToken}

	rec = f.do(t, http.MethodGet, "/admin/webhook-events?provider=hosted&processed=false", nil, auth...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var events struct {
		Data []eventlogdomain.WebhookEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events.Data, 1)
	require.NotNil(t, events.Data[0].CheckoutReference)
	assert.Equal(t, "ref_orphan", *events.Data[0].CheckoutReference)

	rec = f.do(t, http.MethodGet, "/admin/failures?resolved=maybe", nil, auth...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/failures/1234567890/resolve", map[string]string{"note": "checked"}, auth...)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminPaymentRequestDetail(t *testing.T) {
	f := newFixture(t)
	req := f.create(t)

	rec := f.do(t, http.MethodGet, "/admin/payment-requests/"+req.ID.String(), nil, "Authorization", "Bearer "+adminToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), req.ID.String())

	rec = f.do(t, http.MethodGet, "/admin/audit-logs?start_at=2026-05-04&end_at=2026-05-04", nil, "Authorization", "Bearer "+adminToken)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/admin/audit-logs?start_at=yesterday", nil, "Authorization", "Bearer "+adminToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamSendsCurrentStatusFirst(t *testing.T) {
	f := newFixture(t)
	req := f.create(t)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/payment-requests/"+req.ID.String()+"/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(httpReq)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NotEmpty(t, data, "no status event received")

	var event streamEvent
	require.NoError(t, json.Unmarshal([]byte(data), &event))
	assert.Equal(t, req.ID.String(), event.PaymentRequestID)
	assert.Equal(t, prdomain.CustomerPending, event.CustomerStatus)
}

func TestWriteStatusChangedHidesInternalPaymentEvents(t *testing.T) {
	var buf bytes.Buffer
	id := snowflake.ID(42)

	require.NoError(t, writeStatusChanged(&buf, fanout.StatusChanged{Subject: fanout.SubjectPayment, PaymentRequestID: id}))
	assert.Empty(t, buf.String())

	require.NoError(t, writeStatusChanged(&buf, fanout.StatusChanged{
		Subject: fanout.SubjectPaymentRequest, PaymentRequestID: id,
		CustomerStatus: prdomain.CustomerSucceeded, BookingUnlocked: true,
	}))
	assert.Contains(t, buf.String(), "event: status")
	assert.Contains(t, buf.String(), `"booking_unlocked":true`)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", prdomain.ErrInvalidAmount, http.StatusBadRequest},
		{"signature", gatewaydomain.ErrInvalidSignature, http.StatusUnauthorized},
		{"not found", fmt.Errorf("lookup: %w", prdomain.ErrNotFound), http.StatusNotFound},
		{"closed request", prdomain.ErrInvalidState, http.StatusConflict},
		{"already resolved", eventlogdomain.ErrAlreadyResolved, http.StatusConflict},
		{"rate limited", ErrRateLimited, http.StatusTooManyRequests},
		{"gateway rejected", gatewaydomain.Rejected("create_checkout", 402, "card declined"), http.StatusUnprocessableEntity},
		{"gateway down", gatewaydomain.Transient("create_checkout", 503, errors.New("boom")), http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, _ := mapError(tc.err)
			if status != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, status)
			}
		})
	}
}

func TestAdminResolvesMalformedPayloadFailure(t *testing.T) {
	f := newFixture(t)
	garbage := `{"id":"evt_9","type":"checkout.completed","data":{}}`
	rec := f.do(t, http.MethodPost, "/webhooks/hosted", garbage,
		hosted.SignatureHeader, hosted.SignatureHeaderValue(webhookSecret, f.clock.Now(), []byte(garbage)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	auth := []string{"Authorization", "Bearer " + adminToken}
	rec = f.do(t, http.MethodGet, "/admin/failures?kind=malformed_payload&resolved=false", nil, auth...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var failures struct {
		Data []eventlogdomain.ProcessingFailure `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failures))
	require.Len(t, failures.Data, 1)

	path := "/admin/failures/" + failures.Data[0].ID.String() + "/resolve"
	rec = f.do(t, http.MethodPost, path, map[string]string{"note": "gateway sandbox noise"}, auth...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, path, nil, auth...)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestViewerCannotResolveOrReadAuditLogs(t *testing.T) {
	f := newFixture(t)
	auth := []string{"Authorization", "Bearer " + viewerToken}

	rec := f.do(t, http.MethodGet, "/admin/failures", nil, auth...)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/failures/1234567890/resolve", nil, auth...)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/audit-logs", nil, auth...)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// the denial itself is audited
	rec = f.do(t, http.MethodGet, "/admin/audit-logs?action=authorization.denied", nil, "Authorization", "Bearer "+adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "auditor")
}

func TestCORSOnlyCoversCustomerAPI(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.CORSAllowedOrigins = []string{"https://portal.clinic.example"} })
	preflight := []string{
		"Origin", "https://portal.clinic.example",
		"Access-Control-Request-Method", http.MethodPost,
	}

	rec := f.do(t, http.MethodOptions, "/api/payment-requests/1/checkout", nil, preflight...)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://portal.clinic.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.do(t, http.MethodOptions, "/admin/failures", nil, preflight...)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.do(t, http.MethodOptions, "/api/payment-requests/1/checkout", nil,
		"Origin", "https://evil.example", "Access-Control-Request-Method", http.MethodPost)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

// Package hosted talks to a generic hosted-checkout gateway over JSON/HTTP.
package hosted

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/clinicpay/internal/gateway/domain"
)

const (
	Provider = "hosted"

	SignatureHeader      = "X-Gateway-Signature"
	IdempotencyKeyHeader = "Idempotency-Key"

	maxResponseBytes = 1 << 20
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return Provider
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" || strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, domain.ErrInvalidConfig
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, domain.ErrInvalidConfig
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Adapter{
		baseURL:       baseURL,
		apiKey:        strings.TrimSpace(cfg.APIKey),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		returnURL:     cfg.ReturnURL,
		cancelURL:     cfg.CancelURL,
		httpClient:    httpClient,
		now:           now,
		tolerance:     5 * time.Minute,
	}, nil
}

type Adapter struct {
	baseURL       string
	apiKey        string
	webhookSecret string
	returnURL     string
	cancelURL     string
	httpClient    *http.Client
	now           func() time.Time
	tolerance     time.Duration
}

type createCheckoutRequest struct {
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Reference     string `json:"reference"`
	CustomerEmail string `json:"customer_email,omitempty"`
	Description   string `json:"description,omitempty"`
	ReturnURL     string `json:"return_url,omitempty"`
	CancelURL     string `json:"cancel_url,omitempty"`
}

type checkoutResponse struct {
	ID            string    `json:"id"`
	Reference     string    `json:"reference"`
	RedirectURL   string    `json:"redirect_url"`
	Status        string    `json:"status"`
	TransactionID string    `json:"transaction_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	PaymentMethod string    `json:"payment_method"`
	FailureReason string    `json:"failure_reason"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) CreateCheckout(ctx context.Context, in domain.CreateCheckoutInput) (domain.CheckoutSession, error) {
	const op = "create_checkout"

	body := createCheckoutRequest{
		Amount:        in.Amount,
		Currency:      strings.ToUpper(in.Currency),
		Reference:     in.CheckoutReference,
		CustomerEmail: in.CustomerEmail,
		Description:   in.Description,
		ReturnURL:     firstNonEmpty(in.ReturnURL, a.returnURL),
		CancelURL:     firstNonEmpty(in.CancelURL, a.cancelURL),
	}

	var resp checkoutResponse
	if _, err := a.do(ctx, op, http.MethodPost, "/v1/checkouts", in.CheckoutReference, body, &resp); err != nil {
		return domain.CheckoutSession{}, err
	}
	if strings.TrimSpace(resp.ID) == "" || strings.TrimSpace(resp.RedirectURL) == "" {
		return domain.CheckoutSession{}, domain.Transient(op, http.StatusOK, fmt.Errorf("incomplete checkout response"))
	}

	reference := resp.Reference
	if reference == "" {
		reference = in.CheckoutReference
	}
	return domain.CheckoutSession{
		CheckoutID:        resp.ID,
		CheckoutReference: reference,
		RedirectURL:       resp.RedirectURL,
	}, nil
}

func (a *Adapter) GetCheckoutStatus(ctx context.Context, checkoutID string) (domain.CheckoutStatus, error) {
	const op = "get_checkout_status"

	var resp checkoutResponse
	raw, err := a.do(ctx, op, http.MethodGet, "/v1/checkouts/"+url.PathEscape(checkoutID), "", nil, &resp)
	if err != nil {
		return domain.CheckoutStatus{}, err
	}

	status, ok := domain.ParseStatus(resp.Status)
	if !ok {
		return domain.CheckoutStatus{}, domain.Rejected(op, http.StatusOK, fmt.Sprintf("unknown checkout status %q", resp.Status))
	}

	observedAt := resp.UpdatedAt
	if observedAt.IsZero() {
		observedAt = a.now()
	}
	return domain.CheckoutStatus{
		CheckoutID:        resp.ID,
		CheckoutReference: resp.Reference,
		Status:            status,
		TransactionID:     resp.TransactionID,
		Amount:            resp.Amount,
		Currency:          strings.ToUpper(resp.Currency),
		Method:            resp.PaymentMethod,
		FailureReason:     resp.FailureReason,
		ObservedAt:        observedAt.UTC(),
		RawPayload:        raw,
	}, nil
}

func (a *Adapter) CancelCheckout(ctx context.Context, checkoutID string) error {
	const op = "cancel_checkout"
	_, err := a.do(ctx, op, http.MethodPost, "/v1/checkouts/"+url.PathEscape(checkoutID)+"/cancel", "", nil, nil)
	return err
}

func (a *Adapter) do(ctx context.Context, op, method, path, idempotencyKey string, body any, out any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, domain.Rejected(op, 0, err.Error())
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, domain.Rejected(op, 0, err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, idempotencyKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, domain.Transient(op, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, domain.Transient(op, resp.StatusCode, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, &domain.Error{Op: op, Kind: domain.ErrRejected, StatusCode: resp.StatusCode, Message: errorMessage(raw), Err: domain.ErrCheckoutNotFound}
	}
	if err := domain.ClassifyHTTPStatus(op, resp.StatusCode, errorMessage(raw)); err != nil {
		return nil, err
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, domain.Transient(op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
		}
	}
	return raw, nil
}

func errorMessage(raw []byte) string {
	var resp errorResponse
	if err := json.Unmarshal(raw, &resp); err == nil && resp.Error.Message != "" {
		return resp.Error.Message
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/clinicpay/internal/gateway/domain"
)

// FakeGateway is an in-memory gateway that records calls. It serves as both
// the resolver and the client for every provider.
type FakeGateway struct {
	mu sync.Mutex

	Provider string
	Handlers map[string]domain.WebhookHandler

	CreateErr error
	StatusErr error
	CancelErr error
	Statuses  map[string]domain.CheckoutStatus

	Created   []domain.CreateCheckoutInput
	Polled    []string
	Cancelled []string
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		Provider: "fake",
		Handlers: map[string]domain.WebhookHandler{},
		Statuses: map[string]domain.CheckoutStatus{},
	}
}

func (g *FakeGateway) DefaultProvider() string { return g.Provider }

func (g *FakeGateway) Webhooks(provider string) (domain.WebhookHandler, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.Handlers[strings.ToLower(provider)]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return h, nil
}

func (g *FakeGateway) Client(provider string) (domain.Client, error) {
	return g, nil
}

func (g *FakeGateway) CreateCheckout(ctx context.Context, in domain.CreateCheckoutInput) (domain.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Created = append(g.Created, in)
	if g.CreateErr != nil {
		return domain.CheckoutSession{}, g.CreateErr
	}
	id := "co_" + in.CheckoutReference
	return domain.CheckoutSession{
		CheckoutID:        id,
		CheckoutReference: in.CheckoutReference,
		RedirectURL:       fmt.Sprintf("https://pay.example/%s", id),
	}, nil
}

func (g *FakeGateway) GetCheckoutStatus(ctx context.Context, checkoutID string) (domain.CheckoutStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Polled = append(g.Polled, checkoutID)
	if g.StatusErr != nil {
		return domain.CheckoutStatus{}, g.StatusErr
	}
	status, ok := g.Statuses[checkoutID]
	if !ok {
		return domain.CheckoutStatus{CheckoutID: checkoutID, Status: domain.StatusPending, ObservedAt: time.Now().UTC()}, nil
	}
	return status, nil
}

func (g *FakeGateway) CancelCheckout(ctx context.Context, checkoutID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Cancelled = append(g.Cancelled, checkoutID)
	return g.CancelErr
}

// SetStatus stubs the status the gateway reports for a checkout.
func (g *FakeGateway) SetStatus(status domain.CheckoutStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Statuses[status.CheckoutID] = status
}

func (g *FakeGateway) CreatedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Created)
}

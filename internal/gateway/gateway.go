// Package gateway resolves configured payment gateway adapters and wraps
// outbound calls with retries.
package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/config"
	"github.com/smallbiznis/clinicpay/internal/gateway/adapters"
	"github.com/smallbiznis/clinicpay/internal/gateway/adapters/hosted"
	"github.com/smallbiznis/clinicpay/internal/gateway/adapters/stripe"
	"github.com/smallbiznis/clinicpay/internal/gateway/domain"
	"github.com/smallbiznis/clinicpay/internal/observability/metrics"
)

// Resolver hands out adapters by provider name. Adapters are built lazily
// from startup configuration and cached.
type Resolver interface {
	DefaultProvider() string
	// Webhooks returns the inbound side of a provider.
	Webhooks(provider string) (domain.WebhookHandler, error)
	// Client returns the outbound side of a provider with retries applied.
	Client(provider string) (domain.Client, error)
}

type Params struct {
	fx.In

	Config  config.Config
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
	Log     *zap.Logger
}

type Gateway struct {
	registry *adapters.Registry
	cfg      config.GatewayConfig
	clock    clock.Clock
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu       sync.Mutex
	adapters map[string]domain.Adapter
	clients  map[string]domain.Client
}

func New(p Params) *Gateway {
	return NewWithRegistry(adapters.NewRegistry(hosted.NewFactory(), stripe.NewFactory()), p.Config.Gateway, p.Clock, p.Metrics, p.Log)
}

func NewWithRegistry(registry *adapters.Registry, cfg config.GatewayConfig, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) *Gateway {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		registry: registry,
		cfg:      cfg,
		clock:    clk,
		metrics:  m,
		log:      log.Named("gateway"),
		adapters: map[string]domain.Adapter{},
		clients:  map[string]domain.Client{},
	}
}

func (g *Gateway) DefaultProvider() string {
	return normalize(g.cfg.Provider)
}

func (g *Gateway) Webhooks(provider string) (domain.WebhookHandler, error) {
	return g.adapter(provider)
}

func (g *Gateway) Client(provider string) (domain.Client, error) {
	provider = normalize(provider)
	if provider == "" {
		provider = g.DefaultProvider()
	}

	g.mu.Lock()
	client, ok := g.clients[provider]
	g.mu.Unlock()
	if ok {
		return client, nil
	}

	adapter, err := g.adapter(provider)
	if err != nil {
		return nil, err
	}
	client = NewRetryingClient(adapter, provider, RetryPolicy{
		MaxAttempts:     g.cfg.MaxAttempts,
		InitialInterval: g.cfg.InitialInterval,
		MaxInterval:     g.cfg.MaxInterval,
		Timeout:         g.cfg.Timeout,
	}, g.metrics, g.log)

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.clients[provider]; ok {
		return existing, nil
	}
	g.clients[provider] = client
	return client, nil
}

func (g *Gateway) adapter(provider string) (domain.Adapter, error) {
	provider = normalize(provider)
	if !g.registry.ProviderExists(provider) {
		return nil, domain.ErrProviderNotFound
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if adapter, ok := g.adapters[provider]; ok {
		return adapter, nil
	}

	adapter, err := g.registry.NewAdapter(provider, g.adapterConfig(provider))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidConfig) {
			g.log.Warn("gateway provider is not configured", zap.String("provider", provider))
			return nil, fmt.Errorf("%w: %s is not configured", domain.ErrProviderNotFound, provider)
		}
		return nil, err
	}
	g.adapters[provider] = adapter
	return adapter, nil
}

func (g *Gateway) adapterConfig(provider string) domain.AdapterConfig {
	cfg := domain.AdapterConfig{
		ReturnURL:  g.cfg.ReturnURL,
		CancelURL:  g.cfg.CancelURL,
		HTTPClient: &http.Client{},
		Now:        g.clock.Now,
	}
	switch provider {
	case stripe.Provider:
		cfg.APIKey = g.cfg.StripeSecretKey
		cfg.WebhookSecret = g.cfg.StripeWebhookSecret
	default:
		cfg.BaseURL = g.cfg.BaseURL
		cfg.APIKey = g.cfg.APIKey
		cfg.WebhookSecret = g.cfg.WebhookSecret
	}
	return cfg
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ReconcilePolicy tunes polling, retries and webhook event mapping.
// It is reloaded from reconcile.yml without a restart.
type ReconcilePolicy struct {
	GracePeriod      time.Duration `mapstructure:"gracePeriod"`
	PollBaseInterval time.Duration `mapstructure:"pollBaseInterval"`
	PollMaxInterval  time.Duration `mapstructure:"pollMaxInterval"`
	PollMaxAttempts  int           `mapstructure:"pollMaxAttempts"`

	UnmatchedMaxRetries    int           `mapstructure:"unmatchedMaxRetries"`
	UnmatchedRetryInterval time.Duration `mapstructure:"unmatchedRetryInterval"`

	CancelSyncMaxAttempts int           `mapstructure:"cancelSyncMaxAttempts"`
	ResumeCheckoutAfter   time.Duration `mapstructure:"resumeCheckoutAfter"`

	// EventStatus overrides the adapter's event type mapping, e.g. for a
	// gateway that emits a custom "payment.settled" event.
	EventStatus []EventStatusMapping `mapstructure:"eventStatus"`
}

type EventStatusMapping struct {
	Event  string `mapstructure:"event"`
	Status string `mapstructure:"status"`
}

// StatusForEvent returns the configured gateway status for an event type.
func (p ReconcilePolicy) StatusForEvent(eventType string) (string, bool) {
	eventType = strings.TrimSpace(eventType)
	for _, m := range p.EventStatus {
		if strings.EqualFold(m.Event, eventType) {
			return strings.ToUpper(m.Status), true
		}
	}
	return "", false
}

func DefaultReconcilePolicy() ReconcilePolicy {
	return ReconcilePolicy{
		GracePeriod:            5 * time.Minute,
		PollBaseInterval:       time.Minute,
		PollMaxInterval:        30 * time.Minute,
		PollMaxAttempts:        12,
		UnmatchedMaxRetries:    5,
		UnmatchedRetryInterval: 2 * time.Minute,
		CancelSyncMaxAttempts:  5,
		ResumeCheckoutAfter:    2 * time.Minute,
	}
}

type ReconcilePolicyHolder struct {
	current atomic.Value // holds ReconcilePolicy
}

// NewStaticReconcilePolicy returns a holder that never reloads.
func NewStaticReconcilePolicy(p ReconcilePolicy) *ReconcilePolicyHolder {
	holder := &ReconcilePolicyHolder{}
	holder.current.Store(p)
	return holder
}

func NewReconcilePolicyHolder(cfg Config, log *zap.Logger) (*ReconcilePolicyHolder, error) {
	log = log.Named("config.reconcile")
	v := viper.New()

	v.SetConfigName("reconcile")
	v.SetConfigType("yml")
	if cfg.ReconcileConfigDir != "" {
		v.AddConfigPath(cfg.ReconcileConfigDir)
	}
	v.AddConfigPath("/etc/clinicpay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CLINICPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultReconcilePolicy()
	v.SetDefault("reconcile.gracePeriod", defaults.GracePeriod)
	v.SetDefault("reconcile.pollBaseInterval", defaults.PollBaseInterval)
	v.SetDefault("reconcile.pollMaxInterval", defaults.PollMaxInterval)
	v.SetDefault("reconcile.pollMaxAttempts", defaults.PollMaxAttempts)
	v.SetDefault("reconcile.unmatchedMaxRetries", defaults.UnmatchedMaxRetries)
	v.SetDefault("reconcile.unmatchedRetryInterval", defaults.UnmatchedRetryInterval)
	v.SetDefault("reconcile.cancelSyncMaxAttempts", defaults.CancelSyncMaxAttempts)
	v.SetDefault("reconcile.resumeCheckoutAfter", defaults.ResumeCheckoutAfter)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	policy, err := decodeReconcilePolicy(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticReconcilePolicy(policy)
	if !fileLoaded {
		log.Info("reconcile.yml not found, using defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeReconcilePolicy(v)
		if err != nil {
			log.Warn("reconcile policy reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reconcile policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *ReconcilePolicyHolder) Get() ReconcilePolicy {
	if h == nil {
		return DefaultReconcilePolicy()
	}
	p, ok := h.current.Load().(ReconcilePolicy)
	if !ok {
		return DefaultReconcilePolicy()
	}
	return p
}

func decodeReconcilePolicy(v *viper.Viper) (ReconcilePolicy, error) {
	var p ReconcilePolicy
	if err := v.UnmarshalKey("reconcile", &p); err != nil {
		return ReconcilePolicy{}, err
	}
	if err := ValidateReconcilePolicy(p); err != nil {
		return ReconcilePolicy{}, err
	}
	return p, nil
}

func ValidateReconcilePolicy(p ReconcilePolicy) error {
	if p.GracePeriod < 0 {
		return errors.New("reconcile.gracePeriod cannot be negative")
	}
	if p.PollBaseInterval <= 0 {
		return errors.New("reconcile.pollBaseInterval must be positive")
	}
	if p.PollMaxInterval < p.PollBaseInterval {
		return errors.New("reconcile.pollMaxInterval must be >= pollBaseInterval")
	}
	if p.PollMaxAttempts <= 0 {
		return errors.New("reconcile.pollMaxAttempts must be positive")
	}
	if p.UnmatchedMaxRetries < 0 {
		return errors.New("reconcile.unmatchedMaxRetries cannot be negative")
	}
	if p.UnmatchedRetryInterval <= 0 {
		return errors.New("reconcile.unmatchedRetryInterval must be positive")
	}
	if p.CancelSyncMaxAttempts <= 0 {
		return errors.New("reconcile.cancelSyncMaxAttempts must be positive")
	}
	for _, m := range p.EventStatus {
		if strings.TrimSpace(m.Event) == "" {
			return errors.New("reconcile.eventStatus entries need an event")
		}
		switch strings.ToUpper(m.Status) {
		case "PENDING", "PROCESSING", "PAID", "FAILED", "CANCELLED", "EXPIRED", "REFUNDED":
		default:
			return fmt.Errorf("reconcile.eventStatus %q: unknown status %q", m.Event, m.Status)
		}
	}
	return nil
}

package metricspush

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	paymentrequestdomain "github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
)

// Backlog exposes point-in-time gauges read from the database before every
// push: requests per status and unresolved processing failures per kind.
type Backlog struct {
	db       *gorm.DB
	requests *prometheus.GaugeVec
	failures *prometheus.GaugeVec
}

func NewBacklog(db *gorm.DB, registerer prometheus.Registerer) *Backlog {
	b := &Backlog{
		db: db,
		requests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clinicpay_payment_requests",
			Help: "Payment requests by status.",
		}, []string{"status"}),
		failures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clinicpay_processing_failures_unresolved",
			Help: "Unresolved processing failures by kind.",
		}, []string{"kind"}),
	}
	if registerer != nil {
		registerer.MustRegister(b.requests, b.failures)
	}
	return b
}

type groupCount struct {
	Label string
	Total int64
}

func (b *Backlog) Refresh(ctx context.Context) error {
	if b == nil || b.db == nil {
		return nil
	}

	var byStatus []groupCount
	if err := b.db.WithContext(ctx).Raw(
		`SELECT status AS label, COUNT(1) AS total FROM payment_requests GROUP BY status`,
	).Scan(&byStatus).Error; err != nil {
		return err
	}
	b.requests.Reset()
	for _, status := range []paymentrequestdomain.Status{
		paymentrequestdomain.StatusPending,
		paymentrequestdomain.StatusSent,
		paymentrequestdomain.StatusPaid,
		paymentrequestdomain.StatusExpired,
		paymentrequestdomain.StatusCancelled,
	} {
		b.requests.WithLabelValues(string(status)).Set(0)
	}
	for _, row := range byStatus {
		b.requests.WithLabelValues(row.Label).Set(float64(row.Total))
	}

	var byKind []groupCount
	if err := b.db.WithContext(ctx).Raw(
		`SELECT kind AS label, COUNT(1) AS total FROM processing_failures WHERE resolved = ? GROUP BY kind`,
		false,
	).Scan(&byKind).Error; err != nil {
		return err
	}
	b.failures.Reset()
	for _, row := range byKind {
		b.failures.WithLabelValues(row.Label).Set(float64(row.Total))
	}
	return nil
}

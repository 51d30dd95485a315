package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/clinicpay/internal/audit/domain"
	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/config"
	"github.com/smallbiznis/clinicpay/internal/gateway"
	gatewaydomain "github.com/smallbiznis/clinicpay/internal/gateway/domain"
	obslogger "github.com/smallbiznis/clinicpay/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
	"github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
	checkdomain "github.com/smallbiznis/clinicpay/internal/statuscheck/domain"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         domain.Repository
	Payments     paymentdomain.Repository
	StatusChecks checkdomain.Repository
	Gateway      gateway.Resolver
	Policy       *config.ReconcilePolicyHolder
	Audit        auditdomain.Service `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	repo         domain.Repository
	payments     paymentdomain.Repository
	statusChecks checkdomain.Repository
	gateway      gateway.Resolver
	policy       *config.ReconcilePolicyHolder
	audit        auditdomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("paymentrequest.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		payments:     p.Payments,
		statusChecks: p.StatusChecks,
		gateway:      p.Gateway,
		policy:       p.Policy,
		audit:        p.Audit,
	}
}

type CreateInput struct {
	CustomerID    string    `json:"customer_id"`
	CustomerEmail string    `json:"customer_email"`
	BookingID     string    `json:"booking_id"`
	InvoiceID     string    `json:"invoice_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Description   string    `json:"description"`
	DueAt         time.Time `json:"due_at"`
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.PaymentRequest, error) {
	now := s.clock.Now()

	customerID := strings.TrimSpace(in.CustomerID)
	if customerID == "" {
		return nil, domain.ErrInvalidCustomer
	}
	if in.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if !currencyPattern.MatchString(currency) {
		return nil, domain.ErrInvalidCurrency
	}
	if in.DueAt.IsZero() || !in.DueAt.After(now) {
		return nil, domain.ErrInvalidDueDate
	}

	req := &domain.PaymentRequest{
		ID:            s.genID.Generate(),
		CustomerID:    customerID,
		CustomerEmail: strings.TrimSpace(in.CustomerEmail),
		BookingID:     optional(in.BookingID),
		InvoiceID:     optional(in.InvoiceID),
		Amount:        in.Amount,
		Currency:      currency,
		Description:   strings.TrimSpace(in.Description),
		Status:        domain.StatusPending,
		DueAt:         in.DueAt.UTC(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(ctx, s.db, req); err != nil {
		return nil, err
	}

	s.auditLog(ctx, auditdomain.ActionPaymentRequestCreated, req.ID, map[string]any{
		"amount":     req.Amount,
		"currency":   req.Currency,
		"booking_id": deref(req.BookingID),
		"invoice_id": deref(req.InvoiceID),
	})
	return req, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*domain.PaymentRequest, error) {
	if id == 0 {
		return nil, domain.ErrInvalidID
	}
	req, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, domain.ErrNotFound
	}
	return req, nil
}

// GetStatus returns the customer-facing view of a request.
func (s *Service) GetStatus(ctx context.Context, id snowflake.ID) (*domain.StatusView, error) {
	req, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var latest *paymentdomain.Payment
	if req.CheckoutReference != nil {
		latest, err = s.payments.FindByReference(ctx, s.db, *req.CheckoutReference)
		if err != nil {
			return nil, err
		}
	}

	view := CustomerView(req, latest)
	return &view, nil
}

// CustomerView projects a request and the payment for its current checkout
// onto the three customer-visible outcomes.
func CustomerView(req *domain.PaymentRequest, latest *paymentdomain.Payment) domain.StatusView {
	view := domain.StatusView{
		ID:             req.ID,
		Status:         req.Status,
		CustomerStatus: domain.CustomerPending,
		Message:        domain.MessagePending,
		Amount:         req.Amount,
		Currency:       req.Currency,
		DueAt:          req.DueAt,
	}
	switch req.Status {
	case domain.StatusPaid:
		view.CustomerStatus = domain.CustomerSucceeded
		view.Message = domain.MessageSucceeded
		view.BookingUnlocked = true
	case domain.StatusExpired, domain.StatusCancelled:
		view.CustomerStatus = domain.CustomerFailed
		view.Message = domain.MessageClosed
	default:
		view.CheckoutURL = req.CheckoutURL
		if latest != nil && (latest.Status == paymentdomain.StatusFailed || latest.Status == paymentdomain.StatusCancelled) {
			view.CustomerStatus = domain.CustomerFailed
			view.Message = domain.MessageFailed
		}
	}
	return view
}

type Detail struct {
	Request  *domain.PaymentRequest           `json:"payment_request"`
	Sessions []domain.CheckoutSession         `json:"checkout_sessions"`
	Payments []paymentdomain.Payment          `json:"payments"`
	Checks   []checkdomain.PaymentStatusCheck `json:"status_checks"`
}

// Detail is the operator view with every checkout attempt, payment and check.
func (s *Service) Detail(ctx context.Context, id snowflake.ID) (*Detail, error) {
	req, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	sessions, err := s.repo.ListSessions(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	payments, err := s.payments.ListByRequest(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	checks, err := s.statusChecks.ListByRequest(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Request: req, Sessions: sessions, Payments: payments, Checks: checks}, nil
}

type OpenCheckoutInput struct {
	RequestID snowflake.ID
	// Amount, when set, must match the stored amount.
	Amount    *int64
	ReturnURL string
	CancelURL string
}

type CheckoutResult struct {
	PaymentRequestID  snowflake.ID `json:"payment_request_id"`
	CheckoutReference string       `json:"checkout_reference"`
	CheckoutID        string       `json:"checkout_id"`
	RedirectURL       string       `json:"redirect_url"`
}

// OpenCheckout records a checkout attempt locally, then asks the gateway for
// a hosted session. The gateway is never called inside a transaction.
func (s *Service) OpenCheckout(ctx context.Context, in OpenCheckoutInput) (*CheckoutResult, error) {
	if in.RequestID == 0 {
		return nil, domain.ErrInvalidID
	}

	var (
		session  *domain.CheckoutSession
		existing *CheckoutResult
		req      *domain.PaymentRequest
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		req, err = s.repo.Lock(ctx, tx, in.RequestID)
		if err != nil {
			return err
		}
		if req == nil {
			return domain.ErrNotFound
		}
		if !req.Status.Open() {
			return domain.ErrInvalidState
		}
		if in.Amount != nil && *in.Amount != req.Amount {
			return domain.ErrAmountMismatch
		}

		opening, err := s.repo.FindOpeningSession(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		if opening != nil {
			return domain.ErrCheckoutInProgress
		}

		if req.Status == domain.StatusSent && req.CheckoutURL != nil {
			active, err := s.statusChecks.FindActiveByRequest(ctx, tx, req.ID)
			if err != nil {
				return err
			}
			if active != nil {
				existing = &CheckoutResult{
					PaymentRequestID:  req.ID,
					CheckoutReference: deref(req.CheckoutReference),
					CheckoutID:        deref(req.CheckoutID),
					RedirectURL:       *req.CheckoutURL,
				}
				return nil
			}
		}

		now := s.clock.Now()
		session = &domain.CheckoutSession{
			ID:                s.genID.Generate(),
			PaymentRequestID:  req.ID,
			Provider:          s.gateway.DefaultProvider(),
			CheckoutReference: NewCheckoutReference(),
			Amount:            req.Amount,
			Currency:          req.Currency,
			ReturnURL:         strings.TrimSpace(in.ReturnURL),
			CancelURL:         strings.TrimSpace(in.CancelURL),
			State:             domain.SessionOpening,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		return s.repo.InsertSession(ctx, tx, session)
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	return s.createRemote(ctx, req, session)
}

// ResumeCheckout re-issues the gateway call for a session left in opening,
// reusing its reference so the gateway returns the same checkout.
func (s *Service) ResumeCheckout(ctx context.Context, session domain.CheckoutSession) error {
	req, err := s.repo.FindByID(ctx, s.db, session.PaymentRequestID)
	if err != nil {
		return err
	}
	if req == nil || !req.Status.Open() {
		return s.repo.MarkSessionRejected(ctx, s.db, session.ID, "payment request closed", s.clock.Now())
	}
	_, err = s.createRemote(ctx, req, &session)
	if errors.Is(err, domain.ErrInvalidState) {
		return nil
	}
	return err
}

func (s *Service) createRemote(ctx context.Context, req *domain.PaymentRequest, session *domain.CheckoutSession) (*CheckoutResult, error) {
	log := obslogger.WithPaymentRequest(obslogger.WithContext(ctx, s.log), req.ID.String(), session.CheckoutReference)

	client, err := s.gateway.Client(session.Provider)
	if err != nil {
		return nil, err
	}
	remote, err := client.CreateCheckout(ctx, gatewaydomain.CreateCheckoutInput{
		Amount:            session.Amount,
		Currency:          session.Currency,
		CheckoutReference: session.CheckoutReference,
		CustomerEmail:     req.CustomerEmail,
		Description:       req.Description,
		ReturnURL:         session.ReturnURL,
		CancelURL:         session.CancelURL,
	})
	if err != nil {
		now := s.clock.Now()
		if errors.Is(err, gatewaydomain.ErrRejected) {
			log.Warn("gateway rejected checkout", zap.Error(err))
			if markErr := s.repo.MarkSessionRejected(ctx, s.db, session.ID, err.Error(), now); markErr != nil {
				return nil, errors.Join(err, markErr)
			}
			return nil, err
		}
		log.Warn("checkout creation failed, will resume", zap.Error(err))
		if touchErr := s.repo.TouchSession(ctx, s.db, session.ID, now); touchErr != nil {
			return nil, errors.Join(err, touchErr)
		}
		return nil, err
	}

	result, err := s.finishCheckout(ctx, session, remote)
	if errors.Is(err, domain.ErrInvalidState) {
		// Closed while the gateway call was in flight.
		log.Info("request closed during checkout, cancelling remote session", zap.String("checkout_id", remote.CheckoutID))
		if cancelErr := client.CancelCheckout(ctx, remote.CheckoutID); cancelErr != nil {
			log.Warn("cancel orphaned checkout failed", zap.Error(cancelErr))
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s.auditLog(ctx, auditdomain.ActionCheckoutOpened, req.ID, map[string]any{
		"checkout_reference": session.CheckoutReference,
		"checkout_id":        remote.CheckoutID,
		"provider":           session.Provider,
	})
	log.Info("checkout opened", zap.String("checkout_id", remote.CheckoutID))
	return result, nil
}

func (s *Service) finishCheckout(ctx context.Context, session *domain.CheckoutSession, remote gatewaydomain.CheckoutSession) (*CheckoutResult, error) {
	policy := s.policy.Get()
	var result *CheckoutResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		req, err := s.repo.Lock(ctx, tx, session.PaymentRequestID)
		if err != nil {
			return err
		}
		if req == nil {
			return domain.ErrNotFound
		}

		now := s.clock.Now()
		if err := s.repo.MarkSessionOpen(ctx, tx, session.ID, remote.CheckoutID, remote.RedirectURL, now); err != nil {
			return err
		}
		if !req.Status.Open() {
			return domain.ErrInvalidState
		}

		nextCheck := now.Add(policy.GracePeriod)
		expected := req.Status
		req.Status = domain.StatusSent
		req.GatewayProvider = session.Provider
		req.CheckoutID = &remote.CheckoutID
		req.CheckoutReference = &session.CheckoutReference
		req.CheckoutURL = &remote.RedirectURL
		req.NextPollAt = &nextCheck
		req.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, req, expected); err != nil {
			return err
		}

		if _, err := s.statusChecks.CloseActiveForRequest(ctx, tx, req.ID, checkdomain.StatusCancelled, now); err != nil {
			return err
		}
		if err := s.statusChecks.Insert(ctx, tx, &checkdomain.PaymentStatusCheck{
			ID:                s.genID.Generate(),
			PaymentRequestID:  req.ID,
			Provider:          session.Provider,
			CheckoutID:        remote.CheckoutID,
			CheckoutReference: session.CheckoutReference,
			MaxAttempts:       policy.PollMaxAttempts,
			NextCheckAt:       nextCheck,
			Status:            checkdomain.StatusActive,
			CreatedAt:         now,
			UpdatedAt:         now,
		}); err != nil {
			return fmt.Errorf("schedule status check: %w", err)
		}

		result = &CheckoutResult{
			PaymentRequestID:  req.ID,
			CheckoutReference: session.CheckoutReference,
			CheckoutID:        remote.CheckoutID,
			RedirectURL:       remote.RedirectURL,
		}
		return nil
	})
	if errors.Is(err, domain.ErrInvalidState) {
		// The session row still records the remote checkout.
		if markErr := s.repo.MarkSessionOpen(ctx, s.db, session.ID, remote.CheckoutID, remote.RedirectURL, s.clock.Now()); markErr != nil {
			return nil, errors.Join(err, markErr)
		}
	}
	return result, err
}

// NewCheckoutReference returns a fresh, sortable checkout reference.
func NewCheckoutReference() string {
	return "chk_" + strings.ToLower(ulid.Make().String())
}

func (s *Service) auditLog(ctx context.Context, action string, requestID snowflake.ID, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	target := requestID.String()
	if err := s.audit.AuditLog(ctx, "", nil, action, auditdomain.TargetPaymentRequest, &target, metadata); err != nil {
		s.log.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

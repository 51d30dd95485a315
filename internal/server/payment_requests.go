package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	obscontext "github.com/smallbiznis/clinicpay/internal/observability/context"
	prservice "github.com/smallbiznis/clinicpay/internal/paymentrequest/service"
	"github.com/smallbiznis/clinicpay/internal/reconcile"
)

type createPaymentRequestRequest struct {
	CustomerID    string    `json:"customer_id"`
	CustomerEmail string    `json:"customer_email"`
	BookingID     string    `json:"booking_id"`
	InvoiceID     string    `json:"invoice_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Description   string    `json:"description"`
	DueAt         time.Time `json:"due_at"`
}

func (s *Server) CreatePaymentRequest(c *gin.Context) {
	var req createPaymentRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	created, err := s.requestSvc.Create(c.Request.Context(), prservice.CreateInput{
		CustomerID:    req.CustomerID,
		CustomerEmail: req.CustomerEmail,
		BookingID:     req.BookingID,
		InvoiceID:     req.InvoiceID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Description:   req.Description,
		DueAt:         req.DueAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": created})
}

// GetPaymentRequestStatus is polled by the customer's browser; it exposes
// only the customer-safe view.
func (s *Server) GetPaymentRequestStatus(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	view, err := s.requestSvc.GetStatus(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": view})
}

type openCheckoutRequest struct {
	Amount    *int64 `json:"amount"`
	ReturnURL string `json:"return_url"`
	CancelURL string `json:"cancel_url"`
}

func (s *Server) OpenCheckout(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req openCheckoutRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	returnURL := strings.TrimSpace(req.ReturnURL)
	if returnURL == "" {
		returnURL = s.cfg.Gateway.ReturnURL
	}
	cancelURL := strings.TrimSpace(req.CancelURL)
	if cancelURL == "" {
		cancelURL = s.cfg.Gateway.CancelURL
	}

	ctx := obscontext.WithActor(c.Request.Context(), obscontext.ActorCustomer, "")
	checkout, err := s.requestSvc.OpenCheckout(ctx, prservice.OpenCheckoutInput{
		RequestID: id,
		Amount:    req.Amount,
		ReturnURL: returnURL,
		CancelURL: cancelURL,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": checkout})
}

type cancelPaymentRequestRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (s *Server) CancelPaymentRequest(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req cancelPaymentRequestRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	cancelled, err := s.engineSvc.Cancel(c.Request.Context(), reconcile.CancelInput{
		RequestID: id,
		Reason:    req.Reason,
		ActorType: obscontext.ActorClient,
		ActorID:   strings.TrimSpace(req.Actor),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": cancelled})
}

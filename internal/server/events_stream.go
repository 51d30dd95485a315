package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/clinicpay/internal/fanout"
	prdomain "github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
)

// streamEvent is the customer-safe projection of a status change.
type streamEvent struct {
	PaymentRequestID string                  `json:"payment_request_id"`
	CustomerStatus   prdomain.CustomerStatus `json:"customer_status"`
	Message          string                  `json:"message"`
	BookingUnlocked  bool                    `json:"booking_unlocked"`
	OccurredAt       time.Time               `json:"occurred_at"`
}

// StreamPaymentRequestEvents pushes status changes of one request over
// server-sent events. The current status is sent first so a client that
// connects late does not wait for the next change.
func (s *Server) StreamPaymentRequestEvents(c *gin.Context) {
	if s.hub == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

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

	subscription, backlog, err := s.hub.Subscribe(id.String())
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	defer subscription.Close()

	writer := c.Writer
	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}
	if err := writeStreamEvent(writer, streamEvent{
		PaymentRequestID: id.String(),
		CustomerStatus:   view.CustomerStatus,
		Message:          view.Message,
		BookingUnlocked:  view.BookingUnlocked,
		OccurredAt:       time.Now().UTC(),
	}); err != nil {
		return
	}
	for _, event := range backlog {
		if err := writeStatusChanged(writer, event); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-subscription.Events():
			if !ok {
				return
			}
			if err := writeStatusChanged(writer, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeStatusChanged(w io.Writer, ev fanout.StatusChanged) error {
	if ev.Subject != fanout.SubjectPaymentRequest && !ev.NotifyCustomer {
		return nil
	}
	return writeStreamEvent(w, streamEvent{
		PaymentRequestID: ev.PaymentRequestID.String(),
		CustomerStatus:   ev.CustomerStatus,
		Message:          ev.Message,
		BookingUnlocked:  ev.BookingUnlocked,
		OccurredAt:       ev.OccurredAt,
	})
}

func writeStreamEvent(w io.Writer, event streamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
	return err
}

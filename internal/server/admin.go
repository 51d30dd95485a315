package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/clinicpay/internal/authorization"
	eventlogdomain "github.com/smallbiznis/clinicpay/internal/eventlog/domain"
	obscontext "github.com/smallbiznis/clinicpay/internal/observability/context"
	"github.com/smallbiznis/clinicpay/pkg/db/pagination"
)

const operatorKey = "admin.operator"

// AdminRequired authenticates the operator bearer token. Without any
// configured token the admin surface is closed.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.Fields(strings.TrimSpace(c.GetHeader("Authorization")))
		token := ""
		if len(parts) == 2 && parts[0] == "Bearer" {
			token = parts[1]
		}

		op, err := s.authz.Authenticate(token)
		switch {
		case errors.Is(err, authorization.ErrNoOperators):
			AbortWithError(c, ErrForbidden)
			return
		case err != nil:
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), obscontext.ActorAdmin, op.Name)
		c.Request = c.Request.WithContext(ctx)
		c.Set(operatorKey, op)
		c.Next()
	}
}

// Can checks the authenticated operator's role for one object and action.
func (s *Server) Can(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		op, ok := c.Get(operatorKey)
		operator, _ := op.(authorization.Operator)
		if !ok || operator.Name == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authz.Authorize(c.Request.Context(), operator, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

type listFailuresQuery struct {
	PageToken        string `form:"page_token"`
	PageSize         int    `form:"page_size"`
	Kind             string `form:"kind"`
	Resolved         string `form:"resolved"`
	PaymentRequestID string `form:"payment_request_id"`
}

func (s *Server) ListFailures(c *gin.Context) {
	var query listFailuresQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	resolved, err := parseOptionalBool(query.Resolved)
	if err != nil {
		AbortWithError(c, newValidationError("resolved", "invalid_resolved", "invalid resolved"))
		return
	}

	resp, err := s.eventSvc.ListFailures(c.Request.Context(), eventlogdomain.ListFailuresRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Kind:             strings.TrimSpace(query.Kind),
		Resolved:         resolved,
		PaymentRequestID: strings.TrimSpace(query.PaymentRequestID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Failures, "page_info": resp.PageInfo})
}

type resolveFailureRequest struct {
	Note string `json:"note"`
}

func (s *Server) ResolveFailure(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req resolveFailureRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	failure, err := s.eventSvc.Resolve(c.Request.Context(), id, strings.TrimSpace(req.Note))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": failure})
}

type listWebhookEventsQuery struct {
	PageToken         string `form:"page_token"`
	PageSize          int    `form:"page_size"`
	Provider          string `form:"provider"`
	CheckoutReference string `form:"checkout_reference"`
	Processed         string `form:"processed"`
}

func (s *Server) ListWebhookEvents(c *gin.Context) {
	var query listWebhookEventsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	processed, err := parseOptionalBool(query.Processed)
	if err != nil {
		AbortWithError(c, newValidationError("processed", "invalid_processed", "invalid processed"))
		return
	}

	resp, err := s.eventSvc.ListEvents(c.Request.Context(), eventlogdomain.ListEventsRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Provider:          strings.ToLower(strings.TrimSpace(query.Provider)),
		CheckoutReference: strings.TrimSpace(query.CheckoutReference),
		Processed:         processed,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Events, "page_info": resp.PageInfo})
}

func (s *Server) GetPaymentRequestDetail(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	detail, err := s.requestSvc.Detail(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": detail})
}

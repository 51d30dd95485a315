package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	obscontext "github.com/smallbiznis/clinicpay/internal/observability/context"
)

const maxWebhookBody = 1 << 20

// HandleGatewayWebhook acknowledges every notification the engine accepted,
// including duplicates and references it does not know yet, so the gateway
// stops redelivering. Signature and payload errors are rejected.
func (s *Server) HandleGatewayWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := obscontext.WithActor(c.Request.Context(), obscontext.ActorGateway, provider)
	outcome, err := s.webhookSvc.Ingest(ctx, provider, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": outcome})
}

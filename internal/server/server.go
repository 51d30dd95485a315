package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	auditdomain "github.com/smallbiznis/clinicpay/internal/audit/domain"
	"github.com/smallbiznis/clinicpay/internal/authorization"
	"github.com/smallbiznis/clinicpay/internal/config"
	eventlogdomain "github.com/smallbiznis/clinicpay/internal/eventlog/domain"
	"github.com/smallbiznis/clinicpay/internal/fanout"
	"github.com/smallbiznis/clinicpay/internal/observability"
	obsmiddleware "github.com/smallbiznis/clinicpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/clinicpay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/clinicpay/internal/observability/tracing"
	prservice "github.com/smallbiznis/clinicpay/internal/paymentrequest/service"
	"github.com/smallbiznis/clinicpay/internal/ratelimit"
	"github.com/smallbiznis/clinicpay/internal/reconcile"
	"github.com/smallbiznis/clinicpay/internal/webhook"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	requestSvc *prservice.Service
	engineSvc  *reconcile.Engine
	webhookSvc *webhook.Service
	eventSvc   eventlogdomain.Service
	auditSvc   auditdomain.Service
	authz      *authorization.Authorizer
	hub        *fanout.Hub
	limiter    *ratelimit.Limiter
	heartbeat  time.Duration
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	RequestSvc *prservice.Service
	Engine     *reconcile.Engine
	WebhookSvc *webhook.Service
	EventSvc   eventlogdomain.Service
	AuditSvc   auditdomain.Service
	Authz      *authorization.Authorizer
	Hub        *fanout.Hub        `optional:"true"`
	Limiter    *ratelimit.Limiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		requestSvc: p.RequestSvc,
		engineSvc:  p.Engine,
		webhookSvc: p.WebhookSvc,
		eventSvc:   p.EventSvc,
		auditSvc:   p.AuditSvc,
		authz:      p.Authz,
		hub:        p.Hub,
		limiter:    p.Limiter,
		heartbeat:  15 * time.Second,
	}

	if h := customerCORS(p.Cfg.CORSAllowedOrigins); h != nil {
		svc.engine.Use(h)
	}
	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandleGatewayWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	requests := api.Group("/payment-requests")
	{
		requests.POST("", s.CreatePaymentRequest)
		requests.GET("/:id", s.StatusRateLimit(), s.GetPaymentRequestStatus)
		requests.POST("/:id/checkout", s.CheckoutRateLimit(), s.OpenCheckout)
		requests.POST("/:id/cancel", s.CancelPaymentRequest)
		requests.GET("/:id/events", s.StreamPaymentRequestEvents)
	}
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.AdminRequired())
	{
		admin.GET("/failures", s.Can(authorization.ObjectFailure, authorization.ActionView), s.ListFailures)
		admin.POST("/failures/:id/resolve", s.Can(authorization.ObjectFailure, authorization.ActionResolve), s.ResolveFailure)
		admin.GET("/webhook-events", s.Can(authorization.ObjectWebhookEvent, authorization.ActionView), s.ListWebhookEvents)
		admin.GET("/payment-requests/:id", s.Can(authorization.ObjectPaymentRequest, authorization.ActionView), s.GetPaymentRequestDetail)
		admin.GET("/audit-logs", s.Can(authorization.ObjectAuditLog, authorization.ActionView), s.ListAuditLogs)
	}
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}

package fanout

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/clinicpay/internal/config"
	"github.com/smallbiznis/clinicpay/internal/providers/email"
	"github.com/smallbiznis/clinicpay/internal/providers/pdf"
	"github.com/smallbiznis/clinicpay/internal/providers/storage"
)

const sinkGroup = `group:"fanout.sinks"`

var Module = fx.Module("fanout",
	fx.Provide(NewHub),
	fx.Provide(
		fx.Annotate(hubSink, fx.ResultTags(sinkGroup)),
		fx.Annotate(kafkaSink, fx.ResultTags(sinkGroup)),
		fx.Annotate(snsSink, fx.ResultTags(sinkGroup)),
		fx.Annotate(sqsSink, fx.ResultTags(sinkGroup)),
		fx.Annotate(emailSink, fx.ResultTags(sinkGroup)),
	),
	fx.Provide(NewEmitter),
	fx.Provide(func(e *Emitter) Publisher { return e }),
)

func hubSink(h *Hub) Sink { return h }

// Unconfigured transports yield a nil sink, which the emitter skips.
func kafkaSink(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Sink {
	if len(cfg.Fanout.KafkaBrokers) == 0 {
		return nil
	}
	sink := NewKafkaSink(NewKafkaWriter(cfg.Fanout.KafkaBrokers, cfg.Fanout.KafkaTopic), cfg.Fanout.KafkaTopic, log)
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return sink.Close() }})
	return sink
}

func snsSink(cfg config.Config) (Sink, error) {
	if cfg.Fanout.SNSTopicARN == "" {
		return nil, nil
	}
	client, err := NewSNSClient(context.Background(), cfg.Fanout.AWSRegion, cfg.Fanout.AWSEndpoint)
	if err != nil {
		return nil, err
	}
	return NewSNSSink(client, cfg.Fanout.SNSTopicARN)
}

func sqsSink(cfg config.Config) (Sink, error) {
	if cfg.Fanout.SQSQueueURL == "" {
		return nil, nil
	}
	client, err := NewSQSClient(context.Background(), cfg.Fanout.AWSRegion, cfg.Fanout.AWSEndpoint)
	if err != nil {
		return nil, err
	}
	return NewSQSSink(client, cfg.Fanout.SQSQueueURL)
}

type emailSinkParams struct {
	fx.In

	Cfg      config.Config
	Provider email.Provider
	Renderer pdf.Renderer
	Archive  storage.Archive `optional:"true"`
	Log      *zap.Logger
}

func emailSink(p emailSinkParams) Sink {
	cfg, renderer := p.Cfg, p.Renderer
	if !cfg.Fanout.EmailEnabled {
		return nil
	}
	if !cfg.Email.ReceiptPDF {
		renderer = nil
	}
	portal := cfg.Fanout.PortalURL
	return NewEmailSink(p.Provider, renderer, EmailSinkConfig{
		ClinicName:  cfg.Email.ClinicName,
		ClinicEmail: cfg.Email.ClinicEmail,
		Archive:     p.Archive,
		RetryURL: func(ev StatusChanged) string {
			if portal == "" {
				return ""
			}
			return fmt.Sprintf("%s/payment-requests/%s", portal, ev.PaymentRequestID)
		},
	}, p.Log)
}

// Package secrets overlays credentials kept in AWS Secrets Manager onto the
// environment-derived configuration.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/smallbiznis/clinicpay/internal/config"
)

const loadTimeout = 10 * time.Second

// GetSecretValueAPI is the subset of *secretsmanager.Client used here.
type GetSecretValueAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Decorate is meant for fx.Decorate at the application root. Without
// CONFIG_SECRET_ID the configuration passes through untouched. A configured
// but unreadable secret fails startup.
func Decorate(cfg config.Config) (config.Config, error) {
	if strings.TrimSpace(cfg.SecretID) == "" {
		return cfg, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Fanout.AWSRegion))
	if err != nil {
		return cfg, fmt.Errorf("load aws config: %w", err)
	}
	client := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if endpoint := strings.TrimSpace(cfg.Fanout.AWSEndpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return Overlay(ctx, cfg, client)
}

// Overlay reads a JSON object of environment-style keys from the secret and
// replaces the matching credentials. Unknown keys and empty values are
// ignored.
func Overlay(ctx context.Context, cfg config.Config, client GetSecretValueAPI) (config.Config, error) {
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(cfg.SecretID),
	})
	if err != nil {
		return cfg, fmt.Errorf("get secret %s: %w", cfg.SecretID, err)
	}
	if out.SecretString == nil {
		return cfg, fmt.Errorf("secret %s has no string value", cfg.SecretID)
	}

	var values map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &values); err != nil {
		return cfg, errors.New("secret " + cfg.SecretID + " is not a JSON object of strings")
	}

	set := func(key string, dst *string) {
		if v := strings.TrimSpace(values[key]); v != "" {
			*dst = v
		}
	}
	set("GATEWAY_API_KEY", &cfg.Gateway.APIKey)
	set("GATEWAY_WEBHOOK_SECRET", &cfg.Gateway.WebhookSecret)
	set("STRIPE_SECRET_KEY", &cfg.Gateway.StripeSecretKey)
	set("STRIPE_WEBHOOK_SECRET", &cfg.Gateway.StripeWebhookSecret)
	set("DB_PASSWORD", &cfg.DBPassword)
	set("SMTP_PASSWORD", &cfg.Email.SMTPPassword)
	set("REDIS_PASSWORD", &cfg.Redis.Password)

	var single string
	set("ADMIN_API_TOKEN", &single)
	tokens := config.ParseAdminTokens(single, values["ADMIN_API_TOKENS"])
	if len(tokens) > 0 {
		cfg.AdminAPIToken = single
		cfg.AdminTokens = tokens
	}
	return cfg, nil
}

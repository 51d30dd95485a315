package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	// CORSAllowedOrigins may call /api from a browser. Empty disables CORS.
	CORSAllowedOrigins []string
	// NodeID seeds snowflake IDs; it must differ between replicas.
	NodeID int64
	// SecretID names an AWS Secrets Manager secret whose JSON keys override
	// credentials read from the environment.
	SecretID string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBSQLitePath      string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	// ReconcileConfigDir overrides the directory searched for reconcile.yml.
	ReconcileConfigDir string

	// AdminAPIToken is a single operator token; AdminTokens adds named
	// tokens with a role each.
	AdminAPIToken string
	AdminTokens   []AdminToken

	Redis     RedisConfig
	RateLimit RateLimitConfig
	Gateway   GatewayConfig
	Fanout    FanoutConfig
	Email     EmailConfig
	Scheduler SchedulerConfig
	Push      MetricsPushConfig
	Archive   ArchiveConfig
	Telemetry TelemetryConfig
}

const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

type AdminToken struct {
	Name  string
	Role  string
	Token string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool { return strings.TrimSpace(c.Addr) != "" }

// RateLimitConfig throttles the customer-facing endpoints. Limits are shared
// through Redis when configured, otherwise kept per process if LocalFallback
// is set.
type RateLimitConfig struct {
	Enabled       bool
	LocalFallback bool
	CheckoutRate  float64
	CheckoutBurst int
	StatusRate    float64
	StatusBurst   int
}

// GatewayConfig carries the credentials handed to gateway adapters. It is
// resolved once at startup and passed explicitly to each adapter.
type GatewayConfig struct {
	Provider      string
	BaseURL       string
	APIKey        string
	WebhookSecret string
	ReturnURL     string
	CancelURL     string

	StripeSecretKey     string
	StripeWebhookSecret string

	Timeout         time.Duration
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type FanoutConfig struct {
	KafkaBrokers []string
	KafkaTopic   string

	SNSTopicARN string
	// SQSQueueURL ending in .fifo orders messages per payment request.
	SQSQueueURL string
	AWSRegion   string
	AWSEndpoint string

	EmailEnabled bool
	// PortalURL is where customers retry a failed payment.
	PortalURL string
}

type EmailConfig struct {
	// ClinicName and ClinicEmail are printed on PDF receipts.
	ClinicName   string
	ClinicEmail  string
	ReceiptPDF   bool
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

type SchedulerConfig struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	EnabledJobs []string
	// PollLockTTL bounds how long one process holds the Redis lock of a
	// status check.
	PollLockTTL time.Duration
}

// ArchiveConfig names the S3 bucket that keeps a copy of every receipt
// sent. An empty bucket disables archiving.
type ArchiveConfig struct {
	Bucket string
	Prefix string
}

// MetricsPushConfig ships the Prometheus registry of processes that expose no
// scrape endpoint, such as the standalone scheduler.
// TelemetryConfig drives logs, traces and the OTLP meter.
type TelemetryConfig struct {
	LogLevel  string
	LogFormat string

	// Tracing defaults to off in development environments.
	Tracing      bool
	OTLPEndpoint string
	OTLPProtocol string
	TraceRatio   float64

	SQLLogLevel string
	SlowQuery   time.Duration
}

type MetricsPushConfig struct {
	// Exporter is "prometheus_remote_write" or "prometheus_pushgateway".
	// Empty disables pushing.
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:            getenv("APP_SERVICE", "clinicpay"),
		AppVersion:         getenv("APP_VERSION", "0.1.0"),
		Environment:        getenv("ENVIRONMENT", "development"),
		HTTPAddr:           getenv("HTTP_ADDR", ":8080"),
		CORSAllowedOrigins: parseList(getenv("CORS_ALLOWED_ORIGINS", "")),
		NodeID:             getenvInt64("NODE_ID", 1),
		SecretID:           strings.TrimSpace(getenv("CONFIG_SECRET_ID", "")),
		ReconcileConfigDir: strings.TrimSpace(getenv("RECONCILE_CONFIG_DIR", "")),
		AdminAPIToken:      strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),

		DBType:            strings.ToLower(getenv("DB_TYPE", "postgres")),
		DBHost:            getenv("DB_HOST", "localhost"),
		DBPort:            getenv("DB_PORT", "5432"),
		DBName:            getenv("DB_NAME", "clinicpay"),
		DBUser:            getenv("DB_USER", "postgres"),
		DBPassword:        getenv("DB_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DB_SSL_MODE", "disable"),
		DBSQLitePath:      getenv("DB_SQLITE_PATH", "clinicpay.db"),
		DBMaxIdleConn:     int(getenvInt64("DB_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DB_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DB_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DB_CONN_MAX_IDLE_TIME", 60)),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", true),
			LocalFallback: getenvBool("RATE_LIMIT_LOCAL_FALLBACK", true),
			CheckoutRate:  getenvFloat("RATE_LIMIT_CHECKOUT_RATE", 0.2),
			CheckoutBurst: int(getenvInt64("RATE_LIMIT_CHECKOUT_BURST", 5)),
			StatusRate:    getenvFloat("RATE_LIMIT_STATUS_RATE", 2),
			StatusBurst:   int(getenvInt64("RATE_LIMIT_STATUS_BURST", 20)),
		},
		Gateway: GatewayConfig{
			Provider:            strings.ToLower(getenv("GATEWAY_PROVIDER", "hosted")),
			BaseURL:             strings.TrimRight(getenv("GATEWAY_BASE_URL", ""), "/"),
			APIKey:              strings.TrimSpace(getenv("GATEWAY_API_KEY", "")),
			WebhookSecret:       strings.TrimSpace(getenv("GATEWAY_WEBHOOK_SECRET", "")),
			ReturnURL:           getenv("GATEWAY_RETURN_URL", ""),
			CancelURL:           getenv("GATEWAY_CANCEL_URL", ""),
			StripeSecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			Timeout:             getenvDuration("GATEWAY_TIMEOUT", 10*time.Second),
			MaxAttempts:         int(getenvInt64("GATEWAY_MAX_ATTEMPTS", 3)),
			InitialInterval:     getenvDuration("GATEWAY_RETRY_INITIAL_INTERVAL", 500*time.Millisecond),
			MaxInterval:         getenvDuration("GATEWAY_RETRY_MAX_INTERVAL", 5*time.Second),
		},
		Fanout: FanoutConfig{
			KafkaBrokers: parseList(getenv("FANOUT_KAFKA_BROKERS", "")),
			KafkaTopic:   getenv("FANOUT_KAFKA_TOPIC", "payment.request.status_changed"),
			SNSTopicARN:  strings.TrimSpace(getenv("FANOUT_SNS_TOPIC_ARN", "")),
			SQSQueueURL:  strings.TrimSpace(getenv("FANOUT_SQS_QUEUE_URL", "")),
			AWSRegion:    getenv("AWS_REGION", "us-east-1"),
			AWSEndpoint:  strings.TrimSpace(getenv("AWS_ENDPOINT_URL", "")),
			EmailEnabled: getenvBool("FANOUT_EMAIL_ENABLED", true),
			PortalURL:    strings.TrimRight(getenv("PORTAL_URL", ""), "/"),
		},
		Email: EmailConfig{
			ClinicName:   getenv("CLINIC_NAME", ""),
			ClinicEmail:  getenv("CLINIC_EMAIL", ""),
			ReceiptPDF:   getenvBool("EMAIL_RECEIPT_PDF", true),
			SMTPHost:     strings.TrimSpace(getenv("SMTP_HOST", "")),
			SMTPPort:     int(getenvInt64("SMTP_PORT", 587)),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "billing@clinicpay.local"),
		},
		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", 15*time.Second),
			BatchSize:   int(getenvInt64("SCHEDULER_BATCH_SIZE", 50)),
			EnabledJobs: parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
			PollLockTTL: getenvDuration("SCHEDULER_POLL_LOCK_TTL", 30*time.Second),
		},
		Archive: ArchiveConfig{
			Bucket: strings.TrimSpace(getenv("RECEIPT_ARCHIVE_BUCKET", "")),
			Prefix: strings.TrimSpace(getenv("RECEIPT_ARCHIVE_PREFIX", "")),
		},
		Push: MetricsPushConfig{
			Exporter:  strings.ToLower(strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", ""))),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
			Interval:  getenvDuration("METRICS_PUSH_INTERVAL", time.Minute),
		},
	}

	otlpProtocol := getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))
	cfg.Telemetry = TelemetryConfig{
		LogLevel:     strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
		LogFormat:    strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
		Tracing:      getenvBool("OTEL_ENABLED", !IsDevelopmentEnv(cfg.Environment)),
		OTLPEndpoint: strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")),
		OTLPProtocol: strings.ToLower(strings.TrimSpace(otlpProtocol)),
		TraceRatio:   getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		SQLLogLevel:  strings.ToLower(strings.TrimSpace(getenv("DB_LOG_LEVEL", "warn"))),
		SlowQuery:    getenvDuration("DB_SLOW_QUERY", 200*time.Millisecond),
	}

	cfg.AdminTokens = ParseAdminTokens(cfg.AdminAPIToken, getenv("ADMIN_API_TOKENS", ""))

	return cfg
}

// ParseAdminTokens reads "name:role:token" entries separated by commas.
// Malformed entries are skipped.
func ParseAdminTokens(single, raw string) []AdminToken {
	var out []AdminToken
	if single != "" {
		out = append(out, AdminToken{Name: "admin", Role: RoleOperator, Token: single})
	}
	for _, entry := range parseList(raw) {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		role := strings.ToLower(strings.TrimSpace(parts[1]))
		token := strings.TrimSpace(parts[2])
		if name == "" || token == "" {
			continue
		}
		out = append(out, AdminToken{Name: name, Role: role, Token: token})
	}
	return out
}

// IsProduction reports whether the service runs in the production environment.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// IsDevelopmentEnv reports whether env names a local or test deployment.
func IsDevelopmentEnv(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

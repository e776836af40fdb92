package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds runtime settings sourced from the environment.
type Config struct {
	AppEnv           string `env:"APP_ENV" envDefault:"development"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPListenAddr   string `env:"HTTP_LISTEN_ADDR" envDefault:":8080"`
	PublicBaseURL    string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	PublicBasePath   string `env:"PUBLIC_BASE_PATH"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"sirius"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"data/sirius.db"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisTLS      bool   `env:"REDIS_TLS" envDefault:"false"`

	StripeSecretKey     string        `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	StripeTimeout       time.Duration `env:"STRIPE_TIMEOUT" envDefault:"15s"`

	QueueDepositAmount   int64  `env:"QUEUE_DEPOSIT_AMOUNT" envDefault:"10000"`
	QueueRemainingAmount int64  `env:"QUEUE_REMAINING_AMOUNT" envDefault:"45000"`
	QueueCurrency        string `env:"QUEUE_CURRENCY" envDefault:"usd"`
	PreorderUnitAmount   int64  `env:"PREORDER_UNIT_AMOUNT" envDefault:"9900"`
	DonationMinAmount    int64  `env:"DONATION_MIN_AMOUNT" envDefault:"500"`

	AdminEmail      string `env:"ADMIN_EMAIL"`
	AdminJWTSecret  string `env:"ADMIN_JWT_SECRET"`
	AdminAPIKeyHash string `env:"ADMIN_API_KEY_HASH"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	MailFrom     string `env:"MAIL_FROM" envDefault:"Sirius Sound <hello@siriussound.com>"`

	TelegramChannelURL string `env:"TELEGRAM_CHANNEL_URL" envDefault:"https://t.me/sirius_sound"`
	TrackingBaseURL    string `env:"TRACKING_BASE_URL" envDefault:"https://tracking.example.com/"`

	KafkaBootstrapServers  string `env:"KAFKA_BOOTSTRAP_SERVERS"`
	KafkaNotificationTopic string `env:"KAFKA_NOTIFICATION_TOPIC" envDefault:"queue_notifications"`

	WhatsAppStorePath   string `env:"WHATSAPP_STORE_PATH"`
	WhatsAppLogLevel    string `env:"WHATSAPP_LOG_LEVEL" envDefault:"INFO"`
	WhatsAppOperatorJID string `env:"WHATSAPP_OPERATOR_JID"`
}

// Load parses the environment into Config and validates it.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements env tags cannot express.
func (c Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver))
	}
	if strings.TrimSpace(c.AdminEmail) == "" {
		errs = append(errs, errors.New("ADMIN_EMAIL is required"))
	}
	if c.QueueDepositAmount <= 0 || c.QueueRemainingAmount < 0 {
		errs = append(errs, errors.New("queue amounts must be positive"))
	}
	return errors.Join(errs...)
}

// MailConfigured reports whether SMTP delivery can be attempted.
func (c Config) MailConfigured() bool {
	return c.SMTPHost != "" && c.MailFrom != ""
}

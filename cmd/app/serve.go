package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"sirius-sound/internal/auth"
	"sirius-sound/internal/cache"
	"sirius-sound/internal/config"
	"sirius-sound/internal/handlers"
	"sirius-sound/internal/httpserver"
	"sirius-sound/internal/logging"
	"sirius-sound/internal/metrics"
	"sirius-sound/internal/notify"
	"sirius-sound/internal/pay"
	"sirius-sound/internal/repo"
	"sirius-sound/internal/tonelab"
	"sirius-sound/internal/wa"
	"sirius-sound/internal/waitlist"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and Stripe webhook receiver",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func loadConfig() (config.Config, *slog.Logger, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.NewLogger(cfg.LogLevel), nil
}

func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (repo.Repository, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		return repo.NewPostgres(ctx, cfg.DatabaseURL, logger)
	default:
		return repo.NewSQLite(ctx, cfg.SQLitePath, logger)
	}
}

func runServe(parent context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("starting sirius-sound", "env", cfg.AppEnv, "version", version)

	if cfg.PublicBaseURL != "" {
		webhookURL := strings.TrimRight(cfg.PublicBaseURL, "/") + cfg.PublicBasePath + "/webhook/stripe"
		logger.Info("public base url configured", "base_url", cfg.PublicBaseURL, "webhook_url", webhookURL)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.Migrate(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated", "driver", cfg.DatabaseDriver)

	var (
		locker    cache.Locker = cache.NewMemoryLocker()
		jsonCache httpserver.JSONCache
	)
	if cfg.RedisAddr != "" {
		redisClient := cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed, using in-process locks", "error", err)
		} else {
			locker = redisClient
			jsonCache = redisClient
		}
	} else {
		logger.Warn("REDIS_ADDR not set, aggregate locks are process-local")
	}

	if cfg.StripeSecretKey == "" {
		logger.Warn("STRIPE_SECRET_KEY not set, checkouts will fail")
	}
	stripeClient := pay.New(pay.Config{
		SecretKey:     cfg.StripeSecretKey,
		Timeout:       cfg.StripeTimeout,
		PublicBaseURL: cfg.PublicBaseURL,
	}, logger, metricRegistry)

	templates, err := notify.NewTemplates(notify.TemplateConfig{
		PublicBaseURL:   cfg.PublicBaseURL,
		TelegramURL:     cfg.TelegramChannelURL,
		TrackingBaseURL: cfg.TrackingBaseURL,
		DepositAmount:   cfg.QueueDepositAmount,
		RemainingAmount: cfg.QueueRemainingAmount,
	})
	if err != nil {
		return fmt.Errorf("load email templates: %w", err)
	}

	if !cfg.MailConfigured() {
		logger.Warn("SMTP not configured, customer email will fail and be logged")
	}
	var outbox notify.Outbox
	if cfg.KafkaBootstrapServers != "" {
		kafkaOutbox, err := notify.NewKafkaOutbox(cfg.KafkaBootstrapServers, cfg.KafkaNotificationTopic, logger)
		if err != nil {
			return fmt.Errorf("init notification outbox: %w", err)
		}
		outbox = kafkaOutbox
	}
	notifier := notify.NewNotifier(notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
	}), outbox, logger, metricRegistry)
	defer notifier.Close()

	var alerter handlers.Alerter
	if cfg.WhatsAppStorePath != "" && cfg.WhatsAppOperatorJID != "" {
		waClient, err := wa.New(ctx, wa.Config{
			StorePath:   cfg.WhatsAppStorePath,
			LogLevel:    cfg.WhatsAppLogLevel,
			OperatorJID: cfg.WhatsAppOperatorJID,
			Metrics:     metricRegistry,
		}, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		defer waClient.Close()

		go func() {
			if err := waClient.Start(ctx); err != nil {
				logger.Error("whatsapp client stopped, operator alerts disabled", "error", err)
			}
		}()
		alerter = waClient
	}

	pricing := handlers.Pricing{
		DepositAmount:      cfg.QueueDepositAmount,
		RemainingAmount:    cfg.QueueRemainingAmount,
		Currency:           cfg.QueueCurrency,
		PreorderUnitAmount: cfg.PreorderUnitAmount,
		DonationMinAmount:  cfg.DonationMinAmount,
	}

	if cfg.StripeWebhookSecret == "" {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set, webhook deliveries will be refused")
	}
	processor := handlers.NewStripeWebhookProcessor(repository, locker, notifier, templates, alerter, logger, metricRegistry)
	webhookHandler := pay.NewWebhookHandler(logger, metricRegistry, cfg.StripeWebhookSecret, processor)

	seed := uint64(time.Now().UnixNano())
	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		StripeWebhook: webhookHandler,
		Queue:         handlers.NewQueueService(repository, stripeClient, pricing, logger, metricRegistry),
		Orders:        handlers.NewOrderService(repository, stripeClient, pricing, logger, metricRegistry),
		Admin:         handlers.NewAdminDispatcher(repository, stripeClient, locker, notifier, templates, logger, metricRegistry),
		Waitlist:      waitlist.NewService(repository, notifier, templates, logger),
		ToneLab:       tonelab.NewService(repository, rand.New(rand.NewPCG(seed, seed>>1)), logger),
		Auth: auth.NewAuthenticator(auth.Config{
			AdminEmail: cfg.AdminEmail,
			JWTSecret:  cfg.AdminJWTSecret,
			APIKeyHash: cfg.AdminAPIKeyHash,
		}),
		Repository: repository,
		Cache:      jsonCache,
	}, cfg.PublicBasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}

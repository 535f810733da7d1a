// Package main implements a Cloud Run service that sends blog notification
// emails when users, posts and comments are created, plus a weekly digest.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"blog-notifier/config"
	"blog-notifier/email"
	"blog-notifier/metrics"
	"blog-notifier/notify"
	"blog-notifier/pkg/blog"
	"blog-notifier/schedule"
	"blog-notifier/server"
	"blog-notifier/storage"

	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	sender := email.New(provider, logger, cfg.BaseURL, email.Address{Email: cfg.FromEmail, Name: cfg.SenderName()})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	notifier := notify.New(notify.Config{
		Store:       store,
		Emailer:     sender,
		Logger:      logger,
		IsNotFound:  storage.IsNotFound,
		Metrics:     metrics.New(reg),
		Dedup:       cfg.DedupEvents,
		FanoutLimit: cfg.FanoutLimit,
	})

	if cfg.InternalScheduler {
		weekly, err := cfg.Schedule()
		if err != nil {
			return err
		}
		runner := schedule.NewRunner(weekly, logger)
		go func() {
			err := runner.Run(ctx, func(ctx context.Context, fire time.Time) {
				notifier.WeeklyDigest(ctx, blog.Tick{EventID: schedule.EventID(fire), FireTime: fire})
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Digest scheduler stopped", "error", err)
			}
		}()
	}

	logger.Info("Blog notifier configured",
		"email_provider", cfg.EmailProvider,
		"local_storage", cfg.Local(),
		"base_url", cfg.BaseURL,
		"dedup_events", cfg.DedupEvents,
		"internal_scheduler", cfg.InternalScheduler,
		"mirror_documents", cfg.MirrorDocuments)

	srv := server.New(&server.Config{
		Notifier:        notifier,
		Store:           store,
		Gatherer:        reg,
		Logger:          logger,
		TriggerToken:    cfg.TriggerToken,
		MirrorDocuments: cfg.MirrorDocuments,
	})
	return srv.ListenAndServe(ctx, cfg.Port)
}

// newStore opens the bucket store, or a local directory store in development.
func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Store, func(), error) {
	if cfg.Local() {
		logger.Info("No STORAGE_BUCKET set, running in local development mode", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return storage.New(nil, "", cfg.LocalStorage, logger), func() {}, nil
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize storage client: %w", err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return storage.New(client, cfg.StorageBucket, "", logger), closeFn, nil
}

// newProvider selects the email provider named by EMAIL_PROVIDER.
func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.EmailProvider {
	case config.ProviderMock:
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	case config.ProviderSendGrid:
		return email.NewSendGridProvider(cfg.SendGridAPIKey, logger), nil
	case config.ProviderBrevo:
		return email.NewBrevoProvider(cfg.BrevoAPIKey, logger), nil
	case config.ProviderResend:
		return email.NewResendProvider(cfg.ResendAPIKey, logger), nil
	case config.ProviderSMTP:
		return email.NewSMTPProvider(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, logger), nil
	case config.ProviderGmail:
		service, err := initGmailService(ctx, cfg.GoogleCredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("initialize Gmail service: %w", err)
		}
		return email.NewGmailProvider(service, logger), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.EmailProvider)
	}
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	// Explicit credentials first, for local development
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Application Default Credentials; the service account needs the gmail.send scope
	return gmail.NewService(ctx, option.WithScopes(gmail.GmailSendScope))
}

func logLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo
	}
	return level
}

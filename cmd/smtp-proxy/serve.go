package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/smtp-mailgun-relay/internal/config"
	"github.com/shineum/smtp-mailgun-relay/internal/email"
	"github.com/shineum/smtp-mailgun-relay/internal/metrics"
	"github.com/shineum/smtp-mailgun-relay/internal/provider"
	"github.com/shineum/smtp-mailgun-relay/internal/provider/mailgun"
	"github.com/shineum/smtp-mailgun-relay/internal/provider/ses"
	"github.com/shineum/smtp-mailgun-relay/internal/provider/stdout"
	"github.com/shineum/smtp-mailgun-relay/internal/smtp"
	smtptls "github.com/shineum/smtp-mailgun-relay/internal/tls"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SMTP relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				slog.Error("failed to load configuration", "error", err)
				return err
			}
			setupLogger(os.Stdout, cfg.Logging.Level)

			if err := serve(cmd.Context(), cfg); err != nil {
				slog.Error("server error", "error", err)
				return err
			}
			return nil
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}

	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		return err
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Provider:       prov,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
	})

	if cfg.Metrics.Listen != "" {
		metricsServer := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	slog.Info("starting smtp-mailgun-relay",
		"listen", cfg.SMTP.Listen,
		"provider", prov.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
		"metrics_listen", cfg.Metrics.Listen,
	)

	// Blocks until a signal cancels ctx.
	if err := server.ListenAndServe(ctx); err != nil {
		return err
	}

	slog.Info("smtp-mailgun-relay stopped")
	return nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// selectProvider chooses the email delivery backend based on configuration.
// An explicit PROVIDER wins; otherwise Mailgun, then SES, then stdout.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	name, err := cfg.ResolveProvider()
	if err != nil {
		return nil, err
	}

	switch name {
	case config.ProviderMailgun:
		slog.Info("using Mailgun provider",
			"domain", cfg.Mailgun.Domain,
			"region", cfg.Mailgun.Region,
			"dynamic_domain", cfg.Mailgun.DynamicDomain,
		)
		return mailgun.NewProvider(newMailgunClient(cfg)), nil

	case config.ProviderSES:
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		p, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	default:
		slog.Info("using stdout provider")
		return stdout.New(), nil
	}
}

func newMailgunClient(cfg *config.Config) *mailgun.Client {
	mg := cfg.Mailgun
	return mailgun.New(mailgun.Config{
		APIKey:        mg.APIKey,
		PublicAPIKey:  mg.PublicAPIKey,
		Region:        mg.Region,
		Domain:        mg.Domain,
		DynamicDomain: mg.DynamicDomain,
		From:          email.Address{Email: mg.From, Name: mg.FromName},
		TrackOpens:    mg.TrackOpens,
		TrackClicks:   mg.TrackClicks,
		TestMode:      mg.TestMode,
		BatchMode:     mg.BatchMode,
		SkipTLSVerify: !mg.VerifySSL,
		Timeout:       mg.Timeout,
	})
}

// Command zeppayd runs the ZepPay sponsor and merchant orchestrators behind an HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"zeppay/cache"
	"zeppay/config"
	"zeppay/gateway"
	"zeppay/gateway/middleware"
	"zeppay/journal"
	"zeppay/ledger"
	"zeppay/notify"
	"zeppay/observability"
	"zeppay/observability/logging"
	telemetry "zeppay/observability/otel"
	"zeppay/redemption"
	"zeppay/sponsorship"
)

func main() {
	var (
		cfgPath   string
		envFile   string
		keygen    string
		keygenEnv string
	)
	flag.StringVar(&cfgPath, "config", "", "path to zeppayd configuration (YAML or TOML)")
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the configuration")
	flag.StringVar(&keygen, "keygen", "", "create a new wallet keystore at this path and exit")
	flag.StringVar(&keygenEnv, "keygen-passphrase-env", "ZEPPAY_KEYSTORE_PASSPHRASE", "environment variable holding the new keystore passphrase")
	flag.Parse()

	if err := loadEnv(envFile); err != nil {
		log.Fatalf("load env: %v", err)
	}
	if keygen != "" {
		if err := generateKeystore(keygen, keygenEnv); err != nil {
			log.Fatalf("keygen: %v", err)
		}
		return
	}
	if err := run(cfgPath); err != nil {
		log.Fatalf("zeppayd: %v", err)
	}
}

// loadEnv reads a dotenv file when it exists. Variables already set win.
func loadEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.SetupWithOptions(cfg.Service.Name, cfg.Service.Env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openLedger(cfg.Ledger, logger)
	if err != nil {
		return err
	}
	defer backend.Close()
	identity := backend.Ledger.Address()
	logger.Info("ledger ready",
		slog.String("mode", cfg.Ledger.Mode),
		slog.String("identity", identity.Hex()))

	shutdownTelemetry, err := telemetry.Init(ctx, telemetryConfig(cfg, identity.Hex()))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	store, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return err
	}

	c := cache.New()
	var snapshotter *cache.BoltSnapshotter
	if path := strings.TrimSpace(cfg.Cache.SnapshotPath); path != "" {
		snapshotter, err = cache.OpenSnapshotter(path, nil)
		if err != nil {
			return fmt.Errorf("open cache snapshot: %w", err)
		}
		defer func() {
			if err := snapshotter.Save(c); err != nil {
				logger.Warn("final cache snapshot failed", slog.Any("error", err))
			}
			_ = snapshotter.Close()
		}()
		if warm, err := snapshotter.Load(c); err != nil {
			logger.Warn("cache snapshot unreadable; starting cold", slog.Any("error", err))
		} else if warm {
			logger.Info("cache restored from snapshot", slog.String("path", path))
		}
	}

	dispatcher, dispatcherName, err := newDispatcher(cfg.Notify, logger)
	if err != nil {
		return err
	}

	metrics := observability.ZepPay()
	contract := ledger.NewContract(backend.Ledger)
	writeMu := &sync.Mutex{}
	manager, err := sponsorship.NewManager(contract, c, store,
		sponsorship.WithLogger(logger),
		sponsorship.WithMetrics(metrics),
		sponsorship.WithMaxProbe(cfg.Sponsorship.MaxProbe),
		sponsorship.WithConfirmRetry(cfg.Ledger.ConfirmRetries, cfg.Ledger.ConfirmBackoff.Duration),
		sponsorship.WithWriteLock(writeMu))
	if err != nil {
		return err
	}
	orch, err := redemption.New(contract, c,
		redemption.WithLogger(logger),
		redemption.WithMetrics(metrics),
		redemption.WithDispatcher(dispatcher, dispatcherName),
		redemption.WithAudit(store),
		redemption.WithOTPFetchRetry(cfg.Redemption.OTPFetchRetries, cfg.Redemption.OTPFetchBackoff.Duration),
		redemption.WithConfirmRetry(cfg.Ledger.ConfirmRetries, cfg.Ledger.ConfirmBackoff.Duration),
		redemption.WithWriteLock(writeMu))
	if err != nil {
		return err
	}
	defer orch.Close()

	reconciler := cache.NewReconciler(c, identity, cache.Refreshers{
		Merchant:     contract.Merchant,
		Roster:       manager.ListBeneficiaries,
		Sponsorships: manager.RefreshSponsorships,
	}, logger)
	reconciler.Snapshotter = snapshotter
	if err := reconciler.Mount(ctx); err != nil {
		logger.Warn("initial cache load incomplete", slog.Any("error", err))
	}
	if interval := cfg.Cache.ReconcileInterval.Duration; interval > 0 {
		go func() {
			if err := reconciler.Run(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("reconciler stopped", slog.Any("error", err))
			}
		}()
	}

	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"merchant": {RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
		"sponsor":  {RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
	}, logger)
	go limiter.Run(ctx.Done())

	srv := gateway.New(gateway.Config{
		Merchant:    orch,
		Sponsor:     manager,
		Cache:       c,
		Redemptions: store,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		}, logger),
		CORS: middleware.CORSConfig{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedMethods: cfg.CORS.AllowedMethods,
			AllowedHeaders: cfg.CORS.AllowedHeaders,
		},
		RateLimiter:   limiter,
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: cfg.Service.Name, LogRequests: true}, logger),
		Tracing:       cfg.Telemetry.Traces,
		Logger:        logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout.Duration,
		WriteTimeout: cfg.HTTP.WriteTimeout.Duration,
		IdleTimeout:  cfg.HTTP.IdleTimeout.Duration,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("zeppayd listening", slog.String("addr", cfg.HTTP.Listen))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		logger.Info("zeppayd stopped")
		return nil
	case err := <-errs:
		stop()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func telemetryConfig(cfg config.Config, identity string) telemetry.Config {
	endpoint := strings.TrimSpace(cfg.Telemetry.Endpoint)
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	headers := cfg.Telemetry.Headers
	if headers == "" {
		headers = os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")
	}
	return telemetry.Config{
		ServiceName: cfg.Service.Name,
		Environment: cfg.Service.Env,
		Endpoint:    endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Identity:    identity,
	}
}

func newDispatcher(cfg config.NotifyConfig, logger *slog.Logger) (notify.Dispatcher, string, error) {
	if !strings.EqualFold(cfg.Dispatcher, "twilio") {
		return notify.LogDispatcher{Logger: logger}, "log", nil
	}
	t := cfg.Twilio
	twilio, err := notify.NewTwilio(notify.TwilioConfig{
		AccountSID:    t.AccountSID,
		AuthToken:     t.AuthToken,
		From:          t.From,
		Channel:       t.Channel,
		BaseURL:       t.BaseURL,
		Timeout:       t.Timeout.Duration,
		Retries:       t.Retries,
		RatePerSecond: t.RatePerSecond,
		Burst:         t.Burst,
	})
	if err != nil {
		return nil, "", err
	}
	return twilio, "twilio", nil
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/focusdeck/chat-relay/internal/config"
	"github.com/focusdeck/chat-relay/internal/extract"
	"github.com/focusdeck/chat-relay/internal/httpserver"
	"github.com/focusdeck/chat-relay/internal/ledger"
	ledgerasync "github.com/focusdeck/chat-relay/internal/ledger/async"
	ledgerpg "github.com/focusdeck/chat-relay/internal/ledger/postgres"
	ledgersql "github.com/focusdeck/chat-relay/internal/ledger/sqlite"
	"github.com/focusdeck/chat-relay/internal/logging"
	"github.com/focusdeck/chat-relay/internal/ratelimit"
	"github.com/focusdeck/chat-relay/internal/telemetry"
	"github.com/focusdeck/chat-relay/internal/upstream"
	"github.com/focusdeck/chat-relay/internal/version"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadRelayConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	logger, logCloser, err := logging.New("[relayd] ", cfg.LogFileDaemon, true)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	log.SetOutput(logger.Writer())
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[relayd] ")

	logger.Printf("chat-relay %s starting env=%s", version.Info(), cfg.Environment)

	extractors, err := extract.LoadTable(cfg.ExtractorsFile)
	if err != nil {
		logger.Fatalf("load extractors: %v", err)
	}

	// Missing credentials keep the daemon up; the stream endpoint answers
	// 500 Server not configured until a key and URL are supplied.
	var up *upstream.Client
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.UpstreamURL) == "" {
		logger.Printf("upstream not configured: set RELAY_API_KEY and RELAY_UPSTREAM_URL")
	} else {
		up, err = upstream.New(upstream.Config{
			APIKey:             cfg.APIKey,
			BaseURL:            cfg.UpstreamURL,
			DefaultModel:       cfg.DefaultModel,
			DefaultTemperature: cfg.DefaultTemperature,
			IdleTimeout:        cfg.UpstreamIdleTimeout,
			Extractors:         extractors,
		})
		if err != nil {
			logger.Fatalf("init upstream client: %v", err)
		}
		logger.Printf("upstream %s model=%s idle_timeout=%s", cfg.UpstreamURL, cfg.DefaultModel, cfg.UpstreamIdleTimeout)
	}

	store, err := openLedger(cfg)
	if err != nil {
		logger.Fatalf("open ledger: %v", err)
	}
	defer store.Close()

	opts := []httpserver.Option{
		httpserver.WithLedger(store),
		httpserver.WithLogLevel(cfg.LogLevel),
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		})
		defer limiter.Close()
		opts = append(opts, httpserver.WithRateLimit(
			ratelimit.NewMiddleware(limiter, true, logger)))
		logger.Printf("rate limiting enabled rps=%.0f burst=%.0f", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	httpLogger := log.New(logger.Writer(), "[relayd/http] ", log.LstdFlags|log.Lmicroseconds)
	relaySrv := httpserver.New(up, httpLogger, opts...)

	if cfg.TelemetryEnabled {
		go sendTelemetryPing(cfg, logger)
	}

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     relaySrv.Router(),
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays zero: SSE responses are open-ended
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Printf("relay listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

// openLedger selects the backend from the configured path: a postgres:// DSN
// uses Postgres, anything else is an sqlite file path. The async wrapper
// takes stream recording off the request path.
func openLedger(cfg config.RelayConfig) (ledger.Store, error) {
	var store ledger.Store
	var err error
	if strings.HasPrefix(cfg.LedgerPath, "postgres://") || strings.HasPrefix(cfg.LedgerPath, "postgresql://") {
		store, err = ledgerpg.New(cfg.LedgerPath)
	} else {
		store, err = ledgersql.New(cfg.LedgerPath)
	}
	if err != nil {
		return nil, err
	}
	if cfg.LedgerAsync {
		store = ledgerasync.New(store, ledgerasync.Config{})
	}
	return store, nil
}

func sendTelemetryPing(cfg config.RelayConfig, logger *log.Logger) {
	installID, err := telemetry.GetOrCreateInstallID(cfg.InstallIDPath)
	if err != nil {
		logger.Printf("telemetry: failed to get install id: %v", err)
		return
	}

	ledgerType := "sqlite"
	if strings.HasPrefix(cfg.LedgerPath, "postgres://") || strings.HasPrefix(cfg.LedgerPath, "postgresql://") {
		ledgerType = "postgres"
	}

	client := telemetry.NewClient("https://telemetry.focusdeck.io", logger)
	payload := telemetry.PingPayload{
		InstallID:    installID,
		RelayVersion: version.Info(),
		LedgerType:   ledgerType,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.SendPing(ctx, payload); err != nil {
		logger.Printf("telemetry ping failed (non-fatal): %v", err)
	}
}

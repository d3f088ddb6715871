// Command bountyd runs the autonomous bounty-review orchestrator: webhook
// ingestion, quality/safety review, stake verification, and payout
// reconciliation. Startup sequencing — env config, telemetry init, then
// wiring every subsystem before binding the listener — is grounded on
// services/escrow-gateway/main.go.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bountyd/internal/adminapi"
	"bountyd/internal/ban"
	"bountyd/internal/chain"
	"bountyd/internal/codehost"
	"bountyd/internal/config"
	"bountyd/internal/hookserver"
	"bountyd/internal/httprate"
	"bountyd/internal/lmclient"
	"bountyd/internal/metrics"
	"bountyd/internal/observability/logging"
	telemetry "bountyd/internal/observability/otel"
	"bountyd/internal/outbox"
	"bountyd/internal/ratelimit"
	"bountyd/internal/review"
	"bountyd/internal/safety"
	"bountyd/internal/secevents"
	"bountyd/internal/stake"
	"bountyd/internal/store"
	"bountyd/internal/triage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	env := strings.TrimSpace(os.Getenv("NHB_ENV"))
	logger := logging.Setup("bountyd", env)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var shutdownTelemetry func(context.Context) error
	if cfg.OtelEnabled {
		insecure := true
		if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
			if parsed, err := strconv.ParseBool(value); err == nil {
				insecure = parsed
			}
		}
		shutdownTelemetry, err = telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: cfg.OtelServiceName,
			Environment: env,
			Endpoint:    cfg.OtelExporterOTLPEndpoint,
			Insecure:    insecure,
			Headers:     telemetry.ParseHeaders(cfg.OtelExporterOTLPHeaders),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			log.Fatalf("init telemetry: %v", err)
		}
	}
	if shutdownTelemetry != nil {
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	dataStore, err := store.New(cfg.DataDir)
	if err != nil {
		log.Fatalf("open data store: %v", err)
	}

	bans, err := ban.New(dataStore)
	if err != nil {
		log.Fatalf("load ban registry: %v", err)
	}
	rateLimiter := ratelimit.New()
	if err := hookserver.LoadRateLimitState(rateLimiter, dataStore); err != nil {
		logger.Warn("restore rate limit state failed", slog.String("error", err.Error()))
	}
	secLog := secevents.New(dataStore, logger)

	chainClient := chain.New(chain.Config{
		BaseURL:       cfg.ChainRPCURL,
		AuthToken:     cfg.ChainAuthToken,
		EscrowAccount: cfg.EscrowWalletAddress,
		Timeout:       cfg.RequestTimeout,
		MaxStakeTxAge: cfg.StakeTxMaxAge,
	})
	stakes := stake.New(dataStore, stake.WithVerifier(chainClient))

	codehostClient := codehost.New(codehost.Config{
		BaseURL: cfg.CodehostBaseURL,
		Token:   cfg.CodehostToken,
		Timeout: 30 * time.Second,
	})

	var lmProvider lmclient.Provider
	lmProvider = lmclient.New(lmclient.Config{
		BaseURL: cfg.AIProviderURL,
		APIKey:  cfg.AIAPIKey,
		Model:   cfg.AIModel,
		Timeout: 60 * time.Second,
	})
	if cfg.AIAPIKey == "" {
		logger.Warn("AI_API_KEY not configured; safety scan will fail closed on every PR")
	}

	engine := review.NewEngine(lmProvider)
	qualityReviewer := review.NewQuality(engine)
	safetyScanner := safety.NewScanner(lmProvider)
	evaluator := review.NewEvaluator(engine, cfg.EscrowWalletAddress, review.WithStakePercent(cfg.StakePercent()))

	reg := prometheus.NewRegistry()
	promMetrics := metrics.New(reg)

	outboxDispatcher := outbox.New(codehostClient, cfg.WebhookOutEndpoint, []byte(cfg.WebhookOutSecret))
	defer outboxDispatcher.Close()

	pauseState := hookserver.NewPauseState(cfg.PausePRReviews, cfg.PausePRPayouts, cfg.RequireDoubleApproval)

	webhookServer := hookserver.New(hookserver.Deps{
		WebhookSecret:       cfg.GithubWebhookSecret,
		EscrowWallet:        cfg.EscrowWalletAddress,
		StakePercent:        cfg.StakePercent(),
		PRSubmissionsPerDay: cfg.RateLimitPRSubmissionsPerDay,

		Store:     dataStore,
		Bans:      bans,
		RateLimit: rateLimiter,
		SecEvents: secLog,
		Stakes:    stakes,

		Codehost: codehostClient,
		Chain:    chainClient,
		Quality:  qualityReviewer,
		Safety:   safetyScanner,
		Outbox:   outboxDispatcher,
		Metrics:  promMetrics,
		Pause:    pauseState,

		Logger: logger,
	})

	adminServer := adminapi.New(cfg.AdminBearerToken, bans, stakes, pauseState, logger)

	triageLoop := triage.New(codehostClient, evaluator, 15*time.Minute, logger)
	triageLoop.Start(context.Background())
	defer triageLoop.Stop()

	rateLimitPersistStop := make(chan struct{})
	rateLimitPersistDone := make(chan struct{})
	go func() {
		defer close(rateLimitPersistDone)
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := hookserver.SaveRateLimitState(rateLimiter, dataStore); err != nil {
					logger.Warn("persist rate limit state failed", slog.String("error", err.Error()))
				}
			case <-rateLimitPersistStop:
				return
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/", webhookServer.Router())
	mux.Handle("/admin/", adminServer.Router())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	publicLimiter := httprate.New(httprate.Limit{PerMinute: cfg.RateLimitPublicPerMinute})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: otelhttp.NewHandler(publicLimiter.Middleware(mux), "bountyd"),
	}

	go func() {
		logger.Info("bountyd listening", slog.String("addr", cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down bountyd")
	close(rateLimitPersistStop)
	<-rateLimitPersistDone
	if err := hookserver.SaveRateLimitState(rateLimiter, dataStore); err != nil {
		logger.Warn("final persist of rate limit state failed", slog.String("error", err.Error()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
}

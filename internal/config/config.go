// Package config loads bountyd's runtime configuration from environment
// variables, grounded on services/escrow-gateway/config.go's
// LoadConfigFromEnv: getenv-with-default helpers, time.ParseDuration for
// duration knobs, and hard validation failures for anything the pipeline
// cannot safely run without.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is bountyd's full runtime configuration, spanning spec.md §6.5's
// recognized options plus the ambient OpenTelemetry/listen-address knobs
// SPEC_FULL.md adds.
type Config struct {
	ListenAddress string

	GithubWebhookSecret string
	GithubRepo          string

	EscrowWalletAddress   string
	BountyStakePercentage int
	StakeTxMaxAge         time.Duration

	PausePRPayouts       bool
	PausePRReviews       bool
	RequireDoubleApproval bool

	AIAPIKey     string
	AIProviderURL string
	AIModel      string

	CodehostBaseURL string
	CodehostToken   string

	ChainRPCURL   string
	ChainAuthToken string

	RateLimitPRSubmissionsPerDay int
	RateLimitTaskClaimsPerHour   int
	RateLimitTaskSubmitsPerHour  int
	RateLimitTaskCreatesPerHour  int
	RateLimitPublicPerMinute     int
	RateLimitAuthenticatedPerMinute int
	RateLimitStakedPerMinute     int

	MaxRetries      int
	RetryDelayBase  time.Duration
	RequestTimeout  time.Duration

	DataDir string

	AdminBearerToken string

	WebhookOutEndpoint string
	WebhookOutSecret   string

	OtelEnabled        bool
	OtelServiceName    string
	OtelExporterOTLPEndpoint string
	OtelExporterOTLPHeaders  string
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return val
}

func getenvInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return val, nil
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return dur, nil
}

// LoadFromEnv builds a Config from the process environment.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:       getenvDefault("BOUNTYD_LISTEN", ":8090"),
		GithubWebhookSecret: os.Getenv("GITHUB_WEBHOOK_SECRET"),
		GithubRepo:          os.Getenv("GITHUB_REPO"),

		EscrowWalletAddress: os.Getenv("ESCROW_WALLET_ADDRESS"),

		PausePRPayouts:        getenvBool("PAUSE_PR_PAYOUTS", false),
		PausePRReviews:        getenvBool("PAUSE_PR_REVIEWS", false),
		RequireDoubleApproval: getenvBool("REQUIRE_DOUBLE_APPROVAL", false),

		AIAPIKey:      os.Getenv("AI_API_KEY"),
		AIProviderURL: getenvDefault("LM_API_BASE_URL", ""),
		AIModel:       getenvDefault("LM_PROVIDER", "default"),

		CodehostBaseURL: os.Getenv("CODEHOST_BASE_URL"),
		CodehostToken:   os.Getenv("CODEHOST_TOKEN"),

		ChainRPCURL:    os.Getenv("CHAIN_RPC_URL"),
		ChainAuthToken: os.Getenv("CHAIN_AUTH_TOKEN"),

		DataDir: getenvDefault("DATA_DIR", "./data"),

		AdminBearerToken: os.Getenv("BOUNTYD_ADMIN_BEARER_TOKEN"),

		WebhookOutEndpoint: os.Getenv("BOUNTYD_WEBHOOK_ENDPOINT"),
		WebhookOutSecret:   os.Getenv("BOUNTYD_WEBHOOK_SECRET"),

		OtelEnabled:              getenvBool("OTEL_ENABLED", false),
		OtelServiceName:          getenvDefault("OTEL_SERVICE_NAME", "bountyd"),
		OtelExporterOTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OtelExporterOTLPHeaders:  os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
	}

	var err error
	if cfg.BountyStakePercentage, err = getenvInt("BOUNTY_STAKE_PERCENTAGE", 10); err != nil {
		return Config{}, err
	}
	if cfg.BountyStakePercentage <= 0 || cfg.BountyStakePercentage > 100 {
		return Config{}, errors.New("BOUNTY_STAKE_PERCENTAGE must be in [1,100]")
	}

	if cfg.StakeTxMaxAge, err = getenvDuration("STAKE_TX_MAX_AGE_SECONDS_DURATION", 0); err != nil {
		return Config{}, err
	}
	if cfg.StakeTxMaxAge == 0 {
		maxAgeSeconds, err := getenvInt("STAKE_TX_MAX_AGE_SECONDS", 86400)
		if err != nil {
			return Config{}, err
		}
		cfg.StakeTxMaxAge = time.Duration(maxAgeSeconds) * time.Second
	}

	if cfg.RateLimitPRSubmissionsPerDay, err = getenvInt("RATE_LIMIT_PR_SUBMISSIONS_PER_DAY", 100); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitTaskClaimsPerHour, err = getenvInt("RATE_LIMIT_TASK_CLAIMS_PER_HOUR", 10); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitTaskSubmitsPerHour, err = getenvInt("RATE_LIMIT_TASK_SUBMITS_PER_HOUR", 10); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitTaskCreatesPerHour, err = getenvInt("RATE_LIMIT_TASK_CREATES_PER_HOUR", 5); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitPublicPerMinute, err = getenvInt("RATE_LIMIT_PUBLIC_PER_MINUTE", 60); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitAuthenticatedPerMinute, err = getenvInt("RATE_LIMIT_AUTHENTICATED_PER_MINUTE", 200); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitStakedPerMinute, err = getenvInt("RATE_LIMIT_STAKED_PER_MINUTE", 1000); err != nil {
		return Config{}, err
	}

	if cfg.MaxRetries, err = getenvInt("MAX_RETRIES", 3); err != nil {
		return Config{}, err
	}
	if cfg.RetryDelayBase, err = getenvDuration("RETRY_DELAY_BASE", time.Second); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout, err = getenvDuration("REQUEST_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}

	if cfg.GithubRepo == "" {
		return Config{}, errors.New("GITHUB_REPO is required")
	}
	if cfg.EscrowWalletAddress == "" {
		return Config{}, errors.New("ESCROW_WALLET_ADDRESS is required")
	}
	if cfg.ChainRPCURL == "" {
		return Config{}, errors.New("CHAIN_RPC_URL is required")
	}
	if cfg.CodehostBaseURL == "" {
		return Config{}, errors.New("CODEHOST_BASE_URL is required")
	}
	// GITHUB_WEBHOOK_SECRET absence is intentionally not a hard error: spec.md
	// §4.1 step 1 says a missing-secret configuration logs a warning and
	// accepts unsigned payloads rather than refusing to start.

	return cfg, nil
}

// StakePercent returns BountyStakePercentage as a [0,1] fraction.
func (c Config) StakePercent() float64 {
	return float64(c.BountyStakePercentage) / 100
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("GITHUB_REPO", "acme/widgets")
	t.Setenv("ESCROW_WALLET_ADDRESS", "escrow-wallet")
	t.Setenv("CHAIN_RPC_URL", "https://chain.example/rpc")
	t.Setenv("CODEHOST_BASE_URL", "https://codehost.example")
}

func TestLoadFromEnvSucceedsWithOnlyRequiredVars(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "acme/widgets", cfg.GithubRepo)
	assert.Equal(t, ":8090", cfg.ListenAddress)
	assert.Equal(t, 10, cfg.BountyStakePercentage)
}

func TestLoadFromEnvMissingWebhookSecretIsNotFatal(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GITHUB_WEBHOOK_SECRET", "")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Empty(t, cfg.GithubWebhookSecret)
}

func TestLoadFromEnvFailsWithoutGithubRepo(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GITHUB_REPO", "")
	_, err := LoadFromEnv()
	assert.ErrorContains(t, err, "GITHUB_REPO")
}

func TestLoadFromEnvFailsWithoutEscrowWallet(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ESCROW_WALLET_ADDRESS", "")
	_, err := LoadFromEnv()
	assert.ErrorContains(t, err, "ESCROW_WALLET_ADDRESS")
}

func TestLoadFromEnvFailsWithoutChainRPCURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CHAIN_RPC_URL", "")
	_, err := LoadFromEnv()
	assert.ErrorContains(t, err, "CHAIN_RPC_URL")
}

func TestLoadFromEnvFailsWithoutCodehostBaseURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CODEHOST_BASE_URL", "")
	_, err := LoadFromEnv()
	assert.ErrorContains(t, err, "CODEHOST_BASE_URL")
}

func TestLoadFromEnvRejectsStakePercentageOutOfRange(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BOUNTY_STAKE_PERCENTAGE", "0")
	_, err := LoadFromEnv()
	assert.ErrorContains(t, err, "BOUNTY_STAKE_PERCENTAGE")

	t.Setenv("BOUNTY_STAKE_PERCENTAGE", "101")
	_, err = LoadFromEnv()
	assert.ErrorContains(t, err, "BOUNTY_STAKE_PERCENTAGE")
}

func TestLoadFromEnvParsesDurationsAndInts(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STAKE_TX_MAX_AGE_SECONDS", "3600")
	t.Setenv("MAX_RETRIES", "7")
	t.Setenv("REQUEST_TIMEOUT", "45s")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.StakeTxMaxAge)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.RequestTimeout)
}

func TestLoadFromEnvRejectsUnparsableInt(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAX_RETRIES", "not-a-number")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}

func TestLoadFromEnvRejectsUnparsableDuration(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REQUEST_TIMEOUT", "not-a-duration")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}

func TestStakePercentConvertsToFraction(t *testing.T) {
	cfg := Config{BountyStakePercentage: 25}
	assert.Equal(t, 0.25, cfg.StakePercent())
}

func TestGetenvBoolFallsBackOnUnparsableValue(t *testing.T) {
	t.Setenv("BOUNTYD_TEST_BOOL", "not-a-bool")
	assert.True(t, getenvBool("BOUNTYD_TEST_BOOL", true))
}

func TestGetenvDefaultUsesFallbackWhenUnset(t *testing.T) {
	t.Setenv("BOUNTYD_TEST_MISSING", "")
	assert.Equal(t, "fallback", getenvDefault("BOUNTYD_TEST_MISSING", "fallback"))
}

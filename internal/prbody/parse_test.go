package prbody

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "4wBqpZM9xaSheZzJSMawUKKwhdpChKbZ5eu5ky4Vigw"
const testStakeTx = "2Ana1pUpv2ZbMVkwF5FXapYeBEjdxDatLn7nvJkhgTSXbs59SyZSx866bXirPgj8QQVB57uxHJBG1YFvkRbFj4T"

func TestParseExtractsAllFields(t *testing.T) {
	body := "**Payout Wallet**: " + testWallet + "\n**Stake TX**: " + testStakeTx + "\nCloses #42\n"
	fields, err := Parse(body, true)
	require.NoError(t, err)
	assert.Equal(t, testWallet, fields.Wallet)
	assert.Equal(t, "payout_wallet_bold", fields.WalletPattern)
	assert.Equal(t, testStakeTx, fields.StakeTx)
	assert.True(t, fields.HasIssueRef)
	assert.Equal(t, int64(42), fields.IssueNumber)
}

func TestParsePlainWalletFallback(t *testing.T) {
	body := "Wallet: " + testWallet + "\nFixes #7"
	fields, err := Parse(body, true)
	require.NoError(t, err)
	assert.Equal(t, testWallet, fields.Wallet)
	assert.Equal(t, "wallet_plain", fields.WalletPattern)
	assert.Equal(t, int64(7), fields.IssueNumber)
}

func TestParseMissingWalletRequiredErrors(t *testing.T) {
	_, err := Parse("no fields here", true)
	assert.Error(t, err)
}

func TestParseMissingWalletToleratedWhenNotRequired(t *testing.T) {
	fields, err := Parse("no fields here", false)
	require.NoError(t, err)
	assert.Empty(t, fields.Wallet)
}

func TestEmitIsInverseOfParse(t *testing.T) {
	fields := Fields{Wallet: testWallet, StakeTx: testStakeTx, HasIssueRef: true, IssueNumber: 9}
	body := Emit(fields)
	reparsed, err := Parse(body, true)
	require.NoError(t, err)
	assert.Equal(t, fields.Wallet, reparsed.Wallet)
	assert.Equal(t, fields.StakeTx, reparsed.StakeTx)
	assert.Equal(t, fields.IssueNumber, reparsed.IssueNumber)
}

func TestValidateWallet(t *testing.T) {
	assert.True(t, ValidateWallet(testWallet))
	assert.False(t, ValidateWallet("too-short"))
	assert.False(t, ValidateWallet("0OIl-not-base58-chars-at-all-here-too"))
}

func TestValidateStakeTx(t *testing.T) {
	assert.True(t, ValidateStakeTx(testStakeTx))
	assert.False(t, ValidateStakeTx("short"))
}

func TestParseBountyTitle(t *testing.T) {
	amount, title, ok := ParseBountyTitle("[BOUNTY: 1,500 WATT] Fix the flaky websocket reconnect")
	require.True(t, ok)
	assert.Equal(t, int64(1500), amount)
	assert.Equal(t, "Fix the flaky websocket reconnect", title)

	_, _, ok = ParseBountyTitle("Fix the flaky websocket reconnect")
	assert.False(t, ok)
}

func TestJaccardSimilarityIdenticalTitles(t *testing.T) {
	a := Tokens("[BOUNTY: 100 WATT] Fix flaky reconnect logic")
	b := Tokens("Fix flaky reconnect logic")
	assert.Equal(t, 1.0, JaccardSimilarity(a, b))
}

func TestJaccardSimilarityDisjointTitles(t *testing.T) {
	a := Tokens("Fix flaky websocket reconnect")
	b := Tokens("Add dark mode to settings page")
	assert.Less(t, JaccardSimilarity(a, b), 0.3)
}

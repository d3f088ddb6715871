package hookserver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyd/internal/ban"
	"bountyd/internal/chain"
	"bountyd/internal/metrics"
	"bountyd/internal/model"
	"bountyd/internal/outbox"
	"bountyd/internal/ratelimit"
	"bountyd/internal/review"
	"bountyd/internal/safety"
	"bountyd/internal/secevents"
	"bountyd/internal/stake"
	"bountyd/internal/store"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	testWallet  = "4wBqpZM9xaSheZzJSMawUKKwhdpChKbZ5eu5ky4Vigw"
	testStakeTx = "2Ana1pUpv2ZbMVkwF5FXapYeBEjdxDatLn7nvJkhgTSXbs59SyZSx866bXirPgj8QQVB57uxHJBG1YFvkRbFj4T"
	testSecret  = "whsec-test"
	testEscrow  = "escrow-acct"
)

type stubLMProvider struct {
	text string
	err  error
}

func (s stubLMProvider) Complete(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	return s.text, s.err
}

type fakeCodehost struct {
	diff       string
	diffErr    error
	issue      model.Issue
	issueErr   error
	mergeCalls int
	mergeErr   error
	comments   []string
}

func (f *fakeCodehost) FetchDiff(ctx context.Context, prNumber int64) (string, error) {
	return f.diff, f.diffErr
}
func (f *fakeCodehost) Comment(ctx context.Context, prNumber int64, body string) error {
	f.comments = append(f.comments, body)
	return nil
}
func (f *fakeCodehost) Merge(ctx context.Context, prNumber int64) error {
	f.mergeCalls++
	return f.mergeErr
}
func (f *fakeCodehost) GetIssue(ctx context.Context, issueNumber int64) (model.Issue, error) {
	return f.issue, f.issueErr
}
func (f *fakeCodehost) ListCandidateIssues(ctx context.Context) ([]model.Issue, error) {
	return nil, nil
}

type fakeChain struct {
	sig   string
	err   error
	calls int
}

func (f *fakeChain) GetTransaction(ctx context.Context, signature string) (chain.Transaction, error) {
	return chain.Transaction{}, nil
}
func (f *fakeChain) GetBalance(ctx context.Context, wallet string) (int64, error) { return 0, nil }
func (f *fakeChain) SendToken(ctx context.Context, to string, amount int64, memo string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.sig == "" {
		return "payout-sig", nil
	}
	return f.sig, nil
}

type harness struct {
	t        *testing.T
	codehost *fakeCodehost
	chain    *fakeChain
	srv      *Server
	pause    *PauseState
	outboxD  *outbox.Dispatcher
}

func newHarness(t *testing.T, qualityText, safetyText string) *harness {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	bans, err := ban.New(st)
	require.NoError(t, err)
	rl := ratelimit.New()
	sec := secevents.New(st, nil)
	stakes := stake.New(st)
	host := &fakeCodehost{}
	chn := &fakeChain{}
	quality := review.NewQuality(review.NewEngine(stubLMProvider{text: qualityText}))
	scanner := safety.NewScanner(stubLMProvider{text: safetyText})
	ob := outbox.New(host, "", nil)
	pause := NewPauseState(false, false, false)
	m := metrics.New(prometheus.NewRegistry())

	srv := New(Deps{
		WebhookSecret:       testSecret,
		EscrowWallet:        testEscrow,
		StakePercent:        0.1,
		QualityThreshold:    8.0,
		PRSubmissionsPerDay: 100,
		Store:               st,
		Bans:                bans,
		RateLimit:           rl,
		SecEvents:           sec,
		Stakes:              stakes,
		Codehost:            host,
		Chain:               chn,
		Quality:             quality,
		Safety:              scanner,
		Outbox:              ob,
		Metrics:             m,
		Pause:               pause,
		Now:                 time.Now,
	})
	t.Cleanup(ob.Close)
	return &harness{t: t, codehost: host, chain: chn, srv: srv, pause: pause, outboxD: ob}
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func buildPayload(action, author, title, body string, merged bool) string {
	payload := map[string]any{
		"action": action,
		"pull_request": map[string]any{
			"number": 1,
			"title":  title,
			"body":   body,
			"user":   map[string]any{"login": author},
			"merged": merged,
			"state":  action,
			"head":   map[string]any{"sha": "deadbeef"},
		},
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}

func doWebhook(t *testing.T, srv *Server, body string, secret string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(body)))
	req.Header.Set("X-GitHub-Event", "pull_request")
	if secret != "" {
		req.Header.Set("X-Hub-Signature-256", sign(secret, body))
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	h := newHarness(t, "", "")
	body := buildPayload("opened", "alice", "[BOUNTY: 1000 WATT] fix it", "**Payout Wallet**: "+testWallet, false)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(body)))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookAcceptsMissingSecretConfiguration(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	bans, err := ban.New(st)
	require.NoError(t, err)
	host := &fakeCodehost{}
	srv := New(Deps{
		WebhookSecret: "",
		Store:         st,
		Bans:          bans,
		RateLimit:     ratelimit.New(),
		SecEvents:     secevents.New(st, nil),
		Stakes:        stake.New(st),
		Codehost:      host,
		Chain:         &fakeChain{},
		Quality:       review.NewQuality(review.NewEngine(stubLMProvider{})),
		Safety:        safety.NewScanner(stubLMProvider{}),
		Outbox:        outbox.New(host, "", nil),
	})
	body := buildPayload("opened", "alice", "t", "**Payout Wallet**: "+testWallet, false)
	rec := doWebhook(t, srv, body, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookBlocksBannedAuthor(t *testing.T) {
	h := newHarness(t, "", "")
	require.NoError(t, h.codehostBan("evil-author"))
	body := buildPayload("opened", "evil-author", "t", "**Payout Wallet**: "+testWallet, false)
	rec := doWebhook(t, h.srv, body, testSecret)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func (h *harness) codehostBan(actor string) error {
	return h.srv.d.Bans.Ban(actor, "test ban")
}

func TestWebhookSynchronizeWithoutWalletStillRuns(t *testing.T) {
	h := newHarness(t,
		`{"verdict":"pass","score":9,"rationale":"solid","mission":9,"legitimacy":9,"impact":8,"abuse_risk":0}`,
		`{"verdict":"pass","risk":"none","rationale":"clean","dimensions":{"malware":"none"}}`)
	h.codehost.diff = "--- a\n+++ b\n"
	body := buildPayload("synchronize", "alice", "t", "no wallet fields here", false)
	rec := doWebhook(t, h.srv, body, testSecret)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.codehost.mergeCalls)
}

func TestWebhookPayoutAbortsWithCommentWhenWalletMissing(t *testing.T) {
	h := newHarness(t, "", "")
	ctx := context.Background()
	require.NoError(t, h.srv.d.Stakes.Record(ctx, 1, "not-a-valid-wallet", testStakeTx, 100))
	h.codehost.issue = model.Issue{ID: 7, Amount: 1000, Tier: model.TierSimple}

	body := buildPayload("closed", "alice", "t", "Closes #7", true)
	rec := doWebhook(t, h.srv, body, testSecret)
	assert.Equal(t, http.StatusOK, rec.Code)

	st, ok := h.srv.d.Stakes.Get(1)
	require.True(t, ok)
	assert.False(t, st.PaidForMerge())
	require.NotEmpty(t, h.codehost.comments)
	assert.Contains(t, h.codehost.comments[len(h.codehost.comments)-1], "Missing wallet")
}

func TestWebhookHappyPathReviewPassesAndMerges(t *testing.T) {
	h := newHarness(t,
		`{"verdict":"pass","score":9,"rationale":"solid","mission":9,"legitimacy":9,"impact":8,"abuse_risk":0}`,
		`{"verdict":"pass","risk":"none","rationale":"clean","dimensions":{"malware":"none"}}`)
	h.codehost.diff = "--- a\n+++ b\n"
	body := buildPayload("synchronize", "alice", "t", "**Payout Wallet**: "+testWallet+"\n**Stake TX**: "+testStakeTx+"\nCloses #7", false)
	rec := doWebhook(t, h.srv, body, testSecret)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.codehost.mergeCalls)
}

func TestWebhookSafetyScanFailureBlocksMerge(t *testing.T) {
	h := newHarness(t,
		`{"verdict":"pass","score":9,"rationale":"solid","mission":9,"legitimacy":9,"impact":8,"abuse_risk":0}`,
		`{"verdict":"fail","risk":"critical","rationale":"wallet drain detected","dimensions":{"wallet_injection":"critical"}}`)
	h.codehost.diff = "--- a\n+++ b\n"
	body := buildPayload("synchronize", "alice", "t", "**Payout Wallet**: "+testWallet, false)
	rec := doWebhook(t, h.srv, body, testSecret)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, h.codehost.mergeCalls)
}

func TestWebhookRateLimitRejectsExcessSubmissions(t *testing.T) {
	h := newHarness(t, "", "")
	h.srv.d.PRSubmissionsPerDay = 1
	body := buildPayload("opened", "alice", "t", "**Payout Wallet**: "+testWallet, false)

	rec1 := doWebhook(t, h.srv, body, testSecret)
	assert.Equal(t, http.StatusOK, rec1.Code)

	rec2 := doWebhook(t, h.srv, body, testSecret)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

func TestWebhookClosedMergeNotBlockedBySubmissionRateLimit(t *testing.T) {
	h := newHarness(t, "", "")
	h.srv.d.PRSubmissionsPerDay = 1
	ctx := context.Background()
	require.NoError(t, h.srv.d.Stakes.Record(ctx, 1, testWallet, testStakeTx, 100))
	h.codehost.issue = model.Issue{ID: 7, Amount: 1000, Tier: model.TierSimple}

	openBody := buildPayload("opened", "alice", "t", "**Payout Wallet**: "+testWallet+"\nCloses #7", false)
	recOpen := doWebhook(t, h.srv, openBody, testSecret)
	assert.Equal(t, http.StatusOK, recOpen.Code)

	// Exhaust alice's submission quota with another opened event.
	openBody2 := buildPayload("opened", "alice", "t2", "**Payout Wallet**: "+testWallet, false)
	recOpen2 := doWebhook(t, h.srv, openBody2, testSecret)
	assert.Equal(t, http.StatusTooManyRequests, recOpen2.Code)

	closedBody := buildPayload("closed", "alice", "t", "**Payout Wallet**: "+testWallet+"\nCloses #7", true)
	recClosed := doWebhook(t, h.srv, closedBody, testSecret)
	assert.Equal(t, http.StatusOK, recClosed.Code)

	st, ok := h.srv.d.Stakes.Get(1)
	require.True(t, ok)
	assert.True(t, st.PaidForMerge())
}

func TestWebhookReviewsPausedIsNoop(t *testing.T) {
	h := newHarness(t, "", "")
	h.pause.SetReviewsPaused(true)
	body := buildPayload("opened", "alice", "t", "**Payout Wallet**: "+testWallet, false)
	rec := doWebhook(t, h.srv, body, testSecret)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, h.codehost.mergeCalls)
}

func TestWebhookClosedWithoutMergeReleasesStakeAdmin(t *testing.T) {
	h := newHarness(t, "", "")
	ctx := context.Background()
	require.NoError(t, h.srv.d.Stakes.Record(ctx, 1, testWallet, testStakeTx, 100))

	body := buildPayload("closed", "alice", "t", "**Payout Wallet**: "+testWallet, false)
	rec := doWebhook(t, h.srv, body, testSecret)
	assert.Equal(t, http.StatusOK, rec.Code)

	st, ok := h.srv.d.Stakes.Get(1)
	require.True(t, ok)
	assert.Equal(t, model.StakeReturned, st.Status)
	assert.Equal(t, model.ReturnReasonReviewExhausted, st.ReturnReason)
}

func TestWebhookClosedMergedSettlesPayoutIdempotently(t *testing.T) {
	h := newHarness(t, "", "")
	ctx := context.Background()
	require.NoError(t, h.srv.d.Stakes.Record(ctx, 1, testWallet, testStakeTx, 100))
	h.codehost.issue = model.Issue{ID: 7, Amount: 1000, Tier: model.TierSimple}

	body := buildPayload("closed", "alice", "t", "**Payout Wallet**: "+testWallet+"\nCloses #7", true)
	rec := doWebhook(t, h.srv, body, testSecret)
	assert.Equal(t, http.StatusOK, rec.Code)

	st, ok := h.srv.d.Stakes.Get(1)
	require.True(t, ok)
	assert.True(t, st.PaidForMerge())

	// Redelivery of the same closed+merged event must be a no-op, not a
	// second payout.
	rec2 := doWebhook(t, h.srv, body, testSecret)
	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, 1, h.chain.callsForTest())
}

func (f *fakeChain) callsForTest() int { return f.calls }

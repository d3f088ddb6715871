// Package hookserver is the webhook orchestrator of spec.md §4.1: it runs
// every inbound pull-request event through the signature, pause, ban, and
// rate-limit gates, then the quality-review and safety-scan pipelines,
// then the merge and payout/stake-return decisions. The HTTP surface is
// grounded on gateway/routes/router.go's chi.NewRouter() wiring, adapted
// from a reverse-proxy router to a single webhook endpoint plus a health
// and metrics endpoint.
package hookserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bountyd/internal/ban"
	"bountyd/internal/chain"
	"bountyd/internal/codehost"
	"bountyd/internal/metrics"
	"bountyd/internal/model"
	"bountyd/internal/outbox"
	"bountyd/internal/prbody"
	"bountyd/internal/ratelimit"
	"bountyd/internal/review"
	"bountyd/internal/safety"
	"bountyd/internal/secevents"
	"bountyd/internal/stake"
	"bountyd/internal/store"
)

const (
	maxBodyBytes         = 5 << 20
	defaultQualityThreshold = 8.0
	payoutCooldown       = 24 * time.Hour
	prSubmissionWindow   = 24 * time.Hour
	actionPRSubmission   = "pr_submission"
	actionPayout         = "payout"
)

// Deps bundles every collaborator the webhook orchestrator needs. Passing a
// single struct avoids package-level mutable state (spec.md §9's redesign
// note: "pass a single Context struct containing handles to all
// subsystems").
type Deps struct {
	WebhookSecret   string
	EscrowWallet    string
	StakePercent    float64
	QualityThreshold float64
	PRSubmissionsPerDay int

	Store     *store.Store
	Bans      *ban.Registry
	RateLimit *ratelimit.Limiter
	SecEvents *secevents.Log
	Stakes    *stake.Ledger

	Codehost codehost.Client
	Chain    chain.Client
	Quality  *review.Quality
	Safety   *safety.Scanner
	Outbox   *outbox.Dispatcher
	Metrics  *metrics.Metrics
	Pause    *PauseState
	Approver SecondApprover

	Logger *slog.Logger
	Now    func() time.Time
}

// Server is the HTTP front-end exposing the webhook endpoint plus health
// and metrics endpoints.
type Server struct {
	d Deps
}

// New constructs a Server from Deps, filling in safe defaults.
func New(d Deps) *Server {
	if d.QualityThreshold <= 0 {
		d.QualityThreshold = defaultQualityThreshold
	}
	if d.PRSubmissionsPerDay <= 0 {
		d.PRSubmissionsPerDay = 100
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{d: d}
}

// Router builds the chi router exposing /webhook, /healthz, and /metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/webhook", s.handleWebhook)
	return r
}

type githubUser struct {
	Login string `json:"login"`
}

type githubPullRequest struct {
	Number int64      `json:"number"`
	Title  string     `json:"title"`
	Body   string     `json:"body"`
	User   githubUser `json:"user"`
	Merged bool       `json:"merged"`
	State  string     `json:"state"`
	Head   struct {
		SHA string `json:"sha"`
	} `json:"head"`
}

type webhookPayload struct {
	Action      string            `json:"action"`
	PullRequest githubPullRequest `json:"pull_request"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if s.d.WebhookSecret == "" {
		s.d.Logger.Warn("webhook secret not configured; accepting unsigned payload")
	} else if !verifySignature([]byte(s.d.WebhookSecret), body, r.Header.Get("X-Hub-Signature-256")) {
		s.recordSecurityEvent("webhook_invalid_signature", nil)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	eventKind := r.Header.Get("X-GitHub-Event")
	if eventKind != "pull_request" {
		w.WriteHeader(http.StatusOK)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if payload.Action != "opened" && payload.Action != "synchronize" && payload.Action != "closed" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if s.d.Metrics != nil {
		s.d.Metrics.WebhookEventsTotal.WithLabelValues(payload.Action).Inc()
	}

	pr := model.PullRequest{
		ID:      payload.PullRequest.Number,
		Number:  payload.PullRequest.Number,
		Author:  payload.PullRequest.User.Login,
		Title:   payload.PullRequest.Title,
		Body:    payload.PullRequest.Body,
		HeadSHA: payload.PullRequest.Head.SHA,
		Merged:  payload.PullRequest.Merged,
		Action:  model.PRAction(payload.Action),
	}
	if payload.PullRequest.Merged {
		pr.State = model.PRStateMerged
	} else if payload.Action == "closed" {
		pr.State = model.PRStateClosed
	} else {
		pr.State = model.PRStateOpen
	}

	status := s.process(ctx, pr)
	w.WriteHeader(status)
}

func (s *Server) recordSecurityEvent(kind string, payload map[string]any) {
	if s.d.SecEvents != nil {
		s.d.SecEvents.Record(kind, payload)
	}
}

func (s *Server) gateRejected(gate string) {
	if s.d.Metrics != nil {
		s.d.Metrics.GateRejectionsTotal.WithLabelValues(gate).Inc()
	}
}

// process runs the full gate/review/payout sequence for a single pull
// request event and returns the HTTP status to return to the code host.
func (s *Server) process(ctx context.Context, pr model.PullRequest) int {
	if s.d.Pause != nil && s.d.Pause.ReviewsPaused() {
		s.recordSecurityEvent("reviews_paused_noop", map[string]any{"pr_id": pr.ID})
		return http.StatusOK
	}

	if s.d.Bans.IsBanned(pr.Author) {
		s.recordSecurityEvent("blocked_ban", map[string]any{"pr_id": pr.ID, "actor": pr.Author})
		s.gateRejected("ban")
		return http.StatusForbidden
	}

	// The submission rate limit only gates new review work (opened/
	// synchronize): a contributor's own submission volume must never be
	// able to block the closed/merged delivery that pays out an
	// already-approved PR.
	if pr.Action != model.PRActionClosed {
		rlResult := s.d.RateLimit.Check(ratelimit.Key{Actor: strings.ToLower(pr.Author), Action: actionPRSubmission}, s.d.PRSubmissionsPerDay, prSubmissionWindow)
		if !rlResult.Allowed {
			s.recordSecurityEvent("rate_limit", map[string]any{"pr_id": pr.ID, "actor": pr.Author})
			s.gateRejected("rate_limit")
			return http.StatusTooManyRequests
		}
	}

	// Wallet extraction is always tolerant here: §4.1 step 6 only requires a
	// wallet at payout time, and settlePayout already validates the wallet
	// actually recorded on the stake ledger rather than whatever happens to
	// be in the current event's PR body.
	fields, _ := prbody.Parse(pr.Body, false)
	if fields.Wallet != "" && s.d.Bans.IsBanned(fields.Wallet) {
		s.recordSecurityEvent("blocked_ban", map[string]any{"pr_id": pr.ID, "wallet": fields.Wallet})
		s.gateRejected("ban")
		return http.StatusForbidden
	}

	if pr.Action == model.PRActionClosed {
		return s.handleClosed(ctx, pr, fields)
	}

	return s.handleReviewable(ctx, pr, fields)
}

func (s *Server) handleReviewable(ctx context.Context, pr model.PullRequest, fields prbody.Fields) int {
	diff, diffErr := s.d.Codehost.FetchDiff(ctx, pr.Number)

	qualityReview := s.d.Quality.Review(ctx, 1, pr, diff)
	s.persistReview(qualityReview)
	if s.d.Metrics != nil {
		s.d.Metrics.ReviewVerdictsTotal.WithLabelValues(string(qualityReview.Verdict)).Inc()
	}
	_ = s.d.Outbox.Comment(ctx, pr.Number, renderQualityComment(qualityReview))

	safetyResult := s.d.Safety.Scan(ctx, pr.ID, diff, diffErr != nil)
	if s.d.Metrics != nil {
		s.d.Metrics.SafetyVerdictsTotal.WithLabelValues(string(safetyResult.Verdict), string(safetyResult.Risk)).Inc()
	}
	if safetyResult.Verdict == model.VerdictFail {
		s.recordSecurityEvent("safety_scan_failed", map[string]any{
			"pr_id": pr.ID, "risk": safetyResult.Risk, "rationale": safetyResult.Rationale,
		})
		_ = s.d.Outbox.EnqueueWebhook(outbox.EventSafetyFailed, safetyResult)
	}

	if fields.Wallet != "" && fields.StakeTx != "" && pr.Action == model.PRActionOpened {
		if err := s.recordStakeIfIssueKnown(ctx, pr, fields); err != nil {
			s.d.Logger.Warn("stake recording failed", slog.String("error", err.Error()))
		}
	}

	eligible := pr.Action == model.PRActionSynchronize || pr.Action == model.PRActionOpened
	if eligible && qualityReview.Verdict == model.VerdictPass && qualityReview.Score >= s.d.QualityThreshold &&
		safetyResult.Verdict == model.VerdictPass && s.approvalSatisfied(pr.Number) {
		if err := s.d.Codehost.Merge(ctx, pr.Number); err != nil {
			s.d.Logger.Warn("auto-merge failed", slog.String("error", err.Error()))
		}
	}

	return http.StatusOK
}

func (s *Server) approvalSatisfied(prNumber int64) bool {
	if s.d.Pause == nil || !s.d.Pause.DoubleApprovalRequired() {
		return true
	}
	if s.d.Approver == nil {
		return false
	}
	return s.d.Approver.Approved(prNumber)
}

func (s *Server) recordStakeIfIssueKnown(ctx context.Context, pr model.PullRequest, fields prbody.Fields) error {
	if !fields.HasIssueRef {
		return nil
	}
	issue, err := s.d.Codehost.GetIssue(ctx, fields.IssueNumber)
	if err != nil {
		return fmt.Errorf("lookup issue: %w", err)
	}
	amount := model.ClampBountyAmount(issue.Amount)
	expected := stake.ExpectedAmount(amount, s.d.StakePercent)
	err = s.d.Stakes.Record(ctx, pr.ID, fields.Wallet, fields.StakeTx, expected)
	if s.d.Metrics != nil && err == nil {
		s.d.Metrics.StakeTransitionsTotal.WithLabelValues(string(model.StakeActive)).Inc()
	}
	return err
}

func (s *Server) handleClosed(ctx context.Context, pr model.PullRequest, fields prbody.Fields) int {
	if !pr.Merged {
		if err := s.d.Stakes.ReleaseAdmin(pr.ID, "", model.ReturnReasonReviewExhausted); err != nil && err != stake.ErrNotFound {
			s.d.Logger.Warn("stake release on unmerged close failed", slog.String("error", err.Error()))
		}
		return http.StatusOK
	}
	return s.settlePayout(ctx, pr, fields)
}

// settlePayout implements spec.md §4.1 step 10: the payout-and-stake-return
// sequence on closed && merged, gated on a "not already paid" check against
// the stake ledger for idempotent re-delivery.
func (s *Server) settlePayout(ctx context.Context, pr model.PullRequest, fields prbody.Fields) int {
	existing, ok := s.d.Stakes.Get(pr.ID)
	if !ok {
		s.recordSecurityEvent("payout_no_stake", map[string]any{"pr_id": pr.ID})
		_ = s.d.Outbox.Comment(ctx, pr.Number, "No stake record found for this PR — payout not issued.")
		return http.StatusOK
	}
	if existing.PaidForMerge() {
		return http.StatusOK
	}
	if existing.Status != model.StakeActive {
		s.recordSecurityEvent("payout_stake_not_active", map[string]any{"pr_id": pr.ID, "status": existing.Status})
		_ = s.d.Outbox.Comment(ctx, pr.Number, fmt.Sprintf(
			"Stake is no longer active (status: %s) — payout not issued.", existing.Status))
		return http.StatusOK
	}
	if !prbody.ValidateWallet(existing.Wallet) {
		s.recordSecurityEvent("payout_invalid_wallet", map[string]any{"pr_id": pr.ID})
		_ = s.d.Outbox.Comment(ctx, pr.Number, "Missing wallet in PR body — payout aborted, no funds moved.")
		return http.StatusOK
	}
	if s.d.Bans.IsBanned(existing.Wallet) || s.d.Bans.IsBanned(pr.Author) {
		_ = s.d.Stakes.Forfeit(pr.ID)
		s.recordSecurityEvent("blocked_ban", map[string]any{"pr_id": pr.ID})
		return http.StatusForbidden
	}
	if s.d.Pause != nil && s.d.Pause.PayoutsPaused() {
		s.recordSecurityEvent("payouts_paused_noop", map[string]any{"pr_id": pr.ID})
		return http.StatusOK
	}

	cooldownKey := ratelimit.Key{Actor: strings.ToLower(existing.Wallet), Action: actionPayout}
	if peek := s.d.RateLimit.Peek(cooldownKey, 1, payoutCooldown); !peek.Allowed {
		s.recordSecurityEvent("payout_cooldown_active", map[string]any{"pr_id": pr.ID, "wallet": existing.Wallet})
		return http.StatusTooManyRequests
	}

	if !fields.HasIssueRef {
		s.recordSecurityEvent("payout_no_issue_link", map[string]any{"pr_id": pr.ID})
		_ = s.d.Outbox.Comment(ctx, pr.Number, "No linked issue found in PR body — payout not issued.")
		return http.StatusOK
	}
	issue, err := s.d.Codehost.GetIssue(ctx, fields.IssueNumber)
	if err != nil {
		s.d.Logger.Warn("payout issue lookup failed", slog.String("error", err.Error()))
		_ = s.d.Outbox.Comment(ctx, pr.Number, "Could not look up the linked issue — payout not issued.")
		return http.StatusOK
	}
	bountyAmount := model.ClampBountyAmount(issue.Amount)

	memo := fmt.Sprintf("bounty-paid:%d", pr.ID)
	txHash, err := s.d.Chain.SendToken(ctx, existing.Wallet, bountyAmount, memo)
	if err != nil {
		s.d.Logger.Warn("payout transfer failed", slog.String("error", err.Error()))
		_ = s.d.Outbox.Comment(ctx, pr.Number, "On-chain transfer failed — payout not issued. A maintainer has been notified.")
		return http.StatusOK
	}

	if err := s.d.Stakes.ReturnForMerge(pr.ID, txHash); err != nil {
		s.d.Logger.Warn("stake return after payout failed", slog.String("error", err.Error()))
	}
	s.d.RateLimit.Record(cooldownKey)

	record := model.PayoutRecord{
		PRID: pr.ID, Wallet: existing.Wallet, Amount: bountyAmount,
		TxHash: txHash, Memo: memo, PaidAt: s.d.Now().UTC(),
	}
	s.persistPayout(record)
	if s.d.Metrics != nil {
		s.d.Metrics.PayoutsTotal.WithLabelValues(string(issue.Tier)).Inc()
		s.d.Metrics.StakeTransitionsTotal.WithLabelValues(string(model.StakeReturned)).Inc()
	}
	_ = s.d.Outbox.EnqueueWebhook(outbox.EventPayoutSettled, record)
	return http.StatusOK
}

func renderQualityComment(r model.Review) string {
	return fmt.Sprintf("**Automated review** — score: %.1f/10, verdict: %s\n\n%s",
		r.Score, r.Verdict, r.Rationale)
}

type reviewDocument struct {
	Reviews []model.Review `json:"reviews"`
}

func (s *Server) persistReview(r model.Review) {
	if s.d.Store == nil {
		return
	}
	var doc reviewDocument
	_ = s.d.Store.Mutate("pr_reviews.json", &doc, func() error {
		doc.Reviews = append(doc.Reviews, r)
		return nil
	})
}

type payoutDocument struct {
	Payouts []model.PayoutRecord `json:"payouts"`
}

func (s *Server) persistPayout(r model.PayoutRecord) {
	if s.d.Store == nil {
		return
	}
	var doc payoutDocument
	_ = s.d.Store.Mutate("pr_payouts.json", &doc, func() error {
		doc.Payouts = append(doc.Payouts, r)
		return nil
	})
}

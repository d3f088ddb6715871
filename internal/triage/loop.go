// Package triage runs the Bounty Evaluator (spec.md §4.4) against the code
// host's open candidate issues on a fixed interval, posting its
// adjudication back as an issue comment. The queued-worker/ticker shape is
// grounded on integrations/webhooks/rewards.go's Dispatcher worker loop,
// generalized from "drain a delivery queue" to "poll then fan out over a
// slice".
package triage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bountyd/internal/codehost"
	"bountyd/internal/model"
	"bountyd/internal/review"
)

// Loop periodically evaluates open candidate issues and records the
// evaluator's decision as a PR/issue comment.
type Loop struct {
	codehost  codehost.Client
	evaluator *review.Evaluator
	interval  time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Loop. A zero interval defaults to 15 minutes.
func New(host codehost.Client, evaluator *review.Evaluator, interval time.Duration, logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{codehost: host, evaluator: evaluator, interval: interval, logger: logger, done: make(chan struct{})}
}

// Start launches the polling goroutine. Call Stop to shut it down.
func (l *Loop) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.run(ctx)
}

// Stop cancels the loop and waits for the current pass to finish.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	<-l.done
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		l.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) {
	issues, err := l.codehost.ListCandidateIssues(ctx)
	if err != nil {
		l.logger.Warn("triage: list candidate issues failed", slog.String("error", err.Error()))
		return
	}
	open := make([]model.Issue, 0, len(issues))
	for _, issue := range issues {
		if issue.State == model.PRStateOpen {
			open = append(open, issue)
		}
	}
	for _, issue := range open {
		eval := l.evaluator.Evaluate(ctx, issue, open)
		if err := l.codehost.Comment(ctx, issue.ID, renderEvaluation(eval)); err != nil {
			l.logger.Warn("triage: post evaluation comment failed",
				slog.Int64("issue_id", issue.ID), slog.String("error", err.Error()))
		}
	}
}

func renderEvaluation(eval model.BountyEvaluation) string {
	if eval.Decision == model.DecisionApprove {
		return fmt.Sprintf("Bounty evaluation: approved, tier %s, proposed %d WATT.\n\n%s",
			eval.Tier, eval.ProposedAmount, eval.Rationale)
	}
	if eval.DuplicateOf != 0 {
		return fmt.Sprintf("Bounty evaluation: rejected as a likely duplicate of #%d.\n\n%s",
			eval.DuplicateOf, eval.Rationale)
	}
	return fmt.Sprintf("Bounty evaluation: rejected.\n\n%s", eval.Rationale)
}

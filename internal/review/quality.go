package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bountyd/internal/lmclient"
	"bountyd/internal/model"
)

const qualityPromptTemplate = `You are reviewing an open-source contribution for a bounty program.
Title: %s
Author: %s
Diff:
%s

Score the contribution on mission fit, legitimacy, impact, and abuse risk,
each 0-10. Respond as JSON: {"verdict":"pass|fail","score":N,"rationale":"...",
"mission":N,"legitimacy":N,"impact":N,"abuse_risk":N,"flags":["..."]}`

// Quality is the Quality Review Engine of spec.md §4.2.
type Quality struct {
	engine *Engine
	now    func() time.Time
}

// NewQuality constructs a Quality reviewer over the given Engine.
func NewQuality(engine *Engine) *Quality {
	return &Quality{engine: engine, now: time.Now}
}

// Review scores a pull request's diff against the quality contract.
func (q *Quality) Review(ctx context.Context, attempt int, pr model.PullRequest, diff string) model.Review {
	prompt := fmt.Sprintf(qualityPromptTemplate, pr.Title, pr.Author, diff)
	p, needsReview, err := q.engine.Run(ctx, prompt)

	review := model.Review{
		PRID:        pr.ID,
		Attempt:     attempt,
		Kind:        model.ReviewKindQuality,
		CreatedAt:   q.now().UTC(),
		NeedsReview: needsReview,
	}
	if err != nil {
		review.Verdict = model.VerdictFail
		review.RetryableErr = !needsReview && !errors.Is(err, lmclient.ErrAuthFailed)
		review.Rationale = err.Error()
		return review
	}

	review.Verdict = verdictOf(p.Verdict)
	review.Score = model.ClampScore(p.Score)
	review.Rationale = p.Rationale
	review.Flags = p.Flags
	review.Dimensions = model.ReviewDimensions{
		Mission:    model.ClampScore(p.Mission),
		Legitimacy: model.ClampScore(p.Legitimacy),
		Impact:     model.ClampScore(p.Impact),
		AbuseRisk:  model.ClampScore(p.AbuseRisk),
	}
	return review
}

package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bountyd/internal/model"
	"bountyd/internal/prbody"
)

const bountyPromptTemplate = `You are triaging a candidate issue for a bounty program.
Title: %s
Body:
%s

Propose a tier (simple|medium|complex|expert) and token amount, and decide
approve or reject. Respond as JSON: {"verdict":"pass|fail","score":N,
"rationale":"...","mission":N,"legitimacy":N,"impact":N,"abuse_risk":N,
"flags":["..."]}`

const duplicateThreshold = 0.70
const shortTitleTokenBound = 3

var paymentAdjacentTerms = []string{
	"payout", "payouts", "security gate", "security gates", "wallet operation",
	"wallet operations", "authentication",
}

// Evaluator is the Bounty Evaluator of spec.md §4.4.
type Evaluator struct {
	engine        *Engine
	escrowAccount string
	stakePercent  float64
	now           func() time.Time
}

// EvaluatorOption customises Evaluator construction.
type EvaluatorOption func(*Evaluator)

// WithStakePercent overrides the default 10% stake instruction.
func WithStakePercent(pct float64) EvaluatorOption {
	return func(e *Evaluator) {
		if pct > 0 {
			e.stakePercent = pct
		}
	}
}

// NewEvaluator constructs an Evaluator over the given Engine.
func NewEvaluator(engine *Engine, escrowAccount string, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{engine: engine, escrowAccount: escrowAccount, stakePercent: 0.10, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// isPaymentAdjacent reports whether title or body references a payment-
// adjacent internal-only topic (spec.md §4.4).
func isPaymentAdjacent(title, body string) bool {
	haystack := strings.ToLower(title + " " + body)
	for _, term := range paymentAdjacentTerms {
		if strings.Contains(haystack, term) {
			return true
		}
	}
	return false
}

// findDuplicate returns the id of the first open issue, other than the
// candidate itself, whose title is a near-duplicate of candidate, per
// spec.md §4.4's Jaccard rule: similarity ≥ 0.70, except when both titles
// are under 3 tokens, which requires an exact match instead.
func findDuplicate(candidateID int64, candidateTitle string, open []model.Issue) (int64, bool) {
	candidateTokens := prbody.Tokens(candidateTitle)
	for _, issue := range open {
		if issue.ID == candidateID {
			continue
		}
		otherTokens := prbody.Tokens(issue.Title)
		if len(candidateTokens) < shortTitleTokenBound && len(otherTokens) < shortTitleTokenBound {
			if tokensEqual(candidateTokens, otherTokens) {
				return issue.ID, true
			}
			continue
		}
		if prbody.JaccardSimilarity(candidateTokens, otherTokens) >= duplicateThreshold {
			return issue.ID, true
		}
	}
	return 0, false
}

func tokensEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for tok := range a {
		if _, ok := b[tok]; !ok {
			return false
		}
	}
	return true
}

// tierFor resolves the smallest tier band containing amount, or "" if none
// does.
func tierFor(amount int64) (model.BountyTier, bool) {
	for _, tier := range []model.BountyTier{model.TierSimple, model.TierMedium, model.TierComplex, model.TierExpert} {
		band := model.TierBands[tier]
		if amount >= band.Min && amount <= band.Max {
			return tier, true
		}
	}
	return "", false
}

// StakeInstruction renders the post-processed stake-instruction block
// spec.md §4.4 requires on every approval.
func (e *Evaluator) StakeInstruction(amount int64) string {
	pct := int(e.stakePercent * 100)
	stakeAmount := int64(float64(amount) * e.stakePercent)
	return fmt.Sprintf(
		"**Stake required**: %d WATT (%d%% of bounty) sent to escrow account `%s` before work begins.",
		stakeAmount, pct, e.escrowAccount,
	)
}

// Evaluate adjudicates a candidate issue against the bounty-evaluator
// contract.
func (e *Evaluator) Evaluate(ctx context.Context, issue model.Issue, openIssues []model.Issue) model.BountyEvaluation {
	eval := model.BountyEvaluation{IssueID: issue.ID, CreatedAt: e.now().UTC()}

	if isPaymentAdjacent(issue.Title, issue.Body) {
		eval.Decision = model.DecisionReject
		eval.Rationale = "payment-adjacent — internal only"
		return eval
	}

	if dupID, ok := findDuplicate(issue.ID, issue.Title, openIssues); ok {
		eval.Decision = model.DecisionReject
		eval.DuplicateOf = dupID
		eval.Rationale = fmt.Sprintf("duplicate of issue #%d", dupID)
		return eval
	}

	prompt := fmt.Sprintf(bountyPromptTemplate, issue.Title, issue.Body)
	p, needsReview, err := e.engine.Run(ctx, prompt)
	if err != nil || needsReview {
		eval.Decision = model.DecisionReject
		if err != nil {
			eval.Rationale = err.Error()
		} else {
			eval.Rationale = "unparseable reviewer output"
		}
		return eval
	}

	eval.Scores = model.ReviewDimensions{
		Mission:    model.ClampScore(p.Mission),
		Legitimacy: model.ClampScore(p.Legitimacy),
		Impact:     model.ClampScore(p.Impact),
		AbuseRisk:  model.ClampScore(p.AbuseRisk),
	}
	eval.Flags = p.Flags
	eval.Rationale = p.Rationale

	if verdictOf(p.Verdict) != model.VerdictPass {
		eval.Decision = model.DecisionReject
		return eval
	}

	amount := model.ClampBountyAmount(issue.Amount)
	tier, ok := tierFor(amount)
	if !ok {
		eval.Decision = model.DecisionReject
		eval.Rationale = fmt.Sprintf("proposed amount %d does not fall within any tier band", amount)
		return eval
	}

	eval.Decision = model.DecisionApprove
	eval.ProposedAmount = amount
	eval.Tier = tier
	eval.Rationale = p.Rationale + "\n\n" + e.StakeInstruction(amount)
	return eval
}

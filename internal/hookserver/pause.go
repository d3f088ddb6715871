package hookserver

import "sync/atomic"

// PauseState holds the mutable emergency-pause and double-approval gates
// spec.md §6.5 names (PAUSE_PR_PAYOUTS / PAUSE_PR_REVIEWS /
// REQUIRE_DOUBLE_APPROVAL). It is shared between the webhook handler and
// the admin API so an operator can flip a gate without a restart.
type PauseState struct {
	reviews  atomic.Bool
	payouts  atomic.Bool
	doubleApproval atomic.Bool
}

// NewPauseState constructs a PauseState seeded from startup configuration.
func NewPauseState(pauseReviews, pausePayouts, requireDoubleApproval bool) *PauseState {
	p := &PauseState{}
	p.reviews.Store(pauseReviews)
	p.payouts.Store(pausePayouts)
	p.doubleApproval.Store(requireDoubleApproval)
	return p
}

func (p *PauseState) ReviewsPaused() bool  { return p.reviews.Load() }
func (p *PauseState) PayoutsPaused() bool  { return p.payouts.Load() }
func (p *PauseState) DoubleApprovalRequired() bool { return p.doubleApproval.Load() }

func (p *PauseState) SetReviewsPaused(v bool) { p.reviews.Store(v) }
func (p *PauseState) SetPayoutsPaused(v bool) { p.payouts.Store(v) }
func (p *PauseState) SetDoubleApprovalRequired(v bool) { p.doubleApproval.Store(v) }

// SecondApprover is the hook point for spec.md §9's unresolved "double-
// approval" requirement: when configured and REQUIRE_DOUBLE_APPROVAL is
// active, an auto-merge decision additionally requires this to return true.
type SecondApprover interface {
	Approved(prNumber int64) bool
}

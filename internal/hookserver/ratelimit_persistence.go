package hookserver

import (
	"bountyd/internal/ratelimit"
	"bountyd/internal/store"
)

// rateLimitDocumentPath is the pr_rate_limits.json layout of spec.md §6.6:
// {wallet → {pr_submissions:[epoch…], last_payout:epoch?}}.
const rateLimitDocumentPath = "pr_rate_limits.json"

type walletRateLimitState struct {
	PRSubmissions []int64 `json:"pr_submissions"`
	LastPayout    *int64  `json:"last_payout,omitempty"`
}

// LoadRateLimitState restores rl's buckets from the durable snapshot at
// rateLimitDocumentPath, if one exists. A missing or corrupt file leaves rl
// empty rather than failing startup (store.Store.Load already degrades that
// way).
func LoadRateLimitState(rl *ratelimit.Limiter, st *store.Store) error {
	doc := make(map[string]walletRateLimitState)
	if err := st.Load(rateLimitDocumentPath, &doc); err != nil {
		return err
	}

	prSnapshots := make(map[string]ratelimit.Snapshot, len(doc))
	payoutSnapshots := make(map[string]ratelimit.Snapshot, len(doc))
	for wallet, state := range doc {
		if len(state.PRSubmissions) > 0 {
			prSnapshots[wallet] = ratelimit.Snapshot{
				Timestamps: state.PRSubmissions,
				LastSeen:   lastOf(state.PRSubmissions),
			}
		}
		if state.LastPayout != nil {
			payoutSnapshots[wallet] = ratelimit.Snapshot{
				Timestamps: []int64{*state.LastPayout},
				LastSeen:   *state.LastPayout,
			}
		}
	}
	rl.Restore(actionPRSubmission, prSnapshots)
	rl.Restore(actionPayout, payoutSnapshots)
	return nil
}

// SaveRateLimitState persists rl's pr-submission and payout-cooldown buckets
// to rateLimitDocumentPath, merged per wallet into the shape spec.md §6.6
// names. Call on shutdown and periodically, so a crash between ticks loses
// at most one interval of rate-limit history rather than all of it.
func SaveRateLimitState(rl *ratelimit.Limiter, st *store.Store) error {
	doc := make(map[string]walletRateLimitState)
	for wallet, snap := range rl.Snapshots(actionPRSubmission) {
		state := doc[wallet]
		state.PRSubmissions = snap.Timestamps
		doc[wallet] = state
	}
	for wallet, snap := range rl.Snapshots(actionPayout) {
		if len(snap.Timestamps) == 0 {
			continue
		}
		last := snap.Timestamps[len(snap.Timestamps)-1]
		state := doc[wallet]
		state.LastPayout = &last
		doc[wallet] = state
	}
	return st.Save(rateLimitDocumentPath, doc)
}

func lastOf(epochs []int64) int64 {
	var max int64
	for _, e := range epochs {
		if e > max {
			max = e
		}
	}
	return max
}

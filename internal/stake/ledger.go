// Package stake implements the per-PR escrow ledger described in spec.md
// §3/§4.5: a bounty_stakes.json document keyed by PR id, first-writer-wins
// recording, tx-signature reuse prevention across active+returned stakes,
// and atomic state transitions into returned/forfeit.
//
// The idempotent "processed" map pattern is grounded on
// services/payoutd/processor.go's Processor, generalized to the
// single-asset, per-PR stake model spec.md describes.
package stake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bountyd/internal/model"
	"bountyd/internal/store"
)

// Sentinel errors surfaced to the webhook handler for gate-decision logging.
var (
	ErrAlreadyExists  = errors.New("stake: a stake is already recorded for this PR")
	ErrTxAlreadyUsed  = errors.New("stake: tx signature already bound to another stake")
	ErrNotFound       = errors.New("stake: no stake recorded for this PR")
	ErrNotActive      = errors.New("stake: stake is not active")
	ErrAlreadyPaid    = errors.New("stake: already returned for merge")
)

const documentPath = "bounty_stakes.json"

type document struct {
	Stakes map[int64]model.Stake `json:"stakes"`
}

// Verifier checks a candidate stake transaction against the chain before it
// is recorded, matching spec.md §4.5 step 2 ("transaction moved `amount`
// tokens from the wallet to the configured escrow account within the
// acceptable recency window").
type Verifier interface {
	VerifyStakeTx(ctx context.Context, wallet, stakeTx string, expectAmount int64) error
}

// Ledger is the process-wide stake store.
type Ledger struct {
	mu       sync.Mutex
	store    *store.Store
	verifier Verifier
	now      func() time.Time
}

// Option customises Ledger construction.
type Option func(*Ledger)

// WithVerifier supplies the on-chain stake-transaction verifier.
func WithVerifier(v Verifier) Option {
	return func(l *Ledger) { l.verifier = v }
}

// WithClock overrides the time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New constructs a Ledger backed by the given document store.
func New(s *store.Store, opts ...Option) *Ledger {
	l := &Ledger{store: s, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Get returns the stake recorded for prID, if any.
func (l *Ledger) Get(prID int64) (model.Stake, bool) {
	var doc document
	_ = l.store.Load(documentPath, &doc)
	s, ok := doc.Stakes[prID]
	return s, ok
}

// txInUseLocked reports whether stakeTx is already bound to a non-forfeit
// stake belonging to a different PR (spec.md §7: "a second binding attempt
// is rejected" for any stake-TX already bound to an active or returned
// record).
func txInUseLocked(doc document, prID int64, stakeTx string) bool {
	for otherPR, s := range doc.Stakes {
		if otherPR == prID {
			continue
		}
		if s.StakeTx == stakeTx && s.Status != model.StakeForfeit {
			return true
		}
	}
	return false
}

// Record verifies and records a new active stake for prID. It is
// first-writer-wins: a second Record call for a PR that already has a
// stake is a no-op returning ErrAlreadyExists rather than overwriting the
// existing record, matching spec.md §7 ("Stake recording is first-writer-
// wins on (pr_id); subsequent attempts must detect the existing record and
// no-op").
func (l *Ledger) Record(ctx context.Context, prID int64, wallet, stakeTx string, amount int64) error {
	if l.verifier != nil {
		if err := l.verifier.VerifyStakeTx(ctx, wallet, stakeTx, amount); err != nil {
			return fmt.Errorf("stake: verify tx: %w", err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var doc document
	var outcome error
	err := l.store.Mutate(documentPath, &doc, func() error {
		if doc.Stakes == nil {
			doc.Stakes = make(map[int64]model.Stake)
		}
		if _, exists := doc.Stakes[prID]; exists {
			outcome = ErrAlreadyExists
			return nil
		}
		if txInUseLocked(doc, prID, stakeTx) {
			outcome = ErrTxAlreadyUsed
			return nil
		}
		doc.Stakes[prID] = model.Stake{
			PRID:       prID,
			Wallet:     wallet,
			StakeTx:    stakeTx,
			Amount:     amount,
			Status:     model.StakeActive,
			RecordedAt: l.now().UTC(),
		}
		return nil
	})
	if err != nil {
		return err
	}
	return outcome
}

// transition applies fn to the existing record for prID under the document
// lock and persists the result, rejecting PRs with no recorded stake.
func (l *Ledger) transition(prID int64, fn func(*model.Stake) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var doc document
	var outcome error
	err := l.store.Mutate(documentPath, &doc, func() error {
		if doc.Stakes == nil {
			outcome = ErrNotFound
			return nil
		}
		s, ok := doc.Stakes[prID]
		if !ok {
			outcome = ErrNotFound
			return nil
		}
		if err := fn(&s); err != nil {
			outcome = err
			return nil
		}
		doc.Stakes[prID] = s
		return nil
	})
	if err != nil {
		return err
	}
	return outcome
}

// ReturnForMerge transitions an active stake to returned/merged, recording
// the principal-return tx signature. It is idempotent: calling it again
// after a successful return is a no-op returning ErrAlreadyPaid. The webhook
// handler's re-delivery check is PaidForMerge, made before any transfer;
// an error from this call after a transfer is only logged.
func (l *Ledger) ReturnForMerge(prID int64, returnTx string) error {
	return l.transition(prID, func(s *model.Stake) error {
		if s.PaidForMerge() {
			return ErrAlreadyPaid
		}
		if s.Status != model.StakeActive {
			return ErrNotActive
		}
		now := l.now().UTC()
		s.Status = model.StakeReturned
		s.ReturnReason = model.ReturnReasonMerged
		s.ReturnTx = returnTx
		s.ReturnedAt = &now
		return nil
	})
}

// ReleaseAdmin transitions an active stake to returned/admin_release,
// modelling the explicit admin-triggered "reviews exhausted" release spec.md
// §9 resolves the ambiguous trigger to.
func (l *Ledger) ReleaseAdmin(prID int64, returnTx string, reason model.StakeReturnReason) error {
	if reason == "" {
		reason = model.ReturnReasonAdmin
	}
	return l.transition(prID, func(s *model.Stake) error {
		if s.IsTerminal() {
			return ErrAlreadyPaid
		}
		if s.Status != model.StakeActive {
			return ErrNotActive
		}
		now := l.now().UTC()
		s.Status = model.StakeReturned
		s.ReturnReason = reason
		s.ReturnTx = returnTx
		s.ReturnedAt = &now
		return nil
	})
}

// Forfeit transitions an active stake to forfeit, used when a PR's author
// is banned or the submission is flagged as abuse (spec.md §4.7).
func (l *Ledger) Forfeit(prID int64) error {
	return l.transition(prID, func(s *model.Stake) error {
		if s.IsTerminal() {
			return ErrAlreadyPaid
		}
		now := l.now().UTC()
		s.Status = model.StakeForfeit
		s.ReturnedAt = &now
		return nil
	})
}

// IsActive reports whether prID has a recorded, active stake.
func (l *Ledger) IsActive(prID int64) bool {
	s, ok := l.Get(prID)
	return ok && s.Status == model.StakeActive
}

// ExpectedAmount computes the required stake for a bounty amount: floor(bounty
// × percent). A non-positive percent falls back to the 10% default.
func ExpectedAmount(bountyAmount int64, percent float64) int64 {
	if bountyAmount <= 0 {
		return 0
	}
	if percent <= 0 {
		percent = 0.10
	}
	return int64(float64(bountyAmount) * percent)
}

// Package ban implements the ban registry of spec.md §4.7: a union of a
// hard-coded permanent set and a persisted additions file, with
// case-insensitive membership testing and a system-account exemption.
// Unban removes entries from the additions file; the permanent set cannot
// be changed at runtime.
package ban

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"bountyd/internal/model"
	"bountyd/internal/store"
)

// PermanentBans is the hard-coded set from spec.md §3/§4.7. Entries here can
// never be removed via Unban.
var PermanentBans = map[string]struct{}{
	"krit22": {},
}

// SystemAccounts are exempt from both ban checks and auto-ban rules.
var SystemAccounts = map[string]struct{}{
	"wattcoin-org":        {},
	"manual_admin_payout": {},
}

const documentPath = "banned_users.json"

type document struct {
	Banned  []string  `json:"banned"`
	Updated time.Time `json:"updated"`
}

// Registry is the process-wide ban set: PermanentBans ∪ a persisted
// additions list.
type Registry struct {
	mu    sync.RWMutex
	extra map[string]model.BanEntry
	store *store.Store
	now   func() time.Time
}

// New constructs a Registry, loading any previously persisted additions.
func New(s *store.Store) (*Registry, error) {
	r := &Registry{
		extra: make(map[string]model.BanEntry),
		store: s,
		now:   time.Now,
	}
	var doc document
	if err := s.Load(documentPath, &doc); err != nil {
		return nil, err
	}
	for _, id := range doc.Banned {
		normalized := normalize(id)
		r.extra[normalized] = model.BanEntry{ID: normalized, AddedAt: doc.Updated}
	}
	return r, nil
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// IsSystemAccount reports whether id is exempt from ban checks.
func IsSystemAccount(id string) bool {
	_, ok := SystemAccounts[normalize(id)]
	return ok
}

// IsBanned reports whether id is a member of PermanentBans ∪ the persisted
// additions, case-insensitively. System accounts are never reported banned.
func (r *Registry) IsBanned(id string) bool {
	normalized := normalize(id)
	if normalized == "" {
		return false
	}
	if IsSystemAccount(normalized) {
		return false
	}
	if _, ok := PermanentBans[normalized]; ok {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.extra[normalized]
	return ok
}

// IsPermanent reports whether id cannot be unbanned.
func (r *Registry) IsPermanent(id string) bool {
	_, ok := PermanentBans[normalize(id)]
	return ok
}

// Ban adds id to the persisted additions list. System accounts cannot be
// banned.
func (r *Registry) Ban(id, reason string) error {
	normalized := normalize(id)
	if normalized == "" {
		return fmt.Errorf("ban: empty actor id")
	}
	if IsSystemAccount(normalized) {
		return fmt.Errorf("ban: %q is a system account and cannot be banned", normalized)
	}
	r.mu.Lock()
	r.extra[normalized] = model.BanEntry{ID: normalized, Reason: reason, AddedAt: r.now().UTC()}
	r.mu.Unlock()
	return r.persist()
}

// Unban removes id from the persisted additions list. Permanent bans can
// never be removed (spec.md §4.7: "permanent entries cannot be unbanned").
func (r *Registry) Unban(id string) error {
	normalized := normalize(id)
	if _, ok := PermanentBans[normalized]; ok {
		return fmt.Errorf("ban: %q is permanently banned and cannot be removed", normalized)
	}
	r.mu.Lock()
	delete(r.extra, normalized)
	r.mu.Unlock()
	return r.persist()
}

func (r *Registry) persist() error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.extra))
	for id := range r.extra {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	return r.store.Save(documentPath, document{Banned: ids, Updated: r.now().UTC()})
}

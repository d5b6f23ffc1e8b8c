// Package whitelist implements the admission bypass list.
//
// Entries are exact identifiers or CIDR ranges (IPv4 and IPv6). The list
// is consulted before any quota check; a match admits the request without
// touching bucket state. Entries live in the shared store so all engine
// instances agree, with a parsed in-process snapshot refreshed on every
// mutation and on an interval. The snapshot is a read-optimized cache of
// administrative data, not quota state; buckets are never cached this way.
package whitelist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gatewarden-hq/gatewarden/pkg/admission/clock"
	"gatewarden-hq/gatewarden/pkg/admission/store"
	"gatewarden-hq/gatewarden/pkg/telemetry/logging"
)

// Kind distinguishes the two entry forms.
type Kind string

const (
	// KindExact matches an identity string exactly.
	KindExact Kind = "exact"

	// KindCIDR matches any origin address inside the range.
	KindCIDR Kind = "cidr"
)

// Entry is one bypass rule.
type Entry struct {
	// ID uniquely names the entry for removal.
	ID string `json:"id"`

	// Identifier is the exact identity or the CIDR range text.
	Identifier string `json:"identifier"`

	// Kind is exact or cidr.
	Kind Kind `json:"kind"`

	// Reason records why the entry exists.
	Reason string `json:"reason"`

	// ExpiresAt is the optional expiry; nil means the entry is permanent.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// entriesKey is the single store key holding the entry list. Keeping the
// list in one key makes add/remove a plain read-modify-write transaction.
const entriesKey = "whitelist:entries"

// snapshot is the parsed, hot-path view of the entry list.
type snapshot struct {
	exact    map[string]struct{}
	prefixes []netip.Prefix
	entries  []Entry
}

// Registry answers bypass queries and owns entry lifecycle.
type Registry struct {
	store  store.Store
	clock  clock.Clock
	logger *logging.Logger

	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a registry and loads the current entry list from the
// store. Seed entries are added if not already present (matching by
// identifier), so restarting with configured seeds is idempotent.
func NewRegistry(ctx context.Context, st store.Store, clk clock.Clock, logger *logging.Logger, seeds []Entry) (*Registry, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	r := &Registry{store: st, clock: clk, logger: logger}
	r.snap.Store(&snapshot{exact: map[string]struct{}{}})

	for i := range seeds {
		if err := validateEntry(&seeds[i]); err != nil {
			return nil, fmt.Errorf("whitelist seed %q: %w", seeds[i].Identifier, err)
		}
	}

	if err := r.store.Update(ctx, []string{entriesKey}, func(tx store.Tx) error {
		entries := decodeEntries(tx, logger)
		have := make(map[string]bool, len(entries))
		for _, e := range entries {
			have[e.Identifier] = true
		}
		changed := false
		for _, seed := range seeds {
			if !have[seed.Identifier] {
				entries = append(entries, seed)
				changed = true
			}
		}
		if changed {
			value, err := json.Marshal(entries)
			if err != nil {
				return err
			}
			tx.Set(entriesKey, value, 0)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// IsBypassed reports whether the identity or origin address matches any
// live entry. A malformed origin address is simply not whitelisted; it
// never fails the request.
func (r *Registry) IsBypassed(identity, originAddress string) bool {
	snap := r.snap.Load()

	if _, ok := snap.exact[identity]; ok {
		return true
	}
	if len(snap.prefixes) == 0 {
		return false
	}

	addr, err := netip.ParseAddr(originAddress)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range snap.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Add registers a new entry. CIDR ranges are parsed here; a malformed
// range is rejected at registration, never discovered at lookup time.
// A zero ttl means the entry does not expire.
func (r *Registry) Add(ctx context.Context, identifier string, kind Kind, reason string, ttl time.Duration) (Entry, error) {
	entry := Entry{
		ID:         uuid.NewString(),
		Identifier: identifier,
		Kind:       kind,
		Reason:     reason,
	}
	if ttl > 0 {
		expires := r.clock.Now().Add(ttl)
		entry.ExpiresAt = &expires
	}
	if err := validateEntry(&entry); err != nil {
		return Entry{}, err
	}

	err := r.store.Update(ctx, []string{entriesKey}, func(tx store.Tx) error {
		entries := decodeEntries(tx, r.logger)
		entries = append(entries, entry)
		value, err := json.Marshal(entries)
		if err != nil {
			return err
		}
		tx.Set(entriesKey, value, 0)
		return nil
	})
	if err != nil {
		return Entry{}, err
	}

	if err := r.Refresh(ctx); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Remove deletes an entry by ID. Removing an unknown ID is an error so
// administrative typos are visible.
func (r *Registry) Remove(ctx context.Context, id string) error {
	found := false
	err := r.store.Update(ctx, []string{entriesKey}, func(tx store.Tx) error {
		entries := decodeEntries(tx, r.logger)
		kept := entries[:0]
		for _, e := range entries {
			if e.ID == id {
				found = true
				continue
			}
			kept = append(kept, e)
		}
		if !found {
			return nil
		}
		value, err := json.Marshal(kept)
		if err != nil {
			return err
		}
		tx.Set(entriesKey, value, 0)
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("whitelist entry %q not found", id)
	}
	return r.Refresh(ctx)
}

// Entries returns the current live entries.
func (r *Registry) Entries() []Entry {
	snap := r.snap.Load()
	out := make([]Entry, len(snap.entries))
	copy(out, snap.entries)
	return out
}

// Refresh reloads the snapshot from the store, dropping expired entries.
// Called after every mutation; deployments with multiple engine instances
// call it on an interval to pick up entries added elsewhere.
func (r *Registry) Refresh(ctx context.Context) error {
	value, ok, err := r.store.Get(ctx, entriesKey)
	if err != nil {
		return err
	}

	snap := &snapshot{exact: map[string]struct{}{}}
	if ok {
		var entries []Entry
		if err := json.Unmarshal(value, &entries); err != nil {
			r.logger.Warn("discarding unreadable whitelist entries", "error", err)
			entries = nil
		}
		now := r.clock.Now()
		for _, e := range entries {
			if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
				continue
			}
			switch e.Kind {
			case KindExact:
				snap.exact[e.Identifier] = struct{}{}
			case KindCIDR:
				prefix, err := netip.ParsePrefix(e.Identifier)
				if err != nil {
					// Should have been rejected at Add; tolerate rather
					// than poison the whole list.
					r.logger.Warn("skipping malformed whitelist range",
						"identifier", e.Identifier, "error", err)
					continue
				}
				snap.prefixes = append(snap.prefixes, prefix)
			}
			snap.entries = append(snap.entries, e)
		}
	}

	r.snap.Store(snap)
	return nil
}

func validateEntry(e *Entry) error {
	if e.Identifier == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	switch e.Kind {
	case KindExact:
		return nil
	case KindCIDR:
		if _, err := netip.ParsePrefix(e.Identifier); err != nil {
			return fmt.Errorf("malformed CIDR range %q: %w", e.Identifier, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown entry kind %q", e.Kind)
	}
}

func decodeEntries(tx store.Tx, logger *logging.Logger) []Entry {
	value, ok := tx.Get(entriesKey)
	if !ok {
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal(value, &entries); err != nil {
		logger.Warn("discarding unreadable whitelist entries", "error", err)
		return nil
	}
	return entries
}

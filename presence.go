package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultPresenceWindow is how long an entry counts as online
	DefaultPresenceWindow = 5 * time.Minute
)

// MemoryRegistry is a process local SessionRegistry
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]PresenceEntry
	now     Clock
	maxAge  time.Duration
}

var _ SessionRegistry = (*MemoryRegistry)(nil)

// NewMemoryRegistry returns a registry that drops entries older than
// retention on Sweep.
func NewMemoryRegistry(retention time.Duration, clock Clock) *MemoryRegistry {
	if retention <= 0 {
		retention = DefaultPresenceWindow
	}
	if clock == nil {
		clock = defaultClock
	}
	return &MemoryRegistry{
		entries: map[string]PresenceEntry{},
		now:     clock,
		maxAge:  retention,
	}
}

// Touch implements SessionRegistry
func (m *MemoryRegistry) Touch(_ context.Context, accountID string, role Role, displayName string) {
	if accountID == "" {
		return
	}
	m.mu.Lock()
	m.entries[accountID] = PresenceEntry{
		AccountID:   accountID,
		Role:        role,
		DisplayName: displayName,
		LastSeenAt:  m.now(),
	}
	m.mu.Unlock()
}

// ListOnline returns entries seen within maxAge, most recent first
func (m *MemoryRegistry) ListOnline(_ context.Context, maxAge time.Duration) []PresenceEntry {
	if maxAge <= 0 {
		maxAge = m.maxAge
	}
	cutoff := m.now().Add(-maxAge)

	m.mu.RLock()
	out := make([]PresenceEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if !e.LastSeenAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	SortPresence(out)
	return out
}

// Evict implements SessionRegistry
func (m *MemoryRegistry) Evict(_ context.Context, accountID string) {
	m.mu.Lock()
	delete(m.entries, accountID)
	m.mu.Unlock()
}

// Sweep removes stale entries and returns how many were dropped
func (m *MemoryRegistry) Sweep() int {
	cutoff := m.now().Add(-m.maxAge)
	removed := 0

	m.mu.Lock()
	for id, e := range m.entries {
		if e.LastSeenAt.Before(cutoff) {
			delete(m.entries, id)
			removed++
		}
	}
	m.mu.Unlock()

	return removed
}

// RunSweeper calls Sweep every interval until ctx is done
func (m *MemoryRegistry) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// ListOnlineAtLeast filters the online list by minimum role. Used by the
// admin dashboard to show online staff.
func ListOnlineAtLeast(ctx context.Context, registry SessionRegistry, maxAge time.Duration, min Role) []PresenceEntry {
	if registry == nil {
		return []PresenceEntry{}
	}
	all := registry.ListOnline(ctx, maxAge)
	out := make([]PresenceEntry, 0, len(all))
	for _, e := range all {
		if e.Role.IsAtLeast(min) {
			out = append(out, e)
		}
	}
	return out
}

// SortPresence orders entries most recent first
func SortPresence(entries []PresenceEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LastSeenAt.Equal(entries[j].LastSeenAt) {
			return entries[i].AccountID < entries[j].AccountID
		}
		return entries[i].LastSeenAt.After(entries[j].LastSeenAt)
	})
}

type noopRegistry struct{}

func (noopRegistry) Touch(context.Context, string, Role, string) {}

func (noopRegistry) ListOnline(context.Context, time.Duration) []PresenceEntry {
	return []PresenceEntry{}
}

func (noopRegistry) Evict(context.Context, string) {}

func normalizeRegistry(r SessionRegistry) SessionRegistry {
	if r == nil {
		return noopRegistry{}
	}
	return r
}

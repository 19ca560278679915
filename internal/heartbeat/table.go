package heartbeat

import (
	"sort"
	"sync"
	"time"
)

type entry struct {
	seen    time.Time
	demoted bool
}

// Table is the process-local liveness map deviceID -> last heartbeat. It is separate
// from the persisted last_seen column and only drives offline detection.
type Table struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

func NewTable(now func() time.Time) *Table {
	if now == nil {
		now = time.Now
	}
	return &Table{now: now, entries: map[string]entry{}}
}

// Touch records a heartbeat for deviceID at the current instant and clears any demotion.
func (t *Table) Touch(deviceID string) {
	if deviceID == "" {
		return
	}
	t.mu.Lock()
	t.entries[deviceID] = entry{seen: t.now()}
	t.mu.Unlock()
}

// LastSeen returns the recorded heartbeat and whether one exists.
func (t *Table) LastSeen(deviceID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[deviceID]
	return e.seen, ok
}

// Now is the table's clock.
func (t *Table) Now() time.Time { return t.now() }

// Stale lists devices whose heartbeat is before cutoff and that have not been demoted
// since their last Touch. Sorted for deterministic sweeps.
func (t *Table) Stale(cutoff time.Time) []string {
	t.mu.Lock()
	var out []string
	for id, e := range t.entries {
		if !e.demoted && e.seen.Before(cutoff) {
			out = append(out, id)
		}
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

// MarkDemoted backdates the heartbeat to at and excludes the device from Stale until the
// next Touch. A Touch that landed after cutoff (the device spoke mid-sweep) wins.
func (t *Table) MarkDemoted(deviceID string, at, cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[deviceID]
	if !ok || !e.seen.Before(cutoff) {
		return
	}
	t.entries[deviceID] = entry{seen: at, demoted: true}
}

// Evict drops demoted entries whose heartbeat is before cutoff and returns how many went.
// A later Touch re-creates the entry.
func (t *Table) Evict(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.entries {
		if e.demoted && e.seen.Before(cutoff) {
			delete(t.entries, id)
			n++
		}
	}
	return n
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

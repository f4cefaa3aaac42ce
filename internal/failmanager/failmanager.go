// Package failmanager implements the sliding-window failure counter that
// decides when an origin crosses the ban threshold.
package failmanager

import (
	"errors"
	"sync"
	"time"

	"sentryd/internal/clock"
)

// maxMatches bounds the retained match lines per entry to avoid unbounded
// memory growth from a single noisy host.
const maxMatches = 10

// ErrEmpty is FailManagerEmpty: a control-flow signal from ToBan, not a
// real error.
var ErrEmpty = errors.New("failmanager: no entry ready to ban")

// Key identifies one tracked origin.
type Key struct {
	IP     string
	Family string
	Prefix int
}

// Ticket is a FailTicket: an offence attributable to one origin.
type Ticket struct {
	IP       string
	Family   string
	Time     time.Time
	Matches  []string
	Prefix   int
	Attempts int
}

type entry struct {
	attempts int
	earliest time.Time
	latest   time.Time
	matches  []string
}

// Manager is the sliding-window counter. Mutated only by its owning Filter,
// read by the jail's dispatcher; access is serialised by mu.
type Manager struct {
	mu        sync.Mutex
	clock     clock.Clock
	maxTime   time.Duration
	maxRetry  int
	entries   map[Key]*entry
	failTotal uint64
}

// New creates a Manager with the given window width and retry threshold.
func New(c clock.Clock, maxTime time.Duration, maxRetry int) *Manager {
	return &Manager{
		clock:    c,
		maxTime:  maxTime,
		maxRetry: maxRetry,
		entries:  make(map[Key]*entry),
	}
}

// SetMaxTime updates the sliding-window width.
func (m *Manager) SetMaxTime(d time.Duration) {
	m.mu.Lock()
	m.maxTime = d
	m.mu.Unlock()
}

// SetMaxRetry updates the ban threshold.
func (m *Manager) SetMaxRetry(n int) {
	m.mu.Lock()
	m.maxRetry = n
	m.mu.Unlock()
}

// MaxRetry returns the current ban threshold.
func (m *Manager) MaxRetry() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxRetry
}

func appendBounded(matches []string, line string) []string {
	if line == "" {
		return matches
	}
	matches = append(matches, line)
	if len(matches) > maxMatches {
		matches = matches[len(matches)-maxMatches:]
	}
	return matches
}

// AddFailure looks up the ticket's key and either merges into the existing
// window or starts a new one.
func (m *Manager) AddFailure(t Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failTotal++
	key := Key{IP: t.IP, Family: t.Family, Prefix: t.Prefix}
	e, ok := m.entries[key]
	if !ok {
		m.entries[key] = &entry{
			attempts: 1,
			earliest: t.Time,
			latest:   t.Time,
			matches:  appendBounded(nil, firstMatch(t.Matches)),
		}
		return
	}

	if t.Time.Sub(e.earliest) <= m.maxTime {
		e.attempts++
		if t.Time.After(e.latest) {
			e.latest = t.Time
		}
		e.matches = appendBounded(e.matches, firstMatch(t.Matches))
		return
	}

	// Outside window: the entry is replaced, restarting the count.
	m.entries[key] = &entry{
		attempts: 1,
		earliest: t.Time,
		latest:   t.Time,
		matches:  appendBounded(nil, firstMatch(t.Matches)),
	}
}

func firstMatch(matches []string) string {
	if len(matches) == 0 {
		return ""
	}
	return matches[0]
}

// ToBan scans entries and returns+removes one whose attempts reach
// maxRetry, preferring the earliest latest time. If prefix is non-nil,
// only entries with that prefix are candidates.
func (m *Manager) ToBan(prefix *int) (Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var bestKey Key
	var best *entry
	for k, e := range m.entries {
		if e.attempts < m.maxRetry {
			continue
		}
		if prefix != nil && k.Prefix != *prefix {
			continue
		}
		if best == nil || e.latest.Before(best.latest) {
			bestKey = k
			best = e
		}
	}
	if best == nil {
		return Ticket{}, ErrEmpty
	}
	delete(m.entries, bestKey)
	return Ticket{
		IP:       bestKey.IP,
		Family:   bestKey.Family,
		Prefix:   bestKey.Prefix,
		Time:     best.latest,
		Matches:  best.matches,
		Attempts: best.attempts,
	}, nil
}

// Cleanup removes entries whose latest failure is older than the window,
// relative to now.
func (m *Manager) Cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if now.Sub(e.latest) > m.maxTime {
			delete(m.entries, k)
		}
	}
}

// Size returns the number of currently tracked entries.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// GetFailTotal returns the monotonic count of all failures ever ingested.
func (m *Manager) GetFailTotal() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failTotal
}

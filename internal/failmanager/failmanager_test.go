package failmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentryd/internal/clock"
)

func newManager(t0 time.Time, maxTime time.Duration, maxRetry int) (*Manager, *clock.Virtual) {
	vc := clock.NewVirtual(t0)
	return New(vc, maxTime, maxRetry), vc
}

// S1: threshold crossed within the window produces a ban ticket.
func TestToBan_ThresholdWithinWindow(t *testing.T) {
	base := time.Now()
	m, _ := newManager(base, time.Minute, 3)

	m.AddFailure(Ticket{IP: "10.0.0.1", Family: "v4", Time: base, Matches: []string{"l1"}})
	m.AddFailure(Ticket{IP: "10.0.0.1", Family: "v4", Time: base.Add(10 * time.Second), Matches: []string{"l2"}})
	_, err := m.ToBan(nil)
	assert.ErrorIs(t, err, ErrEmpty, "only 2 attempts so far, should not be ready")

	m.AddFailure(Ticket{IP: "10.0.0.1", Family: "v4", Time: base.Add(20 * time.Second), Matches: []string{"l3"}})
	ticket, err := m.ToBan(nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", ticket.IP)
	assert.Equal(t, 3, ticket.Attempts)
	assert.Equal(t, []string{"l1", "l2", "l3"}, ticket.Matches)
}

// S2: a failure outside the window restarts the count instead of
// accumulating with stale attempts.
func TestAddFailure_WindowExpiryRestartsCount(t *testing.T) {
	base := time.Now()
	m, _ := newManager(base, 30*time.Second, 3)

	m.AddFailure(Ticket{IP: "10.0.0.1", Family: "v4", Time: base})
	m.AddFailure(Ticket{IP: "10.0.0.1", Family: "v4", Time: base.Add(10 * time.Second)})
	// This failure lands outside the window measured from `base`, so the
	// entry restarts at attempts=1 instead of becoming 3.
	m.AddFailure(Ticket{IP: "10.0.0.1", Family: "v4", Time: base.Add(45 * time.Second)})

	_, err := m.ToBan(nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestToBan_PrefixFilter(t *testing.T) {
	base := time.Now()
	m, _ := newManager(base, time.Minute, 1)

	m.AddFailure(Ticket{IP: "10.0.0.1", Family: "v4", Time: base, Prefix: 32})
	m.AddFailure(Ticket{IP: "2001:db8::1", Family: "v6", Time: base, Prefix: 64})

	v6Prefix := 64
	ticket, err := m.ToBan(&v6Prefix)
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", ticket.IP)

	v4Prefix := 32
	ticket, err = m.ToBan(&v4Prefix)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", ticket.IP)

	_, err = m.ToBan(nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestCleanup_RemovesStaleEntries(t *testing.T) {
	base := time.Now()
	m, _ := newManager(base, 30*time.Second, 5)

	m.AddFailure(Ticket{IP: "10.0.0.1", Family: "v4", Time: base})
	assert.Equal(t, 1, m.Size())

	m.Cleanup(base.Add(time.Minute))
	assert.Equal(t, 0, m.Size())
}

func TestAddFailure_BoundsMatchListToTen(t *testing.T) {
	base := time.Now()
	m, _ := newManager(base, time.Hour, 15)

	for i := 0; i < 15; i++ {
		m.AddFailure(Ticket{
			IP: "10.0.0.1", Family: "v4",
			Time:    base.Add(time.Duration(i) * time.Second),
			Matches: []string{"line"},
		})
	}
	ticket, err := m.ToBan(nil)
	require.NoError(t, err)
	assert.Equal(t, 15, ticket.Attempts, "attempts keeps counting past the match cap")
	assert.Len(t, ticket.Matches, 10, "retained match lines are bounded to the last 10")
}

func TestGetFailTotal_CountsAcrossEntries(t *testing.T) {
	base := time.Now()
	m, _ := newManager(base, time.Minute, 100)

	m.AddFailure(Ticket{IP: "10.0.0.1", Family: "v4", Time: base})
	m.AddFailure(Ticket{IP: "10.0.0.2", Family: "v4", Time: base})
	assert.Equal(t, uint64(2), m.GetFailTotal())
}

package jail

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentryd/internal/action"
	"sentryd/internal/clock"
	"sentryd/internal/datedetect"
	"sentryd/internal/failmanager"
	"sentryd/internal/filter"
	"sentryd/internal/geoip"
	"sentryd/internal/resolve"
)

func failTicket(ip string, at time.Time) failmanager.Ticket {
	return failmanager.Ticket{IP: ip, Family: "v4", Time: at, Prefix: 32, Matches: []string{"line"}}
}

type nopResolver struct{}

func (nopResolver) LookupHost(ctx context.Context, host string) ([]resolve.Addr, error) {
	return nil, nil
}
func (nopResolver) LookupAddr(ctx context.Context, ip string) ([]string, error) { return nil, nil }

func buildTestJail(t *testing.T, logPath string, a *action.Action, banTime time.Duration) (*Jail, *clock.Virtual) {
	t.Helper()
	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	vc := clock.NewVirtual(base)
	dd := datedetect.NewDefault(base.Year())
	f := filter.New(vc, dd, nopResolver{}, 600*time.Second, 2)
	require.NoError(t, f.AddFailRegex(`^\s*Failed login from (?P<HOST>\S+)$`))

	eng := action.NewEngineWithMutex(&sync.Mutex{})
	j := New("test-jail", logPath, f, a, eng, vc, banTime)
	j.ScanPeriod = 5 * time.Millisecond
	return j, vc
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
}

func TestRun_DispatchesBanOnThreshold(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "auth.log")
	banMarker := filepath.Join(dir, "banned.txt")

	// Run() opens the container in tail mode, so it only observes lines
	// appended after startup; the file must already exist for New to open
	// it, but starts empty.
	writeLines(t, logPath)

	a := &action.Action{
		Name: "test",
		Templates: action.Templates{
			Ban: "echo <ip> >> " + banMarker,
		},
	}
	j, _ := buildTestJail(t, logPath, a, 0)

	var mu sync.Mutex
	var tickets []Ticket
	j.OnTicket(func(tk Ticket) {
		mu.Lock()
		tickets = append(tickets, tk)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	// Give the jail's first scan pass a chance to open the container at
	// EOF before appending, so tail semantics don't miss these lines.
	time.Sleep(50 * time.Millisecond)
	appendLines(t, logPath,
		"Mar  5 10:00:00 Failed login from 10.0.0.1",
		"Mar  5 10:00:05 Failed login from 10.0.0.1",
	)

	deadline := time.After(1500 * time.Millisecond)
	for {
		mu.Lock()
		n := len(tickets)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected a ban ticket within the deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, tickets, 1)
	assert.Equal(t, "10.0.0.1", tickets[0].IP)
	assert.Equal(t, "ban", tickets[0].Action)

	data, err := os.ReadFile(banMarker)
	require.NoError(t, err)
	assert.Contains(t, string(data), "10.0.0.1")
}

func TestStatus_ReflectsFailManagerState(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "auth.log")
	writeLines(t, logPath, "")

	a := &action.Action{Name: "test"}
	j, _ := buildTestJail(t, logPath, a, 0)

	j.filter.ProcessLineAndAdd(context.Background(), "Mar  5 10:00:00 Failed login from 10.0.0.1")
	st := j.Status()
	assert.Equal(t, "test-jail", st.Name)
	assert.Equal(t, 1, st.FailingHosts)
	assert.Equal(t, uint64(1), st.TotalFailures)
}

type stubGeo struct {
	country string
	err     error
}

func (s *stubGeo) Name() string { return "stub" }
func (s *stubGeo) Lookup(ip string) (*geoip.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &geoip.Result{IP: ip, CountryCode: s.country, Provider: "stub"}, nil
}
func (s *stubGeo) Close() error { return nil }

func TestBan_PopulatesCountryTagFromGeoProvider(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "auth.log")
	marker := filepath.Join(dir, "banned.txt")
	writeLines(t, logPath, "")

	a := &action.Action{
		Name:      "test",
		Templates: action.Templates{Ban: "echo <ip>-<country> >> " + marker},
	}
	j, vc := buildTestJail(t, logPath, a, 0)
	j.SetGeoProvider(&stubGeo{country: "FR"})

	fm := j.filter.FailManager()
	fm.AddFailure(failTicket("10.0.0.1", vc.Now()))
	fm.AddFailure(failTicket("10.0.0.1", vc.Now().Add(time.Second)))

	tk, err := fm.ToBan(nil)
	require.NoError(t, err)
	j.ban(context.Background(), tk)

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Contains(t, string(data), "10.0.0.1-FR")
}

func TestBan_GeoLookupFailureLeavesCountryTagUnset(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "auth.log")
	marker := filepath.Join(dir, "banned.txt")
	writeLines(t, logPath, "")

	a := &action.Action{
		Name:      "test",
		Templates: action.Templates{Ban: "echo '<ip>-[<country>]' >> " + marker},
	}
	j, vc := buildTestJail(t, logPath, a, 0)
	j.SetGeoProvider(&stubGeo{err: errors.New("no db loaded")})

	fm := j.filter.FailManager()
	fm.AddFailure(failTicket("10.0.0.2", vc.Now()))
	fm.AddFailure(failTicket("10.0.0.2", vc.Now().Add(time.Second)))

	tk, err := fm.ToBan(nil)
	require.NoError(t, err)
	j.ban(context.Background(), tk)

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Contains(t, string(data), "10.0.0.2-[<country>]", "unresolved tag is left verbatim")
}

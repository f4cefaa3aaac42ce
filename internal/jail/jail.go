// Package jail wires one Filter and one Action together and drives their
// lifecycle: a worker goroutine that feeds log lines into the Filter, a
// dispatcher that turns ban tickets into Action calls, and an optional
// policy that escalates repeat offenders from the same subnet to a ban on
// the whole subnet.
package jail

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"sentryd/internal/action"
	"sentryd/internal/clock"
	"sentryd/internal/failmanager"
	"sentryd/internal/filecontainer"
	"sentryd/internal/filter"
	"sentryd/internal/geoip"
	"sentryd/internal/resolve"
)

// Ticket describes one ban or unban the jail has dispatched; it is handed
// to the OnTicket callback. The jail neither stores nor persists tickets.
type Ticket struct {
	IP       string
	Family   string
	Prefix   int
	Attempts int
	Action   string // "ban" or "unban"
	BannedAt time.Time
	ExpireAt time.Time
}

// EscalationPolicy optionally widens a ban to the enclosing subnet when
// Threshold bans inside it occur within Window. Every ban counts, so a host
// banned twice in the window counts twice; hosts are not de-duplicated. It
// runs alongside the normal per-host ban decision, it never replaces it.
type EscalationPolicy struct {
	Enabled   bool
	Threshold int
	Window    time.Duration
	V4Prefix  int // enclosing subnet width, e.g. 24
	V6Prefix  int // e.g. 48
}

// Jail associates one Filter, one Action, and the policy parameters that
// govern how failures reported by the Filter become ban/unban calls.
type Jail struct {
	Name       string
	LogPath    string
	BanTime    time.Duration
	ScanPeriod time.Duration
	Escalation EscalationPolicy

	filter      *filter.Filter
	action      *action.Action
	engine      *action.Engine
	clock       clock.Clock
	geoProvider geoip.Provider
	onTicket    func(Ticket)
	container   *filecontainer.Container

	recentBans map[string][]time.Time // subnet -> ban times, for escalation
}

// New builds a Jail around an already-configured Filter and Action.
func New(name, logPath string, f *filter.Filter, a *action.Action, eng *action.Engine, c clock.Clock, banTime time.Duration) *Jail {
	return &Jail{
		Name:       name,
		LogPath:    logPath,
		BanTime:    banTime,
		ScanPeriod: time.Second,
		filter:     f,
		action:     a,
		engine:     eng,
		clock:      c,
		recentBans: make(map[string][]time.Time),
	}
}

// OnTicket registers a callback invoked whenever this jail bans or
// unbans an origin, used by internal/events to broadcast the change.
func (j *Jail) OnTicket(fn func(Ticket)) { j.onTicket = fn }

// SetGeoProvider wires a country-lookup backend; ban() populates
// aInfo["country"] from it when a lookup succeeds, so action templates
// can reference <country>.
func (j *Jail) SetGeoProvider(p geoip.Provider) { j.geoProvider = p }

// Run drives the jail until ctx is cancelled: a log-reading worker that
// feeds the Filter, and a ban-dispatcher that drains FailManager.toBan
// and invokes the Action engine. The two run under one errgroup so either's
// fatal error brings the jail down cleanly.
func (j *Jail) Run(ctx context.Context) error {
	container, err := filecontainer.New(j.LogPath, true)
	if err != nil {
		return fmt.Errorf("jail %s: open %s: %w", j.Name, j.LogPath, err)
	}
	j.container = container
	defer container.Close()

	if err := j.engine.Start(ctx, j.action); err != nil {
		log.Printf("jail %s: start action failed: %v", j.Name, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return j.scanLoop(gctx) })
	g.Go(func() error { return j.dispatchLoop(gctx) })

	err = g.Wait()

	if stopErr := j.engine.Stop(context.Background(), j.action); stopErr != nil {
		log.Printf("jail %s: stop action failed: %v", j.Name, stopErr)
	}
	return err
}

// scanLoop is the cooperative worker per monitored log path: it reopens the
// container once per pass (picking up rotation), reads to EOF, and sleeps.
// It observes ctx as the cooperative stop flag: a pass ends at EOF or on
// cancellation, whichever comes first, and the loop returns on cancellation.
func (j *Jail) scanLoop(ctx context.Context) error {
	ticker := time.NewTicker(j.ScanPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := j.container.Open(); err != nil {
				log.Printf("jail %s: reopen %s: %v", j.Name, j.LogPath, err)
				continue
			}
		readLines:
			for {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				line, err := j.container.ReadLine()
				if err != nil {
					log.Printf("jail %s: read %s: %v", j.Name, j.LogPath, err)
					break readLines
				}
				if line == "" {
					break readLines
				}
				j.filter.ProcessLineAndAdd(ctx, line)
			}
		}
	}
}

// dispatchLoop drains FailManager.toBan and hands each ticket to the
// action engine, applying escalation policy and scheduling the matching
// unban after BanTime.
func (j *Jail) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(j.ScanPeriod)
	defer ticker.Stop()

	fm := j.filter.FailManager()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fm.Cleanup(j.clock.Now())
			for {
				t, err := fm.ToBan(nil)
				if err != nil {
					break // failmanager.ErrEmpty: nothing ready
				}
				j.ban(ctx, t)
			}
		}
	}
}

func (j *Jail) ban(ctx context.Context, t failmanager.Ticket) {
	aInfo := map[string]string{
		"ip":       t.IP,
		"failures": fmt.Sprintf("%d", t.Attempts),
		"time":     t.Time.Format(time.RFC3339),
	}
	if j.geoProvider != nil {
		if res, err := j.geoProvider.Lookup(t.IP); err == nil {
			aInfo["country"] = res.CountryCode
		}
	}

	if err := j.engine.Ban(ctx, j.action, aInfo); err != nil {
		log.Printf("jail %s: ban %s failed: %v", j.Name, t.IP, err)
		return
	}

	now := j.clock.Now()
	ticket := Ticket{IP: t.IP, Family: t.Family, Prefix: t.Prefix, Attempts: t.Attempts, Action: "ban", BannedAt: now}
	if j.BanTime > 0 {
		ticket.ExpireAt = now.Add(j.BanTime)
		time.AfterFunc(j.BanTime, func() { j.unban(context.Background(), t, aInfo) })
	}
	if j.onTicket != nil {
		j.onTicket(ticket)
	}

	j.checkEscalation(ctx, t, aInfo)
}

func (j *Jail) unban(ctx context.Context, t failmanager.Ticket, aInfo map[string]string) {
	if err := j.engine.Unban(ctx, j.action, aInfo); err != nil {
		log.Printf("jail %s: unban %s failed: %v", j.Name, t.IP, err)
		return
	}
	if j.onTicket != nil {
		j.onTicket(Ticket{IP: t.IP, Family: t.Family, Prefix: t.Prefix, Attempts: t.Attempts, Action: "unban", BannedAt: j.clock.Now()})
	}
}

// checkEscalation counts bans in the enclosing subnet within
// Escalation.Window (repeat bans of one host each count) and, once
// Threshold is reached, bans the subnet itself via the same action.
func (j *Jail) checkEscalation(ctx context.Context, t failmanager.Ticket, aInfo map[string]string) {
	if !j.Escalation.Enabled {
		return
	}

	fam := resolve.V4
	prefix := j.Escalation.V4Prefix
	if t.Family == resolve.V6.String() {
		fam = resolve.V6
		prefix = j.Escalation.V6Prefix
	}
	subnet, err := resolve.TruncateToPrefix(t.IP, prefix, fam)
	if err != nil {
		return
	}

	now := j.clock.Now()
	cutoff := now.Add(-j.Escalation.Window)
	times := append(j.recentBans[subnet], now)
	var recent []time.Time
	for _, bt := range times {
		if bt.After(cutoff) {
			recent = append(recent, bt)
		}
	}
	j.recentBans[subnet] = recent

	if len(recent) < j.Escalation.Threshold {
		return
	}

	log.Printf("jail %s: escalating to subnet %s after %d bans within %s", j.Name, subnet, len(recent), j.Escalation.Window)
	escAInfo := map[string]string{
		"ip":       subnet,
		"failures": fmt.Sprintf("%d", len(recent)),
		"time":     now.Format(time.RFC3339),
	}
	if err := j.engine.Ban(ctx, j.action, escAInfo); err != nil {
		log.Printf("jail %s: escalated ban %s failed: %v", j.Name, subnet, err)
		return
	}
	delete(j.recentBans, subnet)
}

// Status reports the jail's current in-memory state for introspection.
type Status struct {
	Name          string
	FailingHosts  int
	TotalFailures uint64
}

// Status returns the jail's current Status.
func (j *Jail) Status() Status {
	fm := j.filter.FailManager()
	return Status{Name: j.Name, FailingHosts: fm.Size(), TotalFailures: fm.GetFailTotal()}
}

// Command sentryd is the daemon entrypoint: loads the jail config, wires a
// Filter/FailManager/Action/Jail per configured jail, and runs until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"sentryd/internal/action"
	"sentryd/internal/audit"
	"sentryd/internal/clock"
	"sentryd/internal/config"
	"sentryd/internal/datedetect"
	"sentryd/internal/events"
	"sentryd/internal/filter"
	"sentryd/internal/geoip"
	"sentryd/internal/jail"
	"sentryd/internal/resolve"
)

func main() {
	configPath := getEnv("SENTRYD_CONFIG", "/etc/sentryd/jail.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Loaded configuration: %d actions, %d jails", len(cfg.Actions), len(cfg.Jails))

	auditDB := cfg.Global.AuditDBPath
	if auditDB == "" {
		auditDB = "/var/lib/sentryd/audit.db"
	}
	journal, err := audit.Open(auditDB)
	if err != nil {
		log.Printf("Warning: audit journal unavailable: %v", err)
		journal = nil
	}

	geoProvider := newGeoProvider(cfg.Global.GeoIPProvider, cfg.Global.GeoIPDBPath)

	hub := events.NewHub()
	go hub.Run()

	resolver := resolve.NewDNSResolver(nil, 2*time.Second)
	dateDetector := datedetect.NewDefault(time.Now().Year())
	realClock := clock.Real{}
	engine := action.NewEngine()

	ctx, cancel := context.WithCancel(context.Background())

	var jails []*jail.Jail
	for _, jc := range cfg.Jails {
		if !jc.Enabled {
			continue
		}
		j, err := buildJail(jc, cfg, realClock, dateDetector, resolver, engine, journal, hub, geoProvider)
		if err != nil {
			log.Printf("Warning: jail %q not started: %v", jc.Name, err)
			continue
		}
		jails = append(jails, j)
	}
	log.Printf("Starting %d jail monitors", len(jails))

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jails {
		j := j
		g.Go(func() error { return j.Run(gctx) })
	}

	var eventsServer *http.Server
	if cfg.Global.EventsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/events", hub)
		eventsServer = &http.Server{
			Addr:         cfg.Global.EventsAddr,
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Printf("Event feed listening on %s", cfg.Global.EventsAddr)
			if err := eventsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Event feed server error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	cancel()

	if eventsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := eventsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error during event feed shutdown: %v", err)
		}
		shutdownCancel()
	}

	if err := g.Wait(); err != nil {
		log.Printf("Jail group stopped with error: %v", err)
	}

	if journal != nil {
		if err := journal.Close(); err != nil {
			log.Printf("Error closing audit journal: %v", err)
		}
	}

	if err := geoProvider.Close(); err != nil {
		log.Printf("Error closing geoip provider: %v", err)
	}

	log.Println("Graceful shutdown completed")
}

func buildJail(
	jc config.JailConfig,
	cfg *config.Config,
	c clock.Clock,
	dd datedetect.Detector,
	resolver resolve.Resolver,
	engine *action.Engine,
	journal *audit.Journal,
	hub *events.Hub,
	geoProvider geoip.Provider,
) (*jail.Jail, error) {
	findTime := resolveInt(jc.FindTimeSec, cfg.Global.FindTimeSec, 600)
	maxRetry := resolveInt(jc.MaxRetry, cfg.Global.MaxRetry, 3)
	banTime := resolveInt(jc.BanTimeSec, cfg.Global.BanTimeSec, 600)
	ipv6Prefix := resolveInt(jc.IPv6BanPrefix, cfg.Global.IPv6BanPrefix, 64)
	useDNSStr := jc.UseDNS
	if useDNSStr == "" {
		useDNSStr = cfg.Global.UseDNS
	}
	useDNS, err := resolve.ParseUseDNS(useDNSStr)
	if err != nil {
		log.Printf("jail %s: %v, defaulting to warn", jc.Name, err)
	}

	f := filter.New(c, dd, resolver, time.Duration(findTime)*time.Second, maxRetry)
	f.SetIPv6BanPrefix(ipv6Prefix)
	f.SetUseDNS(useDNS)

	for _, pattern := range jc.FailRegex {
		if err := f.AddFailRegex(pattern); err != nil {
			return nil, err
		}
	}
	for _, pattern := range jc.IgnoreRegex {
		if err := f.AddIgnoreRegex(pattern); err != nil {
			return nil, err
		}
	}
	for _, literal := range jc.IgnoreIP {
		f.AddIgnoreIP(literal)
	}

	ac := cfg.Actions[jc.Action]
	act := &action.Action{
		Name: jc.Action,
		Templates: action.Templates{
			Start: ac.Start, Check: ac.Check, Ban: ac.Ban, Unban: ac.Unban, Stop: ac.Stop,
		},
		CInfo:       ac.CInfo,
		PassEnviron: ac.PassEnviron,
		Timeout:     time.Duration(ac.TimeoutSec) * time.Second,
	}
	if act.CInfo == nil {
		act.CInfo = make(map[string]string)
	}
	enrichCInfoWithGeo(act, geoProvider)

	j := jail.New(jc.Name, jc.LogPath, f, act, engine, c, time.Duration(banTime)*time.Second)
	j.SetGeoProvider(geoProvider)
	j.Escalation = jail.EscalationPolicy{
		Enabled:   jc.Escalation.Enabled,
		Threshold: jc.Escalation.Threshold,
		Window:    time.Duration(jc.Escalation.WindowSec) * time.Second,
		V4Prefix:  resolveInt(jc.Escalation.V4Prefix, 0, 24),
		V6Prefix:  resolveInt(jc.Escalation.V6Prefix, 0, 48),
	}

	j.OnTicket(func(t jail.Ticket) {
		hub.Broadcast(events.TicketEvent{
			Jail: jc.Name, IP: t.IP, Family: t.Family, Action: t.Action,
			Attempts: t.Attempts, At: t.BannedAt,
		})
		if journal != nil {
			go func() {
				if err := journal.Record(context.Background(), audit.Event{
					Jail: jc.Name, IP: t.IP, Family: t.Family, Action: t.Action,
					Attempts: t.Attempts, At: t.BannedAt,
				}); err != nil {
					log.Printf("jail %s: audit record failed: %v", jc.Name, err)
				}
			}()
		}
	})

	return j, nil
}

// enrichCInfoWithGeo annotates the action's static tags with the
// operator-configured geo provider's name, so templates can reference
// <geoprovider> even though the per-ban <country> tag is computed
// dynamically by Jail.ban via geoProvider.Lookup when a lookup succeeds.
func enrichCInfoWithGeo(act *action.Action, p geoip.Provider) {
	if p == nil {
		return
	}
	act.CInfo["geoprovider"] = p.Name()
}

func newGeoProvider(kind, path string) geoip.Provider {
	switch kind {
	case "maxmind":
		p, err := geoip.NewMaxMind(path)
		if err != nil {
			log.Printf("geoip: maxmind unavailable: %v", err)
			return geoip.None{}
		}
		return p
	case "ip2location":
		p, err := geoip.NewIP2Location(path)
		if err != nil {
			log.Printf("geoip: ip2location unavailable: %v", err)
			return geoip.None{}
		}
		return p
	default:
		return geoip.None{}
	}
}

func resolveInt(primary, fallback, defaultValue int) int {
	if primary != 0 {
		return primary
	}
	if fallback != 0 {
		return fallback
	}
	return defaultValue
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// Package filter implements the line-to-failure translation pipeline: date
// extraction, ignore/fail regex matching, address resolution, and handoff
// to the fail manager.
package filter

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"sentryd/internal/clock"
	"sentryd/internal/datedetect"
	"sentryd/internal/failmanager"
	"sentryd/internal/failregex"
	"sentryd/internal/ignorelist"
	"sentryd/internal/resolve"
)

// Entry is one resolved [ip, family, date] result of ProcessLine, before
// it becomes a FailTicket.
type Entry struct {
	IP     string
	Family resolve.Family
	Date   time.Time
}

// Filter owns the ordered fail/ignore regex lists, the ignore-IP list, and
// the tunables that control window width, ban threshold, DNS policy, and
// v6 aggregation prefix. Mutated only by the control interface;
// processLine/processLineAndAdd run on the worker goroutine and only read
// the regex/ignore lists, so access is guarded by mu, a single writer with
// many readers.
type Filter struct {
	mu            sync.RWMutex
	failRegexes   []*failregex.FailRegex
	ignoreRegexes []*failregex.Regex
	findTime      time.Duration
	ipv6Prefix    int
	useDNS        resolve.UseDNS

	dateDetector datedetect.Detector
	resolver     resolve.Resolver
	ignoreList   *ignorelist.List
	failManager  *failmanager.Manager
	clock        clock.Clock

	warnedHosts       map[string]bool
	resolveFailLogged map[string]bool
}

// New builds a Filter. findTime and maxRetry seed the embedded
// failmanager.Manager.
func New(c clock.Clock, dd datedetect.Detector, r resolve.Resolver, findTime time.Duration, maxRetry int) *Filter {
	return &Filter{
		findTime:          findTime,
		ipv6Prefix:        64,
		useDNS:            resolve.DNSWarn,
		dateDetector:      dd,
		resolver:          r,
		ignoreList:        ignorelist.New(r),
		failManager:       failmanager.New(c, findTime, maxRetry),
		clock:             c,
		warnedHosts:       make(map[string]bool),
		resolveFailLogged: make(map[string]bool),
	}
}

// FailManager exposes the embedded sliding-window counter for the jail's
// dispatcher.
func (f *Filter) FailManager() *failmanager.Manager { return f.failManager }

// AddFailRegex appends a compiled fail-regex pattern at the end of the
// ordered list (first-match-wins at evaluation time).
func (f *Filter) AddFailRegex(pattern string) error {
	re, err := failregex.CompileFail(pattern)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.failRegexes = append(f.failRegexes, re)
	f.mu.Unlock()
	return nil
}

// DelFailRegex removes the pattern at index.
func (f *Filter) DelFailRegex(index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || index >= len(f.failRegexes) {
		return &failregex.RegexError{Pattern: "", Reason: "index out of range"}
	}
	f.failRegexes = append(f.failRegexes[:index], f.failRegexes[index+1:]...)
	return nil
}

// GetFailRegex returns the source patterns of the ordered fail-regex list.
func (f *Filter) GetFailRegex() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.failRegexes))
	for i, r := range f.failRegexes {
		out[i] = r.Pattern()
	}
	return out
}

// AddIgnoreRegex appends an ignore-regex pattern.
func (f *Filter) AddIgnoreRegex(pattern string) error {
	re, err := failregex.Compile(pattern)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.ignoreRegexes = append(f.ignoreRegexes, re)
	f.mu.Unlock()
	return nil
}

// DelIgnoreRegex removes the ignore-regex pattern at index.
func (f *Filter) DelIgnoreRegex(index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || index >= len(f.ignoreRegexes) {
		return &failregex.RegexError{Pattern: "", Reason: "index out of range"}
	}
	f.ignoreRegexes = append(f.ignoreRegexes[:index], f.ignoreRegexes[index+1:]...)
	return nil
}

// GetIgnoreRegex returns the source patterns of the ordered ignore-regex list.
func (f *Filter) GetIgnoreRegex() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.ignoreRegexes))
	for i, r := range f.ignoreRegexes {
		out[i] = r.Pattern()
	}
	return out
}

// SetFindTime sets the sliding-window width, propagated to the fail manager.
func (f *Filter) SetFindTime(d time.Duration) {
	f.mu.Lock()
	f.findTime = d
	f.mu.Unlock()
	f.failManager.SetMaxTime(d)
}

// SetMaxRetry sets the ban threshold, propagated to the fail manager.
func (f *Filter) SetMaxRetry(n int) {
	f.failManager.SetMaxRetry(n)
}

// SetUseDNS sets the DNS resolution policy for captured hosts.
func (f *Filter) SetUseDNS(mode resolve.UseDNS) {
	f.mu.Lock()
	f.useDNS = mode
	f.mu.Unlock()
}

// SetIPv6BanPrefix sets the default v6 aggregation prefix.
func (f *Filter) SetIPv6BanPrefix(p int) {
	f.mu.Lock()
	f.ipv6Prefix = p
	f.mu.Unlock()
}

// AddIgnoreIP adds a literal (IP, CIDR, or DNS name) to the ignore list.
func (f *Filter) AddIgnoreIP(literal string) { f.ignoreList.Add(literal) }

// DelIgnoreIP removes literal from the ignore list.
func (f *Filter) DelIgnoreIP(literal string) bool { return f.ignoreList.Del(literal) }

// GetIgnoreIP returns the current ignore-list literals.
func (f *Filter) GetIgnoreIP() []string { return f.ignoreList.Get() }

// AddBannedIP is the operator-forced ban: synthesises maxRetry tickets for
// the key and immediately drains them into the fail manager.
func (f *Filter) AddBannedIP(ipWithPrefix string) {
	addr, prefixStr, hasPrefix := strings.Cut(ipWithPrefix, "/")
	fam := resolve.IPFamily(addr)
	if fam == resolve.None {
		log.Printf("filter: AddBannedIP: invalid address %q", ipWithPrefix)
		return
	}
	prefix := 32
	if fam == resolve.V6 {
		f.mu.RLock()
		prefix = f.ipv6Prefix
		f.mu.RUnlock()
	}
	if hasPrefix {
		if p, err := strconv.Atoi(prefixStr); err == nil {
			prefix = p
		}
	}

	now := f.clock.Now()
	famStr := fam.String()
	for i := 0; i < f.failManager.MaxRetry(); i++ {
		f.failManager.AddFailure(failmanager.Ticket{
			IP: addr, Family: famStr, Time: now, Prefix: prefix,
			Matches: []string{"operator-forced ban"},
		})
	}
}

// ProcessLine runs the line through date extraction, ignore regexes, and
// fail regexes, returning zero or more resolved (ip, family, date) entries.
func (f *Filter) ProcessLine(ctx context.Context, line string) []Entry {
	timeLine, logLine := f.splitDate(line)

	f.mu.RLock()
	ignoreRegexes := append([]*failregex.Regex(nil), f.ignoreRegexes...)
	failRegexes := append([]*failregex.FailRegex(nil), f.failRegexes...)
	useDNS := f.useDNS
	f.mu.RUnlock()

	for _, re := range ignoreRegexes {
		if re.Search(logLine) {
			return nil
		}
	}

	for _, re := range failRegexes {
		if !re.Search(logLine) {
			continue
		}
		date, err := f.dateDetector.GetUnixTime(timeLine)
		if err != nil {
			log.Printf("filter: date parse failed for line %q: %v", line, err)
			return nil
		}
		host, ok := re.GetHost()
		if !ok {
			return nil
		}
		addrs, err := resolve.TextToIP(ctx, f.resolver, host, useDNS, f.warnHostOnce)
		if err != nil {
			f.logResolveFailureOnce(host, err)
			return nil
		}
		entries := make([]Entry, 0, len(addrs))
		for _, a := range addrs {
			entries = append(entries, Entry{IP: a.IP, Family: a.Family, Date: date})
		}
		return entries
	}
	return nil
}

func (f *Filter) warnHostOnce(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.warnedHosts[host] {
		return
	}
	f.warnedHosts[host] = true
	log.Printf("filter: resolving DNS name %q captured by a fail regex", host)
}

// logResolveFailureOnce logs a resolution failure the first time it is seen
// for host and stays silent on repeats, so a host that fails DNS on every
// log line doesn't flood the log.
func (f *Filter) logResolveFailureOnce(host string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveFailLogged[host] {
		return
	}
	f.resolveFailLogged[host] = true
	log.Printf("filter: resolve %q: %v", host, err)
}

func (f *Filter) splitDate(line string) (timeLine, logLine string) {
	span, ok := f.dateDetector.FindSpan(line)
	if !ok {
		return line, line
	}
	return span.Text, line[:span.Start] + line[span.End:]
}

// ProcessLineAndAdd drives ProcessLine and hands every resulting entry to
// the fail manager, applying the window cutoff, ignore-list check, and v6
// prefix truncation.
func (f *Filter) ProcessLineAndAdd(ctx context.Context, line string) {
	entries := f.ProcessLine(ctx, line)
	if len(entries) == 0 {
		return
	}

	f.mu.RLock()
	findTime := f.findTime
	ipv6Prefix := f.ipv6Prefix
	f.mu.RUnlock()

	now := f.clock.Now()
	cutoff := now.Add(-findTime)

	for _, e := range entries {
		if e.Date.Before(cutoff) {
			// Entries from this line are assumed emitted in non-decreasing
			// recency order; once one is stale, the rest are too.
			break
		}
		if f.ignoreList.Contains(ctx, e.IP, e.Family) {
			continue
		}

		prefix := 32
		key := e.IP
		if e.Family == resolve.V6 {
			prefix = ipv6Prefix
			truncated, err := resolve.TruncateToPrefix(e.IP, prefix, e.Family)
			if err != nil {
				log.Printf("filter: truncate %q/%d: %v", e.IP, prefix, err)
				continue
			}
			key = truncated
		}

		f.failManager.AddFailure(failmanager.Ticket{
			IP:      key,
			Family:  e.Family.String(),
			Time:    e.Date,
			Prefix:  prefix,
			Matches: []string{line},
		})
	}
}

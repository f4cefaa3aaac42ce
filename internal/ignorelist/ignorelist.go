// Package ignorelist holds the operator-configured allowlist of origins
// that must never be banned, matched by CIDR or by DNS name.
package ignorelist

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"sentryd/internal/resolve"
)

// Entry is one ignore-list literal. Family is resolved at insertion time;
// an unknown string is treated as a DNS name and resolved lazily at match
// time.
type Entry struct {
	Literal string
	Family  resolve.Family
	addr    string
	prefix  int
	isName  bool
}

func defaultPrefix(fam resolve.Family) int {
	if fam == resolve.V6 {
		return 128
	}
	return 32
}

func parseEntry(literal string) Entry {
	addr, prefixStr, hasPrefix := strings.Cut(literal, "/")
	fam := resolve.IPFamily(addr)
	if fam == resolve.None {
		return Entry{Literal: literal, Family: resolve.None, isName: true}
	}
	prefix := defaultPrefix(fam)
	if hasPrefix {
		if p, err := strconv.Atoi(prefixStr); err == nil {
			prefix = p
		}
	}
	return Entry{Literal: literal, Family: fam, addr: addr, prefix: prefix}
}

// List is the mutable set of ignore entries for one Filter. Mutation is
// single-writer (the control interface); matching is read-only and safe for
// concurrent use by the worker, guarded by an RWMutex.
type List struct {
	mu         sync.RWMutex
	entries    []Entry
	resolver   resolve.Resolver
	failLogged map[string]bool
}

// New creates an empty ignore list backed by r for DNS-name entries.
func New(r resolve.Resolver) *List {
	return &List{resolver: r, failLogged: make(map[string]bool)}
}

// Add inserts literal, parsing its family eagerly; unparseable strings are
// kept as DNS names and resolved lazily at match time.
func (l *List) Add(literal string) {
	e := parseEntry(literal)
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

// Del removes the first entry matching literal exactly. Reports whether an
// entry was removed.
func (l *List) Del(literal string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.Literal == literal {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the literals currently stored, in insertion order.
func (l *List) Get() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Literal
	}
	return out
}

// Contains reports whether ip (of family fam) matches any stored entry:
// known-family entries compare by CIDR truncation, name entries resolve via
// DNS and compare pairwise. DNS failures are swallowed as ResolveError and
// treated as "no match".
func (l *List) Contains(ctx context.Context, ip string, fam resolve.Family) bool {
	l.mu.RLock()
	entries := make([]Entry, len(l.entries))
	copy(entries, l.entries)
	l.mu.RUnlock()

	for _, e := range entries {
		if !e.isName {
			if e.Family != fam {
				continue
			}
			a, err := resolve.CIDR(e.addr, e.prefix, e.Family)
			if err != nil {
				continue
			}
			b, err := resolve.CIDR(ip, e.prefix, fam)
			if err != nil {
				continue
			}
			if a == b {
				return true
			}
			continue
		}

		if l.resolver == nil {
			continue
		}
		addrs, err := l.resolver.LookupHost(ctx, e.Literal)
		if err != nil {
			l.logResolveFailureOnce(e.Literal, err)
			continue
		}
		for _, a := range addrs {
			if a.Family != fam {
				continue
			}
			prefix := defaultPrefix(fam)
			lhs, err1 := resolve.CIDR(a.IP, prefix, fam)
			rhs, err2 := resolve.CIDR(ip, prefix, fam)
			if err1 == nil && err2 == nil && lhs == rhs {
				return true
			}
		}
	}
	return false
}

// logResolveFailureOnce logs a resolution failure the first time it is seen
// for literal and stays silent on repeats.
func (l *List) logResolveFailureOnce(literal string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failLogged[literal] {
		return
	}
	l.failLogged[literal] = true
	log.Printf("ignorelist: resolve %q: %v", literal, err)
}

// String renders e for diagnostics.
func (e Entry) String() string {
	if e.isName {
		return fmt.Sprintf("name:%s", e.Literal)
	}
	return fmt.Sprintf("%s/%d", e.addr, e.prefix)
}

// Package resolve implements address-family detection, DNS resolution, and
// CIDR aggregation used by the filter and ignore list.
package resolve

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Family identifies the address family of a host.
type Family int

const (
	// None means the string is neither a valid IPv4 nor IPv6 literal.
	None Family = iota
	// V4 is IPv4.
	V4
	// V6 is IPv6.
	V6
)

func (f Family) String() string {
	switch f {
	case V4:
		return "v4"
	case V6:
		return "v6"
	default:
		return "none"
	}
}

// Addr is a resolved (family, ip) pair.
type Addr struct {
	Family Family
	IP     string
}

// ResolveError marks a DNS lookup failure. Callers always recover from it:
// a failed resolution is treated as "no match" rather than propagated.
type ResolveError struct {
	Host string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %q: %v", e.Host, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// IPFamily is a pure parse, no I/O: {v4, v6, none}.
func IPFamily(s string) Family {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return None
	}
	if ip.To4() != nil {
		return V4
	}
	return V6
}

// Resolver performs DNS lookups. The production Resolver uses miekg/dns
// against a configured set of nameservers (falling back to the system
// resolver list); tests can substitute a stub.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]Addr, error)
	LookupAddr(ctx context.Context, ip string) ([]string, error)
}

// DNSResolver is the production Resolver, built on github.com/miekg/dns so
// that each query carries its own bounded timeout rather than inheriting
// whatever the OS stub resolver feels like doing.
type DNSResolver struct {
	// Servers are "host:port" nameserver addresses. Empty means use
	// /etc/resolv.conf.
	Servers []string
	Timeout time.Duration
}

// NewDNSResolver creates a resolver with the given nameservers (may be
// empty to use the system config) and per-query timeout.
func NewDNSResolver(servers []string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &DNSResolver{Servers: servers, Timeout: timeout}
}

func (r *DNSResolver) servers() []string {
	if len(r.Servers) > 0 {
		return r.Servers
	}
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || cfg == nil || len(cfg.Servers) == 0 {
		return []string{"127.0.0.1:53"}
	}
	out := make([]string, len(cfg.Servers))
	for i, s := range cfg.Servers {
		out[i] = net.JoinHostPort(s, cfg.Port)
	}
	return out
}

// LookupHost resolves name to zero or more (family, ip) pairs, querying A
// and AAAA records.
func (r *DNSResolver) LookupHost(ctx context.Context, name string) ([]Addr, error) {
	c := new(dns.Client)
	c.Timeout = r.Timeout

	var addrs []Addr
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(name), qtype)

		var resp *dns.Msg
		var err error
		for _, server := range r.servers() {
			resp, _, err = c.ExchangeContext(ctx, msg, server)
			if err == nil {
				break
			}
			lastErr = err
		}
		if err != nil {
			continue
		}
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				addrs = append(addrs, Addr{Family: V4, IP: rec.A.String()})
			case *dns.AAAA:
				addrs = append(addrs, Addr{Family: V6, IP: rec.AAAA.String()})
			}
		}
	}
	if len(addrs) == 0 && lastErr != nil {
		return nil, &ResolveError{Host: name, Err: lastErr}
	}
	return addrs, nil
}

// LookupAddr performs a reverse DNS (PTR) lookup for ip.
func (r *DNSResolver) LookupAddr(ctx context.Context, ip string) ([]string, error) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return nil, &ResolveError{Host: ip, Err: err}
	}

	c := new(dns.Client)
	c.Timeout = r.Timeout

	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)

	var resp *dns.Msg
	var lastErr error
	for _, server := range r.servers() {
		resp, _, lastErr = c.ExchangeContext(ctx, msg, server)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return nil, &ResolveError{Host: ip, Err: lastErr}
	}

	var names []string
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, strings.TrimSuffix(ptr.Ptr, "."))
		}
	}
	return names, nil
}

// UseDNS is the policy controlling when a captured host that isn't an IP
// literal gets resolved.
type UseDNS int

const (
	// DNSWarn resolves and emits a diagnostic the first time per host.
	DNSWarn UseDNS = iota
	// DNSYes resolves unconditionally.
	DNSYes
	// DNSNo never resolves; non-IP hosts are dropped.
	DNSNo
)

// ParseUseDNS parses the "yes"/"no"/"warn" config value.
func ParseUseDNS(s string) (UseDNS, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes":
		return DNSYes, nil
	case "no":
		return DNSNo, nil
	case "warn", "":
		return DNSWarn, nil
	default:
		return DNSWarn, fmt.Errorf("invalid usedns value %q", s)
	}
}

// TextToIP resolves host: if host is already an IP literal, return the
// singleton. Otherwise apply the useDns policy. warnOnce is called on
// every resolution under DNSWarn; limiting the diagnostic to once per host
// is up to the callback.
func TextToIP(ctx context.Context, r Resolver, host string, mode UseDNS, warnOnce func(host string)) ([]Addr, error) {
	if fam := IPFamily(host); fam != None {
		return []Addr{{Family: fam, IP: host}}, nil
	}

	switch mode {
	case DNSNo:
		return nil, nil
	case DNSYes:
		return r.LookupHost(ctx, host)
	default: // DNSWarn
		addrs, err := r.LookupHost(ctx, host)
		if warnOnce != nil {
			warnOnce(host)
		}
		return addrs, err
	}
}

// CIDR returns the canonical network-portion bitstring of ip/prefix, for
// equality comparison between two addresses truncated to the same prefix.
func CIDR(ip string, prefix int, fam Family) (string, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "", fmt.Errorf("invalid IP %q", ip)
	}
	bits := bitsFor(fam)
	if parsed.To4() != nil && fam == V4 {
		parsed = parsed.To4()
	}
	mask := net.CIDRMask(prefix, bits)
	network := parsed.Mask(mask)
	if network == nil {
		return "", fmt.Errorf("invalid prefix %d for family %s", prefix, fam)
	}
	return network.String(), nil
}

// TruncateToPrefix returns the textual network address used as the ban
// key: ip truncated to prefix bits within its family.
func TruncateToPrefix(ip string, prefix int, fam Family) (string, error) {
	return CIDR(ip, prefix, fam)
}

func bitsFor(fam Family) int {
	if fam == V4 {
		return 32
	}
	return 128
}

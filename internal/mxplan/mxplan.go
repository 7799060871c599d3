// Package mxplan builds and walks the ordered list of candidate delivery
// addresses for a target domain: MX expansion, smarthost overrides,
// address-literal targets, and the local-IP filter that keeps a message
// from being delivered back to itself.
package mxplan

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/qsmtpd/qsmtpd/internal/dnsfacade"
)

// Priority sentinels live above the 16-bit DNS priority range so they can
// never collide with a real MX preference value.
const (
	PriorityImplicit = 65536 // synthesized A/AAAA-only entry
	PriorityUsed     = 65537 // this node has been tried and failed
	PriorityCurrent  = 65538 // this node is the one currently connected
)

// Entry is one candidate delivery address.
type Entry struct {
	Addr     net.IP
	Port     int
	Priority int
	// Name is the MX hostname this address came from, used for TLSA
	// lookups; empty for literal-IP targets, which skip DANE entirely.
	Name string
}

// IPList is the ordered, mutable candidate list a delivery attempt walks.
type IPList struct {
	Entries []*Entry
}

// MarkUsed flags e as tried-and-failed, so the next SelectNext call skips
// it.
func (l *IPList) MarkUsed(e *Entry) { e.Priority = PriorityUsed }

// MarkCurrent flags e as the node currently being connected to.
func (l *IPList) MarkCurrent(e *Entry) { e.Priority = PriorityCurrent }

// SelectNext returns the lowest-priority entry that is not PriorityUsed (or
// PriorityCurrent), or nil if the list is exhausted. Entries are otherwise
// left in their original DNS/sort order, so ties keep that order.
func (l *IPList) SelectNext() *Entry {
	var best *Entry
	for _, e := range l.Entries {
		if e.Priority == PriorityUsed || e.Priority == PriorityCurrent {
			continue
		}
		if best == nil || e.Priority < best.Priority {
			best = e
		}
	}
	return best
}

// Smarthost is the override host[:port] for one target domain, read from
// the "smtproutes" control file.
type Smarthost struct {
	Host string
	Port int
}

// Plan builds the IPList for target, which may be a plain domain or a
// bracketed address literal ("[1.2.3.4]", "[IPv6:...]"). smarthosts, when
// non-nil and containing an entry for target, replaces target: an IP
// smarthost is used directly with no DNS lookup, while a named smarthost
// is resolved through MX and A/AAAA like any other domain.
func Plan(ctx context.Context, resolver *dnsfacade.Resolver, target string, defaultPort int, smarthosts map[string]Smarthost) (*IPList, error) {
	if lit, ok := literalTarget(target); ok {
		// Address literals are always the sole, immediately-selected
		// candidate: priority 0 sorts ahead of any real MX preference and
		// is never confused with PriorityUsed/PriorityCurrent.
		return &IPList{Entries: []*Entry{{Addr: lit, Port: defaultPort, Priority: 0}}}, nil
	}

	if sh, ok := smarthosts[target]; ok {
		port := sh.Port
		if port == 0 {
			port = defaultPort
		}
		if ip := net.ParseIP(sh.Host); ip != nil {
			return &IPList{Entries: []*Entry{{Addr: ip, Port: port, Priority: 0}}}, nil
		}
		return planDNS(ctx, resolver, sh.Host, port)
	}

	return planDNS(ctx, resolver, target, defaultPort)
}

func planDNS(ctx context.Context, resolver *dnsfacade.Resolver, host string, port int) (*IPList, error) {
	mxs, err := resolver.MX(ctx, host)
	if err != nil {
		return nil, err
	}

	var entries []*Entry
	for _, mx := range mxs {
		as, _ := resolver.A(ctx, mx.Host)
		aaaas, _ := resolver.AAAA(ctx, mx.Host)
		for _, ip := range as {
			entries = append(entries, &Entry{Addr: ip, Port: port, Priority: mx.Priority, Name: mx.Host})
		}
		for _, ip := range aaaas {
			entries = append(entries, &Entry{Addr: ip, Port: port, Priority: mx.Priority, Name: mx.Host})
		}
	}

	// Groups from one MX name must stay contiguous and ordered by
	// priority ascending; sort.SliceStable preserves the per-name A/AAAA
	// append order above as the tiebreak, matching "ties keep DNS order".
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Priority < entries[j].Priority })

	entries = filterMyIPs(entries)
	if len(entries) == 0 {
		return nil, &dnsfacade.Error{Kind: dnsfacade.KindTempFail, Err: errNoUsableMX}
	}
	return &IPList{Entries: entries}, nil
}

var errNoUsableMX = errPlan("no usable MX address after filtering local addresses")

type errPlan string

func (e errPlan) Error() string { return string(e) }

// filterMyIPs removes local interface addresses, the IPv4 loopback block
// 127.0.0.0/8, 0.0.0.0, and exact duplicate addresses. It is idempotent:
// filterMyIPs(filterMyIPs(l)) == filterMyIPs(l).
func filterMyIPs(entries []*Entry) []*Entry {
	local := localAddrs()
	seen := map[string]bool{}
	out := entries[:0]
	for _, e := range entries {
		if e.Addr.IsUnspecified() {
			continue
		}
		if v4 := e.Addr.To4(); v4 != nil && v4[0] == 127 {
			continue
		}
		if local[e.Addr.String()] {
			continue
		}
		key := e.Addr.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

func localAddrs() map[string]bool {
	out := map[string]bool{}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			out[ipnet.IP.String()] = true
		}
	}
	return out
}

// literalTarget decodes "[1.2.3.4]"/"[IPv6:...]" targets.
func literalTarget(target string) (net.IP, bool) {
	if !strings.HasPrefix(target, "[") || !strings.HasSuffix(target, "]") {
		return nil, false
	}
	inner := target[1 : len(target)-1]
	if strings.HasPrefix(strings.ToUpper(inner), "IPV6:") {
		inner = inner[5:]
	}
	ip := net.ParseIP(inner)
	if ip == nil {
		return nil, false
	}
	return ip, true
}

// ParseSmarthosts parses the "smtproutes" control file format,
// "target:host[:port]" per line, into a lookup map.
func ParseSmarthosts(lines []string) map[string]Smarthost {
	out := map[string]Smarthost{}
	for _, line := range lines {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) < 2 {
			continue
		}
		sh := Smarthost{Host: parts[1]}
		if len(parts) == 3 {
			if p, err := strconv.Atoi(parts[2]); err == nil {
				sh.Port = p
			}
		}
		out[parts[0]] = sh
	}
	return out
}

package main

import (
	"context"
	"errors"
	"net"
	"strings"

	"blitiri.com.ar/go/spf"

	"github.com/qsmtpd/qsmtpd/internal/control"
	"github.com/qsmtpd/qsmtpd/internal/dnsfacade"
	"github.com/qsmtpd/qsmtpd/internal/filter"
)

// buildFilters assembles the per-recipient policy pipeline in its fixed
// evaluation order.
func buildFilters(resolver *dnsfacade.Resolver, store *control.Store) []filter.Filter {
	rbl := rblLookup(resolver)
	namebl := nameblLookup(resolver)

	return []filter.Filter{
		filter.BadMailFrom,
		filter.BadCC,
		filter.Helo,
		filter.DNSBL(rbl),
		filter.NameBL(namebl),
		filter.ForceESMTP(rbl),
		filter.WildcardNS(loadWildcardNS(store)),
		filter.SPF(spfChecker, namebl),
		filter.Check2822,
	}
}

// rblLookup probes one RBL zone for an address: the client IP is reversed
// into the zone and listed means the name has an A record; the matching
// TXT record, when present, becomes the rejection text shown to the
// client.
func rblLookup(resolver *dnsfacade.Resolver) filter.RBLLookup {
	return func(ctx context.Context, ip net.IP, zone string) (bool, string, error) {
		name := reverseForRBL(ip) + "." + zone
		addrs, err := resolver.A(ctx, name)
		if err != nil {
			var derr *dnsfacade.Error
			if errors.As(err, &derr) && derr.Kind == dnsfacade.KindNoSuchName {
				return false, "", nil
			}
			return false, "", err
		}
		if len(addrs) == 0 {
			return false, "", nil
		}
		txt, _ := resolver.TXT(ctx, name)
		if len(txt) > 0 {
			return true, txt[0], nil
		}
		return true, "", nil
	}
}

func nameblLookup(resolver *dnsfacade.Resolver) filter.NameBLLookup {
	return func(ctx context.Context, name string) (bool, string, error) {
		addrs, err := resolver.A(ctx, name)
		if err != nil {
			var derr *dnsfacade.Error
			if errors.As(err, &derr) && derr.Kind == dnsfacade.KindNoSuchName {
				return false, "", nil
			}
			return false, "", err
		}
		if len(addrs) == 0 {
			return false, "", nil
		}
		txt, _ := resolver.TXT(ctx, name)
		if len(txt) > 0 {
			return true, txt[0], nil
		}
		return true, "", nil
	}
}

// reverseForRBL renders ip in the reversed label form RBL zones expect:
// dotted octets for IPv4, dotted nibbles for IPv6.
func reverseForRBL(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return strings.Join([]string{
			itoa(v4[3]), itoa(v4[2]), itoa(v4[1]), itoa(v4[0]),
		}, ".")
	}
	v6 := ip.To16()
	const hexDigits = "0123456789abcdef"
	labels := make([]string, 0, 32)
	for i := len(v6) - 1; i >= 0; i-- {
		labels = append(labels,
			string(hexDigits[v6[i]&0xf]), string(hexDigits[v6[i]>>4]))
	}
	return strings.Join(labels, ".")
}

func itoa(b byte) string {
	buf := [3]byte{}
	n := 0
	if b >= 100 {
		buf[n] = '0' + b/100
		n++
	}
	if b >= 10 {
		buf[n] = '0' + (b/10)%10
		n++
	}
	buf[n] = '0' + b%10
	return string(buf[:n+1])
}

func spfChecker(ctx context.Context, ip net.IP, mailFrom, helo string) (spf.Result, error) {
	return spf.CheckHostWithSender(ip, helo, mailFrom)
}

// loadWildcardNS parses the "wildcardns" control file, one "tld ip" pair
// per line.
func loadWildcardNS(store *control.Store) map[string]net.IP {
	lines, _, err := store.GetList("wildcardns", nil, true)
	if err != nil {
		return nil
	}
	out := map[string]net.IP{}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if ip := net.ParseIP(fields[1]); ip != nil {
			out[strings.ToLower(fields[0])] = ip
		}
	}
	return out
}

// senderMXIPs expands the envelope-sender domain's MX set into addresses
// for the wildcardns filter.
func senderMXIPs(ctx context.Context, resolver *dnsfacade.Resolver, domain string) []net.IP {
	mxs, err := resolver.MX(ctx, domain)
	if err != nil {
		return nil
	}
	var out []net.IP
	for _, mx := range mxs {
		addrs, _ := resolver.A(ctx, mx.Host)
		out = append(out, addrs...)
	}
	return out
}

// Package dnsfacade wraps github.com/miekg/dns into the small query set
// Qsmtpd's filters and Qremote's MX planner need: A/AAAA/MX/PTR/TXT/TLSA,
// with a four-way error classification instead of raw resolver errors.
package dnsfacade

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ErrKind classifies resolver failures the way every caller needs to branch
// on them: a transient condition worth retrying, a permanent negative
// answer, an outright missing name, or a local resource failure.
type ErrKind int

const (
	KindLocal ErrKind = iota
	KindTempFail
	KindHardFail
	KindNoSuchName
)

// Error wraps a resolver failure with its ErrKind. Local resource
// exhaustion (too many open files/sockets, allocation failure) is
// classified as KindLocal, so callers treat file/socket exhaustion the
// same as a local OOM; the wrapped error itself is kept unchanged.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func classify(err error) *Error {
	if err == nil {
		return nil
	}
	var kind ErrKind
	switch {
	case isNoSuchName(err):
		kind = KindNoSuchName
	case isTimeout(err):
		kind = KindTempFail
	case isResourceExhaustion(err):
		kind = KindLocal
	default:
		kind = KindHardFail
	}
	return &Error{Kind: kind, Err: err}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return asNetError(err, &nerr) && nerr.Timeout()
}

func asNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if ok {
		*target = ne
	}
	return ok
}

func isNoSuchName(err error) bool {
	return strings.Contains(err.Error(), "no such host") ||
		strings.Contains(err.Error(), dns.RcodeToString[dns.RcodeNameError])
}

func isResourceExhaustion(err error) bool {
	return strings.Contains(err.Error(), "too many open files") ||
		strings.Contains(err.Error(), "cannot allocate memory")
}

// Implicit is the synthetic MX priority used when a name has no MX records
// but does have A/AAAA records.
const Implicit = 65536

// MX is one entry of an mx() result.
type MX struct {
	Priority int
	Host     string
}

// Resolver performs DNS queries against one or more configured servers,
// wrapping a *dns.Client.
type Resolver struct {
	Client  *dns.Client
	Servers []string
	Timeout time.Duration
}

// New builds a Resolver. If servers is empty, /etc/resolv.conf is read.
func New(servers []string, timeout time.Duration) (*Resolver, error) {
	if len(servers) == 0 {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, err
		}
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}
	return &Resolver{
		Client:  &dns.Client{Timeout: timeout},
		Servers: servers,
		Timeout: timeout,
	}, nil
}

func (r *Resolver) exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	for _, server := range r.Servers {
		resp, _, err := r.Client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			return resp, fmt.Errorf("%s: %s", m.Question[0].Name, dns.RcodeToString[resp.Rcode])
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s: %s", m.Question[0].Name, dns.RcodeToString[resp.Rcode])
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no DNS servers configured")
	}
	return nil, lastErr
}

// A resolves a host's IPv4 addresses.
func (r *Resolver) A(ctx context.Context, host string) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	resp, err := r.exchange(ctx, m)
	if err != nil {
		return nil, classify(err)
	}
	var out []net.IP
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			out = append(out, a.A)
		}
	}
	return out, nil
}

// AAAA resolves a host's IPv6 addresses.
func (r *Resolver) AAAA(ctx context.Context, host string) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeAAAA)
	resp, err := r.exchange(ctx, m)
	if err != nil {
		return nil, classify(err)
	}
	var out []net.IP
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.AAAA); ok {
			out = append(out, a.AAAA)
		}
	}
	return out, nil
}

// MX resolves host's MX records, ordered by priority (ties broken by DNS
// answer order). If there are no MX records but A/AAAA exist, a single
// implicit entry is returned with Priority = Implicit.
func (r *Resolver) MX(ctx context.Context, host string) ([]MX, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeMX)
	resp, err := r.exchange(ctx, m)
	if err != nil {
		return nil, classify(err)
	}
	var out []MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			out = append(out, MX{Priority: int(mx.Preference), Host: strings.TrimSuffix(mx.Mx, ".")})
		}
	}
	if len(out) > 0 {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
		return out, nil
	}

	as, errA := r.A(ctx, host)
	aaaas, errAAAA := r.AAAA(ctx, host)
	if len(as) == 0 && len(aaaas) == 0 {
		if errA != nil {
			return nil, errA
		}
		return nil, errAAAA
	}
	return []MX{{Priority: Implicit, Host: host}}, nil
}

// PTR resolves ip's reverse name. At most one name is returned; an absent
// PTR record yields a zero-length slice, not an error.
func (r *Resolver) PTR(ctx context.Context, ip net.IP) ([]string, error) {
	name, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return nil, &Error{Kind: KindHardFail, Err: err}
	}
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypePTR)
	resp, err := r.exchange(ctx, m)
	if err != nil {
		if classify(err).Kind == KindNoSuchName {
			return nil, nil
		}
		return nil, classify(err)
	}
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return []string{strings.TrimSuffix(ptr.Ptr, ".")}, nil
		}
	}
	return nil, nil
}

// TXT resolves host's TXT records, each joined from its string chunks.
func (r *Resolver) TXT(ctx context.Context, host string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeTXT)
	resp, err := r.exchange(ctx, m)
	if err != nil {
		return nil, classify(err)
	}
	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}

// TLSARecord is one validated TLSA record.
type TLSARecord struct {
	CertUsage    uint8
	Selector     uint8
	MatchingType uint8
	Data         []byte
}

// TLSA record matching-type identifiers, per RFC 6698 §2.1.3.
const (
	MatchingTypeFull   = 0
	MatchingTypeSHA256 = 1
	MatchingTypeSHA512 = 2
)

// TLSA resolves "_<port>._tcp.<host>" TLSA records and validates each
// record's length against its matching type: SHA-256 records must be
// exactly 32 bytes, SHA-512 exactly 64, "full" has no fixed length. A
// record failing validation makes the whole lookup fail (HardFail),
// discarding any records already parsed.
func (r *Resolver) TLSA(ctx context.Context, host string, port int) ([]TLSARecord, error) {
	name := "_" + strconv.Itoa(port) + "._tcp." + dns.Fqdn(host)
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeTLSA)
	resp, err := r.exchange(ctx, m)
	if err != nil {
		if classify(err).Kind == KindNoSuchName {
			return nil, nil
		}
		return nil, classify(err)
	}

	var out []TLSARecord
	for _, rr := range resp.Answer {
		tlsa, ok := rr.(*dns.TLSA)
		if !ok {
			continue
		}
		certData, err := hex.DecodeString(tlsa.Certificate)
		if err != nil {
			return nil, &Error{Kind: KindHardFail, Err: err}
		}
		rec, err := validateTLSA(tlsa.Usage, tlsa.Selector, tlsa.MatchingType, certData)
		if err != nil {
			return nil, &Error{Kind: KindHardFail, Err: err}
		}
		out = append(out, rec)
	}
	return out, nil
}

// validateTLSA applies the length checks for already-hex-decoded
// certificate association data: full (0) accepts any length >= 1 byte,
// SHA-256 (1) requires exactly 32 bytes, SHA-512 (2) requires exactly 64
// bytes.
func validateTLSA(usage, selector, matchingType uint8, data []byte) (TLSARecord, error) {
	if len(data) == 0 {
		return TLSARecord{}, fmt.Errorf("tlsa: empty certificate association data")
	}
	var want int
	switch matchingType {
	case MatchingTypeSHA256:
		want = 32
	case MatchingTypeSHA512:
		want = 64
	default:
		want = -1 // full: any length accepted
	}
	if want >= 0 && len(data) != want {
		return TLSARecord{}, fmt.Errorf("tlsa: matching type %d requires %d bytes, got %d",
			matchingType, want, len(data))
	}
	return TLSARecord{CertUsage: usage, Selector: selector, MatchingType: matchingType, Data: data}, nil
}

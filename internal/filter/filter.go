// Package filter implements the per-recipient policy pipeline: an ordered
// list of independently testable checks (sender/recipient blocklists, HELO
// validation, DNSBL/RHSBL lookups, SPF, and friends) each of which votes on
// whether to accept, reject or temp-fail the current transaction.
package filter

import (
	"context"
	"net"
	"strings"

	"blitiri.com.ar/go/spf"

	"github.com/qsmtpd/qsmtpd/internal/control"
)

// Result is the outcome of one filter.
type Result int

const (
	Passed Result = iota
	Whitelisted
	DeniedWithMessage
	DeniedUnspecific
	DeniedNoUser
	DeniedTemporary
	ErrorResult
)

// Outcome bundles a filter's Result with the message to log and, for
// DeniedWithMessage, the SMTP response already written by the filter.
type Outcome struct {
	Result  Result
	LogMsg  string
	SMTPMsg string
}

// Transaction is the per-message state every filter needs to see: the
// envelope so far, the connection's network identity, and the control
// store to pull per-domain/per-user settings from.
type Transaction struct {
	Store *control.Store

	MailFrom   string // empty string means null sender
	ThisRcpt   string
	OtherRcpts []string // every other recipient already accepted this transaction

	RemoteIP   net.IP
	RemoteName string // reverse DNS of RemoteIP, if resolved
	IsESMTP    bool

	// Helo is the raw HELO/EHLO argument the client gave.
	Helo string
	// HeloStatus classifies Helo: 0 = plain, values 1-6 map to the
	// bad-HELO categories enumerated in badHeloTypes below.
	HeloStatus int

	// FromMXIPs are the MX addresses of MailFrom's domain, used by the
	// wildcardns filter.
	FromMXIPs []net.IP

	Check2822Requested bool // whether any earlier recipient wants strict RFC2822 checking
}

// Filter is one pipeline stage.
type Filter func(ctx context.Context, tx *Transaction) Outcome

var badHeloTypes = []string{
	"", // status 0 unused
	"HELO is my name",
	"HELO is [my IP]",
	"HELO is syntactically invalid",
	"",
	"HELO is my IP",
	"",
}

// matchBlockEntry implements the shared "badmailfrom"-style matcher used by
// both BadMailFrom and BadCC: full address, "@domain", or a bare
// (sub)domain suffix where the character preceding the match must be '.'
// or '@' (entries starting with '.' match only proper subdomains).
func matchBlockEntry(entries []string, addr string) bool {
	lower := strings.ToLower(addr)
	at := strings.IndexByte(lower, '@')
	for _, e := range entries {
		e = strings.ToLower(e)
		switch {
		case strings.HasPrefix(e, "@"):
			if at >= 0 && lower[at:] == e {
				return true
			}
		case strings.Contains(e, "@"):
			if lower == e {
				return true
			}
		default:
			if len(e) >= len(lower) {
				continue
			}
			tail := lower[len(lower)-len(e):]
			if tail != e {
				continue
			}
			before := lower[len(lower)-len(e)-1]
			if e[0] == '.' || before == '.' || before == '@' {
				return true
			}
		}
	}
	return false
}

// BadMailFrom / GoodMailFrom: reject sender addresses matched in
// badmailfrom unless also matched in goodmailfrom.
func BadMailFrom(ctx context.Context, tx *Transaction) Outcome {
	if tx.MailFrom == "" {
		return Outcome{Result: Passed}
	}
	bad, _, err := tx.Store.GetList("badmailfrom", nil, true)
	if err == control.ErrNotFound {
		return Outcome{Result: Passed}
	} else if err != nil {
		return Outcome{Result: ErrorResult}
	}
	if !matchBlockEntry(bad, tx.MailFrom) {
		return Outcome{Result: Passed}
	}
	good, _, err := tx.Store.GetList("goodmailfrom", nil, true)
	if err == nil && matchBlockEntry(good, tx.MailFrom) {
		return Outcome{Result: Whitelisted, LogMsg: "bad mail from (whitelisted)"}
	}
	return Outcome{Result: DeniedUnspecific, LogMsg: "bad mail from"}
}

// BadCC rejects the transaction if any OTHER accepted recipient (not the
// one currently being evaluated) matches the badcc list, and there are at
// least two recipients total.
func BadCC(ctx context.Context, tx *Transaction) Outcome {
	if len(tx.OtherRcpts) == 0 {
		return Outcome{Result: Passed}
	}
	bad, _, err := tx.Store.GetList("badcc", nil, true)
	if err == control.ErrNotFound {
		return Outcome{Result: Passed}
	} else if err != nil {
		return Outcome{Result: ErrorResult}
	}
	for _, other := range tx.OtherRcpts {
		if matchBlockEntry(bad, other) {
			return Outcome{Result: DeniedUnspecific, LogMsg: "bad CC"}
		}
	}
	return Outcome{Result: Passed}
}

// Helo rejects based on a bitmask read from "helovalid" keyed on
// HeloStatus, else matches the plain HELO string against "badhelo".
func Helo(ctx context.Context, tx *Transaction) Outcome {
	if tx.HeloStatus > 0 && tx.HeloStatus < len(badHeloTypes) {
		mask, _, err := tx.Store.GetSetting("helovalid", true)
		if err == nil && (1<<uint(tx.HeloStatus))&mask != 0 {
			return Outcome{Result: DeniedUnspecific, LogMsg: badHeloTypes[tx.HeloStatus]}
		}
	}
	bad, _, err := tx.Store.GetList("badhelo", nil, true)
	if err == control.ErrNotFound {
		return Outcome{Result: Passed}
	} else if err != nil {
		return Outcome{Result: ErrorResult}
	}
	if control.FindDomainIn(bad, tx.Helo) {
		return Outcome{Result: DeniedUnspecific, LogMsg: "bad helo"}
	}
	return Outcome{Result: Passed}
}

// RBLLookup abstracts the "ask an RBL zone about this client" probe so
// filters stay independent of the DNS facade package (avoiding an import
// cycle: internal/dnsfacade also needs internal/control-style config in
// its own callers).
type RBLLookup func(ctx context.Context, ip net.IP, zone string) (listed bool, txt string, err error)

// DNSBL rejects if RemoteIP is listed in any "dnsbl"/"dnsblv6" zone and not
// whitelisted by a matching "whitednsbl"/"whitednsblv6" entry.
func DNSBL(lookup RBLLookup) Filter {
	return func(ctx context.Context, tx *Transaction) Outcome {
		blFile, wlFile := "dnsbl", "whitednsbl"
		if tx.RemoteIP.To4() == nil {
			blFile, wlFile = "dnsblv6", "whitednsblv6"
		}
		zones, _, err := tx.Store.GetList(blFile, nil, true)
		if err == control.ErrNotFound {
			return Outcome{Result: Passed}
		} else if err != nil {
			return Outcome{Result: ErrorResult}
		}

		for _, zone := range zones {
			listed, txt, err := lookup(ctx, tx.RemoteIP, zone)
			if err != nil {
				return Outcome{Result: DeniedTemporary, LogMsg: "temporary DNS error on RBL lookup"}
			}
			if !listed {
				continue
			}
			whitelist, _, _ := tx.Store.GetList(wlFile, nil, true)
			whitelisted := false
			for _, wzone := range whitelist {
				if ok, _, werr := lookup(ctx, tx.RemoteIP, wzone); werr == nil && ok {
					whitelisted = true
					break
				}
			}
			if whitelisted {
				return Outcome{Result: Whitelisted, LogMsg: "listed in " + zone + " but whitelisted"}
			}
			msg := "501 5.7.1 message rejected, you are listed in " + zone
			if txt != "" {
				msg += ", message: " + txt
			}
			return Outcome{Result: DeniedWithMessage, LogMsg: "listed in " + zone, SMTPMsg: msg}
		}
		return Outcome{Result: Passed}
	}
}

// NameBLLookup checks whether name has an A record, for the namebl filter's
// "<suffix>.<zone>" queries.
type NameBLLookup func(ctx context.Context, name string) (listed bool, txt string, err error)

// NameBL queries, for every dot-delimited suffix of the envelope-sender's
// domain, "<suffix>.<zone>" for each configured zone; any A record is a
// rejection.
func NameBL(lookup NameBLLookup) Filter {
	return func(ctx context.Context, tx *Transaction) Outcome {
		if tx.MailFrom == "" {
			return Outcome{Result: Passed}
		}
		zones, _, err := tx.Store.GetList("namebl", nil, true)
		if err == control.ErrNotFound {
			return Outcome{Result: Passed}
		} else if err != nil {
			return Outcome{Result: ErrorResult}
		}
		at := strings.IndexByte(tx.MailFrom, '@')
		if at < 0 {
			return Outcome{Result: Passed}
		}
		fromDomain := tx.MailFrom[at+1:]

		sawTemp := false
		for _, zone := range zones {
			for _, suffix := range domainSuffixes(fromDomain) {
				listed, txt, err := lookup(ctx, suffix+"."+zone)
				if err != nil {
					sawTemp = true
					continue
				}
				if listed {
					msg := "501 5.7.1 message rejected, you are listed in " + zone
					if txt != "" {
						msg += ", message: " + txt
					}
					return Outcome{Result: DeniedWithMessage, LogMsg: "listed in " + zone + " from namebl", SMTPMsg: msg}
				}
			}
		}
		if sawTemp {
			return Outcome{Result: DeniedTemporary, LogMsg: "temporary DNS error on RBL lookup"}
		}
		return Outcome{Result: Passed}
	}
}

// domainSuffixes returns every dot-delimited suffix of d, longest first,
// e.g. "a.b.c" -> ["a.b.c", "b.c", "c"].
func domainSuffixes(d string) []string {
	var out []string
	for {
		out = append(out, d)
		i := strings.IndexByte(d, '.')
		if i < 0 {
			break
		}
		d = d[i+1:]
	}
	return out
}

// ForceESMTP demands the client speak ESMTP if its IP is listed in
// "forceesmtp"/"forceesmtpv6".
func ForceESMTP(lookup RBLLookup) Filter {
	return func(ctx context.Context, tx *Transaction) Outcome {
		if tx.IsESMTP {
			return Outcome{Result: Passed}
		}
		file := "forceesmtp"
		if tx.RemoteIP.To4() == nil {
			file = "forceesmtpv6"
		}
		zones, _, err := tx.Store.GetList(file, nil, true)
		if err == control.ErrNotFound {
			return Outcome{Result: Passed}
		} else if err != nil {
			return Outcome{Result: ErrorResult}
		}
		for _, zone := range zones {
			listed, _, err := lookup(ctx, tx.RemoteIP, zone)
			if err != nil {
				return Outcome{Result: DeniedTemporary, LogMsg: "temporary DNS error on RBL lookup"}
			}
			if listed {
				return Outcome{Result: DeniedUnspecific, LogMsg: "ESMTP forced"}
			}
		}
		return Outcome{Result: Passed}
	}
}

// WildcardNS rejects if the sender domain's MX matches a configured
// (tld, ip) wildcard-nameserver entry, a heuristic against catch-all MX
// infrastructure abused by spammers registering throwaway domains.
func WildcardNS(entries map[string]net.IP) Filter {
	return func(ctx context.Context, tx *Transaction) Outcome {
		if tx.MailFrom == "" || len(tx.FromMXIPs) == 0 {
			return Outcome{Result: Passed}
		}
		enabled, _, err := tx.Store.GetSetting("block_wildcardns", true)
		if err != nil || enabled <= 0 {
			return Outcome{Result: Passed}
		}
		at := strings.IndexByte(tx.MailFrom, '@')
		if at < 0 {
			return Outcome{Result: Passed}
		}
		domain := tx.MailFrom[at+1:]
		for tld, ip := range entries {
			if !strings.HasSuffix(strings.ToLower(domain), "."+tld) && domain != tld {
				continue
			}
			for _, mx := range tx.FromMXIPs {
				if mx.Equal(ip) {
					return Outcome{Result: DeniedUnspecific, LogMsg: "MX is wildcard NS entry"}
				}
			}
		}
		return Outcome{Result: Passed}
	}
}

// SPF policy levels, the "spfpolicy" setting values.
const (
	SPFPolicyTempfailOnDNSError = 1
	SPFPolicyRejectFail         = 2
	SPFPolicyRejectInvalid      = 3
	SPFPolicyRejectSoftfail     = 4
	SPFPolicyRejectNeutral      = 5
	SPFPolicyRequireRecord      = 6
)

// SPFChecker evaluates SPF for a sender domain/IP/HELO; it's the seam
// wired to blitiri.com.ar/go/spf by the caller so this package stays free
// of DNS-library specifics in its own signature.
type SPFChecker func(ctx context.Context, ip net.IP, mailFrom, helo string) (spf.Result, error)

// SPF evaluates the envelope sender's SPF record (or HELO's, for a null
// sender), honoring spfpolicy/spfignore/spfstrict. rspf, when non-nil, is
// the secondary SPF-RHSBL probe consulted for senders publishing no SPF
// record at all: a sender domain listed in any "rspf" zone is treated as
// an SPF fail.
func SPF(check SPFChecker, rspf NameBLLookup) Filter {
	return func(ctx context.Context, tx *Transaction) Outcome {
		policy, _, err := tx.Store.GetSetting("spfpolicy", true)
		if err != nil || policy <= 0 {
			return Outcome{Result: Passed}
		}

		ignore, _, _ := tx.Store.GetList("spfignore", nil, true)
		if control.FindDomainIn(ignore, tx.RemoteName) {
			return Outcome{Result: Whitelisted, LogMsg: "spfignore"}
		}

		sender := tx.MailFrom
		if sender == "" {
			sender = "postmaster@" + tx.Helo
		}
		senderDomain := sender
		if at := strings.IndexByte(sender, '@'); at >= 0 {
			senderDomain = sender[at+1:]
		}

		res, err := check(ctx, tx.RemoteIP, sender, tx.Helo)
		if err != nil {
			if policy >= SPFPolicyTempfailOnDNSError {
				return Outcome{Result: DeniedTemporary, LogMsg: "temporary SPF/DNS error"}
			}
			return Outcome{Result: Passed}
		}

		// A domain in "spfstrict" has softfail/neutral escalated to a full
		// fail before policy is applied.
		if res == spf.SoftFail || res == spf.Neutral {
			strictList, _, serr := tx.Store.GetList("spfstrict", nil, true)
			if serr == nil && control.FindDomainIn(strictList, senderDomain) {
				res = spf.Fail
			}
		}

		switch res {
		case spf.Pass, spf.None:
			if res == spf.None {
				if policy >= SPFPolicyRequireRecord {
					return Outcome{Result: DeniedUnspecific, LogMsg: "no SPF record"}
				}
				if o, done := rspfProbe(ctx, tx, rspf, senderDomain, policy); done {
					return o
				}
			}
			return Outcome{Result: Passed}
		case spf.Fail:
			if policy >= SPFPolicyRejectFail {
				return Outcome{Result: DeniedUnspecific, LogMsg: "SPF fail"}
			}
		case spf.SoftFail:
			if policy >= SPFPolicyRejectSoftfail {
				return Outcome{Result: DeniedUnspecific, LogMsg: "SPF softfail"}
			}
		case spf.Neutral:
			if policy >= SPFPolicyRejectNeutral {
				return Outcome{Result: DeniedUnspecific, LogMsg: "SPF neutral"}
			}
		case spf.PermError:
			if policy >= SPFPolicyRejectInvalid {
				return Outcome{Result: DeniedUnspecific, LogMsg: "SPF record invalid"}
			}
		case spf.TempError:
			if policy >= SPFPolicyTempfailOnDNSError {
				return Outcome{Result: DeniedTemporary, LogMsg: "temporary SPF error"}
			}
		}
		return Outcome{Result: Passed}
	}
}

// rspfProbe consults the "rspf" RHSBL zones for a sender domain without a
// published SPF record. done is false when the probe has no opinion.
func rspfProbe(ctx context.Context, tx *Transaction, rspf NameBLLookup, senderDomain string, policy int) (Outcome, bool) {
	if rspf == nil || policy < SPFPolicyRejectFail {
		return Outcome{}, false
	}
	zones, _, err := tx.Store.GetList("rspf", nil, true)
	if err != nil {
		return Outcome{}, false
	}
	for _, zone := range zones {
		listed, _, err := rspf(ctx, senderDomain+"."+zone)
		if err != nil {
			continue
		}
		if listed {
			return Outcome{Result: DeniedUnspecific, LogMsg: "listed in " + zone + " (rspf)"}, true
		}
	}
	return Outcome{}, false
}

// Check2822 never rejects; it only decides, via the "check_strict_rfc2822"
// global setting, whether DATA should apply strict RFC 2822 header
// validation, and clears tx.Check2822Requested if disabled.
func Check2822(ctx context.Context, tx *Transaction) Outcome {
	if !tx.Check2822Requested {
		return Outcome{Result: Passed}
	}
	enabled, _, err := tx.Store.GetSetting("check_strict_rfc2822", true)
	if err != nil || enabled <= 0 {
		tx.Check2822Requested = false
	}
	return Outcome{Result: Passed}
}

// Pipeline runs filters in order: it
// continues while the running result is Passed or DeniedTemporary;
// Whitelisted terminates early with accept; any other denial terminates
// immediately. failHardOnTemp/nonexistOnBlock let the caller apply the
// "upgrade a lingering temp-fail" and "map policy denial to no-such-user"
// settings after the loop.
func Pipeline(ctx context.Context, tx *Transaction, filters []Filter, failHardOnTemp, nonexistOnBlock bool) Outcome {
	running := Outcome{Result: Passed}
	sawError := false

	for _, f := range filters {
		switch running.Result {
		case Passed, DeniedTemporary:
		default:
			return finalize(running, failHardOnTemp, nonexistOnBlock, sawError)
		}

		o := f(ctx, tx)
		switch o.Result {
		case Passed:
			// Keep whatever temp-fail state is already running.
			if running.Result != DeniedTemporary {
				running = o
			}
		case Whitelisted:
			return o
		case ErrorResult:
			sawError = true
		default:
			running = o
		}
	}

	return finalize(running, failHardOnTemp, nonexistOnBlock, sawError)
}

func finalize(o Outcome, failHardOnTemp, nonexistOnBlock bool, sawError bool) Outcome {
	if o.Result == Passed && sawError {
		o.Result = DeniedTemporary
		o.LogMsg = "filter error"
	}
	if o.Result == DeniedTemporary && failHardOnTemp {
		o.Result = DeniedUnspecific
	}
	if o.Result == DeniedUnspecific && nonexistOnBlock {
		o.Result = DeniedNoUser
	}
	return o
}

// Package address parses and validates the mailbox syntax used in MAIL FROM
// and RCPT TO commands: source routes, address literals, and domain name
// validity, independent of whether the mailbox resolves to a real user.
package address

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Mode selects which syntax rules apply: MAIL FROM and RCPT TO accept
// slightly different mailbox grammars.
type Mode int

const (
	// ModeMailFrom allows an empty <> mailbox and rejects source routes.
	ModeMailFrom Mode = iota
	// ModeRcptTo accepts (and strips) a leading source route.
	ModeRcptTo
)

// Class classifies a parsed mailbox.
type Class int

const (
	ClassEmptyNullSender Class = iota
	ClassLocal
	ClassRemote
	ClassAddressLiteral
	ClassSourceRouted
)

func (c Class) String() string {
	switch c {
	case ClassEmptyNullSender:
		return "empty_null_sender"
	case ClassLocal:
		return "local"
	case ClassRemote:
		return "remote"
	case ClassAddressLiteral:
		return "address_literal"
	case ClassSourceRouted:
		return "source_routed"
	default:
		return "unknown"
	}
}

// Parsed is the result of a successful Syntax call.
type Parsed struct {
	// Addr is the mailbox with any source route stripped, e.g. "user@domain"
	// or "user@[1.2.3.4]".
	Addr string
	// Tail is whatever followed the closing '>' of the mailbox, verbatim.
	Tail string
	Class Class
	// Literal holds the decoded IP, set only when Class == ClassAddressLiteral.
	Literal net.IP
	// Routes holds the stripped "@a,@b" hosts, set only when Class ==
	// ClassSourceRouted.
	Routes []string
}

// Error reports a syntactically invalid mailbox, distinct from "valid syntax
// but nonexistent user" which callers detect separately.
type Error struct {
	Input string
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid address %q: %s", e.Input, e.Msg)
}

// Syntax parses in, which is expected to be the command argument from the
// opening '<' onward, e.g. "<user@example.com> SIZE=1000" (brackets
// optional: bare addresses are accepted
// too, per RFC 5321's address-literal-free relaxed grammar many clients
// rely on). Whatever trails the closing '>' is returned as Tail.
func Syntax(in string, mode Mode) (*Parsed, error) {
	body, tail := splitBrackets(in)

	if body == "" {
		if mode == ModeMailFrom {
			return &Parsed{Addr: "", Tail: tail, Class: ClassEmptyNullSender}, nil
		}
		return nil, &Error{in, "empty recipient not allowed"}
	}

	var routes []string
	if strings.HasPrefix(body, "@") {
		if mode != ModeRcptTo {
			return nil, &Error{in, "source route not allowed here"}
		}
		colon := strings.IndexByte(body, ':')
		if colon < 0 {
			return nil, &Error{in, "malformed source route"}
		}
		for _, h := range strings.Split(body[:colon], ",") {
			h = strings.TrimPrefix(strings.TrimSpace(h), "@")
			if h == "" {
				return nil, &Error{in, "empty hop in source route"}
			}
			routes = append(routes, h)
		}
		body = body[colon+1:]
		if body == "" {
			return nil, &Error{in, "source route with no mailbox"}
		}
	}

	local, domain, err := splitMailbox(body)
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(domain, "[") {
		ip, err := parseLiteral(domain)
		if err != nil {
			return nil, err
		}
		p := &Parsed{
			Addr:    local + "@" + domain,
			Tail:    tail,
			Class:   ClassAddressLiteral,
			Literal: ip,
		}
		if len(routes) > 0 {
			p.Routes = routes
		}
		return p, nil
	}

	if err := ValidDomain(domain, nil); err != nil {
		return nil, err
	}

	class := ClassRemote
	if len(routes) > 0 {
		class = ClassSourceRouted
	}
	return &Parsed{
		Addr:   local + "@" + strings.ToLower(domain),
		Tail:   tail,
		Class:  class,
		Routes: routes,
	}, nil
}

// splitBrackets extracts the content of "<...>" from in, and returns
// whatever follows the closing bracket as tail. If in has no brackets at
// all, it is used verbatim as body with an empty tail.
func splitBrackets(in string) (body, tail string) {
	in = strings.TrimSpace(in)
	if !strings.HasPrefix(in, "<") {
		return in, ""
	}
	end := strings.IndexByte(in, '>')
	if end < 0 {
		return strings.TrimPrefix(in, "<"), ""
	}
	return in[1:end], strings.TrimSpace(in[end+1:])
}

// splitMailbox splits "local@domain" on the last '@', since a quoted local
// part may itself legally contain '@'.
func splitMailbox(body string) (local, domain string, err error) {
	at := strings.LastIndexByte(body, '@')
	if at < 0 {
		return "", "", &Error{body, "missing '@'"}
	}
	local, domain = body[:at], body[at+1:]
	if local == "" {
		return "", "", &Error{body, "empty local part"}
	}
	if domain == "" {
		return "", "", &Error{body, "empty domain"}
	}
	return local, domain, nil
}

// parseLiteral decodes "[1.2.3.4]" or "[IPv6:...]" address literals.
func parseLiteral(lit string) (net.IP, error) {
	if !strings.HasSuffix(lit, "]") {
		return nil, &Error{lit, "unterminated address literal"}
	}
	inner := lit[1 : len(lit)-1]
	if strings.HasPrefix(strings.ToUpper(inner), "IPV6:") {
		inner = inner[5:]
	}
	ip := net.ParseIP(inner)
	if ip == nil {
		return nil, &Error{lit, "malformed address literal"}
	}
	return ip, nil
}

// MatchesLocalIP reports whether an address literal refers to ip, which is
// the local side of the connection; a mismatch is a "no such user"
// rejection per spec, not a syntax error.
func MatchesLocalIP(lit net.IP, local net.IP) bool {
	return lit != nil && local != nil && lit.Equal(local)
}

// ValidDomain checks RFC 1035-ish label rules: 1-63 octets per label, 255
// octets total, letters/digits/hyphen only, no leading/trailing hyphen, at
// least one dot unless name is in toplevelExceptions. Comparisons are
// case-insensitive; toplevelExceptions entries are expected lowercase.
func ValidDomain(name string, toplevelExceptions map[string]bool) error {
	if name == "" {
		return &Error{name, "empty domain"}
	}
	if len(name) > 255 {
		return &Error{name, "domain too long"}
	}

	// Reject by converting through IDNA first, so a UTF-8 domain is judged
	// on its ASCII form, same as the wire would see it.
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return &Error{name, "invalid domain encoding: " + err.Error()}
	}

	labels := strings.Split(ascii, ".")
	if len(labels) < 2 {
		if toplevelExceptions == nil || !toplevelExceptions[strings.ToLower(ascii)] {
			return &Error{name, "domain has no dot"}
		}
	}

	for _, l := range labels {
		if l == "" {
			return &Error{name, "empty label"}
		}
		if len(l) > 63 {
			return &Error{name, "label too long"}
		}
		if l[0] == '-' || l[len(l)-1] == '-' {
			return &Error{name, "label starts or ends with hyphen"}
		}
		for _, c := range l {
			if !isLabelChar(byte(c)) {
				return &Error{name, "label has invalid character"}
			}
		}
	}
	return nil
}

func isLabelChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		return true
	default:
		return false
	}
}

// FormatLiteral renders an IP back into its "[1.2.3.4]" / "[IPv6:...]" form,
// used to round-trip literals when building trace/log output.
func FormatLiteral(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return "[" + v4.String() + "]"
	}
	return "[IPv6:" + ip.String() + "]"
}

// ParsePort splits "host:port" for source-route hops that carry
// an explicit port, which qmail's grammar permits but rarely appears.
func ParsePort(hostport string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 0, nil
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return h, 0, &Error{hostport, "invalid port"}
	}
	return h, n, nil
}

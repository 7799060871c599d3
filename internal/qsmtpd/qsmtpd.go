// Package qsmtpd implements the inbound SMTP/ESMTP server state machine:
// command dispatch under a per-verb state mask, ESMTP extension
// negotiation, STARTTLS, AUTH, envelope validation and the per-recipient
// filter pipeline, handing accepted messages to the external queue
// program.
package qsmtpd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/qsmtpd/qsmtpd/internal/address"
	"github.com/qsmtpd/qsmtpd/internal/authbackend"
	"github.com/qsmtpd/qsmtpd/internal/filter"
	"github.com/qsmtpd/qsmtpd/internal/log"
	"github.com/qsmtpd/qsmtpd/internal/maillog"
	"github.com/qsmtpd/qsmtpd/internal/metrics"
	"github.com/qsmtpd/qsmtpd/internal/netio"
	"github.com/qsmtpd/qsmtpd/internal/tlsadapter"
	"github.com/qsmtpd/qsmtpd/internal/trace"
	"github.com/qsmtpd/qsmtpd/internal/vpop"
)

// State is a bitmask over the command states, so a command table entry
// can declare the set of states it is permitted in.
type State int

const (
	StateConnected State = 1 << iota
	StateHelo
	StateEhlo
	StateMail
	StateRcpt
	StateData
)

// ExtSet is the ESMTP extension bitmask Qsmtpd announces. This numbering
// is intentionally independent from internal/qremote's own extension
// bitmask: the two sides of the conversation assign bit positions
// separately and must never be unified.
type ExtSet int

const (
	ExtSIZE ExtSet = 1 << iota
	ExtPIPELINING
	ExtSTARTTLS
	Ext8BITMIME
	ExtAUTH
	ExtCHUNKING
)

// ErrDone is the "I already wrote a complete SMTP response" sentinel: a
// handler returning an error wrapping ErrDone means the caller must not
// write any further reply for this command.
var ErrDone = errors.New("qsmtpd: response already sent")

// Recipient is one RCPT TO target tracked for the current transaction.
type Recipient struct {
	Mailbox  string
	Accepted bool
}

// Config bundles the knobs a Session needs that don't change per
// connection: control-file-derived settings, the filter catalog, the
// queue and auth backends, and the local identity used for HELO/STARTTLS
// classification.
type Config struct {
	Hostname    string // "me"
	HeloHost    string // optional "helohost" override
	MaxDataBytes int64 // "databytes", 0 = unlimited
	Timeout     time.Duration

	LocalIP   net.IP
	LocalPort int

	CertBase        string // base path for the servercert.pem ladder
	ClientCA        *x509.CertPool
	RequireTLSForAuth bool

	ControlDir string // global control/ directory
	RcptHosts  []string
	// MoreRcptHosts consults the optional morercpthosts.cdb database for
	// domains too numerous for the flat rcpthosts list.
	MoreRcptHosts func(domain string) bool
	VPop          *vpop.DB

	// ForceRelay grants relay permission unconditionally (the RELAYCLIENT
	// environment contract of tcpserver-style invocation).
	ForceRelay    bool
	RelayClients  []*net.IPNet
	RelayClients6 []*net.IPNet

	AuthBackend *authbackend.Backend

	Filters         []filter.Filter
	FailHardOnTemp  bool
	NonexistOnBlock bool
	// LookupMX resolves the MX addresses of the envelope-sender domain
	// for the policy filters that need them; nil disables the lookup.
	LookupMX func(ctx context.Context, domain string) []net.IP

	MaxRecipients  int
	MaxBadCommands int
	ChunkingEnabled bool
	SubmissionMode bool

	Logger *log.Logger
}

func (c *Config) maxRecipients() int {
	if c.MaxRecipients > 0 {
		return c.MaxRecipients
	}
	return 500
}

func (c *Config) maxBadCommands() int {
	if c.MaxBadCommands > 0 {
		return c.MaxBadCommands
	}
	return 10
}

// Session is the per-connection state, bounded to one connection's
// lifetime.
type Session struct {
	cfg  *Config
	conn *netio.Conn
	tr   *trace.Trace

	state   State
	ext     ExtSet
	onTLS   bool
	isESMTP bool

	remoteIP   net.IP
	remoteName string

	helo       string
	heloStatus int
	spaceBug   bool

	authIdentity      string
	authenticated     bool
	tlsClientIdentity string

	// Transaction envelope, reset by RSET/DATA-success/connection end.
	mailFrom     string
	mailFromSet  bool
	fromMX       []net.IP
	announcedSize int64
	bodyType     string
	check2822    bool
	recipients   []Recipient
	goodRcptCount int
	badBounce    bool
	bdatBuf      []byte

	badCmdCount int
}

// NewSession wraps conn for one inbound connection.
func NewSession(conn *netio.Conn, cfg *Config) *Session {
	s := &Session{cfg: cfg, conn: conn, state: StateConnected}
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		s.remoteIP = net.ParseIP(host)
	}
	return s
}

// Serve runs the command loop until the client quits, a transport error
// tears the connection down, or the bad-command threshold is exceeded.
func (s *Session) Serve(ctx context.Context) error {
	s.tr = trace.New("Qsmtpd.Session", s.conn.RemoteAddr().String())
	defer s.tr.Finish()

	metrics.ConnectionsTotal.Inc()
	maillog.Connection(s.conn.RemoteAddr())

	if err := s.conn.Write([]byte(fmt.Sprintf("220 %s ESMTP", s.hostname()))); err != nil {
		return err
	}

	first := true
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			var nerr *netio.Error
			if errors.As(err, &nerr) {
				switch nerr.Kind {
				case netio.KindTooLong:
					if s.bumpBadCommand(500, "5.5.2 line too long") {
						return nil
					}
					continue
				case netio.KindInvalidLine:
					if s.bumpBadCommand(501, "5.5.2 bare <LF> received") {
						return nil
					}
					continue
				}
			}
			s.tr.Debugf("read error: %v", err)
			return nil
		}

		if first {
			first = false
			if strings.HasPrefix(line, "POST / HTTP/1.") {
				s.tr.Errorf("HTTP request on SMTP port, closing silently")
				return nil
			}
		}

		verb, params := splitCommand(line)
		quit, err := s.dispatch(ctx, verb, params)
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
}

func splitCommand(line string) (verb, params string) {
	line = strings.TrimRight(line, " ")
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return strings.ToUpper(line), ""
	}
	return strings.ToUpper(line[:i]), strings.TrimLeft(line[i+1:], " ")
}

type commandEntry struct {
	states     State
	handler    func(s *Session, ctx context.Context, params string) (quit bool, err error)
	noPipeline bool
}

var commandTable = map[string]commandEntry{
	"HELO":     {states: StateConnected | StateHelo | StateEhlo, handler: (*Session).cmdHELO},
	"EHLO":     {states: StateConnected | StateHelo | StateEhlo, handler: (*Session).cmdEHLO},
	"MAIL":     {states: StateHelo | StateEhlo, handler: (*Session).cmdMAIL},
	"RCPT":     {states: StateMail | StateRcpt, handler: (*Session).cmdRCPT},
	"DATA":     {states: StateRcpt, handler: (*Session).cmdDATA},
	"BDAT":     {states: StateRcpt | StateData, handler: (*Session).cmdBDAT},
	"RSET":     {states: StateConnected | StateHelo | StateEhlo | StateMail | StateRcpt, handler: (*Session).cmdRSET},
	"NOOP":     {states: StateConnected | StateHelo | StateEhlo | StateMail | StateRcpt, handler: (*Session).cmdNOOP},
	"QUIT":     {states: StateConnected | StateHelo | StateEhlo | StateMail | StateRcpt, handler: (*Session).cmdQUIT},
	"STARTTLS": {states: StateHelo | StateEhlo, handler: (*Session).cmdSTARTTLS, noPipeline: true},
	"AUTH":     {states: StateHelo | StateEhlo, handler: (*Session).cmdAUTH},
}

func (s *Session) dispatch(ctx context.Context, verb, params string) (quit bool, err error) {
	entry, ok := commandTable[verb]
	if !ok {
		if s.bumpBadCommand(500, "5.5.1 unknown command") {
			return true, nil
		}
		return false, nil
	}
	if s.state&entry.states == 0 {
		if s.bumpBadCommand(503, "5.5.1 bad sequence of commands") {
			return true, nil
		}
		return false, nil
	}
	if entry.noPipeline {
		pending, perr := s.conn.DataPending()
		if perr != nil {
			return true, perr
		}
		if pending {
			if s.bumpBadCommand(503, "5.5.1 command pipelined when not allowed here") {
				return true, nil
			}
			return false, nil
		}
	}
	return entry.handler(s, ctx, params)
}

// bumpBadCommand writes an error response and increments the bad-command
// counter; when the counter reaches the configured threshold it sends
// 421 and reports that the connection should close.
func (s *Session) bumpBadCommand(code int, msg string) (shouldClose bool) {
	s.conn.WriteMultiSMTP([]string{msg}, code)
	s.badCmdCount++
	if s.badCmdCount >= s.cfg.maxBadCommands() {
		s.conn.WriteMultiSMTP([]string{"4.7.0 too many errors"}, 421)
		return true
	}
	return false
}

func (s *Session) reply(code int, msg string) error {
	return s.conn.WriteMultiSMTP([]string{msg}, code)
}

func (s *Session) hostname() string {
	if s.cfg.HeloHost != "" {
		return s.cfg.HeloHost
	}
	return s.cfg.Hostname
}

// cmdHELO handles the plain HELO verb.
func (s *Session) cmdHELO(ctx context.Context, params string) (bool, error) {
	if strings.TrimSpace(params) == "" {
		return false, s.reply(501, "5.5.4 HELO requires a domain argument")
	}
	s.helo = strings.Fields(params)[0]
	s.heloStatus = classifyHelo(s.helo, s.hostname(), s.cfg.LocalIP)
	s.isESMTP = false
	s.state = StateHelo
	return false, s.reply(250, s.hostname())
}

// cmdEHLO handles EHLO, announcing the extension set in a fixed order.
func (s *Session) cmdEHLO(ctx context.Context, params string) (bool, error) {
	if strings.TrimSpace(params) == "" {
		return false, s.reply(501, "5.5.4 EHLO requires a domain argument")
	}
	s.helo = strings.Fields(params)[0]
	s.heloStatus = classifyHelo(s.helo, s.hostname(), s.cfg.LocalIP)
	s.isESMTP = true
	s.state = StateEhlo

	s.ext = ExtPIPELINING | Ext8BITMIME | ExtSIZE
	if s.cfg.ChunkingEnabled {
		s.ext |= ExtCHUNKING
	}

	lines := []string{s.hostname(), "ENHANCEDSTATUSCODES", "PIPELINING", "8BITMIME"}
	if s.cfg.ChunkingEnabled {
		lines = append(lines, "CHUNKING")
	}
	if mechs := s.authMechs(); mechs != "" {
		s.ext |= ExtAUTH
		lines = append(lines, "AUTH "+mechs)
	}
	if s.announceSTARTTLS() {
		s.ext |= ExtSTARTTLS
		lines = append(lines, "STARTTLS")
	}
	sizeLine := "SIZE"
	if s.cfg.MaxDataBytes > 0 {
		sizeLine = fmt.Sprintf("SIZE %d", s.cfg.MaxDataBytes)
	}
	lines = append(lines, sizeLine)

	return false, s.conn.WriteMultiSMTP(lines, 250)
}

func (s *Session) announceSTARTTLS() bool {
	if s.onTLS {
		return false
	}
	if s.cfg.LocalPort == 465 {
		return false
	}
	return tlsadapter.CertPath(s.cfg.CertBase, s.cfg.LocalIP.String(), s.cfg.LocalPort) != ""
}

func (s *Session) authMechs() string {
	if s.cfg.RequireTLSForAuth && !s.onTLS {
		return ""
	}
	if s.cfg.AuthBackend == nil {
		return ""
	}
	return "PLAIN LOGIN CRAM-MD5"
}

// cmdRSET resets the transaction envelope but retains HELO/EHLO state.
func (s *Session) cmdRSET(ctx context.Context, params string) (bool, error) {
	s.resetEnvelope()
	return false, s.reply(250, "2.0.0 ok")
}

func (s *Session) resetEnvelope() {
	s.mailFrom = ""
	s.mailFromSet = false
	s.fromMX = nil
	s.spaceBug = false
	s.announcedSize = 0
	s.bodyType = ""
	s.check2822 = false
	s.recipients = nil
	s.goodRcptCount = 0
	s.badBounce = false
	s.bdatBuf = nil
	if s.state != StateConnected {
		if s.isESMTP {
			s.state = StateEhlo
		} else {
			s.state = StateHelo
		}
	}
}

func (s *Session) cmdNOOP(ctx context.Context, params string) (bool, error) {
	return false, s.reply(250, "2.0.0 ok")
}

func (s *Session) cmdQUIT(ctx context.Context, params string) (bool, error) {
	s.reply(221, "2.0.0 closing connection")
	return true, nil
}

// classifyHelo classifies the HELO argument: matches-local-name (1),
// matches-local-IP-with-brackets (2), syntactically-invalid (3),
// matches-local-IP-missing-brackets (5); 0 is "plain" (none of the
// above).
func classifyHelo(helo, localName string, localIP net.IP) int {
	if helo == "" {
		return 3
	}
	if strings.EqualFold(helo, localName) {
		return 1
	}
	if strings.HasPrefix(helo, "[") && strings.HasSuffix(helo, "]") {
		inner := helo[1 : len(helo)-1]
		inner = strings.TrimPrefix(strings.ToUpper(inner), "IPV6:")
		ip := net.ParseIP(inner)
		if ip == nil {
			return 3
		}
		if localIP != nil && ip.Equal(localIP) {
			return 2
		}
		return 0
	}
	if ip := net.ParseIP(helo); ip != nil {
		if localIP != nil && ip.Equal(localIP) {
			return 5
		}
		return 0
	}
	if err := validDomainHelo(helo); err != nil {
		return 3
	}
	return 0
}

// cmdSTARTTLS completes the TLS handshake on the raw connection and
// discards any plaintext bytes the client pipelined ahead of it.
func (s *Session) cmdSTARTTLS(ctx context.Context, params string) (bool, error) {
	if s.onTLS {
		return false, s.reply(503, "5.5.1 already using TLS")
	}
	certPath := tlsadapter.CertPath(s.cfg.CertBase, s.cfg.LocalIP.String(), s.cfg.LocalPort)
	if certPath == "" {
		return false, s.reply(454, "4.7.0 TLS not available")
	}
	cfg, err := tlsadapter.ServerConfig(certPath, certPath, s.cfg.ClientCA)
	if err != nil {
		s.tr.Errorf("loading TLS config: %v", err)
		return false, s.reply(454, "4.7.0 TLS not available")
	}
	if err := s.reply(220, "2.0.0 ready to start TLS"); err != nil {
		return true, err
	}

	tlsConn := tls.Server(s.conn.Raw(), cfg)
	if err := tlsConn.Handshake(); err != nil {
		s.tr.Errorf("TLS handshake failed: %v", err)
		return true, nil
	}
	s.conn.Upgrade(tlsConn)
	s.onTLS = true
	metrics.TLSConnectionsTotal.Inc()
	cs := tlsConn.ConnectionState()
	s.tlsClientIdentity = tlsadapter.RelayClientName(cs)
	s.tr.Debugf("TLS established: %s, %s",
		tls.VersionName(cs.Version), tls.CipherSuiteName(cs.CipherSuite))

	// STARTTLS invalidates any HELO/EHLO already given, per RFC 3207 §4.2.
	s.state = StateConnected
	s.helo = ""
	s.isESMTP = false
	s.resetEnvelope()
	return false, nil
}

func validDomainHelo(name string) error {
	// HELO/EHLO classification only needs a syntax opinion, not the full
	// toplevel-exception table address.ValidDomain supports for RCPT
	// domains; nil exceptions is the strict form.
	return address.ValidDomain(name, nil)
}

package qsmtpd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/qsmtpd/qsmtpd/internal/address"
	"github.com/qsmtpd/qsmtpd/internal/control"
	"github.com/qsmtpd/qsmtpd/internal/filter"
	"github.com/qsmtpd/qsmtpd/internal/maillog"
	"github.com/qsmtpd/qsmtpd/internal/metrics"
	"github.com/qsmtpd/qsmtpd/internal/vpop"
)

// parseEsmtpParams parses the "KEY[=VALUE] KEY[=VALUE] ..." tail that
// follows the mailbox in MAIL FROM/RCPT TO. A duplicate key is a syntax
// error.
func parseEsmtpParams(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, tok := range strings.Fields(s) {
		key := tok
		val := ""
		if eq := strings.IndexByte(tok, '='); eq >= 0 {
			key, val = tok[:eq], tok[eq+1:]
		}
		key = strings.ToUpper(key)
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("duplicate parameter %q", key)
		}
		out[key] = val
	}
	return out, nil
}

// splitVerbArg splits "FROM:<...>"/"TO:<...>" tolerating the "space bug"
// (stray spaces between the colon and the opening bracket): returns the
// bracketed-or-bare mailbox plus any trailing ESMTP parameters, and
// whether stray spaces were seen.
func splitVerbArg(params, prefix string) (rest string, spaceBug bool, ok bool) {
	if !strings.HasPrefix(strings.ToUpper(params), prefix) {
		return "", false, false
	}
	rest = params[len(prefix):]
	trimmed := strings.TrimLeft(rest, " ")
	if len(trimmed) != len(rest) {
		spaceBug = true
	}
	return trimmed, spaceBug, true
}

// cmdMAIL handles MAIL FROM, including the SIZE/BODY/AUTH ESMTP
// parameters.
func (s *Session) cmdMAIL(ctx context.Context, params string) (bool, error) {
	rest, spaceBug, ok := splitVerbArg(params, "FROM:")
	if !ok {
		return false, s.reply(501, "5.5.4 MAIL requires FROM:<address>")
	}
	if s.cfg.SubmissionMode && !s.authenticated {
		return false, s.reply(530, "5.7.0 authentication required")
	}

	mailbox, tail := splitMailboxTail(rest)
	parsed, err := address.Syntax(mailbox, address.ModeMailFrom)
	if err != nil {
		return false, s.reply(553, "5.1.8 "+err.Error())
	}

	extParams, err := parseEsmtpParams(tail)
	if err != nil {
		return false, s.reply(501, "5.5.4 "+err.Error())
	}

	var size int64
	if v, ok := extParams["SIZE"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return false, s.reply(501, "5.5.4 invalid SIZE parameter")
		}
		size = n
		if s.cfg.MaxDataBytes > 0 && size > s.cfg.MaxDataBytes {
			return false, s.reply(452, "4.3.1 message too big")
		}
	}

	bodyType := "7BIT"
	if v, ok := extParams["BODY"]; ok {
		switch strings.ToUpper(v) {
		case "7BIT", "8BITMIME":
			bodyType = strings.ToUpper(v)
		default:
			return false, s.reply(501, "5.5.4 invalid BODY parameter")
		}
	}

	s.resetEnvelope()
	s.mailFrom = parsed.Addr
	s.mailFromSet = true
	if s.cfg.LookupMX != nil && parsed.Addr != "" {
		if at := strings.LastIndexByte(parsed.Addr, '@'); at >= 0 {
			s.fromMX = s.cfg.LookupMX(ctx, parsed.Addr[at+1:])
		}
	}
	s.announcedSize = size
	s.bodyType = bodyType
	s.spaceBug = s.spaceBug || spaceBug
	s.state = StateMail
	return false, s.reply(250, "2.1.0 ok")
}

// splitMailboxTail separates the leading "<...>" (or bare mailbox) from
// any trailing ESMTP parameters.
func splitMailboxTail(rest string) (mailbox, tail string) {
	rest = strings.TrimSpace(rest)
	if strings.HasPrefix(rest, "<") {
		if end := strings.IndexByte(rest, '>'); end >= 0 {
			return rest[:end+1], strings.TrimSpace(rest[end+1:])
		}
		return rest, ""
	}
	if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		return rest[:sp], strings.TrimSpace(rest[sp+1:])
	}
	return rest, ""
}

// isRelayClient decides relay permission: by source IP list, by TLS
// client certificate, or by successful AUTH.
func (s *Session) isRelayClient() bool {
	if s.cfg.ForceRelay {
		return true
	}
	if s.authenticated {
		return true
	}
	if s.tlsClientIdentity != "" {
		return true
	}
	nets := s.cfg.RelayClients
	if s.remoteIP != nil && s.remoteIP.To4() == nil {
		nets = s.cfg.RelayClients6
	}
	for _, n := range nets {
		if n.Contains(s.remoteIP) {
			return true
		}
	}
	return false
}

// cmdRCPT handles RCPT TO: bad-bounce detection, relay permission, vpop
// resolution for local domains, and the filter pipeline.
func (s *Session) cmdRCPT(ctx context.Context, params string) (bool, error) {
	rest, spaceBug, ok := splitVerbArg(params, "TO:")
	if !ok {
		return false, s.reply(501, "5.5.4 RCPT requires TO:<address>")
	}
	s.spaceBug = s.spaceBug || spaceBug

	if s.badBounce {
		return false, s.reply(550, "5.5.3 bounce messages must not have more than one recipient")
	}

	mailbox, _ := splitMailboxTail(rest)
	parsed, err := address.Syntax(mailbox, address.ModeRcptTo)
	if err != nil {
		return false, s.reply(553, "5.1.3 "+err.Error())
	}

	if len(s.recipients) >= s.cfg.maxRecipients() {
		return false, s.reply(452, "4.5.3 too many recipients")
	}

	if s.mailFrom == "" && len(s.recipients) >= 1 {
		s.badBounce = true
		s.goodRcptCount = 0
		for i := range s.recipients {
			s.recipients[i].Accepted = false
		}
		return false, s.reply(550, "5.5.3 bounce messages must not have more than one recipient")
	}

	_, _, conf, rejectReason := s.resolveRecipient(parsed)
	if rejectReason != "" {
		s.recipients = append(s.recipients, Recipient{Mailbox: parsed.Addr, Accepted: false})
		metrics.RecipientsTotal.WithLabelValues("rejected").Inc()
		maillog.Rejected(s.conn.RemoteAddr(), s.mailFrom, []string{parsed.Addr}, rejectReason)
		return false, s.reply(551, "5.7.1 "+rejectReason)
	}

	store := s.controlStoreForRecipient(conf)
	other := make([]string, 0, len(s.recipients))
	for _, r := range s.recipients {
		if r.Accepted {
			other = append(other, r.Mailbox)
		}
	}
	tx := &filter.Transaction{
		Store:              store,
		MailFrom:           s.mailFrom,
		ThisRcpt:           parsed.Addr,
		OtherRcpts:         other,
		RemoteIP:           s.remoteIP,
		RemoteName:         s.remoteName,
		IsESMTP:            s.isESMTP,
		Helo:               s.helo,
		HeloStatus:         s.heloStatus,
		FromMXIPs:          s.fromMX,
		Check2822Requested: s.check2822,
	}
	outcome := filter.Pipeline(ctx, tx, s.cfg.Filters, s.cfg.FailHardOnTemp, s.cfg.NonexistOnBlock)

	switch outcome.Result {
	case filter.Passed, filter.Whitelisted:
		s.recipients = append(s.recipients, Recipient{Mailbox: parsed.Addr, Accepted: true})
		s.goodRcptCount++
		s.state = StateRcpt
		metrics.RecipientsTotal.WithLabelValues("accepted").Inc()
		return false, s.reply(250, "2.1.5 ok")
	case filter.DeniedTemporary:
		metrics.RecipientsTotal.WithLabelValues("tempfail").Inc()
		maillog.Rejected(s.conn.RemoteAddr(), s.mailFrom, []string{parsed.Addr}, outcome.LogMsg)
		return false, s.reply(450, "4.7.1 "+orDefault(outcome.LogMsg, "temporary failure"))
	case filter.DeniedNoUser:
		metrics.RecipientsTotal.WithLabelValues("rejected").Inc()
		maillog.Rejected(s.conn.RemoteAddr(), s.mailFrom, []string{parsed.Addr}, "no such user")
		return false, s.reply(550, "5.1.1 no such user")
	case filter.DeniedWithMessage:
		metrics.RecipientsTotal.WithLabelValues("rejected").Inc()
		maillog.Rejected(s.conn.RemoteAddr(), s.mailFrom, []string{parsed.Addr}, outcome.LogMsg)
		return false, s.writeRaw(outcome.SMTPMsg)
	default:
		metrics.RecipientsTotal.WithLabelValues("rejected").Inc()
		maillog.Rejected(s.conn.RemoteAddr(), s.mailFrom, []string{parsed.Addr}, outcome.LogMsg)
		return false, s.reply(550, "5.7.1 "+orDefault(outcome.LogMsg, "recipient rejected"))
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// writeRaw writes a filter-supplied complete SMTP reply line verbatim.
func (s *Session) writeRaw(line string) error {
	return s.conn.Write([]byte(line))
}

// resolveRecipient applies the rcpthosts/relay/vpop resolution chain,
// returning a non-empty rejectReason when the recipient must be refused
// with 551 before the filter pipeline runs at all.
func (s *Session) resolveRecipient(p *address.Parsed) (local, domain string, conf *vpop.Conf, rejectReason string) {
	domain = domainOf(p)
	if p.Class == address.ClassAddressLiteral && !address.MatchesLocalIP(p.Literal, s.cfg.LocalIP) {
		return "", domain, nil, "no such user"
	}
	isLocal := control.FindDomainIn(s.cfg.RcptHosts, domain)
	if !isLocal && s.cfg.MoreRcptHosts != nil {
		isLocal = s.cfg.MoreRcptHosts(domain)
	}

	if !isLocal {
		if !s.isRelayClient() {
			return "", domain, nil, "relaying denied"
		}
		return "", domain, nil, ""
	}

	local = localpartOf(p)
	if s.cfg.VPop == nil {
		return local, domain, nil, ""
	}
	result, c, err := vpop.Exists(s.cfg.VPop, local, domain)
	if err != nil {
		return local, domain, nil, "temporary local error"
	}
	switch result {
	case vpop.ResultReject:
		return local, domain, c, "no such user"
	case vpop.ResultNonLocal:
		if !s.isRelayClient() {
			return local, domain, nil, "relaying denied"
		}
		return local, domain, nil, ""
	default:
		return local, domain, c, ""
	}
}

func domainOf(p *address.Parsed) string {
	at := strings.LastIndexByte(p.Addr, '@')
	if at < 0 {
		return ""
	}
	return p.Addr[at+1:]
}

func localpartOf(p *address.Parsed) string {
	at := strings.LastIndexByte(p.Addr, '@')
	if at < 0 {
		return p.Addr
	}
	return p.Addr[:at]
}

// controlStoreForRecipient builds the per-recipient cascading store: user
// scope from conf.UserPath (if the recipient resolved to a vpopmail
// maildir), domain scope from conf.DomainPath, global scope always
// cfg.ControlDir.
func (s *Session) controlStoreForRecipient(conf *vpop.Conf) *control.Store {
	var userDir, domainDir string
	if conf != nil {
		userDir = conf.UserPath
		domainDir = conf.DomainPath
	}
	return control.New(userDir, domainDir, s.cfg.ControlDir)
}

package qsmtpd

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/qsmtpd/qsmtpd/internal/maillog"
	"github.com/qsmtpd/qsmtpd/internal/metrics"
	"github.com/qsmtpd/qsmtpd/internal/netio"
	"github.com/qsmtpd/qsmtpd/internal/queuehandoff"
)

// cmdDATA streams the message body until the "\r\n.\r\n" terminator,
// then hands the accepted message off to the queue.
func (s *Session) cmdDATA(ctx context.Context, params string) (bool, error) {
	if s.goodRcptCount == 0 {
		return false, s.reply(554, "5.5.1 no valid recipients")
	}
	if err := s.reply(354, "go ahead"); err != nil {
		return true, err
	}

	body, terminated, err := s.readDotTerminated()
	if err != nil {
		var nerr *netio.Error
		if errors.As(err, &nerr) {
			s.tr.Debugf("DATA read error: %v", err)
		}
		return true, nil
	}
	if !terminated {
		return false, s.reply(451, "4.3.0 message truncated")
	}
	if s.cfg.MaxDataBytes > 0 && int64(len(body)) > s.cfg.MaxDataBytes {
		return false, s.reply(552, "5.3.4 message too big")
	}

	return false, s.finishMessage(ctx, body)
}

// readDotTerminated reads lines until a bare "." line, unescaping leading
// dot-stuffed lines ("..foo" -> ".foo") and reassembling with CRLF, per
// RFC 5321 §4.5.2. terminated is false if the connection dropped before
// the terminator arrived.
func (s *Session) readDotTerminated() (body []byte, terminated bool, err error) {
	var buf bytes.Buffer
	overflow := false
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			return nil, false, err
		}
		if line == "." {
			return buf.Bytes(), true, nil
		}
		if overflow {
			continue
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
		if s.cfg.MaxDataBytes > 0 && int64(buf.Len()) > s.cfg.MaxDataBytes+4096 {
			// Keep reading (to stay in sync with the client) but stop
			// growing the buffer once we're well past any sane limit.
			overflow = true
		}
	}
}

// cmdBDAT implements the CHUNKING extension (RFC 3030): "BDAT size [LAST]".
func (s *Session) cmdBDAT(ctx context.Context, params string) (bool, error) {
	if !s.cfg.ChunkingEnabled {
		return false, s.reply(503, "5.5.1 BDAT not supported")
	}
	fields := strings.Fields(params)
	if len(fields) == 0 {
		return false, s.reply(501, "5.5.4 BDAT requires a size argument")
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || size < 0 {
		return false, s.reply(501, "5.5.4 invalid BDAT size")
	}
	last := len(fields) > 1 && strings.EqualFold(fields[1], "LAST")

	if s.goodRcptCount == 0 {
		return false, s.reply(554, "5.5.1 no valid recipients")
	}

	chunk, err := s.conn.ReadBinary(size)
	if err != nil {
		return true, nil
	}
	s.bdatBuf = append(s.bdatBuf, chunk...)
	s.state = StateData

	if s.cfg.MaxDataBytes > 0 && int64(len(s.bdatBuf)) > s.cfg.MaxDataBytes {
		s.bdatBuf = nil
		s.state = StateRcpt
		return false, s.reply(552, "5.3.4 message too big")
	}

	if !last {
		return false, s.reply(250, "2.0.0 ok")
	}

	body := s.bdatBuf
	s.bdatBuf = nil
	return false, s.finishMessage(ctx, body)
}

// finishMessage runs the body scanner, hands the message to the queue and
// writes the resulting SMTP status, then resets the transaction envelope.
func (s *Session) finishMessage(ctx context.Context, body []byte) error {
	accepted := make([]queuehandoff.Recipient, 0, len(s.recipients))
	for _, r := range s.recipients {
		if r.Accepted {
			accepted = append(accepted, queuehandoff.Recipient{Address: s.envelopeAddress(r.Mailbox)})
		}
	}

	q := &queuehandoff.Queue{Binary: queuehandoff.BinaryFor(s.authenticated)}
	status, err := queuehandoff.Handoff(ctx, q, bytes.NewReader(body), s.mailFrom, accepted)
	if err != nil {
		s.tr.Errorf("queue handoff: %v", err)
	}

	switch status.Code / 100 {
	case 2:
		metrics.QueuedTotal.WithLabelValues("accepted").Inc()
		to := make([]string, 0, len(accepted))
		for _, r := range accepted {
			to = append(to, r.Address)
		}
		maillog.Queued(s.conn.RemoteAddr(), s.mailFrom, to)
	case 5:
		metrics.QueuedTotal.WithLabelValues("rejected").Inc()
	default:
		metrics.QueuedTotal.WithLabelValues("tempfail").Inc()
	}

	s.resetEnvelope()
	return s.reply(status.Code, status.Msg)
}

// envelopeAddress rewrites an address-literal recipient "user@[1.2.3.4]"
// to "user@<our hostname>" before it reaches the queue envelope;
// non-literal addresses pass through unchanged. An address literal
// only ever reaches here because it matched our own local IP (RCPT
// resolution requires that match), so the server's own FQDN is the
// correct liphost substitute.
func (s *Session) envelopeAddress(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return addr
	}
	local, domain := addr[:at], addr[at+1:]
	if !strings.HasPrefix(domain, "[") {
		return addr
	}
	return local + "@" + s.hostname()
}

package qremote

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/qsmtpd/qsmtpd/internal/dnsfacade"
	"github.com/qsmtpd/qsmtpd/internal/mxplan"
	"github.com/qsmtpd/qsmtpd/internal/netio"
	"github.com/qsmtpd/qsmtpd/internal/tlsadapter"
	"github.com/qsmtpd/qsmtpd/internal/trace"
)

// delivery holds the per-MX-attempt connection state, driven over
// netio.Conn so pipelining and BDAT are directly controllable (net/smtp
// exposes neither).
type delivery struct {
	cfg  *Config
	tr   *trace.Trace
	conn *netio.Conn
	ext  ClientExt
}

func mxHostname(e *mxplan.Entry) string {
	if e.Name != "" {
		return e.Name
	}
	return e.Addr.String()
}

func dialOutgoing(ctx context.Context, cfg *Config, entry *mxplan.Entry) (net.Conn, error) {
	d := &net.Dialer{Timeout: cfg.dialTimeout()}
	if entry.Addr.To4() != nil {
		if cfg.OutgoingIP != nil {
			d.LocalAddr = &net.TCPAddr{IP: cfg.OutgoingIP}
		}
	} else if cfg.OutgoingIP6 != nil {
		d.LocalAddr = &net.TCPAddr{IP: cfg.OutgoingIP6}
	}
	addr := net.JoinHostPort(entry.Addr.String(), strconv.Itoa(entry.Port))
	return d.DialContext(ctx, "tcp", addr)
}

// readReplyLines reads one SMTP reply (possibly multi-line), returning the
// status code and every continuation line with the "CODE-"/"CODE " prefix
// stripped.
func (d *delivery) readReplyLines() (code int, lines []string, err error) {
	for {
		line, err := d.conn.ReadLine()
		if err != nil {
			return 0, nil, err
		}
		if len(line) < 4 {
			return 0, nil, fmt.Errorf("qremote: malformed reply %q", line)
		}
		c, cerr := strconv.Atoi(line[:3])
		if cerr != nil {
			return 0, nil, fmt.Errorf("qremote: malformed reply code %q", line)
		}
		code = c
		sep := line[3]
		lines = append(lines, line[4:])
		switch sep {
		case ' ':
			return code, lines, nil
		case '-':
			continue
		default:
			return 0, nil, fmt.Errorf("qremote: malformed reply separator %q", line)
		}
	}
}

func (d *delivery) readReply() (code int, text string, err error) {
	code, lines, err := d.readReplyLines()
	if err != nil {
		return 0, "", err
	}
	return code, lines[len(lines)-1], nil
}

func (d *delivery) readGreeting() error {
	code, _, err := d.readReplyLines()
	if err != nil {
		return err
	}
	if code/100 != 2 {
		return fmt.Errorf("qremote: bad greeting: %d", code)
	}
	return nil
}

// ehloOrHelo sends EHLO and, on a permanent rejection, falls back to
// HELO.
func (d *delivery) ehloOrHelo(helo string) error {
	if err := d.conn.Write([]byte("EHLO " + helo)); err != nil {
		return err
	}
	code, lines, err := d.readReplyLines()
	if err != nil {
		return err
	}
	switch {
	case code/100 == 2:
		d.ext = parseExtensions(lines[1:])
		return nil
	case code/100 == 5:
		if err := d.conn.Write([]byte("HELO " + helo)); err != nil {
			return err
		}
		code2, _, err := d.readReplyLines()
		if err != nil {
			return err
		}
		if code2/100 != 2 {
			return fmt.Errorf("qremote: HELO rejected: %d", code2)
		}
		d.ext = 0
		return nil
	default:
		return fmt.Errorf("qremote: EHLO temp-failed: %d", code)
	}
}

// startTLS performs the STARTTLS handshake, preferring DANE verification
// over PKIX when TLSA records are present.
func (d *delivery) startTLS(ctx context.Context, hostname string, tlsaRecords []dnsfacade.TLSARecord) error {
	if err := d.conn.Write([]byte("STARTTLS")); err != nil {
		return err
	}
	code, _, err := d.readReplyLines()
	if err != nil {
		return err
	}
	if code/100 != 2 {
		return fmt.Errorf("qremote: STARTTLS rejected: %d", code)
	}

	var result tlsadapter.VerifyResult
	tlsCfg := tlsadapter.ClientConfig(hostname, tlsaRecords, &result)
	tlsConn := tls.Client(d.conn.Raw(), tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("qremote: TLS handshake with %s: %w", hostname, err)
	}
	d.conn.Upgrade(tlsConn)
	d.tr.Debugf("TLS established with %s (dane=%v)", hostname, result == tlsadapter.VerifyDANE)
	return nil
}

func (d *delivery) quit() {
	_ = d.conn.Write([]byte("QUIT"))
	_, _, _ = d.readReplyLines()
}

// envelopeError distinguishes a terminal envelope rejection (a 5xx on
// MAIL FROM is terminal for the message, no matter how many MXs remain)
// from one that should still trigger a next-MX retry.
type envelopeError struct {
	terminal bool
	err      error
}

func (e *envelopeError) Error() string { return e.err.Error() }
func (e *envelopeError) Unwrap() error { return e.err }

// sendEnvelope runs MAIL FROM + RCPT TO for every recipient, pipelined
// in batches of up to four RCPTs when PIPELINING was negotiated, or one
// command at a time otherwise.
func (d *delivery) sendEnvelope(sender string, recipients []string) (outcomes []RecipientOutcome, accepted []string, err error) {
	outcomes = make([]RecipientOutcome, len(recipients))
	for i, r := range recipients {
		outcomes[i].Address = r
	}

	mailLine := "MAIL FROM:<" + sender + ">"
	if d.ext&ClientExtPIPELINING != 0 {
		err = d.pipelinedMail(mailLine, recipients, outcomes)
	} else {
		err = d.sequentialMail(mailLine, recipients, outcomes)
	}
	if err != nil {
		return outcomes, nil, err
	}

	for _, o := range outcomes {
		if o.Accepted {
			accepted = append(accepted, o.Address)
		}
	}
	return outcomes, accepted, nil
}

func (d *delivery) sequentialMail(mailLine string, recipients []string, outcomes []RecipientOutcome) error {
	if err := d.conn.Write([]byte(mailLine)); err != nil {
		return err
	}
	code, msg, err := d.readReply()
	if err != nil {
		return err
	}
	if code/100 != 2 {
		return &envelopeError{terminal: code/100 == 5, err: fmt.Errorf("MAIL FROM: %d %s", code, msg)}
	}

	for i, r := range recipients {
		if err := d.conn.Write([]byte("RCPT TO:<" + r + ">")); err != nil {
			return err
		}
		rcode, rmsg, err := d.readReply()
		if err != nil {
			return err
		}
		if rcode/100 == 2 {
			outcomes[i].Accepted = true
		} else {
			outcomes[i].Code, outcomes[i].Msg = classifyFinal(rcode, rmsg)
		}
	}
	return nil
}

func (d *delivery) pipelinedMail(mailLine string, recipients []string, outcomes []RecipientOutcome) error {
	mailPending := true
	for start := 0; start < len(recipients); start += 4 {
		end := start + 4
		if end > len(recipients) {
			end = len(recipients)
		}
		batch := recipients[start:end]

		lines := make([][]byte, 0, len(batch)+1)
		if mailPending {
			lines = append(lines, []byte(mailLine))
		}
		for _, r := range batch {
			lines = append(lines, []byte("RCPT TO:<"+r+">"))
		}
		if err := d.conn.WriteMulti(lines); err != nil {
			return err
		}

		if mailPending {
			code, msg, err := d.readReply()
			if err != nil {
				return err
			}
			if code/100 != 2 {
				return &envelopeError{terminal: code/100 == 5, err: fmt.Errorf("MAIL FROM: %d %s", code, msg)}
			}
			mailPending = false
		}

		for i := start; i < end; i++ {
			rcode, rmsg, err := d.readReply()
			if err != nil {
				return err
			}
			if rcode/100 == 2 {
				outcomes[i].Accepted = true
			} else {
				outcomes[i].Code, outcomes[i].Msg = classifyFinal(rcode, rmsg)
			}
		}
	}
	return nil
}

// dotStuff escapes any body line beginning with "." and guarantees the
// buffer ends on a CRLF boundary, per RFC 5321 §4.5.2. Queued bodies are
// already CRLF-terminated line by line (internal/qsmtpd.readDotTerminated
// reassembles them that way), so no bare-LF normalization is needed here.
func dotStuff(body []byte) []byte {
	var out bytes.Buffer
	for _, line := range bytes.SplitAfter(body, []byte("\r\n")) {
		if len(line) == 0 {
			continue
		}
		if line[0] == '.' {
			out.WriteByte('.')
		}
		out.Write(line)
	}
	if !bytes.HasSuffix(out.Bytes(), []byte("\r\n")) {
		out.WriteString("\r\n")
	}
	return out.Bytes()
}

func (d *delivery) sendDATA(body []byte) (code int, msg string, err error) {
	if err := d.conn.Write([]byte("DATA")); err != nil {
		return 0, "", err
	}
	code, msg, err = d.readReply()
	if err != nil {
		return 0, "", err
	}
	if code/100 != 3 {
		return code, msg, nil
	}

	if err := d.conn.WriteRaw(dotStuff(body)); err != nil {
		return 0, "", err
	}
	if err := d.conn.Write([]byte(".")); err != nil {
		return 0, "", err
	}
	return d.readReply()
}

func (d *delivery) sendBDAT(body []byte) (code int, msg string, err error) {
	const chunkSize = 32 << 10
	if len(body) == 0 {
		if err := d.conn.Write([]byte("BDAT 0 LAST")); err != nil {
			return 0, "", err
		}
		return d.readReply()
	}
	for offset := 0; offset < len(body); offset += chunkSize {
		end := offset + chunkSize
		last := end >= len(body)
		if last {
			end = len(body)
		}
		chunk := body[offset:end]

		verb := fmt.Sprintf("BDAT %d", len(chunk))
		if last {
			verb += " LAST"
		}
		if err := d.conn.Write([]byte(verb)); err != nil {
			return 0, "", err
		}
		if err := d.conn.WriteRaw(chunk); err != nil {
			return 0, "", err
		}
		code, msg, err = d.readReply()
		if err != nil {
			return 0, "", err
		}
		if last || code/100 != 2 {
			return code, msg, nil
		}
	}
	return code, msg, nil
}

func (d *delivery) sendBody(ctx context.Context, body []byte) (int, string, error) {
	if d.ext&ClientExtCHUNKING != 0 && d.cfg.ChunkingEnabled {
		return d.sendBDAT(body)
	}
	return d.sendDATA(body)
}

// Package qremote implements the outbound SMTP delivery client: one
// process per delivery, driven by cmd/qremote, that resolves a target
// domain's MX set, attempts each candidate host in priority order until
// one accepts the message, and reports the outcome on a NUL-terminated
// status stream.
//
// The delivery loop is built over netio.Conn instead of net/smtp, since
// net/smtp exposes neither PIPELINING batching nor BDAT.
package qremote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/qsmtpd/qsmtpd/internal/bodyscan"
	"github.com/qsmtpd/qsmtpd/internal/dnsfacade"
	"github.com/qsmtpd/qsmtpd/internal/log"
	"github.com/qsmtpd/qsmtpd/internal/maillog"
	"github.com/qsmtpd/qsmtpd/internal/metrics"
	"github.com/qsmtpd/qsmtpd/internal/mxplan"
	"github.com/qsmtpd/qsmtpd/internal/netio"
	"github.com/qsmtpd/qsmtpd/internal/trace"
)

// Config holds everything one Deliver call needs that doesn't change
// between recipients of the same delivery.
type Config struct {
	HelloDomain string
	OutgoingIP  net.IP
	OutgoingIP6 net.IP

	Timeout     time.Duration
	DialTimeout time.Duration
	DefaultPort int

	Resolver   *dnsfacade.Resolver
	Smarthosts map[string]mxplan.Smarthost

	ChunkingEnabled bool
	// RequireTLS aborts any MX that doesn't offer STARTTLS, used when a
	// client certificate is configured.
	RequireTLS bool

	Logger *log.Logger
}

func (c *Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 5 * time.Minute
}

func (c *Config) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return 1 * time.Minute
}

func (c *Config) defaultPort() int {
	if c.DefaultPort > 0 {
		return c.DefaultPort
	}
	return 25
}

// RecipientOutcome is the per-recipient final verdict of one delivery.
type RecipientOutcome struct {
	Address  string
	Accepted bool
	Code     StatusCode
	Msg      string
}

func classifyFinal(code int, msg string) (StatusCode, string) {
	switch {
	case code/100 == 2:
		return StatusRecipientOK, fmt.Sprintf("2.5.0 %s", msg)
	case code/100 == 5:
		return StatusRecipientPerm, fmt.Sprintf("5.3.0 %s", msg)
	default:
		return StatusRecipientTemp, fmt.Sprintf("4.3.0 %s", msg)
	}
}

// Deliver resolves targetDomain's MX set and attempts delivery of body
// to every recipient, writing the outcome to status. The returned error
// is non-nil only for a local abort (status was never written); a normal
// temporary/permanent delivery failure is reported through status with a
// nil error, so the spawning daemon sees exit code 0 on any completed
// dispatch attempt regardless of per-recipient outcome.
func Deliver(ctx context.Context, cfg *Config, targetDomain, sender string, recipients []string, body []byte, status *StatusWriter) error {
	tr := trace.New("Qremote", targetDomain)
	defer tr.Finish()
	tr.Debugf("delivering %d recipient(s) to %s", len(recipients), targetDomain)

	if ct, ok := extractContentType(body); ok {
		if _, _, isMultipart, err := bodyscan.ParseBoundary(ct); err != nil && isMultipart {
			return abortAllPerm(status, recipients, tr.Errorf("malformed MIME boundary: %v", err))
		}
	}

	plan, err := mxplan.Plan(ctx, cfg.Resolver, targetDomain, cfg.defaultPort(), cfg.Smarthosts)
	if err != nil {
		return abortAll(status, recipients, tr.Errorf("resolving MX for %s: %v", targetDomain, err))
	}

	pending := recipients
	var lastErr error
	for {
		entry := plan.SelectNext()
		if entry == nil {
			break
		}
		plan.MarkCurrent(entry)

		outcomes, retry, err := attemptDelivery(ctx, cfg, tr, entry, sender, pending, body)
		plan.MarkUsed(entry)

		if err == nil {
			metrics.DeliveryAttemptsTotal.WithLabelValues("delivered").Inc()
			logOutcomes(mxHostname(entry), sender, outcomes)
			return writeOutcomes(status, outcomes)
		}
		lastErr = err
		tr.Errorf("MX %s failed: %v", mxHostname(entry), err)
		if !retry {
			metrics.DeliveryAttemptsTotal.WithLabelValues("permanent").Inc()
			maillog.DeliverAttempt(mxHostname(entry), sender, strings.Join(pending, ","), err, true)
			fillDefault(outcomes, StatusRecipientPerm, fmt.Sprintf("5.3.0 %v", err))
			return writeOutcomes(status, outcomes)
		}
		metrics.DeliveryAttemptsTotal.WithLabelValues("failover").Inc()
		metrics.MXFailoversTotal.Inc()
		maillog.NextMX(mxHostname(entry), err.Error())
	}

	return abortAll(status, pending, fmt.Errorf("all MXs exhausted for %s: %w", targetDomain, lastErr))
}

// attemptDelivery runs the full conversation against one MX. retry
// reports whether the caller should move on to the next MX entry (true)
// or stop the delivery entirely (false, e.g. a 5xx MAIL FROM rejection,
// which is terminal for the message regardless of how many MXs remain).
func attemptDelivery(ctx context.Context, cfg *Config, tr *trace.Trace, entry *mxplan.Entry, sender string, recipients []string, body []byte) (outcomes []RecipientOutcome, retry bool, err error) {
	var tlsaRecords []dnsfacade.TLSARecord
	if entry.Name != "" && cfg.Resolver != nil {
		if recs, terr := cfg.Resolver.TLSA(ctx, entry.Name, entry.Port); terr == nil {
			tlsaRecords = recs
		}
	}

	raw, err := dialOutgoing(ctx, cfg, entry)
	if err != nil {
		return nil, true, fmt.Errorf("dial %s: %w", entry.Addr, err)
	}
	conn := netio.New(raw, cfg.timeout())
	defer conn.Close()

	d := &delivery{cfg: cfg, tr: tr, conn: conn}

	if err := d.readGreeting(); err != nil {
		return nil, true, fmt.Errorf("greeting from %s: %w", entry.Addr, err)
	}

	if err := d.ehloOrHelo(cfg.HelloDomain); err != nil {
		return nil, true, fmt.Errorf("EHLO/HELO to %s: %w", entry.Addr, err)
	}

	switch {
	case d.ext&ClientExtSTARTTLS != 0:
		if err := d.startTLS(ctx, mxHostname(entry), tlsaRecords); err != nil {
			return nil, true, err
		}
		if err := d.ehloOrHelo(cfg.HelloDomain); err != nil {
			return nil, true, fmt.Errorf("post-TLS EHLO to %s: %w", entry.Addr, err)
		}
	case cfg.RequireTLS || len(tlsaRecords) > 0:
		if len(tlsaRecords) == 0 {
			return nil, true, fmt.Errorf("no STARTTLS offered by %s, but TLS is required", entry.Addr)
		}
		return nil, true, fmt.Errorf("no STARTTLS offered by %s, but TLSA record exists", entry.Addr)
	}

	outcomes, accepted, err := d.sendEnvelope(sender, recipients)
	if err != nil {
		var ee *envelopeError
		if errors.As(err, &ee) && ee.terminal {
			return outcomes, false, err
		}
		return nil, true, err
	}

	if len(accepted) == 0 {
		d.quit()
		return outcomes, false, nil
	}

	code, msg, err := d.sendBody(ctx, effectiveBody(d, body, tr))
	if err != nil {
		return nil, true, fmt.Errorf("body transfer to %s: %w", entry.Addr, err)
	}
	for i := range outcomes {
		if outcomes[i].Accepted {
			outcomes[i].Code, outcomes[i].Msg = classifyFinal(code, msg)
		}
	}
	d.quit()
	return outcomes, false, nil
}

// effectiveBody recodes body to 7-bit when the negotiated session lacks
// 8BITMIME and the message carries 8-bit octets.
func effectiveBody(d *delivery, body []byte, tr *trace.Trace) []byte {
	if d.ext&ClientExt8BITMIME != 0 {
		return body
	}
	class, err := bodyscan.Classify(body)
	if err != nil || !bodyscan.NeedRecode(class, false) {
		return body
	}
	recoded, err := bodyscan.Recode(body)
	if err != nil {
		tr.Errorf("recoding body to 7-bit: %v", err)
		return body
	}
	return recoded
}

// extractContentType scans the header block of a queued message for a
// Content-Type field, honoring RFC 5322 folding.
func extractContentType(body []byte) (string, bool) {
	headerEnd := strings.Index(string(body), "\r\n\r\n")
	var header string
	if headerEnd >= 0 {
		header = string(body[:headerEnd])
	} else {
		header = string(body)
	}

	var current string
	var value string
	found := false
	flush := func() {
		if found || current == "" {
			return
		}
		if colon := strings.IndexByte(current, ':'); colon >= 0 {
			if strings.EqualFold(strings.TrimSpace(current[:colon]), "Content-Type") {
				value = strings.TrimSpace(current[colon+1:])
				found = true
			}
		}
	}
	for _, line := range strings.Split(header, "\r\n") {
		if bodyscan.FoldedContinuation(line) {
			current += " " + strings.TrimSpace(line)
			continue
		}
		flush()
		current = line
	}
	flush()
	return value, found
}

func logOutcomes(host, sender string, outcomes []RecipientOutcome) {
	for _, o := range outcomes {
		switch o.Code {
		case StatusRecipientOK:
			maillog.DeliverAttempt(host, sender, o.Address, nil, false)
		case StatusRecipientPerm:
			maillog.DeliverAttempt(host, sender, o.Address, errMsg(o.Msg), true)
		default:
			maillog.DeliverAttempt(host, sender, o.Address, errMsg(o.Msg), false)
		}
	}
}

type errMsg string

func (e errMsg) Error() string { return string(e) }

func fillDefault(outcomes []RecipientOutcome, code StatusCode, msg string) {
	for i := range outcomes {
		if outcomes[i].Code == 0 {
			outcomes[i].Code = code
			outcomes[i].Msg = msg
		}
	}
}

func writeOutcomes(status *StatusWriter, outcomes []RecipientOutcome) error {
	anyAccepted := false
	for _, o := range outcomes {
		code := o.Code
		msg := o.Msg
		if code == 0 {
			code, msg = StatusRecipientTemp, "4.3.0 no response from remote"
		}
		if err := status.Write(code, msg); err != nil {
			return err
		}
		if code == StatusRecipientOK {
			anyAccepted = true
		}
	}
	if anyAccepted {
		if err := status.Write(StatusSuccess, "2.5.0 message delivered"); err != nil {
			return err
		}
	}
	return status.Flush()
}

func abortAll(status *StatusWriter, recipients []string, err error) error {
	msg := "4.4.3 " + err.Error()
	for range recipients {
		if werr := status.Write(StatusRecipientTemp, msg); werr != nil {
			return werr
		}
	}
	if werr := status.Write(StatusConnTemp, msg); werr != nil {
		return werr
	}
	return status.Flush()
}

// abortAllPerm reports a message-level permanent failure (e.g. a malformed
// MIME boundary, which no retry and no other MX can fix) before any bytes
// were sent to a remote.
func abortAllPerm(status *StatusWriter, recipients []string, err error) error {
	msg := "5.6.0 " + err.Error()
	for range recipients {
		if werr := status.Write(StatusRecipientPerm, msg); werr != nil {
			return werr
		}
	}
	if werr := status.Write(StatusConnPerm, msg); werr != nil {
		return werr
	}
	return status.Flush()
}

// Package maillog implements a log specifically for mail events: one line
// per logical event (connection, authentication, rejection, queueing,
// delivery attempt), written to a file or to syslog separately from the
// debugging log.
package maillog

import (
	"fmt"
	"io"
	"log/syslog"
	"net"
	"sync"
	"time"

	"github.com/qsmtpd/qsmtpd/internal/log"
	"github.com/qsmtpd/qsmtpd/internal/trace"
)

// Global event logs.
var (
	authLog = trace.NewEventLog("Authentication", "Incoming SMTP")
)

// A writer that prepends timing information.
type timedWriter struct {
	w io.Writer
}

// Write the given buffer, prepending timing information.
func (t timedWriter) Write(b []byte) (int, error) {
	fmt.Fprintf(t.w, "%s  ", time.Now().Format("2006-01-02 15:04:05.000000"))
	return t.w.Write(b)
}

// Logger contains a backend used to log data to, such as a file or syslog.
// It implements various user-friendly methods for logging mail information to
// it.
type Logger struct {
	w    io.Writer
	once sync.Once
}

// New creates a new Logger which will write messages to the given writer.
func New(w io.Writer) *Logger {
	return &Logger{w: timedWriter{w}}
}

// NewSyslog creates a new Logger which will write messages to syslog, using
// the given LOCAL facility (0-7).
func NewSyslog(facility int, tag string) (*Logger, error) {
	prio := syslog.LOG_INFO | localFacility(facility)
	w, err := syslog.New(prio, tag)
	if err != nil {
		return nil, err
	}

	l := &Logger{w: w}
	return l, nil
}

func localFacility(n int) syslog.Priority {
	facilities := []syslog.Priority{
		syslog.LOG_LOCAL0, syslog.LOG_LOCAL1, syslog.LOG_LOCAL2,
		syslog.LOG_LOCAL3, syslog.LOG_LOCAL4, syslog.LOG_LOCAL5,
		syslog.LOG_LOCAL6, syslog.LOG_LOCAL7,
	}
	if n < 0 || n >= len(facilities) {
		return syslog.LOG_MAIL
	}
	return facilities[n]
}

func (l *Logger) printf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(l.w, format, args...)
	if err != nil {
		l.once.Do(func() {
			log.Errorf("failed to write to maillog: %v", err)
			log.Errorf("(will not report this again)")
		})
	}
}

// Listening logs that the daemon is listening on the given address.
func (l *Logger) Listening(a string) {
	l.printf("daemon listening on %s\n", a)
}

// Connection logs an incoming SMTP connection.
func (l *Logger) Connection(netAddr net.Addr) {
	l.printf("%s connected\n", netAddr)
}

// Auth logs an authentication request.
func (l *Logger) Auth(netAddr net.Addr, user string, successful bool) {
	res := "succeeded"
	if !successful {
		res = "failed"
	}
	msg := fmt.Sprintf("%s auth %s for %s\n", netAddr, res, user)
	l.printf(msg)
	authLog.Debugf(msg)
}

// Rejected logs that we've rejected an email.
func (l *Logger) Rejected(netAddr net.Addr, from string, to []string, err string) {
	if from != "" {
		from = fmt.Sprintf(" from=%s", from)
	}
	toStr := ""
	if len(to) > 0 {
		toStr = fmt.Sprintf(" to=%v", to)
	}
	l.printf("%s rejected%s%s - %v\n", netAddr, from, toStr, err)
}

// Queued logs that we have handed an email to the queue program.
func (l *Logger) Queued(netAddr net.Addr, from string, to []string) {
	l.printf("%s from=%s queued to=%v\n", netAddr, from, to)
}

// DeliverAttempt logs one outbound delivery attempt against one remote
// host.
func (l *Logger) DeliverAttempt(host, from, to string, err error, permanent bool) {
	if err == nil {
		l.printf("host=%s from=%s to=%s sent\n", host, from, to)
	} else {
		t := "(temporary)"
		if permanent {
			t = "(permanent)"
		}
		l.printf("host=%s from=%s to=%s failed %s: %v\n", host, from, to, t, err)
	}
}

// NextMX logs that delivery is failing over to the next MX candidate.
func (l *Logger) NextMX(failed, reason string) {
	l.printf("host=%s unusable (%s), trying next MX\n", failed, reason)
}

// Default logger, used in the following top-level functions.
var Default = New(io.Discard)

// Listening logs that the daemon is listening on the given address.
func Listening(a string) {
	Default.Listening(a)
}

// Connection logs an incoming SMTP connection.
func Connection(netAddr net.Addr) {
	Default.Connection(netAddr)
}

// Auth logs an authentication request.
func Auth(netAddr net.Addr, user string, successful bool) {
	Default.Auth(netAddr, user, successful)
}

// Rejected logs that we've rejected an email.
func Rejected(netAddr net.Addr, from string, to []string, err string) {
	Default.Rejected(netAddr, from, to, err)
}

// Queued logs that we have handed an email to the queue program.
func Queued(netAddr net.Addr, from string, to []string) {
	Default.Queued(netAddr, from, to)
}

// DeliverAttempt logs one outbound delivery attempt.
func DeliverAttempt(host, from, to string, err error, permanent bool) {
	Default.DeliverAttempt(host, from, to, err, permanent)
}

// NextMX logs that delivery is failing over to the next MX candidate.
func NextMX(failed, reason string) {
	Default.NextMX(failed, reason)
}

package maillog

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
)

var netAddr = &net.TCPAddr{
	IP:   net.ParseIP("1.2.3.4"),
	Port: 4321,
}

func expect(t *testing.T, buf *bytes.Buffer, s string) {
	if strings.Contains(buf.String(), s) {
		return
	}
	t.Errorf("buffer mismatch:")
	t.Errorf("  expected to contain: %q", s)
	t.Errorf("  got: %q", buf.String())
}

func TestLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(buf)

	l.Listening("1.2.3.4:4321")
	expect(t, buf, "daemon listening on 1.2.3.4:4321")
	buf.Reset()

	l.Connection(netAddr)
	expect(t, buf, "1.2.3.4:4321 connected")
	buf.Reset()

	l.Auth(netAddr, "user@domain", false)
	expect(t, buf, "1.2.3.4:4321 auth failed for user@domain")
	buf.Reset()

	l.Auth(netAddr, "user@domain", true)
	expect(t, buf, "1.2.3.4:4321 auth succeeded for user@domain")
	buf.Reset()

	l.Rejected(netAddr, "from", []string{"to1", "to2"}, "error")
	expect(t, buf, "1.2.3.4:4321 rejected from=from to=[to1 to2] - error")
	buf.Reset()

	l.Queued(netAddr, "from", []string{"to1", "to2"})
	expect(t, buf, "1.2.3.4:4321 from=from queued to=[to1 to2]")
	buf.Reset()

	l.DeliverAttempt("mx.example", "from", "to", nil, false)
	expect(t, buf, "host=mx.example from=from to=to sent")
	buf.Reset()

	l.DeliverAttempt("mx.example", "from", "to", fmt.Errorf("error"), false)
	expect(t, buf, "host=mx.example from=from to=to failed (temporary): error")
	buf.Reset()

	l.DeliverAttempt("mx.example", "from", "to", fmt.Errorf("error"), true)
	expect(t, buf, "host=mx.example from=from to=to failed (permanent): error")
	buf.Reset()

	l.NextMX("mx1.example", "connection refused")
	expect(t, buf, "host=mx1.example unusable (connection refused), trying next MX")
	buf.Reset()
}

func TestDefault(t *testing.T) {
	buf := &bytes.Buffer{}
	Default = New(buf)

	Listening("1.2.3.4:4321")
	expect(t, buf, "daemon listening on 1.2.3.4:4321")
	buf.Reset()

	Connection(netAddr)
	expect(t, buf, "1.2.3.4:4321 connected")
	buf.Reset()

	Auth(netAddr, "user@domain", true)
	expect(t, buf, "1.2.3.4:4321 auth succeeded for user@domain")
	buf.Reset()

	Rejected(netAddr, "from", nil, "error")
	expect(t, buf, "1.2.3.4:4321 rejected from=from - error")
	buf.Reset()

	Queued(netAddr, "from", []string{"to"})
	expect(t, buf, "from=from queued to=[to]")
	buf.Reset()

	DeliverAttempt("mx.example", "from", "to", nil, false)
	expect(t, buf, "host=mx.example from=from to=to sent")
	buf.Reset()

	NextMX("mx1.example", "timeout")
	expect(t, buf, "host=mx1.example unusable (timeout), trying next MX")
	buf.Reset()

	Default = New(io.Discard)
}

type failingWriter struct{}

func (w failingWriter) Write(b []byte) (int, error) {
	return 0, fmt.Errorf("write failed")
}

func TestFailingLogger(t *testing.T) {
	l := New(failingWriter{})
	l.printf("this fails")
	l.printf("this fails too, and no harm done")
}

func TestLocalFacility(t *testing.T) {
	if localFacility(0) == localFacility(3) {
		t.Error("facilities 0 and 3 should differ")
	}
	// Out-of-range values fall back to the mail facility.
	if localFacility(-1) != localFacility(8) {
		t.Error("out-of-range facilities should share the fallback")
	}
}

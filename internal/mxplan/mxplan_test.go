package mxplan

import (
	"net"
	"testing"
)

func mkEntry(ip string, prio int) *Entry {
	return &Entry{Addr: net.ParseIP(ip), Priority: prio}
}

func TestSelectNextPicksLowestPriority(t *testing.T) {
	l := &IPList{Entries: []*Entry{
		mkEntry("192.0.2.3", 20),
		mkEntry("192.0.2.1", 10),
		mkEntry("192.0.2.2", 10),
	}}
	got := l.SelectNext()
	if got.Addr.String() != "192.0.2.1" {
		t.Errorf("got %v, want first of the tied-lowest-priority entries", got.Addr)
	}
}

func TestSelectNextSkipsUsed(t *testing.T) {
	a := mkEntry("192.0.2.1", 10)
	b := mkEntry("192.0.2.2", 20)
	l := &IPList{Entries: []*Entry{a, b}}
	l.MarkUsed(a)
	got := l.SelectNext()
	if got != b {
		t.Errorf("got %v, want b once a is used", got.Addr)
	}
}

func TestSelectNextExhausted(t *testing.T) {
	a := mkEntry("192.0.2.1", 10)
	l := &IPList{Entries: []*Entry{a}}
	l.MarkUsed(a)
	if got := l.SelectNext(); got != nil {
		t.Errorf("got %v, want nil once all entries are used", got)
	}
}

func TestSelectNextSkipsCurrent(t *testing.T) {
	a := mkEntry("192.0.2.1", 10)
	b := mkEntry("192.0.2.2", 20)
	l := &IPList{Entries: []*Entry{a, b}}
	l.MarkCurrent(a)
	got := l.SelectNext()
	if got != b {
		t.Errorf("got %v, want b while a is current", got.Addr)
	}
}

func TestLiteralTargetIPv4(t *testing.T) {
	ip, ok := literalTarget("[192.0.2.1]")
	if !ok || ip.String() != "192.0.2.1" {
		t.Errorf("got %v,%v want 192.0.2.1,true", ip, ok)
	}
}

func TestLiteralTargetIPv6(t *testing.T) {
	ip, ok := literalTarget("[IPv6:2001:db8::1]")
	if !ok || ip.String() != "2001:db8::1" {
		t.Errorf("got %v,%v want 2001:db8::1,true", ip, ok)
	}
}

func TestLiteralTargetRejectsPlainDomain(t *testing.T) {
	if _, ok := literalTarget("example.com"); ok {
		t.Error("expected plain domain to not parse as a literal")
	}
}

func TestFilterMyIPsRemovesLoopback(t *testing.T) {
	entries := []*Entry{mkEntry("127.0.0.1", 10), mkEntry("192.0.2.1", 10)}
	out := filterMyIPs(entries)
	if len(out) != 1 || out[0].Addr.String() != "192.0.2.1" {
		t.Errorf("got %v, want only 192.0.2.1", out)
	}
}

func TestFilterMyIPsRemovesUnspecified(t *testing.T) {
	entries := []*Entry{mkEntry("0.0.0.0", 10), mkEntry("192.0.2.1", 10)}
	out := filterMyIPs(entries)
	if len(out) != 1 {
		t.Errorf("got %d entries, want 1", len(out))
	}
}

func TestFilterMyIPsRemovesDuplicates(t *testing.T) {
	entries := []*Entry{mkEntry("192.0.2.1", 10), mkEntry("192.0.2.1", 20)}
	out := filterMyIPs(entries)
	if len(out) != 1 {
		t.Errorf("got %d entries, want 1 after deduping", len(out))
	}
}

func TestFilterMyIPsIdempotent(t *testing.T) {
	entries := []*Entry{mkEntry("127.0.0.1", 10), mkEntry("192.0.2.1", 10), mkEntry("192.0.2.1", 10)}
	once := filterMyIPs(entries)
	twice := filterMyIPs(once)
	if len(once) != len(twice) {
		t.Fatalf("not idempotent: %d vs %d entries", len(once), len(twice))
	}
	for i := range once {
		if once[i].Addr.String() != twice[i].Addr.String() {
			t.Errorf("entry %d differs between passes", i)
		}
	}
}

func TestParseSmarthosts(t *testing.T) {
	m := ParseSmarthosts([]string{
		"example.com:smarthost.example.net",
		"example.org:smarthost.example.net:2525",
		"",
		"malformed",
	})
	if m["example.com"].Host != "smarthost.example.net" || m["example.com"].Port != 0 {
		t.Errorf("got %+v", m["example.com"])
	}
	if m["example.org"].Port != 2525 {
		t.Errorf("got %+v, want port 2525", m["example.org"])
	}
	if _, ok := m["malformed"]; ok {
		t.Error("expected malformed line to be skipped")
	}
}

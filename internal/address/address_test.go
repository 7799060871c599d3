package address

import (
	"net"
	"testing"
)

func TestSyntaxMailFromEmpty(t *testing.T) {
	p, err := Syntax("<>", ModeMailFrom)
	if err != nil {
		t.Fatalf("Syntax: %v", err)
	}
	if p.Class != ClassEmptyNullSender {
		t.Errorf("got class %v, want empty_null_sender", p.Class)
	}
}

func TestSyntaxRcptToEmptyRejected(t *testing.T) {
	if _, err := Syntax("<>", ModeRcptTo); err == nil {
		t.Fatal("expected error for empty RCPT TO")
	}
}

func TestSyntaxPlain(t *testing.T) {
	p, err := Syntax("<user@example.com>", ModeRcptTo)
	if err != nil {
		t.Fatalf("Syntax: %v", err)
	}
	if p.Addr != "user@example.com" || p.Class != ClassRemote {
		t.Errorf("got %+v", p)
	}
}

func TestSyntaxSourceRoute(t *testing.T) {
	p, err := Syntax("<@a.example,@b.example:user@c.example>", ModeRcptTo)
	if err != nil {
		t.Fatalf("Syntax: %v", err)
	}
	if p.Class != ClassSourceRouted {
		t.Errorf("got class %v, want source_routed", p.Class)
	}
	if len(p.Routes) != 2 || p.Routes[0] != "a.example" || p.Routes[1] != "b.example" {
		t.Errorf("got routes %v", p.Routes)
	}
	if p.Addr != "user@c.example" {
		t.Errorf("got addr %q", p.Addr)
	}
}

func TestSyntaxSourceRouteRejectedInMailFrom(t *testing.T) {
	if _, err := Syntax("<@a.example:user@c.example>", ModeMailFrom); err == nil {
		t.Fatal("expected error")
	}
}

func TestSyntaxAddressLiteral(t *testing.T) {
	p, err := Syntax("<user@[192.0.2.1]>", ModeRcptTo)
	if err != nil {
		t.Fatalf("Syntax: %v", err)
	}
	if p.Class != ClassAddressLiteral {
		t.Errorf("got class %v", p.Class)
	}
	if !p.Literal.Equal(net.ParseIP("192.0.2.1")) {
		t.Errorf("got literal %v", p.Literal)
	}
}

func TestSyntaxAddressLiteralIPv6(t *testing.T) {
	p, err := Syntax("<user@[IPv6:2001:db8::1]>", ModeRcptTo)
	if err != nil {
		t.Fatalf("Syntax: %v", err)
	}
	if !p.Literal.Equal(net.ParseIP("2001:db8::1")) {
		t.Errorf("got literal %v", p.Literal)
	}
}

func TestMatchesLocalIP(t *testing.T) {
	a := net.ParseIP("192.0.2.1")
	b := net.ParseIP("192.0.2.1")
	c := net.ParseIP("192.0.2.2")
	if !MatchesLocalIP(a, b) {
		t.Error("expected match")
	}
	if MatchesLocalIP(a, c) {
		t.Error("expected no match")
	}
}

func TestValidDomain(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"example.com", true},
		{"a.b.c.example.com", true},
		{"-bad.example.com", false},
		{"bad-.example.com", false},
		{"", false},
		{"nodot", false},
	}
	for _, c := range cases {
		err := ValidDomain(c.name, nil)
		if (err == nil) != c.ok {
			t.Errorf("ValidDomain(%q) = %v, want ok=%v", c.name, err, c.ok)
		}
	}
}

func TestValidDomainToplevelException(t *testing.T) {
	exc := map[string]bool{"localhost": true}
	if err := ValidDomain("localhost", exc); err != nil {
		t.Errorf("expected localhost to be allowed: %v", err)
	}
	if err := ValidDomain("localhost", nil); err == nil {
		t.Error("expected localhost to be rejected without exception")
	}
}

func TestValidDomainLabelTooLong(t *testing.T) {
	long := ""
	for i := 0; i < 64; i++ {
		long += "a"
	}
	if err := ValidDomain(long+".example.com", nil); err == nil {
		t.Error("expected error for 64-byte label")
	}
}

func TestSyntaxMissingAt(t *testing.T) {
	if _, err := Syntax("<nodomain>", ModeRcptTo); err == nil {
		t.Fatal("expected error")
	}
}

func TestSyntaxTail(t *testing.T) {
	p, err := Syntax("<user@example.com> SIZE=1000", ModeMailFrom)
	if err != nil {
		t.Fatalf("Syntax: %v", err)
	}
	if p.Tail != "SIZE=1000" {
		t.Errorf("got tail %q", p.Tail)
	}
}

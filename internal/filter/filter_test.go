package filter

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"blitiri.com.ar/go/spf"

	"github.com/qsmtpd/qsmtpd/internal/control"
)

func storeWith(t *testing.T, files map[string]string) *control.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "filter-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return control.New("", "", dir)
}

func TestMatchBlockEntryFullAddress(t *testing.T) {
	if !matchBlockEntry([]string{"spammer@example.com"}, "spammer@example.com") {
		t.Error("expected match")
	}
	if matchBlockEntry([]string{"spammer@example.com"}, "other@example.com") {
		t.Error("expected no match")
	}
}

func TestMatchBlockEntryAtDomain(t *testing.T) {
	if !matchBlockEntry([]string{"@aol.com"}, "foo@aol.com") {
		t.Error("expected match")
	}
	if matchBlockEntry([]string{"@aol.com"}, "foo@bar.aol.com") {
		t.Error("expected no match for subdomain with @domain form")
	}
}

func TestMatchBlockEntryBareDomain(t *testing.T) {
	if !matchBlockEntry([]string{"aol.com"}, "foo@aol.com") {
		t.Error("expected match for aol.com")
	}
	if !matchBlockEntry([]string{"aol.com"}, "foo@bar.aol.com") {
		t.Error("expected match for subdomain")
	}
	if matchBlockEntry([]string{"aol.com"}, "foo@no-aol.com") {
		t.Error("expected no match for no-aol.com")
	}
}

func TestMatchBlockEntryLeadingDot(t *testing.T) {
	if matchBlockEntry([]string{".aol.com"}, "foo@aol.com") {
		t.Error("expected .aol.com to not match bare aol.com")
	}
	if !matchBlockEntry([]string{".aol.com"}, "foo@bar.aol.com") {
		t.Error("expected .aol.com to match subdomain")
	}
}

func TestBadMailFromWhitelisted(t *testing.T) {
	s := storeWith(t, map[string]string{
		"badmailfrom":  "aol.com\n",
		"goodmailfrom": "good@aol.com\n",
	})
	tx := &Transaction{Store: s, MailFrom: "good@aol.com"}
	o := BadMailFrom(context.Background(), tx)
	if o.Result != Whitelisted {
		t.Errorf("got %v, want Whitelisted", o.Result)
	}
}

func TestBadMailFromDenied(t *testing.T) {
	s := storeWith(t, map[string]string{"badmailfrom": "aol.com\n"})
	tx := &Transaction{Store: s, MailFrom: "spam@aol.com"}
	o := BadMailFrom(context.Background(), tx)
	if o.Result != DeniedUnspecific {
		t.Errorf("got %v, want DeniedUnspecific", o.Result)
	}
}

func TestBadCCRequiresMultipleRecipients(t *testing.T) {
	s := storeWith(t, map[string]string{"badcc": "aol.com\n"})
	tx := &Transaction{Store: s, ThisRcpt: "me@example.com"}
	o := BadCC(context.Background(), tx)
	if o.Result != Passed {
		t.Errorf("got %v, want Passed with a single recipient", o.Result)
	}
}

func TestBadCCDenies(t *testing.T) {
	s := storeWith(t, map[string]string{"badcc": "aol.com\n"})
	tx := &Transaction{Store: s, ThisRcpt: "me@example.com", OtherRcpts: []string{"x@aol.com"}}
	o := BadCC(context.Background(), tx)
	if o.Result != DeniedUnspecific {
		t.Errorf("got %v, want DeniedUnspecific", o.Result)
	}
}

func TestHeloBadList(t *testing.T) {
	s := storeWith(t, map[string]string{"badhelo": "spammer.example\n"})
	tx := &Transaction{Store: s, Helo: "spammer.example"}
	o := Helo(context.Background(), tx)
	if o.Result != DeniedUnspecific {
		t.Errorf("got %v, want DeniedUnspecific", o.Result)
	}
}

func TestHeloOK(t *testing.T) {
	s := storeWith(t, map[string]string{})
	tx := &Transaction{Store: s, Helo: "mail.example.com"}
	o := Helo(context.Background(), tx)
	if o.Result != Passed {
		t.Errorf("got %v, want Passed", o.Result)
	}
}

func TestDNSBLListed(t *testing.T) {
	s := storeWith(t, map[string]string{"dnsbl": "zone.example\n"})
	lookup := func(ctx context.Context, ip net.IP, zone string) (bool, string, error) {
		return zone == "zone.example", "listed here", nil
	}
	tx := &Transaction{Store: s, RemoteIP: net.ParseIP("192.0.2.1")}
	o := DNSBL(lookup)(context.Background(), tx)
	if o.Result != DeniedWithMessage {
		t.Errorf("got %v, want DeniedWithMessage", o.Result)
	}
}

func TestDNSBLWhitelisted(t *testing.T) {
	s := storeWith(t, map[string]string{
		"dnsbl":       "zone.example\n",
		"whitednsbl":  "good.example\n",
	})
	lookup := func(ctx context.Context, ip net.IP, zone string) (bool, string, error) {
		return true, "", nil
	}
	tx := &Transaction{Store: s, RemoteIP: net.ParseIP("192.0.2.1")}
	o := DNSBL(lookup)(context.Background(), tx)
	if o.Result != Whitelisted {
		t.Errorf("got %v, want Whitelisted", o.Result)
	}
}

func TestPipelineWhitelistShortCircuits(t *testing.T) {
	calls := 0
	filters := []Filter{
		func(ctx context.Context, tx *Transaction) Outcome {
			calls++
			return Outcome{Result: Whitelisted}
		},
		func(ctx context.Context, tx *Transaction) Outcome {
			calls++
			return Outcome{Result: DeniedUnspecific}
		},
	}
	o := Pipeline(context.Background(), &Transaction{}, filters, false, false)
	if o.Result != Whitelisted {
		t.Errorf("got %v, want Whitelisted", o.Result)
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1 (short circuit)", calls)
	}
}

func TestPipelineTempThenHardDenyStops(t *testing.T) {
	filters := []Filter{
		func(ctx context.Context, tx *Transaction) Outcome {
			return Outcome{Result: DeniedTemporary}
		},
		func(ctx context.Context, tx *Transaction) Outcome {
			return Outcome{Result: DeniedUnspecific}
		},
		func(ctx context.Context, tx *Transaction) Outcome {
			t.Error("should not be reached after hard deny")
			return Outcome{Result: Passed}
		},
	}
	o := Pipeline(context.Background(), &Transaction{}, filters, false, false)
	if o.Result != DeniedUnspecific {
		t.Errorf("got %v, want DeniedUnspecific", o.Result)
	}
}

func TestPipelineFailHardOnTemp(t *testing.T) {
	filters := []Filter{
		func(ctx context.Context, tx *Transaction) Outcome {
			return Outcome{Result: DeniedTemporary}
		},
	}
	o := Pipeline(context.Background(), &Transaction{}, filters, true, false)
	if o.Result != DeniedUnspecific {
		t.Errorf("got %v, want DeniedUnspecific (upgraded from temp)", o.Result)
	}
}

func TestPipelineNonexistOnBlock(t *testing.T) {
	filters := []Filter{
		func(ctx context.Context, tx *Transaction) Outcome {
			return Outcome{Result: DeniedUnspecific}
		},
	}
	o := Pipeline(context.Background(), &Transaction{}, filters, false, true)
	if o.Result != DeniedNoUser {
		t.Errorf("got %v, want DeniedNoUser", o.Result)
	}
}

func TestDomainSuffixes(t *testing.T) {
	got := domainSuffixes("a.b.c")
	want := []string{"a.b.c", "b.c", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestNameBLListedSuffix(t *testing.T) {
	s := storeWith(t, map[string]string{"namebl": "bl.example\n"})
	var queried []string
	lookup := func(ctx context.Context, name string) (bool, string, error) {
		queried = append(queried, name)
		return name == "spam.test.bl.example", "", nil
	}
	tx := &Transaction{Store: s, MailFrom: "x@spam.test"}
	o := NameBL(lookup)(context.Background(), tx)
	if o.Result != DeniedWithMessage {
		t.Errorf("got %v, want DeniedWithMessage", o.Result)
	}
	if len(queried) == 0 || queried[0] != "spam.test.bl.example" {
		t.Errorf("longest suffix should be queried first, got %v", queried)
	}
}

func TestNameBLNullSenderPasses(t *testing.T) {
	s := storeWith(t, map[string]string{"namebl": "bl.example\n"})
	lookup := func(ctx context.Context, name string) (bool, string, error) {
		t.Error("lookup should not run for a null sender")
		return false, "", nil
	}
	tx := &Transaction{Store: s, MailFrom: ""}
	if o := NameBL(lookup)(context.Background(), tx); o.Result != Passed {
		t.Errorf("got %v, want Passed", o.Result)
	}
}

func TestForceESMTPOnlyForNonESMTP(t *testing.T) {
	s := storeWith(t, map[string]string{"forceesmtp": "zone.example\n"})
	lookup := func(ctx context.Context, ip net.IP, zone string) (bool, string, error) {
		return true, "", nil
	}
	tx := &Transaction{Store: s, RemoteIP: net.ParseIP("192.0.2.9"), IsESMTP: false}
	if o := ForceESMTP(lookup)(context.Background(), tx); o.Result != DeniedUnspecific {
		t.Errorf("non-ESMTP listed client: got %v, want DeniedUnspecific", o.Result)
	}
	tx.IsESMTP = true
	if o := ForceESMTP(lookup)(context.Background(), tx); o.Result != Passed {
		t.Errorf("ESMTP client: got %v, want Passed", o.Result)
	}
}

func TestWildcardNSMatchesMXIP(t *testing.T) {
	s := storeWith(t, map[string]string{"block_wildcardns": "1"})
	entries := map[string]net.IP{"tk": net.ParseIP("198.51.100.7")}
	tx := &Transaction{
		Store:     s,
		MailFrom:  "x@spam.tk",
		FromMXIPs: []net.IP{net.ParseIP("203.0.113.5"), net.ParseIP("198.51.100.7")},
	}
	if o := WildcardNS(entries)(context.Background(), tx); o.Result != DeniedUnspecific {
		t.Errorf("got %v, want DeniedUnspecific", o.Result)
	}
}

func TestWildcardNSRequiresDotBoundary(t *testing.T) {
	s := storeWith(t, map[string]string{"block_wildcardns": "1"})
	entries := map[string]net.IP{"tk": net.ParseIP("198.51.100.7")}
	// "spamtk" merely ends in "tk"; without a dot boundary it must not
	// match the "tk" entry.
	tx := &Transaction{
		Store:     s,
		MailFrom:  "x@spamtk",
		FromMXIPs: []net.IP{net.ParseIP("198.51.100.7")},
	}
	if o := WildcardNS(entries)(context.Background(), tx); o.Result != Passed {
		t.Errorf("got %v, want Passed", o.Result)
	}
}

func TestSPFPolicyRejectFail(t *testing.T) {
	s := storeWith(t, map[string]string{"spfpolicy": "2"})
	check := func(ctx context.Context, ip net.IP, mailFrom, helo string) (spf.Result, error) {
		return spf.Fail, nil
	}
	tx := &Transaction{Store: s, MailFrom: "x@spam.test", RemoteIP: net.ParseIP("192.0.2.9")}
	if o := SPF(check, nil)(context.Background(), tx); o.Result != DeniedUnspecific {
		t.Errorf("got %v, want DeniedUnspecific", o.Result)
	}
}

func TestSPFFailToleratedAtLowPolicy(t *testing.T) {
	s := storeWith(t, map[string]string{"spfpolicy": "1"})
	check := func(ctx context.Context, ip net.IP, mailFrom, helo string) (spf.Result, error) {
		return spf.Fail, nil
	}
	tx := &Transaction{Store: s, MailFrom: "x@spam.test", RemoteIP: net.ParseIP("192.0.2.9")}
	if o := SPF(check, nil)(context.Background(), tx); o.Result != Passed {
		t.Errorf("got %v, want Passed", o.Result)
	}
}

func TestSPFRequireRecord(t *testing.T) {
	s := storeWith(t, map[string]string{"spfpolicy": "6"})
	check := func(ctx context.Context, ip net.IP, mailFrom, helo string) (spf.Result, error) {
		return spf.None, nil
	}
	tx := &Transaction{Store: s, MailFrom: "x@nospf.test", RemoteIP: net.ParseIP("192.0.2.9")}
	if o := SPF(check, nil)(context.Background(), tx); o.Result != DeniedUnspecific {
		t.Errorf("got %v, want DeniedUnspecific", o.Result)
	}
}

func TestSPFIgnoreWhitelists(t *testing.T) {
	s := storeWith(t, map[string]string{
		"spfpolicy": "2",
		"spfignore": "friendly.example\n",
	})
	check := func(ctx context.Context, ip net.IP, mailFrom, helo string) (spf.Result, error) {
		return spf.Fail, nil
	}
	tx := &Transaction{
		Store:      s,
		MailFrom:   "x@spam.test",
		RemoteIP:   net.ParseIP("192.0.2.9"),
		RemoteName: "mx.friendly.example",
	}
	if o := SPF(check, nil)(context.Background(), tx); o.Result != Whitelisted {
		t.Errorf("got %v, want Whitelisted", o.Result)
	}
}

func TestCheck2822ClearsWhenDisabled(t *testing.T) {
	s := storeWith(t, map[string]string{})
	tx := &Transaction{Store: s, Check2822Requested: true}
	if o := Check2822(context.Background(), tx); o.Result != Passed {
		t.Errorf("got %v, want Passed", o.Result)
	}
	if tx.Check2822Requested {
		t.Error("Check2822Requested should be cleared when the setting is absent")
	}
}

package tlsadapter

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/qsmtpd/qsmtpd/internal/dnsfacade"
)

func TestCertPathPrefersMostSpecific(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "servercert.pem")
	specific := base + ".10.0.0.1:25"
	if err := os.WriteFile(base, []byte("base"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(specific, []byte("specific"), 0644); err != nil {
		t.Fatal(err)
	}
	got := CertPath(base, "10.0.0.1", 25)
	if got != specific {
		t.Errorf("got %q, want %q", got, specific)
	}
}

func TestCertPathFallsBackToBase(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "servercert.pem")
	if err := os.WriteFile(base, []byte("base"), 0644); err != nil {
		t.Fatal(err)
	}
	got := CertPath(base, "10.0.0.1", 25)
	if got != base {
		t.Errorf("got %q, want %q", got, base)
	}
}

func TestCertPathNoneReadable(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "servercert.pem")
	got := CertPath(base, "10.0.0.1", 25)
	if got != "" {
		t.Errorf("got %q, want empty string when nothing is readable", got)
	}
}

func TestVerifyConnectionNoTLSANoPeerCerts(t *testing.T) {
	cs := tls.ConnectionState{}
	got := verifyConnection(cs, "mail.example.com", nil)
	if got != VerifyFailed {
		t.Errorf("got %v, want VerifyFailed with no peer certs", got)
	}
}

func TestMatchesAnyTLSASHA256(t *testing.T) {
	cert := &x509.Certificate{Raw: []byte("fake-der-bytes")}
	sum := sha256.Sum256(cert.Raw)
	cs := tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
	records := []dnsfacade.TLSARecord{
		{CertUsage: 3, Selector: 0, MatchingType: dnsfacade.MatchingTypeSHA256, Data: sum[:]},
	}
	if !matchesAnyTLSA(cs, records) {
		t.Error("expected TLSA match on full-certificate SHA-256 hash")
	}
}

func TestMatchesAnyTLSASkipsCAConstraintUsages(t *testing.T) {
	cert := &x509.Certificate{Raw: []byte("fake-der-bytes")}
	sum := sha256.Sum256(cert.Raw)
	cs := tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
	records := []dnsfacade.TLSARecord{
		{CertUsage: 0, Selector: 0, MatchingType: dnsfacade.MatchingTypeSHA256, Data: sum[:]},
	}
	if matchesAnyTLSA(cs, records) {
		t.Error("expected usage 0 (CA constraint) records to be ignored without a PKIX chain")
	}
}

func TestMatchesAnyTLSAMismatch(t *testing.T) {
	cert := &x509.Certificate{Raw: []byte("fake-der-bytes")}
	cs := tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
	records := []dnsfacade.TLSARecord{
		{CertUsage: 3, Selector: 0, MatchingType: dnsfacade.MatchingTypeSHA256, Data: make([]byte, 32)},
	}
	if matchesAnyTLSA(cs, records) {
		t.Error("expected mismatched hash to not match")
	}
}

func TestTLSAServiceName(t *testing.T) {
	if got := TLSAServiceName("mail.example.com", 25); got != "_25._tcp.mail.example.com" {
		t.Errorf("got %q", got)
	}
}

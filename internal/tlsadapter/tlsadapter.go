// Package tlsadapter builds the crypto/tls.Config values Qsmtpd and
// Qremote need: server-side certificate-ladder selection with optional
// relay-granting client-cert verification, and client-side verification
// that prefers DANE/TLSA pinning over the PKIX chain when TLSA records
// are present.
package tlsadapter

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"

	"github.com/qsmtpd/qsmtpd/internal/dnsfacade"
)

// CertPath resolves the STARTTLS certificate-selection ladder from spec
// §4.7: "<base>.<local-ip>:<local-port>", then "<base>.<local-ip>", then
// "<base>", returning the first one that is readable. An empty string
// means no certificate is configured and STARTTLS must not be announced.
func CertPath(base, localIP string, localPort int) string {
	candidates := []string{
		fmt.Sprintf("%s.%s:%d", base, localIP, localPort),
		fmt.Sprintf("%s.%s", base, localIP),
		base,
	}
	for _, c := range candidates {
		if readable(c) {
			return c
		}
	}
	return ""
}

func readable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// ServerConfig builds the tls.Config used for STARTTLS on the server
// side. certPath/keyPath are usually the same PEM file (a concatenated
// cert+key, per qmail convention); clientCA, when non-nil, turns on
// client-certificate verification and grants relay trust to whichever
// cert validates.
func ServerConfig(certPath, keyPath string, clientCA *x509.CertPool) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("tlsadapter: loading server certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates:           []tls.Certificate{cert},
		SessionTicketsDisabled: true,
		MinVersion:             tls.VersionTLS12,
	}
	if clientCA != nil {
		cfg.ClientCAs = clientCA
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}

// RelayClientName extracts the CN of the verified client certificate, if
// one was presented and validated, to be used as the `tlsclient` relay
// grant. Returns "" if no client certificate was presented.
func RelayClientName(cs tls.ConnectionState) string {
	if len(cs.VerifiedChains) == 0 || len(cs.PeerCertificates) == 0 {
		return ""
	}
	return cs.PeerCertificates[0].Subject.CommonName
}

// VerifyResult is the outcome of client-side certificate verification
// during Qremote's STARTTLS handshake.
type VerifyResult int

const (
	// VerifyFailed means neither DANE nor PKIX verification succeeded.
	VerifyFailed VerifyResult = iota
	// VerifyDANE means a TLSA record matched the presented certificate.
	VerifyDANE
	// VerifyPKIX means the certificate chain validated against the
	// system roots and the server name matched.
	VerifyPKIX
)

// ClientConfig builds the tls.Config for a Qremote STARTTLS attempt
// against partnerFQDN. When tlsaRecords is non-empty, DANE verification
// (RFC 7671) takes priority over the PKIX chain: InsecureSkipVerify is
// set and VerifyConnection does the real check.
func ClientConfig(partnerFQDN string, tlsaRecords []dnsfacade.TLSARecord, result *VerifyResult) *tls.Config {
	cfg := &tls.Config{
		ServerName:         partnerFQDN,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
	}
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		*result = verifyConnection(cs, partnerFQDN, tlsaRecords)
		if *result == VerifyFailed {
			return fmt.Errorf("tlsadapter: neither DANE nor PKIX verification succeeded for %s", partnerFQDN)
		}
		return nil
	}
	return cfg
}

func verifyConnection(cs tls.ConnectionState, partnerFQDN string, tlsaRecords []dnsfacade.TLSARecord) VerifyResult {
	if len(tlsaRecords) > 0 {
		if matchesAnyTLSA(cs, tlsaRecords) {
			return VerifyDANE
		}
		return VerifyFailed
	}

	if len(cs.PeerCertificates) == 0 {
		return VerifyFailed
	}
	opts := x509.VerifyOptions{
		DNSName:       partnerFQDN,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	if _, err := cs.PeerCertificates[0].Verify(opts); err != nil {
		return VerifyFailed
	}
	return VerifyPKIX
}

// matchesAnyTLSA checks the presented chain against every TLSA record.
// Only usage 2 (trust anchor) and 3 (domain-issued) are meaningful
// without a validated PKIX chain (spec glossary, "TLSA usage"); usage 0/1
// records are skipped since they assert something about a CA this
// verifier cannot check without also doing PKIX validation.
func matchesAnyTLSA(cs tls.ConnectionState, records []dnsfacade.TLSARecord) bool {
	for _, rec := range records {
		if rec.CertUsage != 2 && rec.CertUsage != 3 {
			continue
		}
		for _, cert := range selectorTargets(cs, rec.Selector) {
			if matchesAssociationData(cert, rec.MatchingType, rec.Data) {
				return true
			}
		}
	}
	return false
}

// selectorTargets returns the raw bytes TLSA selector 0 (full
// certificate) or 1 (SubjectPublicKeyInfo) compares against, for every
// certificate in the chain presented by the peer.
func selectorTargets(cs tls.ConnectionState, selector uint8) [][]byte {
	var out [][]byte
	for _, cert := range cs.PeerCertificates {
		if selector == 1 {
			out = append(out, cert.RawSubjectPublicKeyInfo)
		} else {
			out = append(out, cert.Raw)
		}
	}
	return out
}

func matchesAssociationData(data []byte, matchingType uint8, want []byte) bool {
	switch matchingType {
	case dnsfacade.MatchingTypeSHA256:
		sum := sha256.Sum256(data)
		return bytesEqual(sum[:], want)
	case dnsfacade.MatchingTypeSHA512:
		sum := sha512.Sum512(data)
		return bytesEqual(sum[:], want)
	default:
		return bytesEqual(data, want)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TLSAServiceName builds the "_<port>._tcp.<host>" owner name TLSA
// records are published under. It is the name dnsfacade.Resolver.TLSA
// queries, except that it has no trailing root dot.
func TLSAServiceName(host string, port int) string {
	return "_" + strconv.Itoa(port) + "._tcp." + host
}

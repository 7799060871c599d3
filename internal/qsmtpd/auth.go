package qsmtpd

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/qsmtpd/qsmtpd/internal/authbackend"
	"github.com/qsmtpd/qsmtpd/internal/maillog"
	"github.com/qsmtpd/qsmtpd/internal/metrics"
)

// cmdAUTH implements PLAIN, LOGIN and CRAM-MD5: challenge-or-inline
// response handling, base64 framing, and the checkpassword backend
// invocation behind all three mechanisms.
func (s *Session) cmdAUTH(ctx context.Context, params string) (bool, error) {
	if s.cfg.RequireTLSForAuth && !s.onTLS {
		return false, s.reply(503, "5.7.10 you feel vulnerable")
	}
	if s.authenticated {
		return false, s.reply(503, "5.5.1 already authenticated")
	}
	if s.cfg.AuthBackend == nil {
		return false, s.reply(535, "5.7.8 authentication not available")
	}

	sp := strings.SplitN(params, " ", 2)
	if len(sp) < 1 || sp[0] == "" {
		return false, s.reply(501, "5.5.4 AUTH requires a mechanism")
	}
	mech := strings.ToUpper(sp[0])

	var user, pass string
	var resp []byte
	var err error

	switch mech {
	case "PLAIN":
		user, pass, err = s.authPlain(sp)
	case "LOGIN":
		user, pass, err = s.authLogin(sp)
	case "CRAM-MD5":
		user, resp, err = s.authCramMD5()
	default:
		return false, s.reply(504, "5.5.4 unsupported authentication mechanism")
	}
	if err != nil {
		return false, s.reply(501, "5.5.2 "+err.Error())
	}

	outcome, err := authbackend.Authenticate(ctx, s.cfg.AuthBackend, user, pass, resp)
	if err != nil {
		s.tr.Errorf("authenticating %q: %v", user, err)
	}
	switch outcome {
	case authbackend.Authenticated:
		s.authenticated = true
		s.authIdentity = user
		metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
		maillog.Auth(s.conn.RemoteAddr(), user, true)
		return false, s.reply(235, "2.7.0 authentication successful")
	case authbackend.TempFail:
		metrics.AuthAttemptsTotal.WithLabelValues("tempfail").Inc()
		return false, s.reply(454, "4.7.0 tempnoauth")
	default:
		metrics.AuthAttemptsTotal.WithLabelValues("failed").Inc()
		maillog.Auth(s.conn.RemoteAddr(), user, false)
		return false, s.reply(535, "5.7.8 authentication failed")
	}
}

// authPlain implements the SASL PLAIN mechanism: authzid\0authcid\0passwd,
// base64-framed, either inline after "AUTH PLAIN" or fetched with a 334
// empty-challenge round trip.
func (s *Session) authPlain(sp []string) (user, pass string, err error) {
	response, err := s.authResponse(sp, "")
	if err != nil {
		return "", "", err
	}
	buf, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return "", "", fmt.Errorf("decoding AUTH PLAIN response: %w", err)
	}
	parts := bytes.SplitN(buf, []byte{0}, 3)
	if len(parts) != 3 {
		return "", "", fmt.Errorf("malformed AUTH PLAIN response")
	}
	authzid, authcid := string(parts[0]), string(parts[1])
	if authzid != "" && authcid != "" && authzid != authcid {
		return "", "", fmt.Errorf("AUTH PLAIN identities do not match")
	}
	user = authcid
	if user == "" {
		user = authzid
	}
	return user, string(parts[2]), nil
}

// authLogin implements SASL LOGIN: a base64 username then a base64
// password, each requested with its own 334 prompt.
func (s *Session) authLogin(sp []string) (user, pass string, err error) {
	userb64 := ""
	if len(sp) == 2 {
		userb64 = sp[1]
	} else {
		if err := s.prompt334(""); err != nil {
			return "", "", err
		}
		userb64, err = s.conn.ReadLine()
		if err != nil {
			return "", "", err
		}
	}
	ub, err := base64.StdEncoding.DecodeString(userb64)
	if err != nil {
		return "", "", fmt.Errorf("decoding AUTH LOGIN username: %w", err)
	}
	if err := s.prompt334(""); err != nil {
		return "", "", err
	}
	passb64, err := s.conn.ReadLine()
	if err != nil {
		return "", "", err
	}
	pb, err := base64.StdEncoding.DecodeString(passb64)
	if err != nil {
		return "", "", fmt.Errorf("decoding AUTH LOGIN password: %w", err)
	}
	return string(ub), string(pb), nil
}

// authCramMD5 implements SASL CRAM-MD5: the server sends a base64
// challenge, the client replies with base64("user hexdigest"). The
// plaintext password never reaches Qsmtpd, so the decision is deferred to
// authbackend.Authenticate: user goes in the user field and resp carries
// "challenge\x00hexdigest" so the checkpassword-family backend (which alone holds the secret needed
// to recompute the HMAC) can verify it itself.
func (s *Session) authCramMD5() (user string, resp []byte, err error) {
	challenge, err := s.cramChallenge()
	if err != nil {
		return "", nil, err
	}
	if err := s.prompt334(base64.StdEncoding.EncodeToString([]byte(challenge))); err != nil {
		return "", nil, err
	}
	line, err := s.conn.ReadLine()
	if err != nil {
		return "", nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return "", nil, fmt.Errorf("decoding AUTH CRAM-MD5 response: %w", err)
	}
	parts := strings.SplitN(string(decoded), " ", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("malformed AUTH CRAM-MD5 response")
	}
	user = parts[0]
	resp = []byte(challenge + "\x00" + parts[1])
	return user, resp, nil
}

// cramChallenge builds a fresh "<hexnonce@host>" CRAM-MD5 challenge from
// 16 random bytes, in RFC 2195 §2's msg-id shape; it carries no timestamp.
func (s *Session) cramChallenge() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generating CRAM-MD5 challenge: %w", err)
	}
	return "<" + hex.EncodeToString(nonce[:]) + "@" + s.hostname() + ">", nil
}

// authResponse returns the inline response following the mechanism name,
// or prompts with a 334 (using challenge as its text) and reads one line
// if no inline response was given.
func (s *Session) authResponse(sp []string, challenge string) (string, error) {
	if len(sp) == 2 {
		return sp[1], nil
	}
	if err := s.prompt334(challenge); err != nil {
		return "", err
	}
	return s.conn.ReadLine()
}

func (s *Session) prompt334(text string) error {
	return s.conn.WriteMultiSMTP([]string{text}, 334)
}

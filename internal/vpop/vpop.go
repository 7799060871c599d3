// Package vpop resolves local mailboxes against a vpopmail-compatible
// virtual-user database: a "users/cdb" constant database mapping domains to
// their mail directory, plus the usual ".qmail-*" convention for per-user
// delivery instructions and catch-alls.
package vpop

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/colinmarc/cdb"

	"github.com/qsmtpd/qsmtpd/internal/normalize"
)

// Result classifies the outcome of Exists.
type Result int

const (
	// ResultReject means the address must not be accepted: the localpart
	// contains '/', it resolves to the bounce sentinel, or no user
	// directory or .qmail-* file (.qmail-default included) matches it.
	ResultReject Result = 0
	// ResultExists means a deliverable directory or .qmail-user file was
	// found (or the directory exists but is unreadable).
	ResultExists Result = 1
	// ResultCatchallPassthrough means only .qmail-default matched, and its
	// content does not equal the configured bounce string.
	ResultCatchallPassthrough Result = 2
	// ResultCatchall means a "-default" form (.qmail-user-default or a
	// prefix form) matched.
	ResultCatchall Result = 4
	// ResultNonLocal means the domain was not found in users/cdb at all.
	ResultNonLocal Result = 5
)

// Conf carries the per-domain/per-user paths discovered while resolving an
// address, mirroring struct userconf's domainpath/userpath fields so
// internal/control can layer its user/domain/global cascade on top.
type Conf struct {
	DomainPath string
	UserPath   string
}

// DB wraps the open users/cdb constant database.
type DB struct {
	cdb *cdb.CDB
	// Bounce is the exact content of .qmail-default that marks a "bounce
	// everything" catchall rather than a real user (vpopmail's
	// "vpopbounce" sentinel).
	Bounce string

	// staticDomainPath bypasses the cdb lookup entirely when set, letting
	// tests exercise the filesystem side of Exists without a real cdb file.
	staticDomainPath string
}

// Open opens the users/cdb file at path. A missing file is not an error
// at this layer: callers should treat it as "no vpopmail domains
// configured", the same way Exists treats a missing domain.
func Open(path, bounce string) (*DB, error) {
	c, err := cdb.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &DB{cdb: nil, Bounce: bounce}, nil
		}
		return nil, err
	}
	return &DB{cdb: c, Bounce: bounce}, nil
}

// Close releases the underlying cdb handle, if any.
func (db *DB) Close() error {
	if db.cdb == nil {
		return nil
	}
	return db.cdb.Close()
}

// lookupDomain resolves domain's directory from users/cdb. The key is
// "!" + domain + "-" (no trailing NUL: cdb keys are length-prefixed, not
// NUL-terminated). The record is four NUL-separated fields
// (realdomain, uid, gid, dir); only dir is kept, with any trailing '/'
// trimmed and exactly one re-appended.
func (db *DB) lookupDomain(domain string) (string, bool, error) {
	if db.staticDomainPath != "" {
		return db.staticDomainPath, true, nil
	}
	if db.cdb == nil {
		return "", false, nil
	}
	key := []byte("!" + domain + "-")
	val, err := db.cdb.Get(key)
	if err != nil {
		return "", false, err
	}
	if val == nil {
		return "", false, nil
	}
	fields := splitNUL(val, 4)
	if len(fields) < 4 {
		return "", false, nil
	}
	dir := strings.TrimRight(fields[3], "/")
	return dir + "/", true, nil
}

// splitNUL splits buf on NUL bytes into at most n fields; the last field
// keeps any further NULs.
func splitNUL(buf []byte, n int) []string {
	var out []string
	start := 0
	for i := 0; i < len(buf) && len(out) < n-1; i++ {
		if buf[i] == 0 {
			out = append(out, string(buf[start:i]))
			start = i + 1
		}
	}
	out = append(out, string(buf[start:]))
	return out
}

// Exists resolves whether local@domain is a deliverable mailbox, a
// catchall, a bouncer, or not local at all. Lookup keys are normalized
// first (PRECIS for the localpart, IDNA for the domain), so differently
// cased or encoded spellings of one mailbox resolve identically.
func Exists(db *DB, local, domain string) (Result, *Conf, error) {
	if strings.Contains(local, "/") {
		return ResultReject, nil, nil
	}
	local, _ = normalize.User(local)
	domain, _ = normalize.Domain(domain)

	domainPath, found, err := db.lookupDomain(domain)
	if err != nil {
		return 0, nil, err
	}
	if !found {
		return ResultNonLocal, nil, nil
	}
	conf := &Conf{DomainPath: domainPath}

	// localpart's '.' maps to ':' only inside the .qmail-* filenames; the
	// user maildir itself is named after the verbatim localpart.
	fsLocal := strings.ReplaceAll(local, ".", ":")

	userDir := domainPath + local + "/"
	switch _, err := os.Stat(userDir); {
	case err == nil:
		conf.UserPath = userDir
		return ResultExists, conf, nil
	case os.IsPermission(err):
		conf.UserPath = userDir
		return ResultExists, conf, nil
	case !os.IsNotExist(err) && !errors.Is(err, syscall.ENOTDIR):
		return 0, nil, err
	}

	if qmailExists(domainPath, fsLocal) {
		return ResultExists, conf, nil
	}
	if qmailDefaultExists(domainPath, fsLocal) {
		return ResultCatchall, conf, nil
	}

	// Try .qmail-<prefix>-default for every '-'-delimited prefix of
	// local, shortest prefix first.
	for _, prefix := range hyphenPrefixes(fsLocal) {
		if qmailDefaultExists(domainPath, prefix) {
			return ResultCatchall, conf, nil
		}
	}

	// No .qmail-user[-default] form matched and .qmail-default itself is
	// absent: there is no local user with this address (distinct from the
	// domain-not-found case, which is ResultNonLocal).
	content, ok := readQmailDefault(domainPath)
	if !ok {
		return ResultReject, conf, nil
	}
	if content == db.Bounce {
		return ResultReject, conf, nil
	}
	return ResultCatchallPassthrough, conf, nil
}

func qmailExists(domainPath, fsLocal string) bool {
	_, err := os.Stat(filepath.Join(domainPath, ".qmail-"+fsLocal))
	return err == nil
}

func qmailDefaultExists(domainPath, fsLocal string) bool {
	_, err := os.Stat(filepath.Join(domainPath, ".qmail-"+fsLocal+"-default"))
	return err == nil
}

func readQmailDefault(domainPath string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(domainPath, ".qmail-default"))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// hyphenPrefixes returns local truncated at each '-', in order, e.g.
// "a-b-c" -> ["a", "a-b"].
func hyphenPrefixes(local string) []string {
	var out []string
	for i, c := range local {
		if c == '-' {
			out = append(out, local[:i])
		}
	}
	return out
}

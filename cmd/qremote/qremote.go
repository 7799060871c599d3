// qremote delivers one queued message to one target domain: it resolves
// the domain's MX set, attempts each candidate host in priority order
// (with STARTTLS and, when TLSA records are published, DANE
// verification), and reports per-recipient status to the spawning daemon
// on stdout.
//
// Invocation: qremote <domain> <sender> <recipient>...
// The queue file (header + body) is read from stdin; the status stream
// written to stdout uses one-byte codes, each record NUL-terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/qsmtpd/qsmtpd/internal/control"
	"github.com/qsmtpd/qsmtpd/internal/dnsfacade"
	"github.com/qsmtpd/qsmtpd/internal/log"
	"github.com/qsmtpd/qsmtpd/internal/maillog"
	"github.com/qsmtpd/qsmtpd/internal/mxplan"
	"github.com/qsmtpd/qsmtpd/internal/qremote"
)

var (
	controlDir = flag.String("control_dir", "/var/qmail/control",
		"control file directory")
	chunking = flag.Bool("chunking", false,
		"use BDAT when the remote advertises CHUNKING")
	port = flag.Int("port", 25, "default destination port")
)

func main() {
	flag.Parse()
	log.Init()

	// A remote closing mid-conversation must surface as a write error on
	// the socket, not kill the process.
	signal.Ignore(syscall.SIGPIPE)

	args := flag.Args()
	if len(args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: qremote <domain> <sender> <recipient>...\n")
		os.Exit(1)
	}
	target, sender, recipients := args[0], args[1], args[2:]

	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		log.Fatalf("reading queue file: %v", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	status := qremote.NewStatusWriter(os.Stdout)
	err = qremote.Deliver(context.Background(), cfg, target, sender, recipients, body, status)
	if err != nil {
		// Local abort: nothing was written to the status stream, so the
		// spawning daemon must treat the whole attempt as failed.
		log.Fatalf("delivery aborted: %v", err)
	}
}

func loadConfig() (*qremote.Config, error) {
	store := control.New("", "", *controlDir)

	helo, err := readOneLine(store, "helohost")
	if err != nil {
		if helo, err = readOneLine(store, "me"); err != nil {
			return nil, fmt.Errorf("no control/helohost and no control/me: %w", err)
		}
	}

	timeout := 1200
	if v, _, err := store.GetSetting("timeoutremote", true); err == nil && v > 0 {
		timeout = v
	}

	var outgoingIP, outgoingIP6 net.IP
	if line, err := readOneLine(store, "outgoingip"); err == nil {
		outgoingIP = net.ParseIP(line)
	}
	if line, err := readOneLine(store, "outgoingip6"); err == nil {
		outgoingIP6 = net.ParseIP(line)
	}

	var smarthosts map[string]mxplan.Smarthost
	if lines, _, err := store.GetList("smtproutes", nil, true); err == nil {
		smarthosts = mxplan.ParseSmarthosts(lines)
	}

	resolver, err := dnsfacade.New(nil, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("initializing resolver: %w", err)
	}

	requireTLS := false
	if _, err := os.Stat(filepath.Join(*controlDir, "clientcert.pem")); err == nil {
		requireTLS = true
	}

	maillog.Default = maillog.New(os.Stderr)

	return &qremote.Config{
		HelloDomain: helo,
		OutgoingIP:  outgoingIP,
		OutgoingIP6: outgoingIP6,

		Timeout:     time.Duration(timeout) * time.Second,
		DefaultPort: *port,

		Resolver:   resolver,
		Smarthosts: smarthosts,

		ChunkingEnabled: *chunking,
		RequireTLS:      requireTLS,
	}, nil
}

func readOneLine(store *control.Store, name string) (string, error) {
	lines, _, err := store.GetList(name, nil, true)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("control/%s is empty", name)
	}
	return lines[0], nil
}

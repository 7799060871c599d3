// qsmtpd is an inbound SMTP/ESMTP server for qmail-style installations:
// it accepts mail from the network, applies a per-recipient policy
// pipeline, and hands accepted messages to the queue program.
//
// It normally runs one process per connection under a superserver
// (tcpserver, inetd), speaking SMTP on stdin/stdout with the connection
// peer described by the TCPREMOTEIP/TCPLOCALIP environment. With -addr it
// can also listen directly, serving each connection in its own goroutine;
// "systemd" as the address takes listeners from socket activation.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"blitiri.com.ar/go/systemd"
	"github.com/colinmarc/cdb"

	"github.com/qsmtpd/qsmtpd/internal/authbackend"
	"github.com/qsmtpd/qsmtpd/internal/control"
	"github.com/qsmtpd/qsmtpd/internal/dnsfacade"
	"github.com/qsmtpd/qsmtpd/internal/log"
	"github.com/qsmtpd/qsmtpd/internal/maillog"
	"github.com/qsmtpd/qsmtpd/internal/netio"
	"github.com/qsmtpd/qsmtpd/internal/qsmtpd"
	"github.com/qsmtpd/qsmtpd/internal/vpop"
)

// Command-line flags.
var (
	controlDir = flag.String("control_dir", "/var/qmail/control",
		"control file directory")
	usersCDB = flag.String("users_cdb", "/var/qmail/users/cdb",
		"path to the vpopmail users/cdb database")
	addr = flag.String("addr", "",
		"listen address (empty: serve one connection on stdin/stdout); \"systemd\" takes socket-activated listeners")
	monitoringAddr = flag.String("monitoring_addr", "",
		"address for the monitoring HTTP server (empty: disabled)")
	mailLogPath = flag.String("maillog", "<syslog>",
		"mail log: <syslog>, <stderr>, <stdout>, or a file path")
	syslogFacility = flag.Int("syslog_facility", 2,
		"LOCAL syslog facility number (0-7) for the mail log")
	submission = flag.Bool("submission", false,
		"submission mode: reject unauthenticated MAIL FROM")
	chunking = flag.Bool("chunking", false,
		"announce and accept the CHUNKING (BDAT) extension")
	authCheck = flag.String("auth_check", "",
		"checkpassword program for SMTP AUTH (empty: AUTH disabled)")
	authSub = flag.String("auth_sub", "/bin/true",
		"subprogram argv (space-separated) passed to the checkpassword program")
)

func main() {
	flag.Parse()
	log.Init()

	// Broken peers must surface as write errors, not kill the process.
	signal.Ignore(syscall.SIGPIPE)

	initMailLog(*mailLogPath)

	cfg, db, err := loadConfig()
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}
	if db != nil {
		defer db.Close()
	}

	if *monitoringAddr != "" {
		go launchMonitoringServer(*monitoringAddr)
	}

	if *addr == "" {
		serveStdio(cfg)
		return
	}

	listeners, err := resolveListeners(*addr)
	if err != nil {
		log.Fatalf("setting up listeners: %v", err)
	}
	for _, l := range listeners {
		maillog.Listening(l.Addr().String())
	}
	serveListeners(cfg, listeners)
}

// loadConfig reads the global control files into a server Config.
func loadConfig() (*qsmtpd.Config, *vpop.DB, error) {
	store := control.New("", "", *controlDir)

	me, err := readOneLine(store, "me")
	if err != nil {
		return nil, nil, fmt.Errorf("control/me is required: %w", err)
	}
	heloHost, _ := readOneLine(store, "helohost")

	timeout := 1200
	if v, _, err := store.GetSetting("timeoutsmtpd", true); err == nil && v > 0 {
		timeout = v
	}
	var dataBytes int64
	if v, _, err := store.GetSetting("databytes", true); err == nil && v > 0 {
		dataBytes = int64(v)
	}

	rcptHosts, _, err := store.GetList("rcpthosts", nil, true)
	if err != nil && err != control.ErrNotFound {
		return nil, nil, err
	}

	relay4, err := control.ReadIPList(filepath.Join(*controlDir, "relayclients"), false)
	if err != nil {
		return nil, nil, err
	}
	relay6, err := control.ReadIPList(filepath.Join(*controlDir, "relayclients6"), true)
	if err != nil {
		return nil, nil, err
	}

	vpopBounce, _ := readOneLine(store, "vpopbounce")
	db, err := vpop.Open(*usersCDB, vpopBounce)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", *usersCDB, err)
	}

	resolver, err := dnsfacade.New(nil, 10*time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing resolver: %w", err)
	}

	localIP, localPort := localEndpoint()

	cfg := &qsmtpd.Config{
		Hostname:     me,
		HeloHost:     heloHost,
		MaxDataBytes: dataBytes,
		Timeout:      time.Duration(timeout) * time.Second,

		LocalIP:   localIP,
		LocalPort: localPort,

		CertBase: filepath.Join(*controlDir, "servercert.pem"),

		ControlDir:    *controlDir,
		RcptHosts:     rcptHosts,
		MoreRcptHosts: moreRcptHosts(filepath.Join(*controlDir, "morercpthosts.cdb")),
		VPop:          db,

		ForceRelay:    os.Getenv("RELAYCLIENT") != "",
		RelayClients:  relay4,
		RelayClients6: relay6,

		SubmissionMode:  *submission,
		ChunkingEnabled: *chunking,
	}

	if v, _, err := store.GetSetting("fail_hard_on_temp", true); err == nil && v > 0 {
		cfg.FailHardOnTemp = true
	}
	if v, _, err := store.GetSetting("nonexist_on_block", true); err == nil && v > 0 {
		cfg.NonexistOnBlock = true
	}

	if *authCheck != "" {
		backend, err := authbackend.New(*authCheck, strings.Fields(*authSub))
		if err != nil {
			return nil, nil, err
		}
		cfg.AuthBackend = backend
		cfg.RequireTLSForAuth = true
	}

	cfg.Filters = buildFilters(resolver, store)
	cfg.LookupMX = func(ctx context.Context, domain string) []net.IP {
		return senderMXIPs(ctx, resolver, domain)
	}

	return cfg, db, nil
}

// moreRcptHosts returns a lookup into the optional morercpthosts.cdb, or
// nil if the database does not exist.
func moreRcptHosts(path string) func(domain string) bool {
	db, err := cdb.Open(path)
	if err != nil {
		return nil
	}
	return func(domain string) bool {
		v, err := db.Get([]byte(strings.ToLower(domain)))
		return err == nil && v != nil
	}
}

// localEndpoint reports the local address of the stdin socket from the
// TCPLOCALIP/TCPLOCALPORT environment, for HELO classification and the
// certificate ladder.
func localEndpoint() (net.IP, int) {
	ip := net.ParseIP(os.Getenv("TCPLOCALIP"))
	port, _ := strconv.Atoi(os.Getenv("TCPLOCALPORT"))
	if port == 0 {
		port = 25
	}
	return ip, port
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

func serveStdio(cfg *qsmtpd.Config) {
	conn := newStdioConn(os.Getenv("TCPREMOTEIP"), os.Getenv("TCPREMOTEPORT"))
	s := qsmtpd.NewSession(netio.New(conn, cfg.Timeout), cfg)
	if err := s.Serve(context.Background()); err != nil {
		log.Errorf("session ended with error: %v", err)
		os.Exit(1)
	}
}

func resolveListeners(addr string) ([]net.Listener, error) {
	if addr == "systemd" {
		lsMap, err := systemd.Listeners()
		if err != nil {
			return nil, err
		}
		var ls []net.Listener
		for _, l := range lsMap {
			ls = append(ls, l...)
		}
		if len(ls) == 0 {
			return nil, fmt.Errorf("no systemd listeners found")
		}
		return ls, nil
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return []net.Listener{l}, nil
}

func serveListeners(cfg *qsmtpd.Config, listeners []net.Listener) {
	for _, l := range listeners[1:] {
		go acceptLoop(cfg, l)
	}
	acceptLoop(cfg, listeners[0])
}

func acceptLoop(cfg *qsmtpd.Config, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			log.Fatalf("accept on %s: %v", l.Addr(), err)
		}
		go func() {
			defer conn.Close()
			s := qsmtpd.NewSession(netio.New(conn, cfg.Timeout), cfg)
			if err := s.Serve(context.Background()); err != nil {
				log.Errorf("session %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func initMailLog(path string) {
	var err error

	switch path {
	case "<syslog>":
		maillog.Default, err = maillog.NewSyslog(*syslogFacility, "qsmtpd")
	case "<stdout>":
		maillog.Default = maillog.New(os.Stdout)
	case "<stderr>":
		maillog.Default = maillog.New(os.Stderr)
	default:
		f, ferr := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0660)
		if ferr == nil {
			maillog.Default = maillog.New(f)
		}
		err = ferr
	}

	if err != nil {
		log.Fatalf("opening mail log: %v", err)
	}
}

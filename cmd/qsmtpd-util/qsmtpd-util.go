// qsmtpd-util is a command-line utility for administering and debugging a
// qsmtpd/qremote installation: address syntax checks, MX planning dry
// runs, control-setting inspection, and packed IP-list maintenance.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	docopt "github.com/docopt/docopt-go"

	"github.com/qsmtpd/qsmtpd/internal/address"
	"github.com/qsmtpd/qsmtpd/internal/control"
	"github.com/qsmtpd/qsmtpd/internal/dnsfacade"
	"github.com/qsmtpd/qsmtpd/internal/mxplan"
	"github.com/qsmtpd/qsmtpd/internal/normalize"
)

const usage = `qsmtpd-util - administration utility.

Usage:
  qsmtpd-util [options] check-address <address>
  qsmtpd-util [options] resolve-mx <domain>
  qsmtpd-util [options] print-setting <key>
  qsmtpd-util [options] dump-iplist [--v6] <file>
  qsmtpd-util [options] add-iplist [--v6] <file> <cidr>...

Options:
  -C <dir> --control_dir=<dir>  Control directory [default: /var/qmail/control].
`

func main() {
	opts, err := docopt.ParseDoc(usage)
	if err != nil {
		fatalf("parsing arguments: %v", err)
	}

	controlDir, _ := opts.String("--control_dir")

	switch {
	case isSet(opts, "check-address"):
		arg, _ := opts.String("<address>")
		checkAddress(arg)
	case isSet(opts, "resolve-mx"):
		arg, _ := opts.String("<domain>")
		resolveMX(arg, controlDir)
	case isSet(opts, "print-setting"):
		arg, _ := opts.String("<key>")
		printSetting(arg, controlDir)
	case isSet(opts, "dump-iplist"):
		file, _ := opts.String("<file>")
		v6, _ := opts.Bool("--v6")
		dumpIPList(file, v6)
	case isSet(opts, "add-iplist"):
		file, _ := opts.String("<file>")
		v6, _ := opts.Bool("--v6")
		cidrs := opts["<cidr>"].([]string)
		addIPList(file, v6, cidrs)
	}
}

func isSet(opts docopt.Opts, key string) bool {
	b, _ := opts.Bool(key)
	return b
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// checkAddress parses and normalizes a mailbox the way the RCPT TO
// handler would.
func checkAddress(addr string) {
	parsed, err := address.Syntax("<"+addr+">", address.ModeRcptTo)
	if err != nil {
		fatalf("invalid: %v", err)
	}
	norm, err := normalize.Addr(parsed.Addr)
	if err != nil {
		fatalf("normalization failed: %v", err)
	}
	fmt.Printf("%s (%v)\n", norm, parsed.Class)
}

// resolveMX shows the delivery plan qremote would walk for a domain.
func resolveMX(domain, controlDir string) {
	store := control.New("", "", controlDir)
	var smarthosts map[string]mxplan.Smarthost
	if lines, _, err := store.GetList("smtproutes", nil, true); err == nil {
		smarthosts = mxplan.ParseSmarthosts(lines)
	}

	resolver, err := dnsfacade.New(nil, 10*time.Second)
	if err != nil {
		fatalf("initializing resolver: %v", err)
	}
	plan, err := mxplan.Plan(context.Background(), resolver, domain, 25, smarthosts)
	if err != nil {
		fatalf("planning: %v", err)
	}
	for _, e := range plan.Entries {
		name := e.Name
		if name == "" {
			name = "(literal)"
		}
		fmt.Printf("%6d  %-40s %s:%d\n", e.Priority, name, e.Addr, e.Port)
	}
}

func printSetting(key, controlDir string) {
	store := control.New("", "", controlDir)
	v, scope, err := store.GetSetting(key, true)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("%s = %d (%v scope)\n", key, v, scope)
}

func dumpIPList(file string, v6 bool) {
	nets, err := control.ReadIPList(file, v6)
	if err != nil {
		fatalf("%v", err)
	}
	for _, n := range nets {
		fmt.Println(n)
	}
}

func addIPList(file string, v6 bool, cidrs []string) {
	var nets []*net.IPNet
	for _, c := range cidrs {
		if !strings.Contains(c, "/") {
			if v6 {
				c += "/128"
			} else {
				c += "/32"
			}
		}
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			fatalf("invalid CIDR %q: %v", c, err)
		}
		nets = append(nets, n)
	}
	data, err := control.AppendIPList(nets, v6)
	if err != nil {
		fatalf("%v", err)
	}
	f, err := os.OpenFile(file, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		fatalf("%v", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		fatalf("%v", err)
	}
}

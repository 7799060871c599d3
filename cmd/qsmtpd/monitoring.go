package main

import (
	"net/http"
	"time"

	"github.com/qsmtpd/qsmtpd/internal/log"
	"github.com/qsmtpd/qsmtpd/internal/metrics"

	// To enable live profiling in the monitoring server.
	_ "net/http/pprof"
)

func launchMonitoringServer(addr string) {
	log.Infof("monitoring server listening on %s", addr)

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(monitoringHTMLIndex))
	})
	http.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: time.Minute,
	}
	log.Fatalf("monitoring server died: %v", srv.ListenAndServe())
}

// Note x/net/trace registers /debug/requests and /debug/events on the
// default mux on its own (it is linked in through the tracing package),
// and the net/http/pprof import above does the same for /debug/pprof.
const monitoringHTMLIndex = `<!DOCTYPE html>
<html>
<head><title>qsmtpd monitoring</title></head>
<body>
<h1>qsmtpd monitoring</h1>
<ul>
  <li><a href="/metrics">metrics</a></li>
  <li><a href="/debug/requests">requests</a>
    <small><a href="https://godoc.org/golang.org/x/net/trace">(ref)</a></small>
  <li><a href="/debug/events">events</a></li>
  <li><a href="/debug/pprof">pprof</a>
    <small><a href="https://golang.org/pkg/net/http/pprof/">(ref)</a></small>
  </li>
</ul>
</body>
</html>
`

// Package metrics exports Prometheus counters for the externally
// observable events of both SMTP agents: inbound connections,
// rejections, queue handoffs, authentication, and outbound delivery
// attempts. The monitoring HTTP listener that serves them is wired up by
// the daemons, not here.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal counts inbound SMTP connections accepted.
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qsmtpd_connections_total",
		Help: "Total number of SMTP connections accepted.",
	})

	// TLSConnectionsTotal counts successful STARTTLS handshakes on the
	// server side.
	TLSConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qsmtpd_tls_connections_total",
		Help: "Total number of STARTTLS handshakes completed.",
	})

	// RecipientsTotal counts RCPT TO verdicts by result.
	RecipientsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qsmtpd_recipients_total",
		Help: "Total number of RCPT TO commands processed.",
	}, []string{"result"})

	// QueuedTotal counts messages handed to the queue program by SMTP
	// reply class.
	QueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qsmtpd_queued_total",
		Help: "Total number of messages handed to the queue program.",
	}, []string{"result"})

	// AuthAttemptsTotal counts AUTH attempts by outcome.
	AuthAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qsmtpd_auth_attempts_total",
		Help: "Total number of AUTH attempts.",
	}, []string{"result"})

	// DeliveryAttemptsTotal counts outbound per-MX delivery attempts by
	// outcome.
	DeliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qremote_delivery_attempts_total",
		Help: "Total number of per-MX delivery attempts.",
	}, []string{"result"})

	// MXFailoversTotal counts how often delivery moved on to the next MX
	// candidate.
	MXFailoversTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qremote_mx_failovers_total",
		Help: "Total number of failovers to the next MX candidate.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		TLSConnectionsTotal,
		RecipientsTotal,
		QueuedTotal,
		AuthAttemptsTotal,
		DeliveryAttemptsTotal,
		MXFailoversTotal,
	)
}

// Handler returns the HTTP handler serving the default registry, for the
// daemons' monitoring listener.
func Handler() http.Handler {
	return promhttp.Handler()
}

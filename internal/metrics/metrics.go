// Package metrics defines Prometheus metrics for the relay, covering
// provider deliveries, address validations, and SMTP transactions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ProviderSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smtp_relay_provider_sends_total",
		Help: "Total number of provider send attempts grouped by outcome",
	}, []string{"provider", "outcome"})
	RecipientsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smtp_relay_recipients_accepted_total",
		Help: "Total number of recipients accepted by the provider",
	}, []string{"provider"})
	AddressValidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smtp_relay_address_validations_total",
		Help: "Total number of address validation calls grouped by result",
	}, []string{"result"})
	SMTPMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smtp_relay_smtp_messages_total",
		Help: "Total number of SMTP DATA transactions grouped by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ProviderSends,
		RecipientsAccepted,
		AddressValidations,
		SMTPMessages,
	)
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

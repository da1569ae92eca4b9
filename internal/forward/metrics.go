package forward

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricsNamespace = "punchportal"
	MetricsSubsystem = "forward"
)

// Metrics contains metrics exposed by this package. Every metric is
// labelled with the rule name.
type Metrics struct {
	// Number of inbound links taken from source portals.
	Links *prometheus.CounterVec
	// Number of inbound links dropped because the destination failed.
	DialFailures *prometheus.CounterVec
	// Number of links currently being spliced.
	Active *prometheus.GaugeVec
	// Bytes copied, by direction: "out" is source to destination.
	Bytes *prometheus.CounterVec
}

// PrometheusMetrics returns Metrics registered on reg.
func PrometheusMetrics(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(m.Links, m.DialFailures, m.Active, m.Bytes)
	return m
}

// NopMetrics returns Metrics that are not registered anywhere.
func NopMetrics() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		Links: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "links_total",
			Help:      "Inbound links accepted from source portals.",
		}, []string{"rule"}),
		DialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "link_dial_failures_total",
			Help:      "Inbound links dropped because the destination could not be reached.",
		}, []string{"rule"}),
		Active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "links_active",
			Help:      "Links currently being forwarded.",
		}, []string{"rule"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "bytes_total",
			Help:      "Bytes forwarded.",
		}, []string{"rule", "direction"}),
	}
}

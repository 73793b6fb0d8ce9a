package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons
const (
	ReasonMalformed      = "malformed"
	ReasonUnknownType    = "unknown_type"
	ReasonTargetMissing  = "target_missing"
	ReasonNotAccepted    = "not_accepted"
	ReasonSendFailed     = "send_failed"
	ReasonEncodingFailed = "encoding_failed"
)

// Store labels
const (
	StoreContributors = "contributors"
	StoreProducers    = "producers"
	StoreViewers      = "viewers"
	StoreTopics       = "topics"
	StoreOffers       = "offers"
)

// Metrics tracks coordinator activity
type Metrics struct {
	// Inbound traffic
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec

	// Outbound traffic
	MessagesSent *prometheus.CounterVec
	SendFailures prometheus.Counter

	// State
	StoreSize      *prometheus.GaugeVec
	StoreEvictions *prometheus.CounterVec

	// Image ingestion
	ImagesReceived   prometheus.Counter
	ImagesAnalyzed   prometheus.Counter
	ImageFailures    prometheus.Counter
	AnalysisDuration prometheus.Histogram

	// Transport
	TransportRestarts prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates and registers the coordinator metrics. A nil registry uses a
// fresh private registry so independent coordinators never collide.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	f := promauto.With(registry)

	return &Metrics{
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_messages_received_total",
			Help: "Datagrams decoded, by message type",
		}, []string{"type"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_messages_dropped_total",
			Help: "Inbound messages or routes dropped, by reason",
		}, []string{"reason"}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_messages_sent_total",
			Help: "Datagrams handed to the transport, by message type",
		}, []string{"type"}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "marketplace_send_failures_total",
			Help: "Datagrams the transport refused to send",
		}),
		StoreSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketplace_store_entries",
			Help: "Entries held per registry, catalog or ledger",
		}, []string{"store"}),
		StoreEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_store_evictions_total",
			Help: "Entries evicted by the capacity policy",
		}, []string{"store"}),
		ImagesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "marketplace_images_received_total",
			Help: "Image submissions accepted over HTTP",
		}),
		ImagesAnalyzed: f.NewCounter(prometheus.CounterOpts{
			Name: "marketplace_images_analyzed_total",
			Help: "Image submissions whose analysis was broadcast",
		}),
		ImageFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "marketplace_image_failures_total",
			Help: "Image submissions that failed to persist or analyze",
		}),
		AnalysisDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketplace_image_analysis_seconds",
			Help:    "Time spent in the image classifier",
			Buckets: prometheus.DefBuckets,
		}),
		TransportRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "marketplace_transport_restarts_total",
			Help: "Times the datagram listener was rebound after an error",
		}),
		gatherer: registry,
	}
}

// Handler serves the registered metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

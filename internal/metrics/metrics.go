// Package metrics provides Prometheus metrics for the link layer.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "muti_link"
)

// Send error and drop reason labels.
const (
	SendErrorOversize  = "oversize"
	SendErrorLinkLimit = "link_limit"
	SendErrorUndersize = "undersize"
	SendErrorDropped   = "dropped"

	DropReceiveError    = "recv_error"
	DropAddressMismatch = "address_mismatch"
	DropNoReceiver      = "no_receiver"
	DropReceiverError   = "receiver_error"
	DropTruncated       = "truncated"
	DropUndersize       = "undersize"
	DropUnknownEndpoint = "unknown_endpoint"

	InsertOK         = "ok"
	InsertUpdated    = "updated"
	InsertLearned    = "learned"
	InsertBadKey     = "bad_key"
	InsertOutOfSpace = "out_of_space"
)

// Metrics contains all Prometheus metrics for the link layer.
type Metrics struct {
	// Interface traffic, labelled by transport
	PacketsSent     *prometheus.CounterVec
	PacketsReceived *prometheus.CounterVec
	BytesSent       *prometheus.CounterVec
	BytesReceived   *prometheus.CounterVec
	SendErrors      *prometheus.CounterVec
	ReceiveDrops    *prometheus.CounterVec

	// Controller state
	InterfacesRegistered prometheus.Gauge
	EndpointsActive      prometheus.Gauge
	EndpointInserts      *prometheus.CounterVec
	ControllerDrops      *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics registered on the default registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered on reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total packets handed to the socket by transport",
		}, []string{"transport"}),
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total packets delivered upstream by transport",
		}, []string{"transport"}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent by transport",
		}, []string{"transport"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received by transport",
		}, []string{"transport"}),
		SendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total send failures by transport and error type",
		}, []string{"transport", "error_type"}),
		ReceiveDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_drops_total",
			Help:      "Total inbound datagrams discarded by transport and reason",
		}, []string{"transport", "reason"}),

		InterfacesRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "interfaces_registered",
			Help:      "Number of link interfaces registered with the controller",
		}),
		EndpointsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoints_active",
			Help:      "Number of endpoints in the controller table",
		}),
		EndpointInserts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_inserts_total",
			Help:      "Total endpoint insertions by result",
		}, []string{"result"}),
		ControllerDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "controller_drops_total",
			Help:      "Total inbound messages dropped by the controller by reason",
		}, []string{"reason"}),
	}
}

// RecordSend records a packet handed to the socket.
func (m *Metrics) RecordSend(transport string, bytes int) {
	m.PacketsSent.WithLabelValues(transport).Inc()
	m.BytesSent.WithLabelValues(transport).Add(float64(bytes))
}

// RecordSendError records a failed or dropped send.
func (m *Metrics) RecordSendError(transport, errorType string) {
	m.SendErrors.WithLabelValues(transport, errorType).Inc()
}

// RecordReceive records a packet delivered upstream.
func (m *Metrics) RecordReceive(transport string, bytes int) {
	m.PacketsReceived.WithLabelValues(transport).Inc()
	m.BytesReceived.WithLabelValues(transport).Add(float64(bytes))
}

// RecordReceiveDrop records a discarded inbound datagram.
func (m *Metrics) RecordReceiveDrop(transport, reason string) {
	m.ReceiveDrops.WithLabelValues(transport, reason).Inc()
}

// RecordInterfaceRegistered records an interface joining the controller.
func (m *Metrics) RecordInterfaceRegistered() {
	m.InterfacesRegistered.Inc()
}

// RecordEndpointInsert records the outcome of an endpoint insertion.
func (m *Metrics) RecordEndpointInsert(result string) {
	m.EndpointInserts.WithLabelValues(result).Inc()
}

// SetEndpointsActive sets the endpoint table size.
func (m *Metrics) SetEndpointsActive(count int) {
	m.EndpointsActive.Set(float64(count))
}

// RecordControllerDrop records an inbound message dropped by the controller.
func (m *Metrics) RecordControllerDrop(reason string) {
	m.ControllerDrops.WithLabelValues(reason).Inc()
}

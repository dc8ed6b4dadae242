// Package metrics provides Prometheus metrics for groupcast.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "groupcast"
)

// Transport label values.
const (
	TransportUDP = "udp"
	TransportTCP = "tcp"
)

// Drop reasons.
const (
	DropMalformed    = "malformed"
	DropSelf         = "self"
	DropUnhandled    = "unhandled"
	DropThrottled    = "throttled"
	DropStaleSession = "stale_session"
)

// Metrics contains all Prometheus metrics for a node. Every Record method is
// safe to call on a nil *Metrics.
type Metrics struct {
	// Message metrics
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	BytesReceived    *prometheus.CounterVec
	BytesSent        *prometheus.CounterVec

	// Client cache metrics
	ClientCacheSize      prometheus.Gauge
	ClientCacheEvictions prometheus.Counter
	GroupCacheSize       prometheus.Gauge
	GroupsJoined         prometheus.Gauge

	// Server session metrics (client side)
	ServerConnects    prometheus.Counter
	ServerDisconnects *prometheus.CounterVec
	ServerConnected   prometheus.Gauge

	// Coordinating server metrics
	SessionsActive     prometheus.Gauge
	SessionsTotal      prometheus.Counter
	GroupsActive       prometheus.Gauge
	GroupRequests      *prometheus.CounterVec
	AllocationFailures prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total messages received by type and transport",
		}, []string{"type", "transport"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total messages sent by type and transport",
		}, []string{"type", "transport"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total inbound messages dropped by reason",
		}, []string{"reason"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received by transport",
		}, []string{"transport"}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent by transport",
		}, []string{"transport"}),

		ClientCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_cache_entries",
			Help:      "Number of entries in the client cache, stale ones included",
		}),
		ClientCacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_cache_evictions_total",
			Help:      "Total stale client cache entries removed",
		}),
		GroupCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "group_cache_entries",
			Help:      "Number of groups in the last known group directory",
		}),
		GroupsJoined: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "groups_joined",
			Help:      "Number of groups this client has created or joined",
		}),

		ServerConnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_connects_total",
			Help:      "Total TCP sessions established to a server",
		}),
		ServerDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_disconnects_total",
			Help:      "Total TCP sessions to a server lost, by reason",
		}, []string{"reason"}),
		ServerConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_connected",
			Help:      "1 while a TCP session to a server is writable",
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_sessions_active",
			Help:      "Number of client sessions open on this server",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_sessions_total",
			Help:      "Total client sessions accepted by this server",
		}),
		GroupsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_groups",
			Help:      "Number of groups in the server directory",
		}),
		GroupRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_group_requests_total",
			Help:      "Total group requests handled by type and result",
		}, []string{"type", "result"}),
		AllocationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_allocation_failures_total",
			Help:      "Total group creations rejected because the address space is exhausted",
		}),
	}
}

// RecordReceived records an inbound message of size bytes.
func (m *Metrics) RecordReceived(msgType, transport string, size int) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType, transport).Inc()
	m.BytesReceived.WithLabelValues(transport).Add(float64(size))
}

// RecordSent records an outbound message of size bytes.
func (m *Metrics) RecordSent(msgType, transport string, size int) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(msgType, transport).Inc()
	m.BytesSent.WithLabelValues(transport).Add(float64(size))
}

// RecordDropped records an inbound message that was discarded.
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// SetClientCacheSize sets the current client cache size.
func (m *Metrics) SetClientCacheSize(n int) {
	if m == nil {
		return
	}
	m.ClientCacheSize.Set(float64(n))
}

// RecordEvictions records stale entries removed from the client cache.
func (m *Metrics) RecordEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ClientCacheEvictions.Add(float64(n))
}

// SetGroupCacheSize sets the size of the known group directory.
func (m *Metrics) SetGroupCacheSize(n int) {
	if m == nil {
		return
	}
	m.GroupCacheSize.Set(float64(n))
}

// SetGroupsJoined sets the number of groups the client belongs to.
func (m *Metrics) SetGroupsJoined(n int) {
	if m == nil {
		return
	}
	m.GroupsJoined.Set(float64(n))
}

// RecordServerConnect records a new TCP session to a server.
func (m *Metrics) RecordServerConnect() {
	if m == nil {
		return
	}
	m.ServerConnects.Inc()
	m.ServerConnected.Set(1)
}

// RecordServerDisconnect records the loss of the TCP session to a server.
func (m *Metrics) RecordServerDisconnect(reason string) {
	if m == nil {
		return
	}
	m.ServerDisconnects.WithLabelValues(reason).Inc()
	m.ServerConnected.Set(0)
}

// RecordSessionOpen records a client session accepted by the server.
func (m *Metrics) RecordSessionOpen() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionClose records a client session closed on the server.
func (m *Metrics) RecordSessionClose() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// RecordGroupRequest records the outcome of a group request ("ok" or "err").
func (m *Metrics) RecordGroupRequest(msgType, result string) {
	if m == nil {
		return
	}
	m.GroupRequests.WithLabelValues(msgType, result).Inc()
}

// SetGroupsActive sets the number of groups in the server directory.
func (m *Metrics) SetGroupsActive(n int) {
	if m == nil {
		return
	}
	m.GroupsActive.Set(float64(n))
}

// RecordAllocationFailure records an exhausted address space.
func (m *Metrics) RecordAllocationFailure() {
	if m == nil {
		return
	}
	m.AllocationFailures.Inc()
}

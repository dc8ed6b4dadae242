package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.MessagesReceived == nil {
		t.Error("MessagesReceived metric is nil")
	}
	if m.ClientCacheSize == nil {
		t.Error("ClientCacheSize metric is nil")
	}
	if m.GroupRequests == nil {
		t.Error("GroupRequests metric is nil")
	}
}

func TestRecordMessages(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordReceived("CLIENT_ADVERTISEMENT", TransportUDP, 100)
	m.RecordReceived("CLIENT_ADVERTISEMENT", TransportUDP, 50)
	m.RecordReceived("GROUP_ADVERTISEMENT", TransportTCP, 10)
	m.RecordSent("SERVER_SOLICITATION", TransportUDP, 80)

	if got := testutil.ToFloat64(m.MessagesReceived.WithLabelValues("CLIENT_ADVERTISEMENT", TransportUDP)); got != 2 {
		t.Errorf("MessagesReceived[CLIENT_ADVERTISEMENT,udp] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BytesReceived.WithLabelValues(TransportUDP)); got != 150 {
		t.Errorf("BytesReceived[udp] = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.BytesReceived.WithLabelValues(TransportTCP)); got != 10 {
		t.Errorf("BytesReceived[tcp] = %v, want 10", got)
	}
	if got := testutil.ToFloat64(m.MessagesSent.WithLabelValues("SERVER_SOLICITATION", TransportUDP)); got != 1 {
		t.Errorf("MessagesSent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BytesSent.WithLabelValues(TransportUDP)); got != 80 {
		t.Errorf("BytesSent[udp] = %v, want 80", got)
	}
}

func TestRecordDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordDropped(DropMalformed)
	m.RecordDropped(DropSelf)
	m.RecordDropped(DropSelf)

	if got := testutil.ToFloat64(m.MessagesDropped.WithLabelValues(DropSelf)); got != 2 {
		t.Errorf("MessagesDropped[self] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.MessagesDropped.WithLabelValues(DropMalformed)); got != 1 {
		t.Errorf("MessagesDropped[malformed] = %v, want 1", got)
	}
}

func TestClientCacheGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SetClientCacheSize(4)
	m.RecordEvictions(3)
	m.RecordEvictions(0)
	m.SetGroupCacheSize(2)
	m.SetGroupsJoined(1)

	if got := testutil.ToFloat64(m.ClientCacheSize); got != 4 {
		t.Errorf("ClientCacheSize = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.ClientCacheEvictions); got != 3 {
		t.Errorf("ClientCacheEvictions = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.GroupCacheSize); got != 2 {
		t.Errorf("GroupCacheSize = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.GroupsJoined); got != 1 {
		t.Errorf("GroupsJoined = %v, want 1", got)
	}
}

func TestServerConnection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordServerConnect()
	if got := testutil.ToFloat64(m.ServerConnected); got != 1 {
		t.Errorf("ServerConnected = %v, want 1", got)
	}

	m.RecordServerDisconnect("eof")
	if got := testutil.ToFloat64(m.ServerConnected); got != 0 {
		t.Errorf("ServerConnected = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.ServerDisconnects.WithLabelValues("eof")); got != 1 {
		t.Errorf("ServerDisconnects[eof] = %v, want 1", got)
	}

	m.RecordServerConnect()
	if got := testutil.ToFloat64(m.ServerConnects); got != 2 {
		t.Errorf("ServerConnects = %v, want 2", got)
	}
}

func TestServerSessions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionOpen()
	m.RecordSessionOpen()
	m.RecordSessionClose()
	m.SetGroupsActive(5)
	m.RecordGroupRequest("GROUP_CREATE", "ok")
	m.RecordGroupRequest("GROUP_CREATE", "err")
	m.RecordAllocationFailure()

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Errorf("SessionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal); got != 2 {
		t.Errorf("SessionsTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.GroupsActive); got != 5 {
		t.Errorf("GroupsActive = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.GroupRequests.WithLabelValues("GROUP_CREATE", "err")); got != 1 {
		t.Errorf("GroupRequests[GROUP_CREATE,err] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AllocationFailures); got != 1 {
		t.Errorf("AllocationFailures = %v, want 1", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	// None of these may panic.
	m.RecordReceived("X", TransportUDP, 1)
	m.RecordSent("X", TransportTCP, 1)
	m.RecordDropped(DropSelf)
	m.SetClientCacheSize(1)
	m.RecordEvictions(1)
	m.SetGroupCacheSize(1)
	m.SetGroupsJoined(1)
	m.RecordServerConnect()
	m.RecordServerDisconnect("eof")
	m.RecordSessionOpen()
	m.RecordSessionClose()
	m.RecordGroupRequest("X", "ok")
	m.SetGroupsActive(1)
	m.RecordAllocationFailure()
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return the same instance")
	}
}

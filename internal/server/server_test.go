package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/groupcast/internal/addresses"
	"github.com/postalsys/groupcast/internal/identity"
	"github.com/postalsys/groupcast/internal/metrics"
	"github.com/postalsys/groupcast/internal/protocol"
	"github.com/postalsys/groupcast/internal/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func testProfile(alias string) protocol.Profile {
	return protocol.Profile{
		UUID:    identity.MustNewID().String(),
		Alias:   alias,
		Channel: addresses.Channel{Address: "fd00::99", Port: addresses.DefaultPort},
	}
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *transport.MemNetwork, *metrics.Metrics) {
	t.Helper()

	n := transport.NewMemNetwork()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())

	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Listen = n.ListenFunc()
	cfg.Metrics = m
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, n, m
}

func startServer(t *testing.T, s *Server) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
}

func request(t *testing.T, s *Server, typ protocol.MessageType, sender protocol.Profile, extras any) *protocol.Message {
	t.Helper()

	m, err := protocol.NewMessage(typ, sender, extras)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	r := s.handleRequest(m)
	if r == nil {
		t.Fatalf("%s: no reply", typ)
	}
	reply, err := protocol.NewMessage(r.t, s.Profile(), r.extras)
	if err != nil {
		t.Fatalf("NewMessage(reply): %v", err)
	}
	return reply
}

func readDatagram(t *testing.T, c transport.PacketConn) (*protocol.Message, *net.UDPAddr) {
	t.Helper()

	type result struct {
		m    *protocol.Message
		from *net.UDPAddr
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, protocol.MaxDatagramSize)
		n, from, err := c.ReadFrom(buf)
		if err != nil {
			ch <- result{err: err}
			return
		}
		m, err := protocol.Decode(buf[:n])
		ch <- result{m, from, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("read datagram: %v", r.err)
		}
		return r.m, r.from
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
		return nil, nil
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestServer_StartStop(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	if s.IsRunning() {
		t.Error("IsRunning = true before Start")
	}
	if s.Addr() != nil {
		t.Error("Addr should be nil before Start")
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.IsRunning() {
		t.Error("IsRunning = false after Start")
	}
	if s.TCPPort() == 0 {
		t.Error("TCPPort = 0 after Start")
	}
	if err := s.Start(context.Background()); err != ErrAlreadyRunning {
		t.Errorf("second Start err = %v, want ErrAlreadyRunning", err)
	}

	s.Stop()
	s.Stop()

	if s.IsRunning() {
		t.Error("IsRunning = true after Stop")
	}
	if err := s.Start(context.Background()); err != ErrStopped {
		t.Errorf("Start after Stop err = %v, want ErrStopped", err)
	}
}

type zonedConn struct {
	*transport.MemConn
}

func (zonedConn) Zone() string { return "eth3" }

func TestServer_ZoneFromSocket(t *testing.T) {
	var n *transport.MemNetwork
	s, n, _ := newTestServer(t, func(c *Config) {
		c.Listen = func(_ context.Context, group net.IP, port int) (transport.PacketConn, error) {
			conn, err := n.Listen(port, group)
			if err != nil {
				return nil, err
			}
			return zonedConn{conn}, nil
		}
	})
	startServer(t, s)

	s.mu.Lock()
	zone := s.zone
	s.mu.Unlock()
	if zone != "eth3" {
		t.Errorf("zone = %q, want eth3", zone)
	}
}

func TestServer_Stats(t *testing.T) {
	s, _, _ := newTestServer(t, func(c *Config) { c.Alias = "coordinator" })
	request(t, s, protocol.GroupCreate, testProfile("a"), protocol.GroupCreateExtras{Name: "g"})

	st := s.Stats()
	if st.Role != "server" {
		t.Errorf("Role = %q, want server", st.Role)
	}
	if st.Alias != "coordinator" {
		t.Errorf("Alias = %q, want coordinator", st.Alias)
	}
	if st.GroupCount != 1 {
		t.Errorf("GroupCount = %d, want 1", st.GroupCount)
	}
	if st.NodeID != s.ID().String() {
		t.Errorf("NodeID = %q, want %q", st.NodeID, s.ID())
	}
}

// ============================================================================
// Discovery
// ============================================================================

func TestServer_AnswersSolicitation(t *testing.T) {
	s, n, m := newTestServer(t, nil)
	startServer(t, s)

	solicitor, err := n.Listen(addresses.DefaultPort)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer solicitor.Close()

	msg, _ := protocol.NewMessage(protocol.ServerSolicitation, testProfile("c"), nil)
	data, _ := msg.Encode()
	everyone := addresses.DefaultSpace().WellKnown(addresses.DefaultPort).Everyone
	if _, err := solicitor.WriteTo(data, everyone.UDPAddr("")); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	reply, _ := readDatagram(t, solicitor)
	if reply.Type != protocol.ServerAdvertisement {
		t.Fatalf("reply type = %s, want SERVER_ADVERTISEMENT", reply.Type)
	}
	var adv protocol.ServerAdvertisementExtras
	if err := reply.DecodeExtras(&adv); err != nil {
		t.Fatalf("DecodeExtras: %v", err)
	}
	if adv.Port != s.TCPPort() {
		t.Errorf("advertised port = %d, want %d", adv.Port, s.TCPPort())
	}
	if reply.Sender.UUID != s.ID().String() {
		t.Errorf("sender = %s, want server id", reply.Sender.UUID)
	}

	if got := testutil.ToFloat64(m.MessagesSent.WithLabelValues(string(protocol.ServerAdvertisement), metrics.TransportUDP)); got < 1 {
		t.Errorf("MessagesSent[SERVER_ADVERTISEMENT] = %v, want >= 1", got)
	}
}

func TestServer_AnnouncesOnStart(t *testing.T) {
	s, n, _ := newTestServer(t, nil)

	clients := addresses.DefaultSpace().WellKnown(addresses.DefaultPort).Clients
	member, err := n.Listen(addresses.DefaultPort, net.ParseIP(clients.Address))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer member.Close()

	startServer(t, s)

	msg, _ := readDatagram(t, member)
	if msg.Type != protocol.ServerAdvertisement {
		t.Errorf("type = %s, want SERVER_ADVERTISEMENT", msg.Type)
	}
}

func TestServer_DatagramFiltering(t *testing.T) {
	s, _, m := newTestServer(t, nil)
	from := &net.UDPAddr{IP: net.ParseIP("fd00::5"), Port: addresses.DefaultPort}

	s.handleDatagram([]byte("not json"), from)
	if got := testutil.ToFloat64(m.MessagesDropped.WithLabelValues(metrics.DropMalformed)); got != 1 {
		t.Errorf("dropped[malformed] = %v, want 1", got)
	}

	own, _ := protocol.NewMessage(protocol.ServerSolicitation, s.Profile(), nil)
	data, _ := own.Encode()
	s.handleDatagram(data, from)
	if got := testutil.ToFloat64(m.MessagesDropped.WithLabelValues(metrics.DropSelf)); got != 1 {
		t.Errorf("dropped[self] = %v, want 1", got)
	}

	other, _ := protocol.NewMessage(protocol.ClientAdvertisement, testProfile("x"), nil)
	data, _ = other.Encode()
	s.handleDatagram(data, from)
	if got := testutil.ToFloat64(m.MessagesDropped.WithLabelValues(metrics.DropUnhandled)); got != 1 {
		t.Errorf("dropped[unhandled] = %v, want 1", got)
	}
}

// ============================================================================
// Directory
// ============================================================================

func TestServer_CreateGroup(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	space := addresses.DefaultSpace()
	alice := testProfile("alice")

	var ids []string
	for i, name := range []string{"alpha", "beta"} {
		reply := request(t, s, protocol.GroupCreate, alice, protocol.GroupCreateExtras{Name: name})
		if reply.Type != protocol.GroupCreateOK {
			t.Fatalf("reply = %s, want GROUP_CREATE_OK", reply.Type)
		}
		var g protocol.Group
		if err := reply.DecodeExtras(&g); err != nil {
			t.Fatalf("DecodeExtras: %v", err)
		}
		if g.Name != name {
			t.Errorf("Name = %q, want %q", g.Name, name)
		}
		if g.UUID == "" {
			t.Error("UUID is empty")
		}
		if off := space.AddressOffset(g.Channel); off != int64(i) {
			t.Errorf("group %d offset = %d, want %d", i, off, i)
		}
		if g.Channel.Port != addresses.DefaultPort {
			t.Errorf("Port = %d, want %d", g.Channel.Port, addresses.DefaultPort)
		}
		ids = append(ids, g.UUID)
	}

	if len(s.Groups()) != 2 {
		t.Errorf("len(Groups) = %d, want 2", len(s.Groups()))
	}
	if members := s.Members(ids[0]); len(members) != 0 {
		t.Errorf("creator should not be a member, got %v", members)
	}
}

func TestServer_CreateGroupErrors(t *testing.T) {
	s, _, m := newTestServer(t, func(c *Config) {
		c.Space = addresses.Space{Prefix: addresses.DefaultPrefix, Reserved: 4, Max: 5}
	})
	alice := testProfile("alice")

	reply := request(t, s, protocol.GroupCreate, alice, protocol.GroupCreateExtras{Name: ""})
	if reply.Type != protocol.GroupCreateErr {
		t.Errorf("empty name reply = %s, want GROUP_CREATE_ERR", reply.Type)
	}

	for _, name := range []string{"a", "b"} {
		if r := request(t, s, protocol.GroupCreate, alice, protocol.GroupCreateExtras{Name: name}); r.Type != protocol.GroupCreateOK {
			t.Fatalf("create %s = %s, want GROUP_CREATE_OK", name, r.Type)
		}
	}

	reply = request(t, s, protocol.GroupCreate, alice, protocol.GroupCreateExtras{Name: "c"})
	if reply.Type != protocol.GroupCreateErr {
		t.Fatalf("exhausted reply = %s, want GROUP_CREATE_ERR", reply.Type)
	}
	var ge protocol.GroupErrorExtras
	if err := reply.DecodeExtras(&ge); err != nil {
		t.Fatalf("DecodeExtras: %v", err)
	}
	if ge.Reason != ReasonExhausted {
		t.Errorf("Reason = %q, want %q", ge.Reason, ReasonExhausted)
	}
	if ge.Name != "c" {
		t.Errorf("Name = %q, want c", ge.Name)
	}

	if got := testutil.ToFloat64(m.AllocationFailures); got != 1 {
		t.Errorf("AllocationFailures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.GroupRequests.WithLabelValues(string(protocol.GroupCreate), "err")); got != 2 {
		t.Errorf("GroupRequests[GROUP_CREATE,err] = %v, want 2", got)
	}
}

func TestServer_JoinLeave(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	alice, bob := testProfile("alice"), testProfile("bob")

	var g protocol.Group
	request(t, s, protocol.GroupCreate, alice, protocol.GroupCreateExtras{Name: "g"}).DecodeExtras(&g)

	tests := []struct {
		name   string
		typ    protocol.MessageType
		sender protocol.Profile
		group  string
		want   protocol.MessageType
		reason string
	}{
		{"join unknown", protocol.GroupJoin, alice, "nope", protocol.GroupJoinErr, ReasonUnknownGroup},
		{"leave before join", protocol.GroupLeave, alice, g.UUID, protocol.GroupLeaveErr, ReasonNotMember},
		{"alice joins", protocol.GroupJoin, alice, g.UUID, protocol.GroupJoinOK, ""},
		{"alice joins again", protocol.GroupJoin, alice, g.UUID, protocol.GroupJoinOK, ""},
		{"bob joins", protocol.GroupJoin, bob, g.UUID, protocol.GroupJoinOK, ""},
		{"alice leaves", protocol.GroupLeave, alice, g.UUID, protocol.GroupLeaveOK, ""},
		{"alice leaves again", protocol.GroupLeave, alice, g.UUID, protocol.GroupLeaveErr, ReasonNotMember},
		{"leave unknown", protocol.GroupLeave, bob, "nope", protocol.GroupLeaveErr, ReasonUnknownGroup},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reply := request(t, s, tc.typ, tc.sender, protocol.GroupRef{UUID: tc.group})
			if reply.Type != tc.want {
				t.Fatalf("reply = %s, want %s", reply.Type, tc.want)
			}
			if tc.reason != "" {
				var ge protocol.GroupErrorExtras
				reply.DecodeExtras(&ge)
				if ge.Reason != tc.reason {
					t.Errorf("Reason = %q, want %q", ge.Reason, tc.reason)
				}
				if ge.UUID != tc.group {
					t.Errorf("UUID = %q, want %q", ge.UUID, tc.group)
				}
				return
			}
			var got protocol.Group
			if err := reply.DecodeExtras(&got); err != nil {
				t.Fatalf("DecodeExtras: %v", err)
			}
			if got != g {
				t.Errorf("group = %+v, want %+v", got, g)
			}
		})
	}

	members := s.Members(g.UUID)
	if len(members) != 1 || members[0] != bob.UUID {
		t.Errorf("Members = %v, want [%s]", members, bob.UUID)
	}
}

func TestServer_GroupSolicitation(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	alice := testProfile("alice")

	reply := request(t, s, protocol.GroupSolicitation, alice, nil)
	if reply.Type != protocol.GroupAdvertisement {
		t.Fatalf("reply = %s, want GROUP_ADVERTISEMENT", reply.Type)
	}
	dir := protocol.GroupDirectory{}
	if err := reply.DecodeExtras(&dir); err != nil {
		t.Fatalf("DecodeExtras on empty directory: %v", err)
	}
	if len(dir) != 0 {
		t.Errorf("len(dir) = %d, want 0", len(dir))
	}

	request(t, s, protocol.GroupCreate, alice, protocol.GroupCreateExtras{Name: "x"})
	request(t, s, protocol.GroupCreate, alice, protocol.GroupCreateExtras{Name: "x"})

	reply = request(t, s, protocol.GroupSolicitation, alice, nil)
	dir = protocol.GroupDirectory{}
	reply.DecodeExtras(&dir)
	if len(dir) != 2 {
		t.Errorf("len(dir) = %d, want 2 (duplicate names allowed)", len(dir))
	}
}

func TestServer_IgnoresNonRequests(t *testing.T) {
	s, _, m := newTestServer(t, nil)

	for _, typ := range []protocol.MessageType{protocol.ClientAdvertisement, protocol.GroupMessage, protocol.GroupJoinOK} {
		msg, err := protocol.NewMessage(typ, testProfile("alice"), nil)
		if err != nil {
			t.Fatalf("NewMessage: %v", err)
		}
		if r := s.handleRequest(msg); r != nil {
			t.Errorf("%s: reply = %s, want none", typ, r.t)
		}
	}
	if got := testutil.ToFloat64(m.MessagesDropped.WithLabelValues(metrics.DropUnhandled)); got != 3 {
		t.Errorf("dropped[unhandled] = %v, want 3", got)
	}
}

func TestServer_EmptyGroupExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, _, _ := newTestServer(t, func(c *Config) {
		c.GroupTTL = time.Minute
		c.Clock = clock.Now
	})
	alice := testProfile("alice")

	var empty, busy protocol.Group
	request(t, s, protocol.GroupCreate, alice, protocol.GroupCreateExtras{Name: "empty"}).DecodeExtras(&empty)
	request(t, s, protocol.GroupCreate, alice, protocol.GroupCreateExtras{Name: "busy"}).DecodeExtras(&busy)
	request(t, s, protocol.GroupJoin, alice, protocol.GroupRef{UUID: busy.UUID})

	clock.Advance(time.Minute)

	dir := s.Groups()
	if _, ok := dir[empty.UUID]; ok {
		t.Error("empty group should have expired")
	}
	if _, ok := dir[busy.UUID]; !ok {
		t.Error("group with members should not expire")
	}

	if r := request(t, s, protocol.GroupJoin, alice, protocol.GroupRef{UUID: empty.UUID}); r.Type != protocol.GroupJoinErr {
		t.Errorf("join expired group = %s, want GROUP_JOIN_ERR", r.Type)
	}

	// Leaving the last member starts the TTL again.
	request(t, s, protocol.GroupLeave, alice, protocol.GroupRef{UUID: busy.UUID})
	if _, ok := s.Groups()[busy.UUID]; !ok {
		t.Error("group should survive until its TTL after the last member leaves")
	}
	clock.Advance(time.Minute)
	if _, ok := s.Groups()[busy.UUID]; ok {
		t.Error("group should expire one TTL after the last member left")
	}

	// An expired group's channel is reused once swept.
	if n := s.groups.Clean(); n != 2 {
		t.Errorf("Clean = %d, want 2", n)
	}
	var next protocol.Group
	request(t, s, protocol.GroupCreate, alice, protocol.GroupCreateExtras{Name: "next"}).DecodeExtras(&next)
	if next.Channel.Address != empty.Channel.Address {
		t.Errorf("channel = %s, want reused %s", next.Channel.Address, empty.Channel.Address)
	}
}

// ============================================================================
// TCP sessions
// ============================================================================

func TestServer_TCPSession(t *testing.T) {
	s, _, m := newTestServer(t, nil)
	startServer(t, s)

	conn, err := net.DialTimeout("tcp", s.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	fw := protocol.NewFrameWriter(conn)
	fr := protocol.NewFrameReader(conn)
	alice := testProfile("alice")

	// Garbage frames are dropped without closing the session.
	if err := fw.WriteFrame([]byte("{broken")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	req, _ := protocol.NewMessage(protocol.GroupCreate, alice, protocol.GroupCreateExtras{Name: "tcp"})
	if _, err := fw.Write(req); err != nil {
		t.Fatalf("Write: %v", err)
	}

	reply, _, err := fr.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if reply.Type != protocol.GroupCreateOK {
		t.Fatalf("reply = %s, want GROUP_CREATE_OK", reply.Type)
	}
	var g protocol.Group
	reply.DecodeExtras(&g)

	req, _ = protocol.NewMessage(protocol.GroupJoin, alice, protocol.GroupRef{UUID: g.UUID})
	fw.Write(req)
	reply, _, err = fr.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if reply.Type != protocol.GroupJoinOK {
		t.Errorf("reply = %s, want GROUP_JOIN_OK", reply.Type)
	}

	if got := testutil.ToFloat64(m.SessionsTotal); got != 1 {
		t.Errorf("SessionsTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MessagesDropped.WithLabelValues(metrics.DropMalformed)); got != 1 {
		t.Errorf("dropped[malformed] = %v, want 1", got)
	}
	if st := s.Stats(); st.Sessions != 1 {
		t.Errorf("Stats.Sessions = %d, want 1", st.Sessions)
	}
}

// Package server implements the groupcast coordinating server. It answers
// server solicitations on the everyone channel and serves the group directory
// over framed TCP sessions: it allocates a multicast channel per group and
// tracks group membership.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/groupcast/internal/addresses"
	"github.com/postalsys/groupcast/internal/health"
	"github.com/postalsys/groupcast/internal/identity"
	"github.com/postalsys/groupcast/internal/logging"
	"github.com/postalsys/groupcast/internal/metrics"
	"github.com/postalsys/groupcast/internal/neighbor"
	"github.com/postalsys/groupcast/internal/protocol"
	"github.com/postalsys/groupcast/internal/recovery"
	"github.com/postalsys/groupcast/internal/transport"
)

const (
	// DefaultAddress is the TCP listen address
	DefaultAddress = "[::]:32769"

	// DefaultGroupTTL is how long a group without members is kept
	DefaultGroupTTL = 10 * time.Minute

	// DefaultAlias is carried in the sender profile of server messages
	DefaultAlias = "server"

	// memberTTL keeps groups with members from ever expiring.
	memberTTL = 100 * 365 * 24 * time.Hour
)

// Rejection reasons carried in GROUP_*_ERR replies.
const (
	ReasonNameRequired = "group name required"
	ReasonExhausted    = "no multicast address available"
	ReasonUnknownGroup = "unknown group"
	ReasonNotMember    = "not a member"
)

var (
	// ErrAlreadyRunning is returned by Start on a running server
	ErrAlreadyRunning = errors.New("server already running")

	// ErrStopped is returned by Start after Stop
	ErrStopped = errors.New("server stopped")
)

// Config configures a Server.
type Config struct {
	// ID is the server identity. A zero ID is replaced with a random one.
	ID identity.ID

	// Alias is the sender alias of server messages.
	Alias string

	// Space is the multicast address space shared with clients.
	Space addresses.Space

	// Port is the UDP port of every multicast channel, and of allocated
	// group channels.
	Port int

	// Address is the TCP listen address.
	Address string

	// Zone is the interface used to reach link-local peers.
	Zone string

	// GroupTTL is how long a group without members survives.
	GroupTTL time.Duration

	// Listen opens the UDP socket. Defaults to real IPv6 multicast.
	Listen transport.ListenFunc

	// Clock overrides time.Now for the group directory.
	Clock func() time.Time

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns a config suited to a LAN deployment.
func DefaultConfig() Config {
	return Config{
		Alias:    DefaultAlias,
		Space:    addresses.DefaultSpace(),
		Port:     addresses.DefaultPort,
		Address:  DefaultAddress,
		GroupTTL: DefaultGroupTTL,
	}
}

// groupEntry is a directory record: the group and its members by client id.
type groupEntry struct {
	Group   protocol.Group
	Members map[string]protocol.Profile
}

func cloneEntry(e groupEntry) groupEntry {
	members := make(map[string]protocol.Profile, len(e.Members))
	for id, p := range e.Members {
		members[id] = p
	}
	e.Members = members
	return e
}

// Server is a groupcast coordinating server.
type Server struct {
	cfg      Config
	id       identity.ID
	logger   *slog.Logger
	metrics  *metrics.Metrics
	channels addresses.WellKnown

	// dirMu serializes read-modify-write cycles on the directory.
	dirMu  sync.Mutex
	groups *neighbor.Cache[groupEntry]

	mu       sync.Mutex
	udp      transport.PacketConn
	zone     string
	listener net.Listener
	sessions map[*session]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a server. No socket is opened until Start.
func New(cfg Config) (*Server, error) {
	def := DefaultConfig()
	if cfg.Alias == "" {
		cfg.Alias = def.Alias
	}
	if cfg.Space == (addresses.Space{}) {
		cfg.Space = def.Space
	}
	if err := cfg.Space.Validate(); err != nil {
		return nil, fmt.Errorf("invalid address space: %w", err)
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.GroupTTL <= 0 {
		cfg.GroupTTL = def.GroupTTL
	}
	if cfg.Listen == nil {
		cfg.Listen = transport.MulticastListener(transport.MulticastOptions{
			Interface: cfg.Zone,
			HopLimit:  transport.DefaultMulticastOptions().HopLimit,
			Loopback:  true,
		})
	}

	id := cfg.ID
	if id.IsZero() {
		var err error
		if id, err = identity.NewID(); err != nil {
			return nil, err
		}
	}

	opts := []neighbor.Option[groupEntry]{
		neighbor.WithMaxAge[groupEntry](cfg.GroupTTL),
		neighbor.WithClone[groupEntry](cloneEntry),
	}
	if cfg.Clock != nil {
		opts = append(opts, neighbor.WithClock[groupEntry](cfg.Clock))
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:      cfg,
		id:       id,
		logger:   logging.WithNode(cfg.Logger, "server", id.ShortString()),
		metrics:  cfg.Metrics,
		channels: cfg.Space.WellKnown(cfg.Port),
		groups:   neighbor.NewCache(opts...),
		sessions: make(map[*session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start binds the everyone channel and the TCP listener, then announces the
// server on the clients channel.
func (s *Server) Start(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return ErrStopped
	default:
	}
	if s.running.Swap(true) {
		return ErrAlreadyRunning
	}

	group := net.ParseIP(s.channels.Everyone.Address)
	udp, err := s.cfg.Listen(ctx, group, s.cfg.Port)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("failed to bind everyone channel %s: %w", s.channels.Everyone, err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		udp.Close()
		s.running.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}

	zone := s.cfg.Zone
	if zone == "" {
		zone = transport.ConnZone(udp)
	}

	s.mu.Lock()
	s.udp = udp
	s.zone = zone
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("server listening",
		logging.KeyChannel, s.channels.Everyone.String(),
		logging.KeyAddress, ln.Addr().String())

	recovery.Go(&s.wg, s.logger, "udpLoop", s.udpLoop)
	recovery.Go(&s.wg, s.logger, "acceptLoop", s.acceptLoop)
	recovery.Go(&s.wg, s.logger, "groupSweeper", func() {
		s.groups.Sweep(s.ctx, sweepInterval(s.cfg.GroupTTL), s.afterSweep)
	})

	if err := s.Announce(); err != nil {
		s.logger.Warn("server announcement failed", logging.KeyError, err)
	}
	return nil
}

func sweepInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/2, time.Second), time.Minute)
}

// Stop closes the listener, every session and the UDP socket, then waits for
// the server's goroutines.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		wasRunning := s.running.Swap(false)
		close(s.stopCh)
		s.cancel()

		s.mu.Lock()
		udp, ln := s.udp, s.listener
		sessions := make([]*session, 0, len(s.sessions))
		for sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()

		if ln != nil {
			ln.Close()
		}
		if udp != nil {
			udp.Close()
		}
		for _, sess := range sessions {
			sess.conn.Close()
		}

		s.wg.Wait()

		if wasRunning {
			s.logger.Info("server stopped")
		}
	})
	return nil
}

// IsRunning returns true between Start and Stop.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// ID returns the server identity.
func (s *Server) ID() identity.ID {
	return s.id
}

// Addr returns the TCP listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// TCPPort returns the port carried in SERVER_ADVERTISEMENT.
func (s *Server) TCPPort() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Profile returns the identity carried in every message the server sends.
func (s *Server) Profile() protocol.Profile {
	return protocol.Profile{
		UUID:    s.id.String(),
		Alias:   s.cfg.Alias,
		Channel: s.channels.Everyone.Channel,
	}
}

// Groups returns the active groups.
func (s *Server) Groups() protocol.GroupDirectory {
	now := s.groups.Now()
	dir := make(protocol.GroupDirectory)
	for id, n := range s.groups.GetNeighbors() {
		if n.IsActive(now) {
			dir[id] = n.Data.Group
		}
	}
	return dir
}

// Members returns the sorted client ids of a group's members.
func (s *Server) Members(groupID string) []string {
	n, ok := s.groups.GetNeighbor(groupID)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(n.Data.Members))
	for id := range n.Data.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats implements health.StatsProvider.
func (s *Server) Stats() health.Stats {
	s.mu.Lock()
	sessions := len(s.sessions)
	s.mu.Unlock()

	return health.Stats{
		Role:       "server",
		NodeID:     s.id.String(),
		Alias:      s.cfg.Alias,
		GroupCount: len(s.Groups()),
		Sessions:   sessions,
	}
}

// Announce multicasts an unsolicited SERVER_ADVERTISEMENT on the clients
// channel so clients started before the server find it.
func (s *Server) Announce() error {
	s.mu.Lock()
	zone := s.zone
	s.mu.Unlock()
	return s.sendUDP(s.channels.Clients.UDPAddr(zone))
}

func (s *Server) sendUDP(to *net.UDPAddr) error {
	s.mu.Lock()
	conn := s.udp
	s.mu.Unlock()

	if conn == nil {
		return net.ErrClosed
	}

	m, err := protocol.NewMessage(protocol.ServerAdvertisement, s.Profile(),
		protocol.ServerAdvertisementExtras{Port: s.TCPPort()})
	if err != nil {
		return err
	}
	data, err := m.Encode()
	if err != nil {
		return err
	}

	if _, err := conn.WriteTo(data, to); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", m.Type, to, err)
	}
	s.metrics.RecordSent(string(m.Type), metrics.TransportUDP, len(data))
	return nil
}

// ============================================================================
// Discovery
// ============================================================================

func (s *Server) udpLoop() {
	buf := make([]byte, protocol.MaxDatagramSize)

	for {
		n, from, err := s.udp.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				s.logger.Error("udp read failed", logging.KeyError, err)
			}
			return
		}
		s.handleDatagram(buf[:n], from)
	}
}

func (s *Server) handleDatagram(data []byte, from *net.UDPAddr) {
	m, err := protocol.Decode(data)
	if err != nil {
		s.metrics.RecordDropped(metrics.DropMalformed)
		s.logger.Debug("dropping malformed datagram",
			logging.KeyRemoteAddr, from.String(),
			logging.KeyError, err)
		return
	}
	s.metrics.RecordReceived(string(m.Type), metrics.TransportUDP, len(data))

	if m.Sender.UUID == s.id.String() {
		s.metrics.RecordDropped(metrics.DropSelf)
		return
	}
	if m.Type != protocol.ServerSolicitation {
		s.metrics.RecordDropped(metrics.DropUnhandled)
		return
	}

	if err := s.sendUDP(from); err != nil {
		s.logger.Debug("server advertisement failed",
			logging.KeyRemoteAddr, from.String(),
			logging.KeyError, err)
	}
}

// ============================================================================
// Sessions
// ============================================================================

type session struct {
	conn   net.Conn
	writer *protocol.FrameWriter
	remote string
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				s.logger.Error("accept failed", logging.KeyError, err)
			}
			return
		}

		sess := &session{
			conn:   conn,
			writer: protocol.NewFrameWriter(conn),
			remote: conn.RemoteAddr().String(),
		}

		s.mu.Lock()
		if !s.running.Load() {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.metrics.RecordSessionOpen()
		recovery.Go(&s.wg, s.logger, "session", func() { s.serveSession(sess) })
	}
}

func (s *Server) serveSession(sess *session) {
	s.logger.Debug("session opened", logging.KeyRemoteAddr, sess.remote)

	defer func() {
		sess.conn.Close()
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		s.metrics.RecordSessionClose()
		s.logger.Debug("session closed", logging.KeyRemoteAddr, sess.remote)
	}()

	fr := protocol.NewFrameReader(sess.conn)
	for {
		m, size, err := fr.Read()
		switch {
		case errors.Is(err, protocol.ErrEmptyFrame):
			s.metrics.RecordDropped(metrics.DropMalformed)
			continue
		case errors.Is(err, protocol.ErrMalformedMessage), errors.Is(err, protocol.ErrUnknownType):
			s.metrics.RecordDropped(metrics.DropMalformed)
			s.logger.Debug("dropping malformed frame",
				logging.KeyRemoteAddr, sess.remote,
				logging.KeyError, err)
			continue
		case err != nil:
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("session read failed",
					logging.KeyRemoteAddr, sess.remote,
					logging.KeyError, err)
			}
			return
		}
		s.metrics.RecordReceived(string(m.Type), metrics.TransportTCP, size)

		reply := s.handleRequest(m)
		if reply == nil {
			continue
		}
		if err := s.send(sess, reply); err != nil {
			s.logger.Debug("reply failed",
				logging.KeyRemoteAddr, sess.remote,
				logging.KeyError, err)
			return
		}
	}
}

type reply struct {
	t      protocol.MessageType
	extras any
}

func (s *Server) send(sess *session, r *reply) error {
	m, err := protocol.NewMessage(r.t, s.Profile(), r.extras)
	if err != nil {
		return err
	}
	n, err := sess.writer.Write(m)
	if err != nil {
		return err
	}
	s.metrics.RecordSent(string(r.t), metrics.TransportTCP, n)
	return nil
}

// handleRequest applies a group request and returns the reply, or nil for
// messages the server does not serve.
func (s *Server) handleRequest(m *protocol.Message) *reply {
	if !protocol.IsGroupRequest(m.Type) {
		s.metrics.RecordDropped(metrics.DropUnhandled)
		return nil
	}

	var r *reply
	switch m.Type {
	case protocol.GroupCreate:
		var req protocol.GroupCreateExtras
		if err := m.DecodeExtras(&req); err != nil {
			s.metrics.RecordDropped(metrics.DropMalformed)
			return nil
		}
		r = s.createGroup(req.Name)

	case protocol.GroupJoin:
		var req protocol.GroupRef
		if err := m.DecodeExtras(&req); err != nil {
			s.metrics.RecordDropped(metrics.DropMalformed)
			return nil
		}
		r = s.joinGroup(req.UUID, m.Sender)

	case protocol.GroupLeave:
		var req protocol.GroupRef
		if err := m.DecodeExtras(&req); err != nil {
			s.metrics.RecordDropped(metrics.DropMalformed)
			return nil
		}
		r = s.leaveGroup(req.UUID, m.Sender)

	default: // GROUP_SOLICITATION
		r = &reply{t: protocol.GroupAdvertisement, extras: s.Groups()}
	}

	result := "ok"
	if protocol.IsGroupErr(r.t) {
		result = "err"
	}
	s.metrics.RecordGroupRequest(string(m.Type), result)
	return r
}

// ============================================================================
// Directory
// ============================================================================

func (s *Server) createGroup(name string) *reply {
	if name == "" {
		return &reply{t: protocol.GroupCreateErr, extras: protocol.GroupErrorExtras{Reason: ReasonNameRequired}}
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	entries := s.groups.GetNeighbors()
	used := make([]addresses.RawChannel, 0, len(entries))
	for _, n := range entries {
		used = append(used, n.Data.Group.Channel)
	}

	ch, err := s.cfg.Space.GetMulticast(used, s.cfg.Port)
	if err != nil {
		s.metrics.RecordAllocationFailure()
		s.logger.Warn("group allocation failed", "name", name, logging.KeyError, err)
		return &reply{t: protocol.GroupCreateErr, extras: protocol.GroupErrorExtras{Name: name, Reason: ReasonExhausted}}
	}

	g := protocol.Group{UUID: uuid.NewString(), Name: name, Channel: ch}
	s.groups.UpdateNeighbor(s.groups.NewNeighbor(g.UUID, groupEntry{Group: g}, s.cfg.GroupTTL))
	s.metrics.SetGroupsActive(s.groups.Len())

	s.logger.Info("group created",
		logging.KeyGroupID, g.UUID,
		"name", name,
		logging.KeyChannel, ch.String())
	return &reply{t: protocol.GroupCreateOK, extras: g}
}

func (s *Server) joinGroup(groupID string, member protocol.Profile) *reply {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	n, ok := s.lookup(groupID)
	if !ok {
		return &reply{t: protocol.GroupJoinErr, extras: protocol.GroupErrorExtras{UUID: groupID, Reason: ReasonUnknownGroup}}
	}

	if n.Data.Members == nil {
		n.Data.Members = make(map[string]protocol.Profile)
	}
	n.Data.Members[member.UUID] = member
	s.groups.UpdateNeighbor(s.groups.NewNeighbor(groupID, n.Data, memberTTL))

	s.logger.Debug("member joined",
		logging.KeyGroupID, groupID,
		logging.KeyPeerID, member.UUID,
		logging.KeyCount, len(n.Data.Members))
	return &reply{t: protocol.GroupJoinOK, extras: n.Data.Group}
}

func (s *Server) leaveGroup(groupID string, member protocol.Profile) *reply {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	n, ok := s.lookup(groupID)
	if !ok {
		return &reply{t: protocol.GroupLeaveErr, extras: protocol.GroupErrorExtras{UUID: groupID, Reason: ReasonUnknownGroup}}
	}
	if _, isMember := n.Data.Members[member.UUID]; !isMember {
		return &reply{t: protocol.GroupLeaveErr, extras: protocol.GroupErrorExtras{UUID: groupID, Name: n.Data.Group.Name, Reason: ReasonNotMember}}
	}

	delete(n.Data.Members, member.UUID)
	ttl := memberTTL
	if len(n.Data.Members) == 0 {
		ttl = s.cfg.GroupTTL
	}
	s.groups.UpdateNeighbor(s.groups.NewNeighbor(groupID, n.Data, ttl))

	s.logger.Debug("member left",
		logging.KeyGroupID, groupID,
		logging.KeyPeerID, member.UUID,
		logging.KeyCount, len(n.Data.Members))
	return &reply{t: protocol.GroupLeaveOK, extras: n.Data.Group}
}

// lookup returns the active entry for groupID.
func (s *Server) lookup(groupID string) (neighbor.Neighbor[groupEntry], bool) {
	n, ok := s.groups.GetNeighbor(groupID)
	if !ok || n.IsStale(s.groups.Now()) {
		return neighbor.Neighbor[groupEntry]{}, false
	}
	return n, true
}

func (s *Server) afterSweep(removed int) {
	s.metrics.SetGroupsActive(s.groups.Len())
	s.logger.Info("expired empty groups", logging.KeyCount, removed)
}

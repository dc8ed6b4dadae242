// Package client implements the groupcast client agent: the protocol state
// machine that discovers a server and peers over IPv6 multicast, keeps a
// neighbor cache of live clients and drives group membership through a TCP
// session to the server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

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

var (
	// ErrAlreadyRunning is returned by Start on a running agent
	ErrAlreadyRunning = errors.New("agent already running")

	// ErrNotStarted is returned by UDP operations before Start
	ErrNotStarted = errors.New("agent not started")

	// ErrStopped is returned by Start after Stop
	ErrStopped = errors.New("agent stopped")

	// ErrNotMember is returned when sending to a group the agent has not joined
	ErrNotMember = errors.New("not a member of group")
)

const (
	// taskQueueSize bounds the work waiting for the dispatch goroutine.
	taskQueueSize = 256

	// maxLimiters triggers a prune of idle solicitation limiters.
	maxLimiters = 1024
)

// State is the agent's connection state.
type State int

const (
	StateUnbound    State = iota // Created, no socket yet
	StateListening               // UDP bound, no server session
	StateConnecting              // Dialing a server
	StateConnected               // Server session writable
	StateClosed                  // Stopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnbound:
		return "UNBOUND"
	case StateListening:
		return "LISTENING"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Config configures an Agent.
type Config struct {
	// ID is the agent identity. A zero ID is replaced with a random one.
	ID identity.ID

	// Alias is the initial human-readable name.
	Alias string

	// Space is the multicast address space shared with the server.
	Space addresses.Space

	// Port is the UDP port of every multicast channel.
	Port int

	// Zone is the interface used to reach link-local peers.
	Zone string

	// AdvertiseInterval is the period of CLIENT_ADVERTISEMENT re-sends.
	// Zero disables periodic re-advertisement.
	AdvertiseInterval time.Duration

	// CacheMaxAge is the lifetime of a client cache entry.
	CacheMaxAge time.Duration

	// SweepInterval runs CleanClientCache periodically when positive.
	SweepInterval time.Duration

	// ConnectTimeout bounds each TCP dial to a server.
	ConnectTimeout time.Duration

	// SolicitRate and SolicitBurst throttle replies to CLIENT_SOLICITATION
	// from any one solicitor. A zero rate disables throttling.
	SolicitRate  rate.Limit
	SolicitBurst int

	// Listen opens the UDP socket. Defaults to real IPv6 multicast.
	Listen transport.ListenFunc

	// Dial opens the TCP session. Defaults to a net.Dialer.
	Dial transport.Dialer

	// Clock overrides time.Now for the client cache.
	Clock func() time.Time

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns a config suited to a LAN deployment.
func DefaultConfig() Config {
	return Config{
		Space:             addresses.DefaultSpace(),
		Port:              addresses.DefaultPort,
		AdvertiseInterval: 2 * time.Second,
		CacheMaxAge:       neighbor.DefaultMaxAge,
		ConnectTimeout:    10 * time.Second,
		SolicitRate:       20,
		SolicitBurst:      10,
	}
}

// Agent is a groupcast client.
type Agent struct {
	cfg      Config
	id       identity.ID
	logger   *slog.Logger
	metrics  *metrics.Metrics
	channels addresses.WellKnown
	clients  *neighbor.Cache[protocol.Profile]
	events   *bus

	mu         sync.RWMutex
	state      State
	alias      string
	groups     protocol.GroupDirectory // Groups this agent created or joined
	subscribed map[string]struct{}     // Groups whose channel the socket joined
	groupCache protocol.GroupDirectory // Last known server directory
	session    *session
	sessionSeq uint64
	udp        transport.PacketConn
	zone       string // Zone for link-scoped destinations

	// limiters throttle solicitation replies per soliciting client id.
	limitMu      sync.Mutex
	solicitLimit rate.Limit
	solicitBurst int
	limiters     map[string]*rate.Limiter

	tasks chan func()

	ctx      context.Context
	cancel   context.CancelFunc
	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates an agent. No socket is opened until Start.
func New(cfg Config) (*Agent, error) {
	def := DefaultConfig()
	if cfg.Space == (addresses.Space{}) {
		cfg.Space = def.Space
	}
	if err := cfg.Space.Validate(); err != nil {
		return nil, fmt.Errorf("invalid address space: %w", err)
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.CacheMaxAge <= 0 {
		cfg.CacheMaxAge = def.CacheMaxAge
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.Listen == nil {
		cfg.Listen = transport.MulticastListener(transport.MulticastOptions{
			Interface: cfg.Zone,
			HopLimit:  transport.DefaultMulticastOptions().HopLimit,
			Loopback:  true,
		})
	}
	if cfg.Dial == nil {
		cfg.Dial = transport.NewTCPDialer(cfg.ConnectTimeout)
	}

	id := cfg.ID
	if id.IsZero() {
		var err error
		if id, err = identity.NewID(); err != nil {
			return nil, err
		}
	}

	limit, burst := cfg.SolicitRate, cfg.SolicitBurst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}

	opts := []neighbor.Option[protocol.Profile]{neighbor.WithMaxAge[protocol.Profile](cfg.CacheMaxAge)}
	if cfg.Clock != nil {
		opts = append(opts, neighbor.WithClock[protocol.Profile](cfg.Clock))
	}

	logger := logging.WithNode(cfg.Logger, "client", id.ShortString())
	ctx, cancel := context.WithCancel(context.Background())

	return &Agent{
		cfg:        cfg,
		id:         id,
		logger:     logger,
		metrics:    cfg.Metrics,
		channels:   cfg.Space.WellKnown(cfg.Port),
		clients:    neighbor.NewCache(opts...),
		events:     newBus(logger),
		alias:      cfg.Alias,
		groups:     make(protocol.GroupDirectory),
		subscribed: make(map[string]struct{}),
		groupCache: make(protocol.GroupDirectory),
		tasks:      make(chan func(), taskQueueSize),

		solicitLimit: limit,
		solicitBurst: burst,
		limiters:     make(map[string]*rate.Limiter),

		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
	}, nil
}

// Start binds the UDP socket to the clients channel, then solicits a server
// and announces the agent. It returns once the socket is bound; discovery
// proceeds in the background.
func (a *Agent) Start(ctx context.Context) error {
	select {
	case <-a.stopCh:
		return ErrStopped
	default:
	}
	if a.running.Swap(true) {
		return ErrAlreadyRunning
	}

	group := net.ParseIP(a.channels.Clients.Address)
	conn, err := a.cfg.Listen(ctx, group, a.cfg.Port)
	if err != nil {
		a.running.Store(false)
		return fmt.Errorf("failed to bind clients channel %s: %w", a.channels.Clients, err)
	}

	zone := a.cfg.Zone
	if zone == "" {
		zone = transport.ConnZone(conn)
	}

	a.mu.Lock()
	a.udp = conn
	a.zone = zone
	a.state = StateListening
	a.mu.Unlock()

	a.logger.Info("client listening",
		logging.KeyChannel, a.channels.Clients.String(),
		logging.KeyAddress, conn.LocalAddr().String())

	recovery.Go(&a.wg, a.logger, "dispatchLoop", a.dispatchLoop)
	recovery.Go(&a.wg, a.logger, "udpReadLoop", a.udpReadLoop)
	if a.cfg.AdvertiseInterval > 0 {
		recovery.Go(&a.wg, a.logger, "advertiseLoop", a.advertiseLoop)
	}
	if a.cfg.SweepInterval > 0 {
		recovery.Go(&a.wg, a.logger, "cacheSweeper", func() {
			a.clients.Sweep(a.ctx, a.cfg.SweepInterval, a.afterClean)
		})
	}

	if err := a.FindServer(); err != nil {
		a.logger.Warn("server solicitation failed", logging.KeyError, err)
	}
	if err := a.Advertise(); err != nil {
		a.logger.Warn("client advertisement failed", logging.KeyError, err)
	}

	return nil
}

// Stop announces CLIENT_OFFLINE, then releases the sockets and waits for the
// agent's goroutines. It must not be called from an event handler.
func (a *Agent) Stop() error {
	a.stopOnce.Do(func() {
		wasRunning := a.running.Swap(false)

		if wasRunning {
			if err := a.sendUDP(a.channels.Clients.Channel, protocol.ClientOffline, nil); err != nil {
				a.logger.Debug("offline announcement failed", logging.KeyError, err)
			}
		}

		close(a.stopCh)
		a.cancel()

		a.mu.Lock()
		s := a.session
		a.session = nil
		conn := a.udp
		a.state = StateClosed
		a.mu.Unlock()

		if s != nil {
			s.close()
		}
		if conn != nil {
			conn.Close()
		}

		a.wg.Wait()

		if wasRunning {
			a.logger.Info("client stopped")
		}
	})
	return nil
}

// IsRunning returns true between Start and Stop.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// ID returns the agent identity.
func (a *Agent) ID() identity.ID {
	return a.id
}

// Channels returns the well-known channels the agent uses.
func (a *Agent) Channels() addresses.WellKnown {
	return a.channels
}

// Alias returns the current alias.
func (a *Agent) Alias() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.alias
}

// Profile returns the identity carried in every message the agent sends.
func (a *Agent) Profile() protocol.Profile {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return protocol.Profile{
		UUID:    a.id.String(),
		Alias:   a.alias,
		Channel: a.channels.Clients.Channel,
	}
}

// State returns the connection state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// ClientCache returns a snapshot of the client cache, stale entries included.
func (a *Agent) ClientCache() map[string]neighbor.Neighbor[protocol.Profile] {
	return a.clients.GetNeighbors()
}

// Groups returns a copy of the groups this agent created or joined.
func (a *Agent) Groups() protocol.GroupDirectory {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.groups.Clone()
}

// GroupCache returns a copy of the last known group directory.
func (a *Agent) GroupCache() protocol.GroupDirectory {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.groupCache.Clone()
}

// Stats implements health.StatsProvider.
func (a *Agent) Stats() health.Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return health.Stats{
		Role:            "client",
		NodeID:          a.id.String(),
		Alias:           a.alias,
		ClientCount:     a.clients.Len(),
		GroupCount:      len(a.groupCache),
		JoinedGroups:    len(a.subscribed),
		ServerConnected: a.state == StateConnected,
	}
}

// Subscribe registers fn for events of kind. The returned function removes
// the subscription.
func (a *Agent) Subscribe(kind EventKind, fn Handler) func() {
	return a.events.subscribe(kind, false, fn)
}

// SubscribeAll registers fn for every event.
func (a *Agent) SubscribeAll(fn Handler) func() {
	return a.events.subscribe("", true, fn)
}

// ============================================================================
// Outbound operations
// ============================================================================

// FindServer multicasts a SERVER_SOLICITATION on the server channel.
func (a *Agent) FindServer() error {
	return a.sendUDP(a.channels.Server().Channel, protocol.ServerSolicitation, nil)
}

// Advertise multicasts a CLIENT_ADVERTISEMENT on the clients channel.
func (a *Agent) Advertise() error {
	return a.sendUDP(a.channels.Clients.Channel, protocol.ClientAdvertisement, nil)
}

// UpdateClientCache asks every client to announce itself.
func (a *Agent) UpdateClientCache() error {
	return a.sendUDP(a.channels.Clients.Channel, protocol.ClientSolicitation, nil)
}

// CleanClientCache evicts stale clients, emits client-cache-update and
// returns how many entries were removed.
func (a *Agent) CleanClientCache() int {
	n := a.clients.Clean()
	a.afterClean(n)
	return n
}

func (a *Agent) afterClean(n int) {
	a.pruneLimiters()
	a.metrics.RecordEvictions(n)
	a.metrics.SetClientCacheSize(a.clients.Len())
	if n > 0 {
		a.logger.Debug("evicted stale clients", logging.KeyCount, n)
	}
	a.emitAsync(Event{Kind: EventClientCacheUpdate})
}

// SetAlias announces the alias change to every client, then applies it.
func (a *Agent) SetAlias(alias string) error {
	old := a.Alias()
	err := a.sendUDP(a.channels.Clients.Channel, protocol.ClientChange, protocol.ClientChangeExtras{
		OldName: old,
		NewName: alias,
	})

	a.mu.Lock()
	a.alias = alias
	a.mu.Unlock()

	return err
}

// CreateGroup asks the server to create a group. The reply arrives as a
// group-create or group-create-error event.
func (a *Agent) CreateGroup(name string) error {
	return a.sendTCP(protocol.GroupCreate, protocol.GroupCreateExtras{Name: name})
}

// JoinGroup asks the server to add the agent to a group.
func (a *Agent) JoinGroup(groupID string) error {
	return a.sendTCP(protocol.GroupJoin, protocol.GroupRef{UUID: groupID})
}

// LeaveGroup asks the server to remove the agent from a group.
func (a *Agent) LeaveGroup(groupID string) error {
	return a.sendTCP(protocol.GroupLeave, protocol.GroupRef{UUID: groupID})
}

// UpdateGroupCache asks the server for the full group directory.
func (a *Agent) UpdateGroupCache() error {
	return a.sendTCP(protocol.GroupSolicitation, nil)
}

// SendGroupMessage multicasts message to a joined group. message may be any
// value encodable as JSON.
func (a *Agent) SendGroupMessage(groupID string, message any) error {
	a.mu.RLock()
	g, ok := a.groups[groupID]
	_, joined := a.subscribed[groupID]
	a.mu.RUnlock()

	if !ok || !joined {
		return fmt.Errorf("%w: %s", ErrNotMember, groupID)
	}

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode group message: %w", err)
	}

	return a.sendUDP(g.Channel.Channel, protocol.GroupMessage, protocol.GroupMessageExtras{
		GroupUUID: groupID,
		Message:   body,
	})
}

// SendMessage unicasts a SINGLE_MESSAGE carrying payload to a client.
func (a *Agent) SendMessage(to addresses.Channel, payload any) error {
	return a.sendUDP(to, protocol.SingleMessage, payload)
}

// Connect replaces the server session with a new one to address:port. The
// dial runs in the background; its outcome is reported by server-connect,
// server-error and server-close events.
func (a *Agent) Connect(address string, port int) error {
	if !a.running.Load() {
		return ErrNotStarted
	}

	a.mu.Lock()
	old := a.session
	a.sessionSeq++
	s := newSession(a.sessionSeq, address, port)
	s.ctx, s.cancel = context.WithCancel(a.ctx)
	a.session = s
	a.state = StateConnecting
	a.mu.Unlock()

	if old != nil {
		old.close()
	}

	a.logger.Debug("connecting to server", logging.KeyRemoteAddr, s.remote)
	recovery.Go(&a.wg, a.logger, "serverSession", func() { a.runSession(s) })
	return nil
}

// allowSolicitation reports whether a CLIENT_SOLICITATION from id may be
// answered.
func (a *Agent) allowSolicitation(id string) bool {
	if a.solicitLimit == rate.Inf {
		return true
	}

	a.limitMu.Lock()
	defer a.limitMu.Unlock()

	l, ok := a.limiters[id]
	if !ok {
		if len(a.limiters) >= maxLimiters {
			a.pruneLimitersLocked()
		}
		l = rate.NewLimiter(a.solicitLimit, a.solicitBurst)
		a.limiters[id] = l
	}
	return l.Allow()
}

func (a *Agent) pruneLimiters() {
	a.limitMu.Lock()
	defer a.limitMu.Unlock()
	a.pruneLimitersLocked()
}

// pruneLimitersLocked drops limiters whose bucket is full again.
func (a *Agent) pruneLimitersLocked() {
	for id, l := range a.limiters {
		if l.Tokens() >= float64(a.solicitBurst) {
			delete(a.limiters, id)
		}
	}
}

// ============================================================================
// Sending
// ============================================================================

func (a *Agent) newMessage(t protocol.MessageType, extras any) ([]byte, error) {
	m, err := protocol.NewMessage(t, a.Profile(), extras)
	if err != nil {
		return nil, err
	}
	return m.Encode()
}

func (a *Agent) sendUDP(to addresses.Channel, t protocol.MessageType, extras any) error {
	a.mu.RLock()
	conn, zone := a.udp, a.zone
	a.mu.RUnlock()

	if conn == nil {
		return ErrNotStarted
	}

	data, err := a.newMessage(t, extras)
	if err != nil {
		return err
	}

	if _, err := conn.WriteTo(data, to.UDPAddr(zone)); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", t, to, err)
	}

	a.metrics.RecordSent(string(t), metrics.TransportUDP, len(data))
	return nil
}

// sendTCP writes a request to the server. A missing or non-writable session
// is not an error: the request is skipped.
func (a *Agent) sendTCP(t protocol.MessageType, extras any) error {
	a.mu.RLock()
	s := a.session
	a.mu.RUnlock()

	if s == nil || !s.writable() {
		a.logger.Debug("server session not writable, request skipped", logging.KeyType, t)
		return nil
	}

	data, err := a.newMessage(t, extras)
	if err != nil {
		return err
	}

	if err := s.write(data); err != nil {
		return fmt.Errorf("failed to send %s: %w", t, err)
	}

	a.metrics.RecordSent(string(t), metrics.TransportTCP, len(data))
	return nil
}

// ============================================================================
// Goroutines
// ============================================================================

// post hands fn to the dispatch goroutine. It reports false once the agent is
// stopping.
func (a *Agent) post(fn func()) bool {
	select {
	case a.tasks <- fn:
		return true
	case <-a.stopCh:
		return false
	}
}

// emitAsync delivers ev on the dispatch goroutine, or inline when the agent
// is not running. It never blocks, so handlers running on the dispatch
// goroutine may call it: with the task queue full, a helper goroutine waits
// for room instead.
func (a *Agent) emitAsync(ev Event) {
	if !a.running.Load() {
		a.events.emit(ev)
		return
	}

	fn := func() { a.events.emit(ev) }
	select {
	case a.tasks <- fn:
	default:
		recovery.Go(&a.wg, a.logger, "emitEvent", func() { a.post(fn) })
	}
}

func (a *Agent) dispatchLoop() {
	for {
		select {
		case <-a.stopCh:
			return
		case fn := <-a.tasks:
			recovery.Call(a.logger, "dispatch", fn)
		}
	}
}

func (a *Agent) udpReadLoop() {
	buf := make([]byte, protocol.MaxDatagramSize)

	for {
		n, from, err := a.udp.ReadFrom(buf)
		if err != nil {
			select {
			case <-a.stopCh:
			default:
				a.logger.Error("udp read failed", logging.KeyError, err)
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		if !a.post(func() { a.handleDatagram(data, from) }) {
			return
		}
	}
}

func (a *Agent) advertiseLoop() {
	ticker := time.NewTicker(a.cfg.AdvertiseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			if err := a.Advertise(); err != nil {
				a.logger.Debug("periodic advertisement failed", logging.KeyError, err)
			}
		}
	}
}

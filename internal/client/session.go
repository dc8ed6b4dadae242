package client

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/postalsys/groupcast/internal/logging"
	"github.com/postalsys/groupcast/internal/metrics"
	"github.com/postalsys/groupcast/internal/protocol"
)

var errSessionNotConnected = errors.New("server session not connected")

// session is one TCP connection to a server. A session is never reused:
// Connect always creates a new one.
type session struct {
	id      uint64
	address string
	port    int
	remote  string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   net.Conn
	writer *protocol.FrameWriter

	attached  atomic.Bool // Dial succeeded
	connected atomic.Bool // Writable
	closed    atomic.Bool
}

func newSession(id uint64, address string, port int) *session {
	return &session{
		id:      id,
		address: address,
		port:    port,
		remote:  net.JoinHostPort(address, strconv.Itoa(port)),
	}
}

// attach installs conn. It returns false if the session was closed while
// dialing, in which case the caller owns conn.
func (s *session) attach(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return false
	}
	s.conn = conn
	s.writer = protocol.NewFrameWriter(conn)
	s.attached.Store(true)
	s.connected.Store(true)
	return true
}

func (s *session) writable() bool {
	return s.connected.Load() && !s.closed.Load()
}

func (s *session) write(data []byte) error {
	s.mu.Lock()
	w := s.writer
	s.mu.Unlock()

	if w == nil {
		return errSessionNotConnected
	}
	return w.WriteFrame(data)
}

func (s *session) close() {
	if s.closed.Swap(true) {
		return
	}
	s.connected.Store(false)
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// dialTarget adds the agent's zone to link-local server addresses.
func (a *Agent) dialTarget(s *session) string {
	a.mu.RLock()
	zone := a.zone
	a.mu.RUnlock()

	host := s.address
	if ip := net.ParseIP(host); ip != nil && ip.IsLinkLocalUnicast() && zone != "" {
		host += "%" + zone
	}
	return net.JoinHostPort(host, strconv.Itoa(s.port))
}

// runSession dials the server and reads frames until the session ends.
func (a *Agent) runSession(s *session) {
	dialCtx, cancel := context.WithTimeout(s.ctx, a.cfg.ConnectTimeout)
	conn, err := a.cfg.Dial(dialCtx, "tcp", a.dialTarget(s))
	cancel()

	if err != nil {
		if !s.closed.Load() {
			a.post(func() { a.sessionEnded(s, err) })
		}
		return
	}
	if !s.attach(conn) {
		conn.Close()
		return
	}

	a.post(func() { a.sessionConnected(s) })

	err = a.readSession(s, conn)
	s.close()
	a.post(func() { a.sessionEnded(s, err) })
}

func (a *Agent) readSession(s *session, conn net.Conn) error {
	fr := protocol.NewFrameReader(conn)

	for {
		m, size, err := fr.Read()
		switch {
		case errors.Is(err, protocol.ErrEmptyFrame):
			a.metrics.RecordDropped(metrics.DropMalformed)
			continue
		case errors.Is(err, protocol.ErrMalformedMessage), errors.Is(err, protocol.ErrUnknownType):
			a.metrics.RecordDropped(metrics.DropMalformed)
			a.logger.Debug("dropping malformed frame",
				logging.KeyRemoteAddr, s.remote,
				logging.KeyError, err)
			continue
		case err != nil:
			return err
		}

		if !a.post(func() { a.handleFrame(s, m, size) }) {
			return nil
		}
	}
}

// isCurrent reports whether s is still the agent's session.
func (a *Agent) isCurrent(s *session) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session == s
}

func (a *Agent) sessionConnected(s *session) {
	a.mu.Lock()
	current := a.session == s
	if current {
		a.state = StateConnected
	}
	a.mu.Unlock()

	if !current {
		return
	}

	a.metrics.RecordServerConnect()
	a.logger.Info("connected to server", logging.KeyRemoteAddr, s.remote)
	a.events.emit(Event{Kind: EventServerConnect, Address: s.remote})
}

// sessionEnded reports the end of the current session. A session replaced
// by Connect ends silently.
func (a *Agent) sessionEnded(s *session, err error) {
	a.mu.Lock()
	current := a.session == s
	if current {
		a.session = nil
		if a.state != StateClosed {
			a.state = StateListening
		}
	}
	a.mu.Unlock()

	if !current {
		return
	}

	clean := err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
	if s.attached.Load() {
		reason := "eof"
		if !clean {
			reason = "error"
		}
		a.metrics.RecordServerDisconnect(reason)
	}

	if !clean {
		a.logger.Warn("server session failed",
			logging.KeyRemoteAddr, s.remote,
			logging.KeyError, err)
		a.events.emit(Event{Kind: EventServerError, Address: s.remote, Err: err})
	} else {
		a.logger.Info("server session closed", logging.KeyRemoteAddr, s.remote)
	}
	a.events.emit(Event{Kind: EventServerClose, Address: s.remote})
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// memQueueSize is the number of datagrams buffered per in-memory socket.
// Datagrams beyond it are dropped, as a full UDP receive buffer would.
const memQueueSize = 256

var errMemAddrInUse = errors.New("address already in use")

// MemNetwork is an in-process datagram network with multicast support. Each
// socket gets its own unicast address so receivers observe a distinct origin
// per sender.
type MemNetwork struct {
	mu     sync.Mutex
	conns  map[string]*MemConn
	nextID uint16
}

// NewMemNetwork creates an empty network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		conns: make(map[string]*MemConn),
	}
}

// Listen creates a socket on port with a fresh unicast address and joins
// each of groups.
func (n *MemNetwork) Listen(port int, groups ...net.IP) (*MemConn, error) {
	n.mu.Lock()
	n.nextID++
	ip := net.ParseIP(fmt.Sprintf("fd00::%x", n.nextID))
	addr := &net.UDPAddr{IP: ip, Port: port}
	if _, exists := n.conns[addr.String()]; exists {
		n.mu.Unlock()
		return nil, errMemAddrInUse
	}

	c := &MemConn{
		net:    n,
		addr:   addr,
		groups: make(map[string]struct{}),
		queue:  make(chan memDatagram, memQueueSize),
		closed: make(chan struct{}),
	}
	n.conns[addr.String()] = c
	n.mu.Unlock()

	for _, g := range groups {
		if err := c.JoinGroup(g); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// ListenFunc returns a ListenFunc creating sockets on this network.
func (n *MemNetwork) ListenFunc() ListenFunc {
	return func(_ context.Context, group net.IP, port int) (PacketConn, error) {
		c, err := n.Listen(port, group)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (n *MemNetwork) deliver(b []byte, from, dst *net.UDPAddr) {
	n.mu.Lock()
	var targets []*MemConn
	if dst.IP.IsMulticast() {
		for _, c := range n.conns {
			if c.addr.Port == dst.Port && c.member(dst.IP) {
				targets = append(targets, c)
			}
		}
	} else if c, ok := n.conns[dst.String()]; ok {
		targets = append(targets, c)
	}
	n.mu.Unlock()

	for _, c := range targets {
		c.enqueue(b, from)
	}
}

func (n *MemNetwork) remove(c *MemConn) {
	n.mu.Lock()
	delete(n.conns, c.addr.String())
	n.mu.Unlock()
}

type memDatagram struct {
	data []byte
	from *net.UDPAddr
}

// MemConn is a PacketConn on a MemNetwork.
type MemConn struct {
	net  *MemNetwork
	addr *net.UDPAddr

	mu     sync.Mutex
	groups map[string]struct{}

	queue     chan memDatagram
	closed    chan struct{}
	closeOnce sync.Once
}

// ReadFrom implements PacketConn.
func (c *MemConn) ReadFrom(b []byte) (int, *net.UDPAddr, error) {
	select {
	case d := <-c.queue:
		n := copy(b, d.data)
		return n, d.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

// WriteTo implements PacketConn.
func (c *MemConn) WriteTo(b []byte, dst *net.UDPAddr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	if dst == nil || dst.IP == nil {
		return 0, fmt.Errorf("invalid destination %v", dst)
	}

	data := append([]byte(nil), b...)
	from := &net.UDPAddr{IP: c.addr.IP, Port: c.addr.Port}
	c.net.deliver(data, from, dst)
	return len(b), nil
}

// JoinGroup implements PacketConn.
func (c *MemConn) JoinGroup(group net.IP) error {
	if !group.IsMulticast() {
		return fmt.Errorf("%w: %s", ErrNotMulticast, group)
	}
	c.mu.Lock()
	c.groups[group.String()] = struct{}{}
	c.mu.Unlock()
	return nil
}

// LeaveGroup implements PacketConn.
func (c *MemConn) LeaveGroup(group net.IP) error {
	c.mu.Lock()
	delete(c.groups, group.String())
	c.mu.Unlock()
	return nil
}

// Groups returns the multicast groups the socket has joined.
func (c *MemConn) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	return out
}

// LocalAddr implements PacketConn.
func (c *MemConn) LocalAddr() net.Addr {
	return c.addr
}

// Close implements PacketConn.
func (c *MemConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.net.remove(c)
	})
	return nil
}

func (c *MemConn) member(group net.IP) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.groups[group.String()]
	return ok
}

func (c *MemConn) enqueue(b []byte, from *net.UDPAddr) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.queue <- memDatagram{data: b, from: from}:
	default:
	}
}

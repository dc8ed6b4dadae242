// Package transport provides the sockets groupcast nodes use: IPv6 multicast
// datagram sockets, an in-memory multicast network for tests and TCP dialing.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/ipv6"
)

// ErrNotMulticast is returned when a group address is not an IPv6 multicast address.
var ErrNotMulticast = errors.New("not an IPv6 multicast address")

// PacketConn is a datagram socket that can subscribe to multicast groups.
type PacketConn interface {
	// ReadFrom reads the next datagram and reports its origin.
	ReadFrom(b []byte) (int, *net.UDPAddr, error)

	// WriteTo sends a datagram to a unicast or multicast destination.
	WriteTo(b []byte, dst *net.UDPAddr) (int, error)

	// JoinGroup subscribes the socket to a multicast group.
	JoinGroup(group net.IP) error

	// LeaveGroup drops a multicast group subscription.
	LeaveGroup(group net.IP) error

	// LocalAddr returns the local address.
	LocalAddr() net.Addr

	// Close releases the socket.
	Close() error
}

// MulticastOptions configures a multicast socket.
type MulticastOptions struct {
	// Interface is the network interface used for group membership and
	// outgoing multicast. Empty selects the system default.
	Interface string

	// HopLimit is the multicast hop limit. Zero keeps the system default.
	HopLimit int

	// Loopback enables delivery of our own multicast to local sockets, which
	// lets several nodes share one host.
	Loopback bool
}

// DefaultMulticastOptions returns options suited to a LAN deployment.
func DefaultMulticastOptions() MulticastOptions {
	return MulticastOptions{
		HopLimit: 8,
		Loopback: true,
	}
}

// MulticastConn is a UDP6 socket bound to a multicast port.
type MulticastConn struct {
	conn *net.UDPConn
	pc   *ipv6.PacketConn
	ifi  *net.Interface
}

// ListenMulticast binds [::]:port with address reuse enabled and joins
// group on it.
func ListenMulticast(ctx context.Context, group net.IP, port int, opts MulticastOptions) (*MulticastConn, error) {
	if group.To4() != nil || !group.IsMulticast() {
		return nil, fmt.Errorf("%w: %s", ErrNotMulticast, group)
	}

	var ifi *net.Interface
	if opts.Interface != "" {
		var err error
		ifi, err = net.InterfaceByName(opts.Interface)
		if err != nil {
			return nil, fmt.Errorf("failed to find interface %s: %w", opts.Interface, err)
		}
	}

	lc := net.ListenConfig{Control: reuseControl}
	pconn, err := lc.ListenPacket(ctx, "udp6", net.JoinHostPort("::", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to bind port %d: %w", port, err)
	}

	conn := pconn.(*net.UDPConn)
	m := &MulticastConn{
		conn: conn,
		pc:   ipv6.NewPacketConn(conn),
		ifi:  ifi,
	}

	if ifi != nil {
		if err := m.pc.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set multicast interface: %w", err)
		}
	}
	if err := m.pc.SetMulticastLoopback(opts.Loopback); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set multicast loopback: %w", err)
	}
	if opts.HopLimit > 0 {
		if err := m.pc.SetMulticastHopLimit(opts.HopLimit); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set multicast hop limit: %w", err)
		}
	}

	if err := m.JoinGroup(group); err != nil {
		conn.Close()
		return nil, err
	}

	return m, nil
}

// ReadFrom implements PacketConn.
func (m *MulticastConn) ReadFrom(b []byte) (int, *net.UDPAddr, error) {
	return m.conn.ReadFromUDP(b)
}

// WriteTo implements PacketConn.
func (m *MulticastConn) WriteTo(b []byte, dst *net.UDPAddr) (int, error) {
	return m.conn.WriteToUDP(b, dst)
}

// JoinGroup implements PacketConn.
func (m *MulticastConn) JoinGroup(group net.IP) error {
	if !group.IsMulticast() {
		return fmt.Errorf("%w: %s", ErrNotMulticast, group)
	}
	if err := m.pc.JoinGroup(m.ifi, &net.UDPAddr{IP: group}); err != nil {
		return fmt.Errorf("failed to join group %s: %w", group, err)
	}
	return nil
}

// LeaveGroup implements PacketConn.
func (m *MulticastConn) LeaveGroup(group net.IP) error {
	if err := m.pc.LeaveGroup(m.ifi, &net.UDPAddr{IP: group}); err != nil {
		return fmt.Errorf("failed to leave group %s: %w", group, err)
	}
	return nil
}

// LocalAddr implements PacketConn.
func (m *MulticastConn) LocalAddr() net.Addr {
	return m.conn.LocalAddr()
}

// Close implements PacketConn.
func (m *MulticastConn) Close() error {
	return m.conn.Close()
}

// Zone returns the interface name used for link-scoped destinations.
func (m *MulticastConn) Zone() string {
	if m.ifi == nil {
		return ""
	}
	return m.ifi.Name
}

// ConnZone returns the interface a socket sends link-scoped traffic on, or
// "" when c does not report one.
func ConnZone(c PacketConn) string {
	if z, ok := c.(interface{ Zone() string }); ok {
		return z.Zone()
	}
	return ""
}

// ListenFunc opens a PacketConn bound to port and joined to group.
type ListenFunc func(ctx context.Context, group net.IP, port int) (PacketConn, error)

// MulticastListener returns a ListenFunc backed by ListenMulticast.
func MulticastListener(opts MulticastOptions) ListenFunc {
	return func(ctx context.Context, group net.IP, port int) (PacketConn, error) {
		c, err := ListenMulticast(ctx, group, port, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Dialer opens stream connections, typically net.Dialer.DialContext.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// NewTCPDialer returns a Dialer with a connect timeout.
func NewTCPDialer(timeout time.Duration) Dialer {
	d := &net.Dialer{Timeout: timeout}
	return d.DialContext
}

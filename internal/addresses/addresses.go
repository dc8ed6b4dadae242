// Package addresses allocates IPv6 multicast channels for groupcast.
//
// Every channel address is a fixed 96-bit prefix followed by a 32-bit suffix
// holding Reserved+offset. Offsets below zero name the well-known channels
// (everyone, clients, groups); non-negative offsets are handed out to groups.
package addresses

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	// DefaultReserved is the number of suffix values kept for well-known channels.
	DefaultReserved = 4

	// DefaultMax is the largest suffix value (28-bit address space).
	DefaultMax = 0x0fffffff

	// DefaultPort is the UDP port shared by every multicast channel.
	DefaultPort = 32768
)

// Offsets of the well-known channels.
const (
	OffsetEveryone int64 = -3
	OffsetClients  int64 = -2
	OffsetGroups   int64 = -1
)

var (
	// ErrExhausted is returned when every offset of the space is in use.
	ErrExhausted = errors.New("no multicast address available")

	// ErrInvalidAddress is returned when an address cannot be parsed as IPv6.
	ErrInvalidAddress = errors.New("invalid IPv6 address")
)

// DefaultPrefix is the first six 16-bit groups of every channel address.
var DefaultPrefix = [6]uint16{0xff18, 0xc4a1, 0x0, 0x0, 0x0, 0x0}

// Channel identifies a UDP or TCP endpoint.
type Channel struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// String returns the channel as host:port.
func (c Channel) String() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// UDPAddr resolves the channel to a UDP address. zone is only applied to
// link-scoped addresses and may be empty.
func (c Channel) UDPAddr(zone string) *net.UDPAddr {
	ip := net.ParseIP(c.Address)
	addr := &net.UDPAddr{IP: ip, Port: c.Port}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast() {
		addr.Zone = zone
	}
	return addr
}

// IsZero reports whether the channel is unset.
func (c Channel) IsZero() bool {
	return c.Address == "" && c.Port == 0
}

// RawChannel is a Channel that also carries the eight 16-bit groups of its
// address, used for offset arithmetic.
type RawChannel struct {
	Channel
	Raw [8]uint16 `json:"raw"`
}

// Space describes a multicast address space.
type Space struct {
	Prefix   [6]uint16
	Reserved int64
	Max      int64
}

// DefaultSpace returns the address space used on the wire.
func DefaultSpace() Space {
	return Space{
		Prefix:   DefaultPrefix,
		Reserved: DefaultReserved,
		Max:      DefaultMax,
	}
}

// Validate checks that the space can hold at least one dynamic offset.
func (s Space) Validate() error {
	if s.Reserved < 3 {
		return fmt.Errorf("reserved must be at least 3, got %d", s.Reserved)
	}
	if s.Max < s.Reserved || s.Max > 0xffffffff {
		return fmt.Errorf("max must be in [%d, %d], got %d", s.Reserved, int64(0xffffffff), s.Max)
	}
	return nil
}

// Capacity returns how many dynamic offsets the space holds.
func (s Space) Capacity() int64 {
	return s.Max - s.Reserved + 1
}

// GenMulticast builds the channel for offset. The suffix is clamped to
// [0, Max] so out-of-range offsets collapse onto the edges of the space.
func (s Space) GenMulticast(offset int64, port int) RawChannel {
	suffix := clamp(s.Reserved+offset, 0, s.Max)

	var raw [8]uint16
	copy(raw[:6], s.Prefix[:])
	raw[6] = uint16((suffix >> 16) & 0xffff)
	raw[7] = uint16(suffix & 0xffff)

	return RawChannel{
		Channel: Channel{Address: toIPv6(raw), Port: port},
		Raw:     raw,
	}
}

// AddressOffset recovers the offset that produced ch.
func (s Space) AddressOffset(ch RawChannel) int64 {
	suffix := int64(ch.Raw[6])<<16 | int64(ch.Raw[7])
	return suffix - s.Reserved
}

// GetMulticast returns the channel for the lowest offset not used by any of
// used. Only offsets whose suffix fits without clamping are considered.
func (s Space) GetMulticast(used []RawChannel, port int) (RawChannel, error) {
	taken := make(map[int64]struct{}, len(used))
	for _, ch := range used {
		taken[s.AddressOffset(ch)] = struct{}{}
	}

	for offset := int64(0); offset < s.Capacity(); offset++ {
		if _, ok := taken[offset]; !ok {
			return s.GenMulticast(offset, port), nil
		}
	}

	return RawChannel{}, ErrExhausted
}

// WellKnown holds the fixed channels every node agrees on.
type WellKnown struct {
	Everyone RawChannel
	Clients  RawChannel
	Groups   RawChannel
}

// WellKnown mints the fixed channels on port.
func (s Space) WellKnown(port int) WellKnown {
	return WellKnown{
		Everyone: s.GenMulticast(OffsetEveryone, port),
		Clients:  s.GenMulticast(OffsetClients, port),
		Groups:   s.GenMulticast(OffsetGroups, port),
	}
}

// Server returns the channel servers listen on for solicitations.
func (w WellKnown) Server() RawChannel {
	return w.Everyone
}

// ParseRawChannel decomposes a textual IPv6 address into a RawChannel.
func ParseRawChannel(address string, port int) (RawChannel, error) {
	ip := net.ParseIP(address)
	if ip == nil || ip.To4() != nil {
		return RawChannel{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	ip = ip.To16()

	var raw [8]uint16
	for i := range raw {
		raw[i] = uint16(ip[2*i])<<8 | uint16(ip[2*i+1])
	}

	return RawChannel{
		Channel: Channel{Address: toIPv6(raw), Port: port},
		Raw:     raw,
	}, nil
}

// toIPv6 renders the groups as lowercase hex joined by colons, without
// zero compression.
func toIPv6(raw [8]uint16) string {
	parts := make([]string, len(raw))
	for i, g := range raw {
		parts[i] = strconv.FormatUint(uint64(g), 16)
	}
	return strings.Join(parts, ":")
}

func clamp(v, lo, hi int64) int64 {
	return min(hi, max(v, lo))
}

// Package protocol defines the groupcast wire protocol: JSON message envelopes
// carried in multicast datagrams and in length-prefixed TCP frames.
package protocol

// MessageType identifies the kind of a message. It is encoded on the wire as
// its upper-case name.
type MessageType string

// Client presence messages
const (
	ClientAdvertisement MessageType = "CLIENT_ADVERTISEMENT" // Presence announcement
	ClientSolicitation  MessageType = "CLIENT_SOLICITATION"  // Ask every client to announce itself
	ClientOnline        MessageType = "CLIENT_ONLINE"        // Client joined the overlay
	ClientOffline       MessageType = "CLIENT_OFFLINE"       // Client is leaving the overlay
	ClientChange        MessageType = "CLIENT_CHANGE"        // Client profile changed (alias)
)

// Server discovery messages
const (
	ServerSolicitation  MessageType = "SERVER_SOLICITATION"  // Ask servers to announce themselves
	ServerAdvertisement MessageType = "SERVER_ADVERTISEMENT" // Server announcement carrying its TCP port
)

// Group lifecycle messages
const (
	GroupCreate        MessageType = "GROUP_CREATE"
	GroupCreateOK      MessageType = "GROUP_CREATE_OK"
	GroupCreateErr     MessageType = "GROUP_CREATE_ERR"
	GroupJoin          MessageType = "GROUP_JOIN"
	GroupJoinOK        MessageType = "GROUP_JOIN_OK"
	GroupJoinErr       MessageType = "GROUP_JOIN_ERR"
	GroupLeave         MessageType = "GROUP_LEAVE"
	GroupLeaveOK       MessageType = "GROUP_LEAVE_OK"
	GroupLeaveErr      MessageType = "GROUP_LEAVE_ERR"
	GroupSolicitation  MessageType = "GROUP_SOLICITATION"  // Request the group directory
	GroupAdvertisement MessageType = "GROUP_ADVERTISEMENT" // Full group directory
)

// Payload messages
const (
	GroupMessage  MessageType = "GROUP_MESSAGE"  // Multicast to a group channel
	SingleMessage MessageType = "SINGLE_MESSAGE" // Unicast to one client
)

// Protocol constants
const (
	// LengthSize is the size of the TCP frame length prefix in bytes
	LengthSize = 4

	// MaxPayloadSize is the maximum TCP frame payload size (1 MB)
	MaxPayloadSize = 1 << 20

	// MaxDatagramSize is the largest datagram read from a multicast socket
	MaxDatagramSize = 65535
)

var knownTypes = map[MessageType]struct{}{
	ClientAdvertisement: {},
	ClientSolicitation:  {},
	ClientOnline:        {},
	ClientOffline:       {},
	ClientChange:        {},
	ServerSolicitation:  {},
	ServerAdvertisement: {},
	GroupCreate:         {},
	GroupCreateOK:       {},
	GroupCreateErr:      {},
	GroupJoin:           {},
	GroupJoinOK:         {},
	GroupJoinErr:        {},
	GroupLeave:          {},
	GroupLeaveOK:        {},
	GroupLeaveErr:       {},
	GroupSolicitation:   {},
	GroupAdvertisement:  {},
	GroupMessage:        {},
	SingleMessage:       {},
}

// Valid returns true if t is a known message type.
func (t MessageType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// String returns the wire name of the type.
func (t MessageType) String() string {
	if t == "" {
		return "UNKNOWN"
	}
	return string(t)
}

// IsClientType returns true for client presence messages.
func IsClientType(t MessageType) bool {
	switch t {
	case ClientAdvertisement, ClientSolicitation, ClientOnline, ClientOffline, ClientChange:
		return true
	default:
		return false
	}
}

// IsServerType returns true for server discovery messages.
func IsServerType(t MessageType) bool {
	return t == ServerSolicitation || t == ServerAdvertisement
}

// IsGroupErr returns true for the GROUP_*_ERR replies.
func IsGroupErr(t MessageType) bool {
	return t == GroupCreateErr || t == GroupJoinErr || t == GroupLeaveErr
}

// IsGroupRequest returns true for messages a client sends to the server over TCP.
func IsGroupRequest(t MessageType) bool {
	switch t {
	case GroupCreate, GroupJoin, GroupLeave, GroupSolicitation:
		return true
	default:
		return false
	}
}

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/postalsys/groupcast/internal/addresses"
)

var (
	// ErrMalformedMessage is returned when a payload is not a valid envelope
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnknownType is returned for unrecognized message types
	ErrUnknownType = errors.New("unknown message type")

	// ErrMissingExtras is returned when a message carries no extras but some were expected
	ErrMissingExtras = errors.New("message has no extras")
)

// Profile is a client's identity as carried in every message.
type Profile struct {
	UUID    string            `json:"uuid"`
	Alias   string            `json:"alias"`
	Channel addresses.Channel `json:"channel"`
}

// Message is the envelope exchanged between clients and servers.
type Message struct {
	Type   MessageType     `json:"type"`
	Sender Profile         `json:"sender"`
	Time   int64           `json:"time"` // Unix milliseconds
	Extras json.RawMessage `json:"extras,omitempty"`
}

// NewMessage builds a message stamped with the current time. extras may be
// nil, a json.RawMessage, or any value encodable as JSON.
func NewMessage(t MessageType, sender Profile, extras any) (*Message, error) {
	m := &Message{
		Type:   t,
		Sender: sender,
		Time:   time.Now().UnixMilli(),
	}

	switch v := extras.(type) {
	case nil:
	case json.RawMessage:
		m.Extras = append(json.RawMessage(nil), v...)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s extras: %w", t, err)
		}
		m.Extras = data
	}

	return m, nil
}

// Encode serializes the message to JSON.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Timestamp returns the creation time of the message.
func (m *Message) Timestamp() time.Time {
	return time.UnixMilli(m.Time)
}

// DecodeExtras unmarshals the extras payload into v.
func (m *Message) DecodeExtras(v any) error {
	if len(m.Extras) == 0 || bytes.Equal(m.Extras, []byte("null")) {
		return fmt.Errorf("%w: %s", ErrMissingExtras, m.Type)
	}
	if err := json.Unmarshal(m.Extras, v); err != nil {
		return fmt.Errorf("%w: %s extras: %v", ErrMalformedMessage, m.Type, err)
	}
	return nil
}

// String returns a debug representation of the message.
func (m *Message) String() string {
	return fmt.Sprintf("Message{Type=%s, Sender=%s, Time=%d, ExtrasLen=%d}",
		m.Type, m.Sender.UUID, m.Time, len(m.Extras))
}

// Decode parses a message and checks its type.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, string(m.Type))
	}
	return &m, nil
}

// ============================================================================
// Extras payloads
// ============================================================================

// ServerAdvertisementExtras is carried by SERVER_ADVERTISEMENT.
type ServerAdvertisementExtras struct {
	Port int `json:"port"`
}

// ClientChangeExtras is carried by CLIENT_CHANGE.
type ClientChangeExtras struct {
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

// GroupCreateExtras is carried by GROUP_CREATE.
type GroupCreateExtras struct {
	Name string `json:"name"`
}

// GroupRef names a group in GROUP_JOIN and GROUP_LEAVE.
type GroupRef struct {
	UUID string `json:"uuid"`
}

// Group describes a group and the multicast channel its members listen on.
// It is the extras of GROUP_CREATE_OK, GROUP_JOIN_OK and GROUP_LEAVE_OK.
type Group struct {
	UUID    string               `json:"uuid"`
	Name    string               `json:"name"`
	Channel addresses.RawChannel `json:"channel"`
}

// GroupDirectory maps group ids to groups. It is the extras of GROUP_ADVERTISEMENT.
type GroupDirectory map[string]Group

// Clone returns an independent copy of the directory.
func (d GroupDirectory) Clone() GroupDirectory {
	out := make(GroupDirectory, len(d))
	for id, g := range d {
		out[id] = g
	}
	return out
}

// GroupErrorExtras is carried by the GROUP_*_ERR replies.
type GroupErrorExtras struct {
	UUID   string `json:"uuid,omitempty"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason"`
}

// GroupMessageExtras is carried by GROUP_MESSAGE.
type GroupMessageExtras struct {
	GroupUUID string          `json:"group_uuid"`
	Message   json.RawMessage `json:"message"`
}

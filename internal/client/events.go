package client

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/groupcast/internal/protocol"
	"github.com/postalsys/groupcast/internal/recovery"
)

// EventKind names an event emitted by an Agent.
type EventKind string

// Presence and directory events.
const (
	EventClientCacheUpdate EventKind = "client-cache-update"
	EventGroupCacheUpdate  EventKind = "group-cache-update"
	EventClientGroupJoin   EventKind = "client-group-join"  // Another client joined a group
	EventClientGroupLeave  EventKind = "client-group-leave" // Another client left a group
)

// Message events.
const (
	EventGroupMessage  EventKind = "group-message"
	EventClientMessage EventKind = "client-message"
)

// Own group lifecycle events, driven by server replies.
const (
	EventGroupCreate      EventKind = "group-create"
	EventGroupJoin        EventKind = "group-join"
	EventGroupLeave       EventKind = "group-leave"
	EventGroupCreateError EventKind = "group-create-error"
	EventGroupJoinError   EventKind = "group-join-error"
	EventGroupLeaveError  EventKind = "group-leave-error"
)

// Server session events.
const (
	EventServerConnect EventKind = "server-connect"
	EventServerClose   EventKind = "server-close"
	EventServerError   EventKind = "server-error"
)

// Event is delivered to subscribers. Which fields are set depends on Kind:
//
//	client-cache-update          Sender (zero after a local clean)
//	group-cache-update           Group (zero after a full directory refresh)
//	client-group-join/leave      Sender, Group
//	group-message                Sender, Time, GroupID, Payload
//	client-message               Sender, Time, Payload
//	group-create/join/leave      Group
//	group-*-error                Err (a *GroupError)
//	server-connect, server-close Address
//	server-error                 Address, Err
type Event struct {
	Kind    EventKind
	Sender  protocol.Profile
	Time    time.Time
	Group   protocol.Group
	GroupID string
	Payload json.RawMessage
	Address string
	Err     error
}

// Handler receives events. Handlers run on the agent's dispatch goroutine:
// they must not block for long and must not call Stop.
type Handler func(Event)

// GroupError is the failure reported by a GROUP_*_ERR reply.
type GroupError struct {
	Op     protocol.MessageType
	UUID   string
	Name   string
	Reason string
}

func (e *GroupError) Error() string {
	target := e.UUID
	if target == "" {
		target = e.Name
	}
	return fmt.Sprintf("%s %s: %s", e.Op, target, e.Reason)
}

type subscription struct {
	id   uint64
	kind EventKind
	all  bool
	fn   Handler
}

// bus fans events out to subscribers in subscription order.
type bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	next uint64
	subs []subscription
}

func newBus(logger *slog.Logger) *bus {
	return &bus{logger: logger}
}

func (b *bus) subscribe(kind EventKind, all bool, fn Handler) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscription{id: id, kind: kind, all: all, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *bus) emit(ev Event) {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.all || s.kind == ev.Kind {
			targets = append(targets, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		recovery.Call(b.logger, "event handler "+string(ev.Kind), func() { fn(ev) })
	}
}

package client

import (
	"errors"
	"net"

	"github.com/postalsys/groupcast/internal/addresses"
	"github.com/postalsys/groupcast/internal/logging"
	"github.com/postalsys/groupcast/internal/metrics"
	"github.com/postalsys/groupcast/internal/protocol"
)

// handleDatagram dispatches a multicast or unicast datagram. It runs on the
// dispatch goroutine.
func (a *Agent) handleDatagram(data []byte, from *net.UDPAddr) {
	m, err := protocol.Decode(data)
	if err != nil {
		a.metrics.RecordDropped(metrics.DropMalformed)
		a.logger.Debug("dropping malformed datagram",
			logging.KeyRemoteAddr, from.String(),
			logging.KeyError, err)
		return
	}
	a.metrics.RecordReceived(string(m.Type), metrics.TransportUDP, len(data))

	if m.Sender.UUID == a.id.String() {
		a.metrics.RecordDropped(metrics.DropSelf)
		return
	}

	// The advertised channel is the sender's multicast channel; replies go to
	// the address the datagram actually came from.
	m.Sender.Channel = addresses.Channel{Address: from.IP.String(), Port: from.Port}

	switch m.Type {
	case protocol.ServerAdvertisement:
		a.handleServerAdvertisement(m)

	case protocol.ClientAdvertisement, protocol.ClientOnline, protocol.ClientChange:
		// CLIENT_CHANGE is sent under the old profile.
		var change protocol.ClientChangeExtras
		if m.Type == protocol.ClientChange && m.DecodeExtras(&change) == nil {
			m.Sender.Alias = change.NewName
		}
		a.clients.Touch(m.Sender.UUID, m.Sender)
		a.metrics.SetClientCacheSize(a.clients.Len())
		a.events.emit(Event{Kind: EventClientCacheUpdate, Sender: m.Sender, Time: m.Timestamp()})

	case protocol.ClientOffline:
		a.clients.RemoveNeighbor(m.Sender.UUID)
		a.metrics.SetClientCacheSize(a.clients.Len())
		a.events.emit(Event{Kind: EventClientCacheUpdate, Sender: m.Sender, Time: m.Timestamp()})

	case protocol.ClientSolicitation:
		if !a.allowSolicitation(m.Sender.UUID) {
			a.metrics.RecordDropped(metrics.DropThrottled)
			return
		}
		if err := a.sendUDP(m.Sender.Channel, protocol.ClientAdvertisement, nil); err != nil {
			a.logger.Debug("solicitation reply failed",
				logging.KeyRemoteAddr, m.Sender.Channel.String(),
				logging.KeyError, err)
		}

	case protocol.GroupCreateOK:
		g, ok := a.decodeGroup(m)
		if !ok {
			return
		}
		a.mu.Lock()
		a.groupCache[g.UUID] = g
		size := len(a.groupCache)
		a.mu.Unlock()
		a.metrics.SetGroupCacheSize(size)
		a.events.emit(Event{Kind: EventGroupCacheUpdate, Sender: m.Sender, Group: g})

	case protocol.GroupJoinOK, protocol.GroupLeaveOK:
		// Some peers announce with a plain text body; the event then carries
		// no group.
		var g protocol.Group
		if err := m.DecodeExtras(&g); err != nil {
			a.logger.Debug("membership announcement without group",
				logging.KeyType, m.Type,
				logging.KeyError, err)
		}
		kind := EventClientGroupJoin
		if m.Type == protocol.GroupLeaveOK {
			kind = EventClientGroupLeave
		}
		a.events.emit(Event{Kind: kind, Sender: m.Sender, Time: m.Timestamp(), Group: g})

	case protocol.GroupMessage:
		var gm protocol.GroupMessageExtras
		if err := m.DecodeExtras(&gm); err != nil {
			a.dropMalformed(m, err)
			return
		}
		a.events.emit(Event{
			Kind:    EventGroupMessage,
			Sender:  m.Sender,
			Time:    m.Timestamp(),
			GroupID: gm.GroupUUID,
			Payload: gm.Message,
		})

	case protocol.SingleMessage:
		a.events.emit(Event{
			Kind:    EventClientMessage,
			Sender:  m.Sender,
			Time:    m.Timestamp(),
			Payload: m.Extras,
		})

	default:
		a.metrics.RecordDropped(metrics.DropUnhandled)
		a.logger.Debug("unhandled datagram", logging.KeyType, m.Type)
	}
}

func (a *Agent) handleServerAdvertisement(m *protocol.Message) {
	var adv protocol.ServerAdvertisementExtras
	if err := m.DecodeExtras(&adv); err != nil || adv.Port <= 0 || adv.Port > 65535 {
		a.dropMalformed(m, err)
		return
	}
	address := m.Sender.Channel.Address

	a.mu.RLock()
	s := a.session
	a.mu.RUnlock()

	// Several servers, or one server answering several solicitations, must
	// not tear down a live session to the same endpoint.
	if s != nil && !s.closed.Load() && s.address == address && s.port == adv.Port {
		return
	}

	if err := a.Connect(address, adv.Port); err != nil {
		a.logger.Debug("connect failed", logging.KeyAddress, address, logging.KeyError, err)
	}
}

// handleFrame dispatches a server reply. It runs on the dispatch goroutine.
func (a *Agent) handleFrame(s *session, m *protocol.Message, size int) {
	if !a.isCurrent(s) {
		a.metrics.RecordDropped(metrics.DropStaleSession)
		return
	}
	a.metrics.RecordReceived(string(m.Type), metrics.TransportTCP, size)

	if m.Sender.UUID == a.id.String() {
		a.metrics.RecordDropped(metrics.DropSelf)
		return
	}

	// Discovery and presence only travel over multicast.
	if protocol.IsClientType(m.Type) || protocol.IsServerType(m.Type) {
		a.metrics.RecordDropped(metrics.DropUnhandled)
		a.logger.Debug("discovery message on server session", logging.KeyType, m.Type)
		return
	}

	switch m.Type {
	case protocol.GroupAdvertisement:
		dir := make(protocol.GroupDirectory)
		if err := m.DecodeExtras(&dir); err != nil && !errors.Is(err, protocol.ErrMissingExtras) {
			a.dropMalformed(m, err)
			return
		}
		for id, g := range dir {
			normalized, err := withRawChannel(g)
			if err != nil {
				a.logger.Debug("dropping group with bad channel", logging.KeyGroupID, id, logging.KeyError, err)
				delete(dir, id)
				continue
			}
			dir[id] = normalized
		}
		a.mu.Lock()
		a.groupCache = dir
		a.mu.Unlock()
		a.metrics.SetGroupCacheSize(len(dir))
		a.events.emit(Event{Kind: EventGroupCacheUpdate, Sender: m.Sender})

	case protocol.GroupCreateOK:
		g, ok := a.decodeGroup(m)
		if !ok {
			return
		}
		a.mu.Lock()
		a.groups[g.UUID] = g
		a.mu.Unlock()

		if err := a.sendUDP(a.channels.Clients.Channel, protocol.GroupCreateOK, g); err != nil {
			a.logger.Warn("group announcement failed", logging.KeyGroupID, g.UUID, logging.KeyError, err)
		}
		a.logger.Info("group created", logging.KeyGroupID, g.UUID, logging.KeyChannel, g.Channel.String())
		a.events.emit(Event{Kind: EventGroupCreate, Sender: m.Sender, Group: g})

	case protocol.GroupJoinOK:
		g, ok := a.decodeGroup(m)
		if !ok {
			return
		}
		a.joinChannel(g)
		if err := a.sendUDP(g.Channel.Channel, protocol.GroupJoinOK, g); err != nil {
			a.logger.Warn("join announcement failed", logging.KeyGroupID, g.UUID, logging.KeyError, err)
		}
		a.logger.Info("joined group", logging.KeyGroupID, g.UUID, logging.KeyChannel, g.Channel.String())
		a.events.emit(Event{Kind: EventGroupJoin, Sender: m.Sender, Group: g})

	case protocol.GroupLeaveOK:
		g, ok := a.decodeGroup(m)
		if !ok {
			return
		}
		if err := a.sendUDP(g.Channel.Channel, protocol.GroupLeaveOK, g); err != nil {
			a.logger.Warn("leave announcement failed", logging.KeyGroupID, g.UUID, logging.KeyError, err)
		}
		a.leaveChannel(g)
		a.logger.Info("left group", logging.KeyGroupID, g.UUID)
		a.events.emit(Event{Kind: EventGroupLeave, Sender: m.Sender, Group: g})

	case protocol.GroupCreateErr, protocol.GroupJoinErr, protocol.GroupLeaveErr:
		var ge protocol.GroupErrorExtras
		if err := m.DecodeExtras(&ge); err != nil {
			a.dropMalformed(m, err)
			return
		}
		kind := map[protocol.MessageType]EventKind{
			protocol.GroupCreateErr: EventGroupCreateError,
			protocol.GroupJoinErr:   EventGroupJoinError,
			protocol.GroupLeaveErr:  EventGroupLeaveError,
		}[m.Type]
		gerr := &GroupError{Op: m.Type, UUID: ge.UUID, Name: ge.Name, Reason: ge.Reason}
		a.logger.Warn("group request rejected", logging.KeyType, m.Type, logging.KeyError, gerr)
		a.events.emit(Event{Kind: kind, Sender: m.Sender, Err: gerr})

	default:
		a.metrics.RecordDropped(metrics.DropUnhandled)
		a.logger.Debug("unhandled frame", logging.KeyType, m.Type)
	}
}

func (a *Agent) decodeGroup(m *protocol.Message) (protocol.Group, bool) {
	var g protocol.Group
	if err := m.DecodeExtras(&g); err != nil || g.UUID == "" {
		a.dropMalformed(m, err)
		return g, false
	}
	g, err := withRawChannel(g)
	if err != nil {
		a.dropMalformed(m, err)
		return g, false
	}
	return g, true
}

// withRawChannel fills in the raw groups of a channel that arrived as text
// only, so its offset and rendering match locally minted channels.
func withRawChannel(g protocol.Group) (protocol.Group, error) {
	if g.Channel.Raw != ([8]uint16{}) {
		return g, nil
	}
	ch, err := addresses.ParseRawChannel(g.Channel.Address, g.Channel.Port)
	if err != nil {
		return g, err
	}
	g.Channel = ch
	return g, nil
}

// joinChannel records g and subscribes the socket to its channel once.
func (a *Agent) joinChannel(g protocol.Group) {
	a.mu.Lock()
	a.groups[g.UUID] = g
	_, already := a.subscribed[g.UUID]
	a.subscribed[g.UUID] = struct{}{}
	conn := a.udp
	joined := len(a.subscribed)
	a.mu.Unlock()

	a.metrics.SetGroupsJoined(joined)
	if already || conn == nil {
		return
	}
	if err := conn.JoinGroup(net.ParseIP(g.Channel.Address)); err != nil {
		a.logger.Warn("failed to join group channel",
			logging.KeyGroupID, g.UUID,
			logging.KeyChannel, g.Channel.String(),
			logging.KeyError, err)
	}
}

func (a *Agent) leaveChannel(g protocol.Group) {
	a.mu.Lock()
	delete(a.groups, g.UUID)
	_, was := a.subscribed[g.UUID]
	delete(a.subscribed, g.UUID)
	conn := a.udp
	joined := len(a.subscribed)
	a.mu.Unlock()

	a.metrics.SetGroupsJoined(joined)
	if !was || conn == nil {
		return
	}
	if err := conn.LeaveGroup(net.ParseIP(g.Channel.Address)); err != nil {
		a.logger.Warn("failed to leave group channel",
			logging.KeyGroupID, g.UUID,
			logging.KeyError, err)
	}
}

func (a *Agent) dropMalformed(m *protocol.Message, err error) {
	a.metrics.RecordDropped(metrics.DropMalformed)
	a.logger.Debug("dropping message with bad extras",
		logging.KeyType, m.Type,
		logging.KeyError, err)
}

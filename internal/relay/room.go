// Package relay implements the authoritative per-room state machine: it
// owns roomState, the presence map and the peer registry, merges inbound
// patches and fans full snapshots out to every connection.
package relay

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/syncroom/internal/domain"
	"github.com/dkeye/syncroom/internal/metrics"
	"github.com/dkeye/syncroom/internal/protocol"
	"github.com/dkeye/syncroom/internal/state"
)

// Frame is one raw text frame as delivered by the transport.
type Frame []byte

// Sender is the outbound half of a peer connection.
// Owned by the adapter; the adapter must Close() it.
type Sender interface {
	TrySend(Frame) error
	Close()
}

type cmdKind int

const (
	cmdJoin cmdKind = iota
	cmdLeave
	cmdFrame
)

type command struct {
	kind   cmdKind
	id     domain.ClientID
	peer   domain.Peer
	sender Sender
	frame  Frame
}

// Room is one room actor. All state below the inbox is owned by the single
// run goroutine; nothing else may touch it.
type Room struct {
	id     domain.RoomID
	log    zerolog.Logger
	met    *metrics.Metrics
	policy Policy

	inbox chan command
	quit  chan struct{}

	peerCount  atomic.Int64
	emptySince atomic.Int64 // unix nano; 0 while occupied

	conns     map[domain.ClientID]Sender
	peers     map[domain.ClientID]domain.Peer
	presence  map[domain.ClientID]state.Doc
	roomState state.Doc
}

func NewRoom(id domain.RoomID, logger zerolog.Logger, met *metrics.Metrics, policy Policy) *Room {
	if policy == nil {
		policy = DropPolicy{}
	}
	r := &Room{
		id:        id,
		log:       logger.With().Str("module", "relay").Str("room", string(id)).Logger(),
		met:       met,
		policy:    policy,
		inbox:     make(chan command, 64),
		quit:      make(chan struct{}),
		conns:     make(map[domain.ClientID]Sender),
		peers:     make(map[domain.ClientID]domain.Peer),
		presence:  make(map[domain.ClientID]state.Doc),
		roomState: state.Doc{},
	}
	r.emptySince.Store(time.Now().UnixNano())
	return r
}

// Run consumes the inbox until Stop. One message at a time, in arrival
// order; the merge engine's non-commutativity relies on this total order.
func (r *Room) Run() {
	for {
		select {
		case <-r.quit:
			return
		case c := <-r.inbox:
			switch c.kind {
			case cmdJoin:
				r.handleJoin(c.id, c.peer, c.sender)
			case cmdLeave:
				r.handleLeave(c.id)
			case cmdFrame:
				r.handleFrame(c.id, c.frame)
			}
		}
	}
}

// Stop terminates the actor and discards all room state.
func (r *Room) Stop() {
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
}

func (r *Room) ID() domain.RoomID { return r.id }

func (r *Room) PeerCount() int { return int(r.peerCount.Load()) }

// EmptyFor reports how long the room has had no connections, zero while
// occupied.
func (r *Room) EmptyFor(now time.Time) time.Duration {
	since := r.emptySince.Load()
	if since == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, since))
}

// Join hands the connection to the actor. It reports false when the actor
// has already stopped (for example reaped between the manager lookup and
// this call); the caller must then resolve the room again, since a stopped
// room would otherwise swallow the join and never send init.
func (r *Room) Join(id domain.ClientID, peer domain.Peer, sender Sender) bool {
	return r.enqueue(command{kind: cmdJoin, id: id, peer: peer, sender: sender})
}

func (r *Room) Leave(id domain.ClientID) {
	r.enqueue(command{kind: cmdLeave, id: id})
}

func (r *Room) HandleFrame(id domain.ClientID, frame Frame) {
	r.enqueue(command{kind: cmdFrame, id: id, frame: frame})
}

func (r *Room) enqueue(c command) bool {
	select {
	case r.inbox <- c:
		return true
	case <-r.quit:
		return false
	}
}

func (r *Room) handleJoin(id domain.ClientID, peer domain.Peer, sender Sender) {
	r.conns[id] = sender
	r.peers[id] = peer
	r.presence[id] = state.Doc{}
	r.peerCount.Store(int64(len(r.conns)))
	r.emptySince.Store(0)
	r.met.ConnectedPeers.Inc()

	// The init snapshot must reach the new connection before any broadcast
	// it could otherwise observe, so it is sent first on its ordered queue.
	r.unicast(id, protocol.Encode(protocol.Init{
		Type:      protocol.TypeInit,
		ClientID:  id,
		RoomState: r.roomState,
		Presence:  r.presence,
		Peers:     r.peers,
	}))

	joined := protocol.Encode(protocol.PeerJoined{
		Type:      protocol.TypePeerJoined,
		ClientID:  id,
		Username:  peer.Username,
		AvatarURL: peer.AvatarURL,
	})
	r.broadcast(joined, id)

	// Fresh peers start with an empty presence entry; pushing it lets
	// existing subscribers repaint without waiting for the first patch.
	// The joiner already holds it via init.
	r.broadcast(protocol.Encode(protocol.PresenceUpdated{
		Type:     protocol.TypePresenceUpdated,
		ClientID: id,
		Presence: state.Doc{},
	}), id)

	r.log.Info().Str("client", string(id)).Str("username", peer.Username).Msg("peer joined")
}

func (r *Room) handleLeave(id domain.ClientID) {
	if _, ok := r.conns[id]; !ok {
		return
	}
	delete(r.conns, id)
	delete(r.peers, id)
	delete(r.presence, id)
	r.peerCount.Store(int64(len(r.conns)))
	if len(r.conns) == 0 {
		r.emptySince.Store(time.Now().UnixNano())
	}
	r.met.ConnectedPeers.Dec()

	// No presence-updated here: clients drop the departing entry when they
	// see peer-left.
	r.broadcast(protocol.Encode(protocol.PeerLeft{
		Type:     protocol.TypePeerLeft,
		ClientID: id,
	}), "")

	r.log.Info().Str("client", string(id)).Msg("peer left")
}

func (r *Room) handleFrame(id domain.ClientID, frame Frame) {
	if _, ok := r.conns[id]; !ok {
		return
	}
	typ, ok := protocol.Peek(frame)
	if !ok {
		r.log.Debug().Str("client", string(id)).Msg("dropping unparseable frame")
		return
	}
	r.met.InboundTotal.WithLabelValues(typ).Inc()

	switch typ {
	case protocol.TypeUpdatePresence:
		r.handleUpdatePresence(id, frame)
	case protocol.TypeUpdateRoomState:
		r.handleUpdateRoomState(frame)
	case protocol.TypeRequestPresenceUpdate:
		r.handleRequestPresenceUpdate(id, frame)
	case protocol.TypeBroadcastEvent:
		r.handleBroadcastEvent(id, frame)
	default:
		r.log.Warn().Str("client", string(id)).Str("type", typ).Msg("unknown message type")
	}
}

func (r *Room) handleUpdatePresence(id domain.ClientID, frame Frame) {
	var msg protocol.UpdatePresence
	if !decode(frame, &msg, r.log) {
		return
	}
	// Only the owner's patches ever reach its entry: the sender id comes
	// from the connection, never from the payload.
	r.presence[id] = state.Merge(r.presence[id], msg.Presence)

	r.broadcast(protocol.Encode(protocol.PresenceUpdated{
		Type:     protocol.TypePresenceUpdated,
		ClientID: id,
		Presence: r.presence[id],
	}), "")
}

func (r *Room) handleUpdateRoomState(frame Frame) {
	var msg protocol.UpdateRoomState
	if !decode(frame, &msg, r.log) {
		return
	}
	r.roomState = state.Merge(r.roomState, msg.RoomState)

	r.broadcast(protocol.Encode(protocol.RoomStateUpdated{
		Type:      protocol.TypeRoomStateUpdated,
		RoomState: r.roomState,
	}), "")
}

func (r *Room) handleRequestPresenceUpdate(id domain.ClientID, frame Frame) {
	var msg protocol.RequestPresenceUpdate
	if !decode(frame, &msg, r.log) {
		return
	}
	if _, ok := r.conns[msg.TargetClientID]; !ok {
		// Unknown or already-gone target: silent no-op.
		return
	}
	r.unicast(msg.TargetClientID, protocol.Encode(protocol.PresenceUpdateRequest{
		Type:         protocol.TypePresenceUpdateRequest,
		Update:       msg.Update,
		FromClientID: id,
	}))
}

func (r *Room) handleBroadcastEvent(id domain.ClientID, frame Frame) {
	var msg protocol.BroadcastEvent
	if !decode(frame, &msg, r.log) {
		return
	}
	data := make(state.Doc, len(msg.Event)+2)
	for k, v := range msg.Event {
		data[k] = v
	}
	data["clientId"] = string(id)
	data["username"] = r.peers[id].Username

	exclude := domain.ClientID("")
	if !protocol.EventEcho(msg.Event) {
		exclude = id
	}
	r.broadcast(protocol.Encode(protocol.Event{
		Type: protocol.TypeEvent,
		Data: data,
	}), exclude)
}

func (r *Room) unicast(id domain.ClientID, frame Frame) {
	sender, ok := r.conns[id]
	if !ok || frame == nil {
		return
	}
	r.send(id, sender, frame)
}

func (r *Room) broadcast(frame Frame, exclude domain.ClientID) {
	if frame == nil {
		return
	}
	for id, sender := range r.conns {
		if id == exclude {
			continue
		}
		r.send(id, sender, frame)
	}
	r.met.BroadcastTotal.Inc()
}

func (r *Room) send(id domain.ClientID, sender Sender, frame Frame) {
	if err := sender.TrySend(frame); err != nil {
		r.met.DroppedFrames.Inc()
		r.log.Warn().Err(err).Str("client", string(id)).Msg("send failed")
		if r.policy.OnBackpressure(r.id, id) == KickPeer {
			sender.Close()
		}
	}
}

func decode(frame Frame, v any, log zerolog.Logger) bool {
	if err := json.Unmarshal(frame, v); err != nil {
		log.Debug().Err(err).Msg("dropping malformed frame")
		return false
	}
	return true
}

// Package client implements the connecting side of the sync protocol: a
// local mirror of room state, presence and peers, kept in step with the
// relay's authoritative broadcasts and fronted by subscriber callbacks.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dkeye/syncroom/internal/domain"
	"github.com/dkeye/syncroom/internal/protocol"
	"github.com/dkeye/syncroom/internal/state"
)

const DefaultInitTimeout = 10 * time.Second

var (
	// ErrInitTimeout means the relay never sent its init snapshot within
	// the handshake window.
	ErrInitTimeout = errors.New("timed out waiting for init")
	ErrClosed      = errors.New("replica closed")
)

type Options struct {
	// ServerURL is the relay base, e.g. "ws://localhost:8080".
	ServerURL string
	Room      domain.RoomID
	Username  string
	AvatarURL string
	// InitTimeout bounds the wait for the init snapshot; zero means
	// DefaultInitTimeout.
	InitTimeout time.Duration
	Logger      zerolog.Logger
	Dialer      *websocket.Dialer
}

type (
	PresenceHandler      func(presence map[domain.ClientID]state.Doc)
	RoomStateHandler     func(roomState state.Doc)
	UpdateRequestHandler func(update state.Doc, from domain.ClientID)
	// EventHandler receives broadcast events plus synthesized
	// connected/disconnected notifications.
	EventHandler func(data state.Doc)
)

// Replica mirrors one room for one connection. The mirror is mutated only
// by the dispatch goroutine and by optimistic presence writes; subscribers
// always observe a fully applied mirror.
type Replica struct {
	opts Options
	log  zerolog.Logger

	conn   *websocket.Conn
	sendMu sync.Mutex

	mu        sync.Mutex
	clientID  domain.ClientID
	roomState state.Doc
	presence  map[domain.ClientID]state.Doc
	peers     map[domain.ClientID]domain.Peer

	presenceSubs  *handlers[PresenceHandler]
	roomStateSubs *handlers[RoomStateHandler]
	requestSubs   *handlers[UpdateRequestHandler]
	handler       EventHandler

	done    chan struct{}
	doneErr error
	closing sync.Once
}

func New(opts Options) *Replica {
	if opts.InitTimeout == 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Replica{
		opts:          opts,
		log:           opts.Logger.With().Str("module", "client").Str("room", string(opts.Room)).Logger(),
		roomState:     state.Doc{},
		presence:      make(map[domain.ClientID]state.Doc),
		peers:         make(map[domain.ClientID]domain.Peer),
		presenceSubs:  newHandlers[PresenceHandler](),
		roomStateSubs: newHandlers[RoomStateHandler](),
		requestSubs:   newHandlers[UpdateRequestHandler](),
		done:          make(chan struct{}),
	}
}

// Connect dials the relay and blocks until the init snapshot arrives, the
// handshake window elapses (ErrInitTimeout) or the transport fails. Frames
// arriving before init are ignored. On success the dispatch loop starts and
// runs until the connection drops; there is no automatic reconnect.
func (r *Replica) Connect(ctx context.Context) error {
	u, err := r.endpoint()
	if err != nil {
		return err
	}

	conn, _, err := r.opts.Dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}
	r.conn = conn

	deadline := time.Now().Add(r.opts.InitTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		conn.Close()
		return err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrInitTimeout
			}
			return fmt.Errorf("connection error before init: %w", err)
		}
		typ, ok := protocol.Peek(data)
		if !ok || typ != protocol.TypeInit {
			continue
		}
		var msg protocol.Init
		if err := jsonDecode(data, &msg); err != nil {
			continue
		}
		r.applyInit(msg)
		break
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return err
	}

	r.log.Info().Str("client", string(r.ClientID())).Msg("initialized")
	go r.readLoop()
	return nil
}

func (r *Replica) endpoint() (string, error) {
	base, err := url.Parse(r.opts.ServerURL)
	if err != nil {
		return "", fmt.Errorf("bad server url: %w", err)
	}
	base.Path = fmt.Sprintf("/api/rooms/%s/ws", r.opts.Room)
	q := base.Query()
	if r.opts.Username != "" {
		q.Set("username", r.opts.Username)
	}
	if r.opts.AvatarURL != "" {
		q.Set("avatarUrl", r.opts.AvatarURL)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (r *Replica) applyInit(msg protocol.Init) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clientID = msg.ClientID
	r.roomState = orEmpty(msg.RoomState)
	r.presence = make(map[domain.ClientID]state.Doc, len(msg.Presence))
	for id, doc := range msg.Presence {
		r.presence[id] = orEmpty(doc)
	}
	r.peers = make(map[domain.ClientID]domain.Peer, len(msg.Peers))
	for id, p := range msg.Peers {
		r.peers[id] = p
	}
}

// Close tears the connection down. Pending and future sends fail.
func (r *Replica) Close() {
	r.finish(ErrClosed)
}

// Done closes when the connection is gone, for whatever reason.
func (r *Replica) Done() <-chan struct{} { return r.done }

// Err reports why the connection ended; nil while it is still up.
func (r *Replica) Err() error {
	select {
	case <-r.done:
		return r.doneErr
	default:
		return nil
	}
}

func (r *Replica) finish(err error) {
	r.closing.Do(func() {
		r.doneErr = err
		if r.conn != nil {
			_ = r.conn.Close()
		}
		close(r.done)
	})
}

func (r *Replica) ClientID() domain.ClientID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientID
}

// RoomState returns a copy of the mirrored shared document.
func (r *Replica) RoomState() state.Doc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return state.Clone(r.roomState)
}

// Presence returns a copy of the full presence mapping.
func (r *Replica) Presence() map[domain.ClientID]state.Doc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clonePresence(r.presence)
}

// Peers returns a copy of the peer registry.
func (r *Replica) Peers() map[domain.ClientID]domain.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.ClientID]domain.Peer, len(r.peers))
	for id, p := range r.peers {
		out[id] = p
	}
	return out
}

// UpdatePresence merges patch into the local mirror of this client's own
// presence immediately, then relays the patch. The relay's later echo
// overwrites the optimistic value; under interleaved edits the relay's
// processing order wins.
func (r *Replica) UpdatePresence(patch state.Doc) error {
	r.mu.Lock()
	if r.clientID == "" {
		// Not initialized: no identity to write under yet.
		r.mu.Unlock()
		return ErrClosed
	}
	own := r.presence[r.clientID]
	r.presence[r.clientID] = state.Merge(own, patch)
	r.mu.Unlock()

	return r.send(protocol.UpdatePresence{
		Type:     protocol.TypeUpdatePresence,
		Presence: patch,
	})
}

// UpdateRoomState relays patch without touching the local mirror: the
// shared document only ever changes on an authoritative broadcast. The
// asymmetry with presence is deliberate.
func (r *Replica) UpdateRoomState(patch state.Doc) error {
	return r.send(protocol.UpdateRoomState{
		Type:      protocol.TypeUpdateRoomState,
		RoomState: patch,
	})
}

// RequestPresenceUpdate asks target to apply update to its own presence.
// Fire-and-forget: no local change, no acknowledgement, and an unknown
// target is silently dropped by the relay.
func (r *Replica) RequestPresenceUpdate(target domain.ClientID, update state.Doc) error {
	return r.send(protocol.RequestPresenceUpdate{
		Type:           protocol.TypeRequestPresenceUpdate,
		TargetClientID: target,
		Update:         update,
	})
}

// Send broadcasts an event to the room. event must carry a "type" field and
// may carry "echo" (default true) to control whether the sender receives
// its own event back.
func (r *Replica) Send(event state.Doc) error {
	return r.send(protocol.BroadcastEvent{
		Type:  protocol.TypeBroadcastEvent,
		Event: event,
	})
}

func (r *Replica) send(v any) error {
	if r.conn == nil {
		return ErrClosed
	}
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	data := protocol.Encode(v)
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

func (r *Replica) SubscribePresence(fn PresenceHandler) (remove func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked(r.presenceSubs.add(fn))
}

func (r *Replica) SubscribeRoomState(fn RoomStateHandler) (remove func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked(r.roomStateSubs.add(fn))
}

func (r *Replica) SubscribePresenceUpdateRequests(fn UpdateRequestHandler) (remove func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked(r.requestSubs.add(fn))
}

// locked wraps a removal token so de-registration takes the mirror lock.
func (r *Replica) locked(remove func()) func() {
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		remove()
	}
}

// OnEvent sets the single generic handler, replacing any previous one. With
// no handler set, events and connect/disconnect notifications are dropped.
func (r *Replica) OnEvent(fn EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = fn
}

func (r *Replica) readLoop() {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			r.finish(err)
			return
		}
		r.dispatch(data)
	}
}

// dispatch applies one inbound frame to completion before the next is read,
// so callbacks never observe a partially applied mirror.
func (r *Replica) dispatch(data []byte) {
	typ, ok := protocol.Peek(data)
	if !ok {
		r.log.Debug().Msg("dropping unparseable frame")
		return
	}

	switch typ {
	case protocol.TypePresenceUpdated:
		var msg protocol.PresenceUpdated
		if jsonDecode(data, &msg) != nil {
			return
		}
		r.onPresenceUpdated(msg)
	case protocol.TypeRoomStateUpdated:
		var msg protocol.RoomStateUpdated
		if jsonDecode(data, &msg) != nil {
			return
		}
		r.onRoomStateUpdated(msg)
	case protocol.TypePresenceUpdateRequest:
		var msg protocol.PresenceUpdateRequest
		if jsonDecode(data, &msg) != nil {
			return
		}
		r.onPresenceUpdateRequest(msg)
	case protocol.TypePeerJoined:
		var msg protocol.PeerJoined
		if jsonDecode(data, &msg) != nil {
			return
		}
		r.onPeerJoined(msg)
	case protocol.TypePeerLeft:
		var msg protocol.PeerLeft
		if jsonDecode(data, &msg) != nil {
			return
		}
		r.onPeerLeft(msg)
	case protocol.TypeEvent:
		var msg protocol.Event
		if jsonDecode(data, &msg) != nil {
			return
		}
		r.onEvent(msg.Data)
	default:
		r.log.Debug().Str("type", typ).Msg("dropping unknown frame")
	}
}

func (r *Replica) onPresenceUpdated(msg protocol.PresenceUpdated) {
	r.mu.Lock()
	// Already merged by the relay; a wholesale overwrite, never a re-merge.
	r.presence[msg.ClientID] = orEmpty(msg.Presence)
	snapshot := clonePresence(r.presence)
	subs := r.presenceSubs.snapshot()
	r.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

func (r *Replica) onRoomStateUpdated(msg protocol.RoomStateUpdated) {
	r.mu.Lock()
	r.roomState = orEmpty(msg.RoomState)
	snapshot := state.Clone(r.roomState)
	subs := r.roomStateSubs.snapshot()
	r.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

func (r *Replica) onPresenceUpdateRequest(msg protocol.PresenceUpdateRequest) {
	r.mu.Lock()
	subs := r.requestSubs.snapshot()
	r.mu.Unlock()

	for _, fn := range subs {
		fn(msg.Update, msg.FromClientID)
	}
}

func (r *Replica) onPeerJoined(msg protocol.PeerJoined) {
	r.mu.Lock()
	r.peers[msg.ClientID] = domain.Peer{Username: msg.Username, AvatarURL: msg.AvatarURL}
	handler := r.handler
	r.mu.Unlock()

	// No presence notification here; the relay's follow-up
	// presence-updated covers it.
	if handler != nil {
		handler(state.Doc{
			"type":     "connected",
			"clientId": string(msg.ClientID),
			"username": msg.Username,
		})
	}
}

func (r *Replica) onPeerLeft(msg protocol.PeerLeft) {
	r.mu.Lock()
	username := r.peers[msg.ClientID].Username
	delete(r.peers, msg.ClientID)
	delete(r.presence, msg.ClientID)
	snapshot := clonePresence(r.presence)
	handler := r.handler
	subs := r.presenceSubs.snapshot()
	r.mu.Unlock()

	if handler != nil {
		handler(state.Doc{
			"type":     "disconnected",
			"clientId": string(msg.ClientID),
			"username": username,
		})
	}
	// The relay sends no presence-updated for departures, so the local
	// removal is the subscribers' only signal.
	for _, fn := range subs {
		fn(snapshot)
	}
}

func (r *Replica) onEvent(data state.Doc) {
	r.mu.Lock()
	handler := r.handler
	r.mu.Unlock()

	if handler != nil {
		handler(data)
	}
}

func orEmpty(d state.Doc) state.Doc {
	if d == nil {
		return state.Doc{}
	}
	return d
}

func clonePresence(in map[domain.ClientID]state.Doc) map[domain.ClientID]state.Doc {
	out := make(map[domain.ClientID]state.Doc, len(in))
	for id, doc := range in {
		out[id] = state.Clone(doc)
	}
	return out
}

func jsonDecode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

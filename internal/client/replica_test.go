package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dkeye/syncroom/internal/domain"
	"github.com/dkeye/syncroom/internal/protocol"
	"github.com/dkeye/syncroom/internal/state"
)

var testUpgrader = websocket.Upgrader{}

// relayStub runs script against each accepted connection.
func relayStub(t *testing.T, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := testUpgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeJSON(conn *websocket.Conn, v any) {
	b, _ := json.Marshal(v)
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func sendInit(conn *websocket.Conn, id domain.ClientID) {
	writeJSON(conn, protocol.Init{
		Type:      protocol.TypeInit,
		ClientID:  id,
		RoomState: state.Doc{},
		Presence:  map[domain.ClientID]state.Doc{id: {}},
		Peers:     map[domain.ClientID]domain.Peer{id: {Username: "u"}},
	})
}

func newReplica(srv *httptest.Server, timeout time.Duration) *Replica {
	return New(Options{
		ServerURL:   wsURL(srv),
		Room:        "r1",
		InitTimeout: timeout,
		Logger:      zerolog.Nop(),
	})
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestConnect_CapturesInitSnapshot(t *testing.T) {
	srv := relayStub(t, func(conn *websocket.Conn) {
		writeJSON(conn, protocol.Init{
			Type:      protocol.TypeInit,
			ClientID:  "me",
			RoomState: state.Doc{"score": float64(3)},
			Presence: map[domain.ClientID]state.Doc{
				"me":    {},
				"other": {"x": float64(1)},
			},
			Peers: map[domain.ClientID]domain.Peer{
				"me":    {Username: "self"},
				"other": {Username: "them"},
			},
		})
		select {}
	})

	r := newReplica(srv, time.Second)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Close()

	if r.ClientID() != "me" {
		t.Fatalf("clientID = %q", r.ClientID())
	}
	if r.RoomState()["score"] != float64(3) {
		t.Fatalf("roomState = %v", r.RoomState())
	}
	if len(r.Presence()) != 2 || len(r.Peers()) != 2 {
		t.Fatalf("presence=%v peers=%v", r.Presence(), r.Peers())
	}
}

func TestConnect_IgnoresFramesBeforeInit(t *testing.T) {
	srv := relayStub(t, func(conn *websocket.Conn) {
		writeJSON(conn, protocol.RoomStateUpdated{
			Type:      protocol.TypeRoomStateUpdated,
			RoomState: state.Doc{"early": true},
		})
		sendInit(conn, "me")
		select {}
	})

	r := newReplica(srv, time.Second)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Close()

	if _, ok := r.RoomState()["early"]; ok {
		t.Fatal("pre-init frame was applied to the mirror")
	}
}

func TestConnect_TimeoutOnlyAfterWindow(t *testing.T) {
	srv := relayStub(t, func(conn *websocket.Conn) {
		select {} // never send init
	})

	const window = 300 * time.Millisecond
	r := newReplica(srv, window)

	start := time.Now()
	err := r.Connect(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, ErrInitTimeout) {
		t.Fatalf("err = %v, want ErrInitTimeout", err)
	}
	if elapsed < window {
		t.Fatalf("rejected after %v, before the %v window elapsed", elapsed, window)
	}
}

func TestConnect_TransportErrorIsNotTimeout(t *testing.T) {
	srv := relayStub(t, func(conn *websocket.Conn) {
		_ = conn.Close()
	})

	r := newReplica(srv, time.Second)
	err := r.Connect(context.Background())
	if err == nil {
		t.Fatal("expected a connection error")
	}
	if errors.Is(err, ErrInitTimeout) {
		t.Fatal("connection error misreported as init timeout")
	}
}

func TestUpdatePresence_OptimisticThenSent(t *testing.T) {
	frames := make(chan map[string]any, 4)
	srv := relayStub(t, func(conn *websocket.Conn) {
		sendInit(conn, "me")
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			_ = json.Unmarshal(data, &m)
			frames <- m
		}
	})

	r := newReplica(srv, time.Second)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Close()

	if err := r.UpdatePresence(state.Doc{"x": 1}); err != nil {
		t.Fatalf("UpdatePresence: %v", err)
	}

	// Visible locally before any round trip.
	own := r.Presence()["me"]
	if own["x"] != 1 {
		t.Fatalf("optimistic presence = %v", own)
	}

	m := waitFor(t, frames, "update-presence frame")
	if m["type"] != "update-presence" {
		t.Fatalf("sent frame = %v", m)
	}
	if m["presence"].(map[string]any)["x"] != float64(1) {
		t.Fatalf("patch = %v", m["presence"])
	}
}

func TestUpdateRoomState_NoOptimisticMutation(t *testing.T) {
	got := make(chan struct{})
	srv := relayStub(t, func(conn *websocket.Conn) {
		sendInit(conn, "me")
		_, _, err := conn.ReadMessage()
		if err != nil {
			return
		}
		close(got)
		select {}
	})

	r := newReplica(srv, time.Second)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Close()

	if err := r.UpdateRoomState(state.Doc{"score": 1}); err != nil {
		t.Fatalf("UpdateRoomState: %v", err)
	}
	waitFor(t, got, "update-room-state frame")

	if len(r.RoomState()) != 0 {
		t.Fatalf("room state mutated optimistically: %v", r.RoomState())
	}
}

func TestDispatch_RoomStateOverwritesWholesale(t *testing.T) {
	proceed := make(chan struct{})
	srv := relayStub(t, func(conn *websocket.Conn) {
		writeJSON(conn, protocol.Init{
			Type:      protocol.TypeInit,
			ClientID:  "me",
			RoomState: state.Doc{"old": true},
		})
		<-proceed
		writeJSON(conn, protocol.RoomStateUpdated{
			Type:      protocol.TypeRoomStateUpdated,
			RoomState: state.Doc{"new": true},
		})
		select {}
	})

	r := newReplica(srv, time.Second)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Close()

	states := make(chan state.Doc, 1)
	r.SubscribeRoomState(func(rs state.Doc) { states <- rs })
	close(proceed)

	rs := waitFor(t, states, "room-state callback")
	if _, ok := rs["old"]; ok {
		t.Fatalf("overwrite did not replace old value: %v", rs)
	}
	if rs["new"] != true {
		t.Fatalf("roomState = %v", rs)
	}
}

func TestDispatch_PresenceOverwriteNotReMerge(t *testing.T) {
	proceed := make(chan struct{})
	srv := relayStub(t, func(conn *websocket.Conn) {
		writeJSON(conn, protocol.Init{
			Type:     protocol.TypeInit,
			ClientID: "me",
			Presence: map[domain.ClientID]state.Doc{
				"other": {"stale": true},
			},
		})
		<-proceed
		writeJSON(conn, protocol.PresenceUpdated{
			Type:     protocol.TypePresenceUpdated,
			ClientID: "other",
			Presence: state.Doc{"fresh": true},
		})
		select {}
	})

	r := newReplica(srv, time.Second)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Close()

	updates := make(chan map[domain.ClientID]state.Doc, 1)
	r.SubscribePresence(func(p map[domain.ClientID]state.Doc) { updates <- p })
	close(proceed)

	p := waitFor(t, updates, "presence callback")
	other := p["other"]
	if _, ok := other["stale"]; ok {
		t.Fatalf("presence re-merged instead of overwritten: %v", other)
	}
	if other["fresh"] != true {
		t.Fatalf("presence = %v", other)
	}
}

func TestDispatch_PeerJoinedAndLeft(t *testing.T) {
	proceed := make(chan struct{})
	srv := relayStub(t, func(conn *websocket.Conn) {
		sendInit(conn, "me")
		<-proceed
		writeJSON(conn, protocol.PeerJoined{
			Type:     protocol.TypePeerJoined,
			ClientID: "B",
			Username: "bob",
		})
		writeJSON(conn, protocol.PresenceUpdated{
			Type:     protocol.TypePresenceUpdated,
			ClientID: "B",
			Presence: state.Doc{},
		})
		writeJSON(conn, protocol.PeerLeft{
			Type:     protocol.TypePeerLeft,
			ClientID: "B",
		})
		select {}
	})

	r := newReplica(srv, time.Second)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Close()

	events := make(chan state.Doc, 4)
	r.OnEvent(func(d state.Doc) { events <- d })
	presences := make(chan map[domain.ClientID]state.Doc, 4)
	r.SubscribePresence(func(p map[domain.ClientID]state.Doc) { presences <- p })
	close(proceed)

	ev := waitFor(t, events, "connected event")
	if ev["type"] != "connected" || ev["clientId"] != "B" || ev["username"] != "bob" {
		t.Fatalf("connected event = %v", ev)
	}

	ev = waitFor(t, events, "disconnected event")
	if ev["type"] != "disconnected" || ev["clientId"] != "B" || ev["username"] != "bob" {
		t.Fatalf("disconnected event = %v", ev)
	}

	// The departure fires presence subscribers with B already removed;
	// earlier callbacks (B's empty-presence refresh) may still contain B.
	for {
		p := waitFor(t, presences, "presence callback after departure")
		if _, ok := p["B"]; !ok {
			break
		}
	}
	if _, ok := r.Peers()["B"]; ok {
		t.Fatal("departed peer still in peers")
	}
}

func TestDispatch_PresenceUpdateRequest(t *testing.T) {
	proceed := make(chan struct{})
	srv := relayStub(t, func(conn *websocket.Conn) {
		sendInit(conn, "me")
		<-proceed
		writeJSON(conn, protocol.PresenceUpdateRequest{
			Type:         protocol.TypePresenceUpdateRequest,
			Update:       state.Doc{"type": "heal", "amount": float64(5)},
			FromClientID: "B",
		})
		select {}
	})

	r := newReplica(srv, time.Second)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Close()

	type req struct {
		update state.Doc
		from   domain.ClientID
	}
	reqs := make(chan req, 1)
	r.SubscribePresenceUpdateRequests(func(u state.Doc, from domain.ClientID) {
		reqs <- req{u, from}
	})
	close(proceed)

	got := waitFor(t, reqs, "presence-update-request callback")
	if got.from != "B" || got.update["type"] != "heal" || got.update["amount"] != float64(5) {
		t.Fatalf("request = %+v", got)
	}
}

func TestSubscribe_ClosuresFromOneLiteralAreDistinct(t *testing.T) {
	proceed := make(chan struct{})
	srv := relayStub(t, func(conn *websocket.Conn) {
		sendInit(conn, "me")
		<-proceed
		writeJSON(conn, protocol.RoomStateUpdated{
			Type:      protocol.TypeRoomStateUpdated,
			RoomState: state.Doc{"n": float64(1)},
		})
		select {}
	})

	r := newReplica(srv, time.Second)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Close()

	// Two closures built from the same literal, as a component subscribing
	// in a loop would produce. Both must stay registered and both must fire.
	const n = 2
	calls := make(chan int, 8)
	for i := 0; i < n; i++ {
		i := i
		r.SubscribeRoomState(func(rs state.Doc) { calls <- i })
	}
	close(proceed)

	seen := map[int]bool{}
	for len(seen) < n {
		seen[waitFor(t, calls, "room-state callback")] = true
	}
}

func TestHandlers_EveryAddIsIndependent(t *testing.T) {
	h := newHandlers[func()]()
	removes := make([]func(), 0, 3)
	for i := 0; i < 3; i++ {
		removes = append(removes, h.add(func() {}))
	}
	if got := len(h.snapshot()); got != 3 {
		t.Fatalf("registered 3 closures, %d active", got)
	}

	removes[1]()
	if got := len(h.snapshot()); got != 2 {
		t.Fatalf("after one removal, %d active, want 2", got)
	}
	removes[1]() // idempotent
	if got := len(h.snapshot()); got != 2 {
		t.Fatalf("double removal changed count to %d", got)
	}
}

func TestSubscribe_RemoveHandleStopsCallbacks(t *testing.T) {
	proceed := make(chan struct{})
	srv := relayStub(t, func(conn *websocket.Conn) {
		sendInit(conn, "me")
		<-proceed
		writeJSON(conn, protocol.RoomStateUpdated{
			Type:      protocol.TypeRoomStateUpdated,
			RoomState: state.Doc{"n": float64(1)},
		})
		select {}
	})

	r := newReplica(srv, time.Second)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Close()

	removedCalls := make(chan state.Doc, 1)
	keptCalls := make(chan state.Doc, 1)
	remove := r.SubscribeRoomState(func(rs state.Doc) { removedCalls <- rs })
	r.SubscribeRoomState(func(rs state.Doc) { keptCalls <- rs })
	remove()
	close(proceed)

	waitFor(t, keptCalls, "kept subscriber")
	select {
	case <-removedCalls:
		t.Fatal("removed subscriber still fired")
	default:
	}
}

func TestGenericHandler_LastWriteWins(t *testing.T) {
	proceed := make(chan struct{})
	srv := relayStub(t, func(conn *websocket.Conn) {
		sendInit(conn, "me")
		<-proceed
		writeJSON(conn, protocol.Event{
			Type: protocol.TypeEvent,
			Data: state.Doc{"type": "x"},
		})
		select {}
	})

	r := newReplica(srv, time.Second)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Close()

	stale := make(chan state.Doc, 1)
	fresh := make(chan state.Doc, 1)
	r.OnEvent(func(d state.Doc) { stale <- d })
	r.OnEvent(func(d state.Doc) { fresh <- d })
	close(proceed)

	waitFor(t, fresh, "current handler")
	select {
	case <-stale:
		t.Fatal("replaced handler still fired")
	default:
	}
}

func TestGenericHandler_UnsetDropsSilently(t *testing.T) {
	done := make(chan struct{})
	srv := relayStub(t, func(conn *websocket.Conn) {
		sendInit(conn, "me")
		writeJSON(conn, protocol.Event{
			Type: protocol.TypeEvent,
			Data: state.Doc{"type": "x"},
		})
		writeJSON(conn, protocol.RoomStateUpdated{
			Type:      protocol.TypeRoomStateUpdated,
			RoomState: state.Doc{"after": true},
		})
		<-done
	})
	defer close(done)

	r := newReplica(srv, time.Second)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Close()

	// The event with no handler must not wedge dispatch; the following
	// room-state update still lands.
	states := make(chan state.Doc, 1)
	r.SubscribeRoomState(func(rs state.Doc) { states <- rs })

	deadline := time.After(2 * time.Second)
	for {
		if r.RoomState()["after"] == true {
			return
		}
		select {
		case <-states:
		case <-deadline:
			t.Fatal("dispatch stalled after unhandled event")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestUpdatePresence_BeforeConnectRejected(t *testing.T) {
	r := New(Options{ServerURL: "ws://unreachable.invalid", Room: "r1", Logger: zerolog.Nop()})

	if err := r.UpdatePresence(state.Doc{"x": 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("UpdatePresence before Connect = %v, want ErrClosed", err)
	}
	if len(r.Presence()) != 0 {
		t.Fatalf("mirror gained a stray entry: %v", r.Presence())
	}
}

func TestSend_FailsAfterClose(t *testing.T) {
	srv := relayStub(t, func(conn *websocket.Conn) {
		sendInit(conn, "me")
		select {}
	})

	r := newReplica(srv, time.Second)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.Close()

	if err := r.Send(state.Doc{"type": "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
	if !errors.Is(r.Err(), ErrClosed) {
		t.Fatalf("Err = %v", r.Err())
	}
}

// Package protocol defines the JSON messages exchanged between relay and
// client. Every frame is a text frame carrying one object with a "type"
// discriminator; frames that fail to parse or carry an unknown type are
// dropped silently on both sides.
package protocol

import (
	"encoding/json"

	"github.com/dkeye/syncroom/internal/domain"
	"github.com/dkeye/syncroom/internal/state"
)

// Client → relay message types.
const (
	TypeUpdatePresence        = "update-presence"
	TypeUpdateRoomState       = "update-room-state"
	TypeRequestPresenceUpdate = "request-presence-update"
	TypeBroadcastEvent        = "broadcast-event"
)

// Relay → client message types.
const (
	TypeInit                  = "init"
	TypePresenceUpdated       = "presence-updated"
	TypeRoomStateUpdated      = "room-state-updated"
	TypePresenceUpdateRequest = "presence-update-request"
	TypePeerJoined            = "peer-joined"
	TypePeerLeft              = "peer-left"
	TypeEvent                 = "event"
)

// Envelope is the minimal shape peeked at before full decoding.
type Envelope struct {
	Type string `json:"type"`
}

type UpdatePresence struct {
	Type     string    `json:"type"`
	Presence state.Doc `json:"presence"`
}

type UpdateRoomState struct {
	Type      string    `json:"type"`
	RoomState state.Doc `json:"roomState"`
}

type RequestPresenceUpdate struct {
	Type           string          `json:"type"`
	TargetClientID domain.ClientID `json:"targetClientId"`
	Update         state.Doc       `json:"update"`
}

// BroadcastEvent carries a client event. Event must contain a "type" field
// and may contain "echo" (defaults to true); everything else passes through.
type BroadcastEvent struct {
	Type  string    `json:"type"`
	Event state.Doc `json:"event"`
}

// EventEcho reports whether the sender wants its own event back.
func EventEcho(ev state.Doc) bool {
	if v, ok := ev["echo"].(bool); ok {
		return v
	}
	return true
}

type Init struct {
	Type      string                          `json:"type"`
	ClientID  domain.ClientID                 `json:"clientId"`
	RoomState state.Doc                       `json:"roomState"`
	Presence  map[domain.ClientID]state.Doc   `json:"presence"`
	Peers     map[domain.ClientID]domain.Peer `json:"peers"`
}

type PresenceUpdated struct {
	Type     string          `json:"type"`
	ClientID domain.ClientID `json:"clientId"`
	Presence state.Doc       `json:"presence"`
}

type RoomStateUpdated struct {
	Type      string    `json:"type"`
	RoomState state.Doc `json:"roomState"`
}

type PresenceUpdateRequest struct {
	Type         string          `json:"type"`
	Update       state.Doc       `json:"update"`
	FromClientID domain.ClientID `json:"fromClientId"`
}

type PeerJoined struct {
	Type      string          `json:"type"`
	ClientID  domain.ClientID `json:"clientId"`
	Username  string          `json:"username"`
	AvatarURL string          `json:"avatarUrl"`
}

type PeerLeft struct {
	Type     string          `json:"type"`
	ClientID domain.ClientID `json:"clientId"`
}

// Event wraps the relay-built payload: the sender's event fields plus its
// clientId and username, which always override sender-supplied values.
type Event struct {
	Type string    `json:"type"`
	Data state.Doc `json:"data"`
}

// Peek extracts the type discriminator. ok is false for unparseable frames.
func Peek(data []byte) (string, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", false
	}
	return env.Type, true
}

// Encode marshals v. A marshal failure yields nil, which senders drop.
func Encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

package relay

import "github.com/dkeye/syncroom/internal/domain"

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	KickPeer
)

// Policy decides what happens when a peer's send queue is full.
type Policy interface {
	OnBackpressure(room domain.RoomID, id domain.ClientID) BackpressureAction
}

// DropPolicy drops the frame for the slow peer and moves on. Sends are
// fire-and-forget; a lossy slow consumer catches up on the next full
// snapshot broadcast.
type DropPolicy struct{}

func (DropPolicy) OnBackpressure(domain.RoomID, domain.ClientID) BackpressureAction {
	return DropFrame
}

// KickPolicy disconnects peers that cannot keep up.
type KickPolicy struct{}

func (KickPolicy) OnBackpressure(domain.RoomID, domain.ClientID) BackpressureAction {
	return KickPeer
}

package domain

// RoomID names one isolated sync session, typically a URL path segment.
type RoomID string

type RoomInfo struct {
	ID        RoomID `json:"id"`
	PeerCount int    `json:"client_count"`
}

// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"fmt"
)

const (
	MaxUsernameLen = 64
	// GuestIDChars is how much of the connection id goes into a default name.
	GuestIDChars = 4
)

var (
	ErrUsernameTooLong = errors.New("username too long")
)

// ClientID identifies one connection for its lifetime. Assigned by the
// transport adapter, never reused for the same room while the connection
// is open.
type ClientID string

// Peer is a connected client's identity metadata. Immutable after connect.
type Peer struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
}

// NewPeer builds peer metadata from connection-supplied values, falling back
// to a synthesized guest name and a deterministic placeholder avatar seeded
// by the connection id.
func NewPeer(id ClientID, username, avatarURL, avatarBase string) (Peer, error) {
	if len(username) > MaxUsernameLen {
		return Peer{}, ErrUsernameTooLong
	}
	if username == "" {
		username = GuestName(id)
	}
	if avatarURL == "" {
		avatarURL = fmt.Sprintf("%s?seed=%s", avatarBase, id)
	}
	return Peer{Username: username, AvatarURL: avatarURL}, nil
}

func GuestName(id ClientID) string {
	short := string(id)
	if len(short) > GuestIDChars {
		short = short[:GuestIDChars]
	}
	return "Guest-" + short
}

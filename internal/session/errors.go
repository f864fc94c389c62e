package session

import (
	"errors"
	"strings"

	"huddle/server/internal/auth"
	"huddle/server/internal/protocol"
)

// MaxRoomIDLength bounds room identifiers taken from the request path.
const MaxRoomIDLength = 128

var (
	// ErrUnauthenticated rejects a connection before it joins any room.
	ErrUnauthenticated = auth.ErrUnauthenticated
	// ErrMalformedPayload marks an inbound frame that was ignored.
	ErrMalformedPayload = protocol.ErrMalformed
	// ErrStoreUnavailable marks a message store call that failed.
	ErrStoreUnavailable = errors.New("message store unavailable")
	// ErrInvalidRoom rejects an empty or oversized room identifier.
	ErrInvalidRoom = errors.New("invalid room id")
)

// NormalizeRoom trims id and checks it is usable as a room identifier.
func NormalizeRoom(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxRoomIDLength {
		return "", ErrInvalidRoom
	}
	return id, nil
}

package call

import (
	"errors"

	"github.com/mossy-p/meshcall/internal/rooms"
)

var (
	// ErrMediaUnavailable means local capture failed; nothing was written to
	// the room directory.
	ErrMediaUnavailable = errors.New("local media unavailable")

	// ErrRoomNotFound means a non-initiator tried to join a room that does not exist.
	ErrRoomNotFound = rooms.ErrRoomNotFound

	// ErrClosed means the manager has already left its call.
	ErrClosed = errors.New("call manager closed")

	ErrAlreadyJoined = errors.New("call already joined")
	ErrNotJoined     = errors.New("call not joined")

	errSelfPeer = errors.New("refusing to connect to self")
)

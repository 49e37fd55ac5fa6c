package realtime

import "errors"

var (
	// ErrRoomNotFound is returned for operations on a room that does not exist.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomExists is returned when creating a room whose name is taken.
	ErrRoomExists = errors.New("room already exists")

	// ErrRoomProtected is returned when deleting a protected room.
	ErrRoomProtected = errors.New("room is protected")

	// ErrNotJoined is returned for room-scoped operations from a connection
	// that is not a member of that room.
	ErrNotJoined = errors.New("not joined to room")

	// ErrNotAuthenticated is returned for operations that require a bound
	// identity on the connection.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrMessageNotFound is returned when a message cannot be deleted, either
	// because it does not exist or because the caller is not its author. The
	// two cases are deliberately indistinguishable.
	ErrMessageNotFound = errors.New("message not found")

	// ErrValidation is returned for malformed input (room names, content).
	ErrValidation = errors.New("validation failed")
)

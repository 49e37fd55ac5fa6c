package realtime

import (
	"context"
	"time"
)

// StoredMessage is the canonical persisted message representation. Author
// presentation fields are denormalized at send time so history replay does
// not depend on the identity issuer being reachable.
type StoredMessage struct {
	ID          string
	Room        string
	Username    string
	DisplayName string
	Content     string
	AvatarColor string
	NameColor   string
	AvatarRef   string
	CreatedAt   time.Time
}

// MessageStore persists and queries room messages.
//
// Requirements:
//   - ListRecent returns the newest messages ordered oldest-first
//   - Delete only removes a message authored by the given username and
//     reports ErrMessageNotFound otherwise
type MessageStore interface {
	Append(ctx context.Context, msg StoredMessage) error
	ListRecent(ctx context.Context, room string, limit int) ([]StoredMessage, error)
	Delete(ctx context.Context, room, messageID, username string) error
	DeleteRoomMessages(ctx context.Context, room string) error
	Close() error
}

// RoomStore persists the set of known rooms. Names are stored normalized;
// protection of `general` is enforced above the store.
type RoomStore interface {
	List(ctx context.Context) ([]string, error)
	Create(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	Close() error
}

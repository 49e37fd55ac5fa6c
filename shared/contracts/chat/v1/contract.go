// Package v1 defines the Relay chat protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Client -> server event types (wire-stable).
const (
	// TypeAuthenticate binds the connection to an identity using an access token.
	TypeAuthenticate = "authenticate"
	// TypeJoin requests membership in a room.
	TypeJoin = "join"
	// TypeLeave gives up membership in a room.
	TypeLeave = "leave"
	// TypeMessage sends a chat message into a room.
	TypeMessage = "message"
	// TypeDeleteMessage requests deletion of the sender's own message.
	TypeDeleteMessage = "delete_message"
	// TypeTyping signals that the sender is composing a message.
	TypeTyping = "typing"
)

// Server -> client event types (wire-stable).
const (
	// TypeAuthenticated acknowledges (or rejects) an authenticate request.
	TypeAuthenticated = "authenticated"
	// TypeNewMessage broadcasts an accepted message to room members.
	TypeNewMessage = "new_message"
	// TypeMessageDeleted broadcasts a deletion to room members.
	TypeMessageDeleted = "message_deleted"
	// TypeUserJoined notifies room members that a user joined.
	TypeUserJoined = "user_joined"
	// TypeUserLeft notifies room members that a user left.
	TypeUserLeft = "user_left"
	// TypeUserTyping notifies room members (except the sender) of typing.
	TypeUserTyping = "user_typing"
	// TypeRoomJoined confirms a join to the acting connection only.
	TypeRoomJoined = "room_joined"
	// TypeRoomCreated announces a newly created room to every connection.
	TypeRoomCreated = "room_created"
	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeAuthenticate,
		TypeJoin,
		TypeLeave,
		TypeMessage,
		TypeDeleteMessage,
		TypeTyping,
		TypeAuthenticated,
		TypeNewMessage,
		TypeMessageDeleted,
		TypeUserJoined,
		TypeUserLeft,
		TypeUserTyping,
		TypeRoomJoined,
		TypeRoomCreated,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Client -> server payloads ----

// AuthenticatePayload carries the access token for the handshake.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// JoinPayload requests membership in a room.
type JoinPayload struct {
	Room string `json:"room"`
}

// LeavePayload gives up membership in a room.
type LeavePayload struct {
	Room string `json:"room"`
}

// MessagePayload sends a message into a room.
type MessagePayload struct {
	Content string `json:"content"`
	Room    string `json:"room"`
}

// DeleteMessagePayload requests deletion of a previously sent message.
type DeleteMessagePayload struct {
	MessageID string `json:"messageId"`
	Room      string `json:"room"`
}

// TypingPayload signals composing activity in a room.
type TypingPayload struct {
	Room string `json:"room"`
}

// ---- Server -> client payloads ----

// AuthenticatedPayload acknowledges or rejects a handshake.
type AuthenticatedPayload struct {
	Success  bool   `json:"success"`
	Username string `json:"username,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewMessagePayload is broadcast when a message is accepted.
type NewMessagePayload struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName,omitempty"`
	Content     string    `json:"content"`
	Room        string    `json:"room"`
	Timestamp   time.Time `json:"timestamp"`
	AvatarColor string    `json:"avatarColor,omitempty"`
	NameColor   string    `json:"nameColor,omitempty"`
	AvatarRef   string    `json:"avatarRef,omitempty"`
}

// MessageDeletedPayload is broadcast when a message is deleted.
type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
}

// UserJoinedPayload notifies a room that a user joined.
type UserJoinedPayload struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

// UserLeftPayload notifies a room that a user left.
type UserLeftPayload struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

// UserTypingPayload notifies a room of composing activity.
type UserTypingPayload struct {
	Username string `json:"username"`
}

// RoomJoinedPayload confirms a join to the acting connection.
type RoomJoinedPayload struct {
	Room     string `json:"room"`
	Username string `json:"username"`
}

// RoomCreatedPayload announces a new room.
type RoomCreatedPayload struct {
	Room string `json:"room"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Message string `json:"message"`
}

package realtime

import (
	"encoding/json"
	"time"

	v1 "relay/shared/contracts/chat/v1"
)

// newEvent wraps a server-side payload into a v1 envelope. Payload types in
// the contract package marshal unconditionally, so the error is discarded.
func newEvent(typ string, payload any) v1.Envelope {
	now := time.Now().UTC()
	id, _ := NewEnvelopeID(now)
	raw, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: raw,
	}
}

// messageEvent renders a stored message as a new_message event.
func messageEvent(msg StoredMessage) v1.Envelope {
	return newEvent(v1.TypeNewMessage, v1.NewMessagePayload{
		ID:          msg.ID,
		Username:    msg.Username,
		DisplayName: msg.DisplayName,
		Content:     msg.Content,
		Room:        msg.Room,
		Timestamp:   msg.CreatedAt,
		AvatarColor: msg.AvatarColor,
		NameColor:   msg.NameColor,
		AvatarRef:   msg.AvatarRef,
	})
}

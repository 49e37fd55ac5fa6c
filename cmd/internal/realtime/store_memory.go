package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

const memMaxMessagesPerRoom = 10_000

// MemoryMessageStore is a dev-only fallback when no database is configured.
type MemoryMessageStore struct {
	mu    sync.Mutex
	rooms map[string][]StoredMessage // ordered by CreatedAt
}

// NewMemoryMessageStore constructs an in-memory MessageStore implementation.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		rooms: make(map[string][]StoredMessage),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryMessageStore) Close() error { return nil }

// Append persists a message.
func (s *MemoryMessageStore) Append(ctx context.Context, msg StoredMessage) error {
	if msg.ID == "" || msg.Room == "" || msg.Username == "" {
		return errors.New("invalid message")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.rooms[msg.Room], msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(msgs) > memMaxMessagesPerRoom {
		msgs = msgs[len(msgs)-memMaxMessagesPerRoom:]
	}
	s.rooms[msg.Room] = msgs
	return nil
}

// ListRecent returns the newest messages for a room, oldest-first.
func (s *MemoryMessageStore) ListRecent(ctx context.Context, room string, limit int) ([]StoredMessage, error) {
	if room == "" {
		return nil, errors.New("missing room")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = historyLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	s.mu.Lock()
	snap := append([]StoredMessage(nil), s.rooms[room]...)
	s.mu.Unlock()

	sort.SliceStable(snap, func(i, j int) bool { return snap[i].CreatedAt.Before(snap[j].CreatedAt) })

	if len(snap) > limit {
		snap = snap[len(snap)-limit:]
	}
	return snap, nil
}

// Delete removes a message iff it was authored by username.
func (s *MemoryMessageStore) Delete(ctx context.Context, room, messageID, username string) error {
	if room == "" || messageID == "" || username == "" {
		return errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.rooms[room]
	for i, m := range msgs {
		if m.ID != messageID {
			continue
		}
		if m.Username != username {
			// Indistinguishable from not-found: foreign messages must not be
			// probeable by id.
			return ErrMessageNotFound
		}
		s.rooms[room] = append(msgs[:i:i], msgs[i+1:]...)
		return nil
	}
	return ErrMessageNotFound
}

// DeleteRoomMessages drops every message in a room.
func (s *MemoryMessageStore) DeleteRoomMessages(ctx context.Context, room string) error {
	if room == "" {
		return errors.New("missing room")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
	return nil
}

// MemoryRoomStore is a dev-only RoomStore seeded with the default room.
type MemoryRoomStore struct {
	mu    sync.Mutex
	rooms map[string]struct{}
}

// NewMemoryRoomStore constructs an in-memory RoomStore with `general` seeded.
func NewMemoryRoomStore() *MemoryRoomStore {
	return &MemoryRoomStore{
		rooms: map[string]struct{}{DefaultRoom: {}},
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryRoomStore) Close() error { return nil }

// List returns all room names, sorted.
func (s *MemoryRoomStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		out = append(out, name)
	}
	s.mu.Unlock()

	sort.Strings(out)
	return out, nil
}

// Create adds a room, failing with ErrRoomExists on duplicates.
func (s *MemoryRoomStore) Create(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("missing room")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[name]; ok {
		return ErrRoomExists
	}
	s.rooms[name] = struct{}{}
	return nil
}

// Delete removes a room, failing with ErrRoomNotFound when absent.
func (s *MemoryRoomStore) Delete(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("missing room")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[name]; !ok {
		return ErrRoomNotFound
	}
	delete(s.rooms, name)
	return nil
}

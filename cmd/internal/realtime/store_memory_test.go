package realtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryMessageStoreListRecent(t *testing.T) {
	t.Parallel()

	s := NewMemoryMessageStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		err := s.Append(ctx, StoredMessage{
			ID:        fmt.Sprintf("m%d", i),
			Room:      "general",
			Username:  "alice",
			Content:   fmt.Sprintf("msg %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.ListRecent(ctx, "general", 3)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len=%d want 3", len(got))
	}
	// Newest window, oldest-first within it.
	if got[0].ID != "m2" || got[2].ID != "m4" {
		t.Fatalf("window=%v", []string{got[0].ID, got[1].ID, got[2].ID})
	}

	if msgs, err := s.ListRecent(ctx, "empty-room", 10); err != nil || len(msgs) != 0 {
		t.Fatalf("empty room: %v %v", msgs, err)
	}
}

func TestMemoryMessageStoreDelete(t *testing.T) {
	t.Parallel()

	s := NewMemoryMessageStore()
	ctx := context.Background()

	if err := s.Append(ctx, StoredMessage{ID: "m1", Room: "general", Username: "alice", Content: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := s.Delete(ctx, "general", "m1", "bob"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("foreign author: got %v, want ErrMessageNotFound", err)
	}
	if err := s.Delete(ctx, "general", "nope", "alice"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("missing id: got %v, want ErrMessageNotFound", err)
	}
	if err := s.Delete(ctx, "general", "m1", "alice"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, err := s.ListRecent(ctx, "general", 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("message survived: %v %v", got, err)
	}
}

func TestMemoryMessageStoreDeleteRoomMessages(t *testing.T) {
	t.Parallel()

	s := NewMemoryMessageStore()
	ctx := context.Background()

	for _, room := range []string{"general", "dev"} {
		if err := s.Append(ctx, StoredMessage{ID: room + "-m1", Room: room, Username: "alice", Content: "hi"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := s.DeleteRoomMessages(ctx, "dev"); err != nil {
		t.Fatalf("DeleteRoomMessages: %v", err)
	}

	if got, _ := s.ListRecent(ctx, "dev", 10); len(got) != 0 {
		t.Fatalf("dev messages survived: %v", got)
	}
	if got, _ := s.ListRecent(ctx, "general", 10); len(got) != 1 {
		t.Fatalf("general messages lost: %v", got)
	}
}

func TestMemoryRoomStore(t *testing.T) {
	t.Parallel()

	s := NewMemoryRoomStore()
	ctx := context.Background()

	rooms, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rooms) != 1 || rooms[0] != DefaultRoom {
		t.Fatalf("seeded rooms=%v", rooms)
	}

	if err := s.Create(ctx, "dev"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, "dev"); !errors.Is(err, ErrRoomExists) {
		t.Fatalf("duplicate: got %v, want ErrRoomExists", err)
	}

	if err := s.Delete(ctx, "missing"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("missing: got %v, want ErrRoomNotFound", err)
	}
	if err := s.Delete(ctx, "dev"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

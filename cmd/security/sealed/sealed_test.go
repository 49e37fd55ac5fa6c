package sealed

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, MinMasterKeyBytes)
}

func TestSealRoundTrip(t *testing.T) {
	t.Parallel()

	box, err := NewBox(testKey())
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	sealedVal, err := box.Seal("general", "hello there")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !strings.HasPrefix(sealedVal, "v1:") {
		t.Fatalf("missing version prefix: %q", sealedVal)
	}
	if !IsSealed(sealedVal) {
		t.Fatalf("IsSealed=false for %q", sealedVal)
	}
	if strings.Contains(sealedVal, "hello") {
		t.Fatalf("plaintext visible in sealed value")
	}

	got, err := box.Open("general", sealedVal)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "hello there" {
		t.Fatalf("got %q", got)
	}
}

func TestRoomKeysAreIndependent(t *testing.T) {
	t.Parallel()

	box, err := NewBox(testKey())
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	sealedVal, err := box.Seal("general", "secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := box.Open("random", sealedVal); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("cross-room open: got %v, want ErrOpenFailed", err)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	t.Parallel()

	box, err := NewBox(testKey())
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	other, err := NewBox(bytes.Repeat([]byte{0x7f}, MinMasterKeyBytes))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	sealedVal, err := box.Seal("general", "secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := other.Open("general", sealedVal); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("wrong key: got %v, want ErrOpenFailed", err)
	}

	for _, bad := range []string{"", "secret", "v1:", "v1:!!!not-base64!!!", "v1:AAAA"} {
		if _, err := box.Open("general", bad); err == nil {
			t.Fatalf("Open(%q) unexpectedly succeeded", bad)
		}
	}
}

func TestNewBoxRejectsShortKeys(t *testing.T) {
	t.Parallel()

	if _, err := NewBox([]byte("short")); !errors.Is(err, ErrKeyTooShort) {
		t.Fatalf("got %v, want ErrKeyTooShort", err)
	}
}

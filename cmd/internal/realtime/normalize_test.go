package realtime

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeRoomName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "general", want: "general"},
		{in: "  My Room  ", want: "my-room"},
		{in: "DEV", want: "dev"},
		{in: "a  b\tc", want: "a-b-c"},
		{in: "already-hyphenated", want: "already-hyphenated"},
		{in: "room42", want: "room42"},
		{in: "x", wantErr: true},
		{in: "", wantErr: true},
		{in: "   ", wantErr: true},
		{in: strings.Repeat("a", maxRoomNameLen+1), wantErr: true},
		{in: strings.Repeat("a", maxRoomNameLen), want: strings.Repeat("a", maxRoomNameLen)},
		{in: "bad!name", wantErr: true},
		{in: "ünïcode", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()

			got, err := NormalizeRoomName(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("got %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeRoomName(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("NormalizeRoomName(%q)=%q want %q", tc.in, got, tc.want)
			}
		})
	}
}

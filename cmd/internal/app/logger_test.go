package app

import (
	"io"
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "  Error  ", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestPrettyHandlerEnabledRespectsLevel(t *testing.T) {
	t.Parallel()

	h := newPrettyHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}, false)

	if h.Enabled(nil, slog.LevelInfo) {
		t.Fatalf("info enabled under warn threshold")
	}
	if !h.Enabled(nil, slog.LevelError) {
		t.Fatalf("error disabled under warn threshold")
	}
}

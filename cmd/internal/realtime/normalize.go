package realtime

import (
	"fmt"
	"regexp"
	"strings"
)

var roomNameRE = regexp.MustCompile(`^[a-z0-9-]+$`)

// NormalizeRoomName canonicalizes a user-supplied room name: surrounding
// whitespace is trimmed, the name is lower-cased, and internal whitespace
// runs collapse to a single hyphen. "  My Room  " and "my-room" are the same
// room.
//
// Post-normalization the name must be 2..20 characters of [a-z0-9-].
func NormalizeRoomName(name string) (string, error) {
	name = strings.Join(strings.Fields(strings.ToLower(name)), "-")

	if n := len(name); n < minRoomNameLen || n > maxRoomNameLen {
		return "", fmt.Errorf("%w: room name must be %d-%d characters", ErrValidation, minRoomNameLen, maxRoomNameLen)
	}
	if !roomNameRE.MatchString(name) {
		return "", fmt.Errorf("%w: room name may only contain letters, digits and hyphens", ErrValidation)
	}
	return name, nil
}

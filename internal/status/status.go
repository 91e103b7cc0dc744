// Package status holds the presence status of the keypad and the
// single mutation point that changes it.
//
// A [Status] is one of exactly three values. Input that does not map
// to one of them is reported as [ErrUnrecognized] rather than carried
// around as a fourth "unknown" value, so an unknown status can never
// reach the wire.
package status

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the human-selected availability of the keypad owner. The
// zero value is deliberately invalid; use [Status.Valid] before
// trusting a value that did not come from this package.
type Status uint8

const (
	// Available means the owner can be interrupted.
	Available Status = iota + 1
	// Busy means the owner should not be interrupted.
	Busy
	// Tentative means the owner may be interruptible.
	Tentative
)

// ErrUnrecognized is returned when a button index or text value does
// not name one of the three statuses.
var ErrUnrecognized = errors.New("unrecognized status")

// All returns the valid statuses in button order.
func All() []Status {
	return []Status{Available, Busy, Tentative}
}

// Valid reports whether s is one of the three defined statuses.
func (s Status) Valid() bool {
	return s >= Available && s <= Tentative
}

// String returns the lowercase wire name of s. Invalid values render
// as "invalid(N)" for logging; they never marshal.
func (s Status) String() string {
	switch s {
	case Available:
		return "available"
	case Busy:
		return "busy"
	case Tentative:
		return "tentative"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(s))
	}
}

// MarshalText implements [encoding.TextMarshaler]. It refuses to
// encode an invalid status.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("marshal status %d: %w", uint8(s), ErrUnrecognized)
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Parse converts a wire name to a Status. Matching is exact on the
// lowercase names after trimming surrounding whitespace.
func Parse(name string) (Status, error) {
	switch strings.TrimSpace(name) {
	case "available":
		return Available, nil
	case "busy":
		return Busy, nil
	case "tentative":
		return Tentative, nil
	default:
		return 0, fmt.Errorf("%q: %w", name, ErrUnrecognized)
	}
}

// FromButton maps a keypad button index to the status it selects:
// 0 is available, 1 is busy, 2 is tentative. Any other index returns
// [ErrUnrecognized].
func FromButton(index int) (Status, error) {
	switch index {
	case 0:
		return Available, nil
	case 1:
		return Busy, nil
	case 2:
		return Tentative, nil
	default:
		return 0, fmt.Errorf("button %d: %w", index, ErrUnrecognized)
	}
}

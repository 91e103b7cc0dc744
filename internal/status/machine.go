package status

import (
	"errors"
	"fmt"
	"sync"
)

// ErrTransitionRejected is returned by [Machine.RequestTransition]
// when the requested value is not a valid status.
var ErrTransitionRejected = errors.New("status transition rejected")

// Request is a single status change request. It is built per event
// and passed by value; nothing retains it after the transition.
type Request struct {
	// Source describes where the request came from, e.g. "button 1".
	// It is only used for logging.
	Source string
	// Requested is the status being asked for.
	Requested Status
}

// ChangeFunc is called with the new status after every accepted
// transition.
type ChangeFunc func(Status)

// Machine is the authoritative holder of the current status. Any
// status may move to any other; there are no forbidden edges.
// All methods are safe for concurrent use.
type Machine struct {
	mu       sync.Mutex
	current  Status
	onChange ChangeFunc
}

// NewMachine returns a Machine starting at [Available]. onChange may
// be nil. When set, it runs while the machine lock is held, so it must
// not call back into the Machine and should return quickly.
func NewMachine(onChange ChangeFunc) *Machine {
	return &Machine{
		current:  Available,
		onChange: onChange,
	}
}

// Current returns the current status.
func (m *Machine) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// RequestTransition applies req. An invalid requested status leaves
// the machine untouched and returns an error wrapping
// [ErrTransitionRejected]. On success the change callback has already
// run by the time RequestTransition returns, so a caller that
// publishes afterwards always reports the new status.
func (m *Machine) RequestTransition(req Request) (Status, error) {
	if !req.Requested.Valid() {
		return 0, fmt.Errorf("%s requested %s: %w", req.Source, req.Requested, ErrTransitionRejected)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = req.Requested
	if m.onChange != nil {
		m.onChange(m.current)
	}
	return m.current, nil
}

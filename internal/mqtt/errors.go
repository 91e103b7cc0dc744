package mqtt

import (
	"errors"
	"fmt"

	"github.com/eclipse/paho.golang/autopaho"
)

var (
	// ErrStartupTimeout is returned by [Bus.Start] when the broker does
	// not acknowledge the request subscription within the configured
	// activation timeout.
	ErrStartupTimeout = errors.New("mqtt startup timed out")

	// ErrNotConnected is returned by [Bus.Publish] before Start.
	ErrNotConnected = errors.New("mqtt bus not started")

	// ErrUnrecoverable wraps stream errors that closed the bus. The
	// process cannot fix these by retrying and should exit so a
	// supervisor can re-provision it.
	ErrUnrecoverable = errors.New("unrecoverable mqtt error")
)

// MQTT v5 reason codes that mean the broker will keep refusing us
// until credentials, policy or configuration change.
const (
	reasonBadCredentials      byte = 0x86
	reasonNotAuthorized       byte = 0x87
	reasonBanned              byte = 0x8A
	reasonBadAuthMethod       byte = 0x8C
	reasonTopicFilterInvalid  byte = 0x8F
	reasonWildcardUnsupported byte = 0xA2
	reasonFailureBoundary     byte = 0x80
)

// StreamError is a transport-level error on the bus connection or
// the request subscription.
type StreamError struct {
	// Op is the operation that failed: connect, subscribe, disconnect
	// or client.
	Op string
	// ReasonCode is the MQTT reason code reported by the broker, or 0
	// when the failure was local.
	ReasonCode byte
	Err        error
}

func (e *StreamError) Error() string {
	if e.ReasonCode != 0 {
		return fmt.Sprintf("mqtt %s: reason 0x%02x: %v", e.Op, e.ReasonCode, e.Err)
	}
	return fmt.Sprintf("mqtt %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// ErrorPolicy decides, per stream error, whether to close the bus.
// Returning false keeps the stream open; autopaho keeps reconnecting
// in the background.
type ErrorPolicy func(err error) (closeStream bool)

// DefaultErrorPolicy keeps the stream open for everything except
// errors classified by [IsUnrecoverable]. Dropped cellular links and
// broker restarts are expected and must not end the subscription.
func DefaultErrorPolicy(err error) bool {
	return IsUnrecoverable(err)
}

// IsUnrecoverable reports whether err carries a reason code that
// means the broker has revoked or refused our authorization, or has
// rejected the configured request topic filter itself.
func IsUnrecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnrecoverable) {
		return true
	}

	var connack *autopaho.ConnackError
	if errors.As(err, &connack) && authRefused(connack.ReasonCode) {
		return true
	}

	var stream *StreamError
	if errors.As(err, &stream) {
		if authRefused(stream.ReasonCode) {
			return true
		}
		if stream.Op == "subscribe" && filterRejected(stream.ReasonCode) {
			return true
		}
	}
	return false
}

// filterRejected reports Suback codes that no retry can fix: the topic
// filter in the config is wrong for this broker.
func filterRejected(code byte) bool {
	return code == reasonTopicFilterInvalid || code == reasonWildcardUnsupported
}

func authRefused(code byte) bool {
	switch code {
	case reasonBadCredentials, reasonNotAuthorized, reasonBanned, reasonBadAuthMethod:
		return true
	}
	return false
}

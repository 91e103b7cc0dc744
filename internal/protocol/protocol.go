// Package protocol defines the JSON messages exchanged with the cloud
// message bus.
//
// The keypad answers every message on its request topic with a
// [StatusResponse] on its response topic. Request payloads carry no
// information; their arrival is the query.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/keypresence/internal/status"
)

// StatusResponse is the payload published on the response topic. It
// encodes as exactly {"timestamp":<epoch ms>,"state":"<status>"}.
type StatusResponse struct {
	// Timestamp is the publish time in milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
	// State is the status at the time the response was built.
	State status.Status `json:"state"`
}

// NewStatusResponse builds a response for s at time t.
func NewStatusResponse(t time.Time, s status.Status) StatusResponse {
	return StatusResponse{
		Timestamp: t.UnixMilli(),
		State:     s,
	}
}

// Encode returns the wire form of r. It fails if r.State is not a
// valid status.
func (r StatusResponse) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode status response: %w", err)
	}
	return data, nil
}

// DecodeStatusResponse parses a response payload. Unknown state
// names are rejected.
func DecodeStatusResponse(data []byte) (StatusResponse, error) {
	var r StatusResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return StatusResponse{}, fmt.Errorf("decode status response: %w", err)
	}
	if !r.State.Valid() {
		return StatusResponse{}, fmt.Errorf("decode status response: missing state: %w", status.ErrUnrecognized)
	}
	return r, nil
}

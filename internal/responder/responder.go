// Package responder ties keypad input and bus queries to the status
// machine and publishes status responses.
//
// Two event sources feed a [Responder] concurrently: the keypad
// driver goroutine calls [Responder.OnButtonEvent], and the MQTT
// receive goroutine calls [Responder.OnInboundRequest]. Both paths end
// in [Responder.PublishStatus], which reads the current status once
// and publishes it. No per-request state is shared between calls.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xmidt-org/chronon"

	"github.com/nugget/keypresence/internal/protocol"
	"github.com/nugget/keypresence/internal/status"
)

// ErrPublish wraps every failure to hand a status response to the
// bus.
var ErrPublish = errors.New("publish status response")

// Publisher is the outbound half of the message bus. Publish must
// deliver at least once; a returned error means the message was not
// accepted at all (for example the transport is not ready).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// StatusMachine is the subset of [status.Machine] the responder uses.
type StatusMachine interface {
	Current() status.Status
	RequestTransition(req status.Request) (status.Status, error)
}

// Config holds the responder's collaborators.
type Config struct {
	// Machine holds the authoritative status.
	Machine StatusMachine
	// Publisher sends responses to the bus.
	Publisher Publisher
	// ResponseTopic is where responses are published.
	ResponseTopic string
	// Clock supplies response timestamps. Defaults to the system clock.
	Clock chronon.Clock
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Responder bridges keypad and bus events to status changes and
// responses. It is safe for concurrent use.
type Responder struct {
	machine   StatusMachine
	publisher Publisher
	topic     string
	clock     chronon.Clock
	logger    *slog.Logger
}

// New returns a Responder. Machine and Publisher are required.
func New(cfg Config) (*Responder, error) {
	if cfg.Machine == nil {
		return nil, errors.New("responder: machine is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("responder: publisher is required")
	}
	if cfg.ResponseTopic == "" {
		return nil, errors.New("responder: response topic is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = chronon.SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Responder{
		machine:   cfg.Machine,
		publisher: cfg.Publisher,
		topic:     cfg.ResponseTopic,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}, nil
}

// OnButtonEvent is the keypad callback. Only the press edge is acted
// on; releases are ignored. ctx comes from the driver's Run and bounds
// the publish, so a press during shutdown does not outlive serve.
func (r *Responder) OnButtonEvent(ctx context.Context, index int, pressed bool) {
	r.logger.Debug("key event",
		"index", index,
		"edge", edgeName(pressed),
	)
	if !pressed {
		return
	}
	r.OnInputEvent(ctx, index)
}

// OnInputEvent handles a press of the key at index. Unmapped keys are
// logged and otherwise ignored: no transition, no publish.
func (r *Responder) OnInputEvent(ctx context.Context, index int) {
	defer r.recoverHandler("input", "index", index)

	requested, err := status.FromButton(index)
	if err != nil {
		r.logger.Info("ignoring unmapped key", "index", index, "error", err)
		return
	}

	req := status.Request{
		Source:    fmt.Sprintf("button %d", index),
		Requested: requested,
	}
	current, err := r.machine.RequestTransition(req)
	if err != nil {
		r.logger.Error("status transition failed",
			"source", req.Source,
			"requested", req.Requested.String(),
			"error", err,
		)
		return
	}
	r.logger.Info("status changed", "source", req.Source, "status", current.String())

	if err := r.PublishStatus(ctx); err != nil {
		r.logger.Error("status publish failed", "source", req.Source, "error", err)
	}
}

// OnInboundRequest answers a status query from the bus. The payload
// is not inspected; the message itself is the query. The status is
// never changed here.
func (r *Responder) OnInboundRequest(ctx context.Context, topic string, payload []byte) {
	defer r.recoverHandler("request", "topic", topic)

	r.logger.Debug("status query received", "topic", topic, "payload_size", len(payload))
	if err := r.PublishStatus(ctx); err != nil {
		r.logger.Error("status publish failed", "source", "request", "topic", topic, "error", err)
	}
}

// PublishStatus publishes the current status with the current time.
// It does not retry; at-least-once delivery after a successful hand
// off is the publisher's job.
func (r *Responder) PublishStatus(ctx context.Context) error {
	resp := protocol.NewStatusResponse(r.clock.Now(), r.machine.Current())

	payload, err := resp.Encode()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	if err := r.publisher.Publish(ctx, r.topic, payload); err != nil {
		return fmt.Errorf("%w to %s: %w", ErrPublish, r.topic, err)
	}

	r.logger.Debug("status published",
		"topic", r.topic,
		"status", resp.State.String(),
		"timestamp", resp.Timestamp,
	)
	return nil
}

// recoverHandler keeps a panic in one event from taking down the
// goroutine that delivers events.
func (r *Responder) recoverHandler(kind string, args ...any) {
	if p := recover(); p != nil {
		r.logger.Error("event handler panicked",
			append([]any{"kind", kind, "panic", fmt.Sprint(p)}, args...)...)
	}
}

func edgeName(pressed bool) string {
	if pressed {
		return "pressed"
	}
	return "released"
}

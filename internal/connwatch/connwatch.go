// Package connwatch watches the keypad's link to the message bus and
// reports transitions between reachable and unreachable.
//
// autopaho already reconnects on its own; the watcher exists so the
// rest of the keypad can react to a recovered link (re-announce the
// current status) and so outages show up in the logs as one line
// each way rather than a stream of client errors.
//
// While the link is down the watcher probes with exponential backoff
// (1s, 2s, 4s, ... capped at MaxDelay). While it is up it probes every
// PollInterval.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether the link is up. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// InitialDelay is the first retry delay after a failed probe (default: 1s).
	InitialDelay time.Duration

	// MaxDelay caps backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failure (default: 2.0).
	Multiplier float64

	// PollInterval is the probe interval while the link is up (default: 15s).
	PollInterval time.Duration

	// ProbeTimeout bounds each probe call (default: 5s).
	ProbeTimeout time.Duration
}

// DefaultBackoff returns the schedule used for the broker link.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		PollInterval: 15 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Config configures a [Watcher].
type Config struct {
	// Name identifies the link in log lines (e.g. "mqtt").
	Name string

	// Probe checks the link. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff Backoff

	// OnUp is called on each down-to-up transition, including the
	// first successful probe. It runs on the watcher goroutine, so
	// the next probe waits for it. Optional.
	OnUp func(ctx context.Context)

	// OnDown is called on each up-to-down transition. Optional.
	OnDown func(err error)

	Logger *slog.Logger
}

// Status is a point-in-time view of the watched link.
type Status struct {
	Name      string    `json:"name"`
	Up        bool      `json:"up"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher probes a single link in a background goroutine.
type Watcher struct {
	cfg    Config
	up     atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
	downSince time.Time
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. It panics if Probe is nil.
func Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Name == "" {
		cfg.Name = "link"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)
	return w
}

// IsUp reports whether the last probe succeeded.
func (w *Watcher) IsUp() bool {
	return w.up.Load()
}

// Status returns the current link status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.cfg.Name,
		Up:        w.up.Load(),
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.cfg.Backoff
	logger := w.cfg.Logger
	delay := b.InitialDelay

	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		failures := w.record(err)

		switch {
		case err == nil && !w.up.Load():
			w.up.Store(true)
			if outage := w.clearDownSince(); outage > 0 {
				logger.Info("link recovered",
					"link", w.cfg.Name,
					"outage", outage.Round(time.Millisecond).String(),
				)
			} else {
				logger.Info("link up", "link", w.cfg.Name)
			}
			if w.cfg.OnUp != nil {
				w.cfg.OnUp(ctx)
			}
		case err != nil && w.up.Load():
			w.up.Store(false)
			logger.Warn("link down", "link", w.cfg.Name, "error", err)
			if w.cfg.OnDown != nil {
				w.cfg.OnDown(err)
			}
		case err != nil:
			logger.Debug("link still down",
				"link", w.cfg.Name,
				"failures", failures,
				"next_delay", delay.String(),
				"error", err,
			)
		}

		wait := b.PollInterval
		if err != nil {
			wait = delay
			delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
		} else {
			delay = b.InitialDelay
		}

		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(probeCtx)
}

// record stores the probe outcome and returns the consecutive failure
// count.
func (w *Watcher) record(err error) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastErr = err
	w.lastCheck = time.Now()
	if err == nil {
		w.failures = 0
		return 0
	}
	if w.failures == 0 && w.up.Load() {
		w.downSince = w.lastCheck
	}
	w.failures++
	return w.failures
}

func (w *Watcher) clearDownSince() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.downSince.IsZero() {
		return 0
	}
	d := time.Since(w.downSince)
	w.downSince = time.Time{}
	return d
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

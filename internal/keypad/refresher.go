package keypad

import (
	"context"
	"log/slog"
	"time"

	"github.com/xmidt-org/chronon"

	"github.com/nugget/keypresence/internal/config"
)

// DefaultRefreshRate matches the keypad driver's smooth update rate.
const DefaultRefreshRate = 60

// Refreshable is anything that needs a periodic push to hardware.
type Refreshable interface {
	Refresh() error
}

// Refresher calls Refresh on a fixed-rate ticker until its context is
// cancelled. A failing refresh is logged and the loop continues.
type Refresher struct {
	target   Refreshable
	interval time.Duration
	clock    chronon.Clock
	logger   *slog.Logger

	// failing suppresses repeated warnings while the driver keeps
	// returning errors. Only touched by the loop goroutine.
	failing bool
}

// NewRefresher returns a Refresher that refreshes target rateHz times
// per second. A non-positive rate uses [DefaultRefreshRate]. A nil
// clock uses the system clock.
func NewRefresher(target Refreshable, rateHz int, clock chronon.Clock, logger *slog.Logger) *Refresher {
	if rateHz <= 0 {
		rateHz = DefaultRefreshRate
	}
	if clock == nil {
		clock = chronon.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		target:   target,
		interval: time.Second / time.Duration(rateHz),
		clock:    clock,
		logger:   logger,
	}
}

// Interval returns the time between refreshes.
func (r *Refresher) Interval() time.Duration {
	return r.interval
}

// Start creates the ticker and runs the loop in a new goroutine. The
// returned channel is closed when the loop exits. The ticker exists
// by the time Start returns.
func (r *Refresher) Start(ctx context.Context) <-chan struct{} {
	ticker := r.clock.NewTicker(r.interval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		r.loop(ctx, ticker.C())
	}()
	return done
}

func (r *Refresher) loop(ctx context.Context, tick <-chan time.Time) {
	r.logger.Debug("indicator refresh loop started", "interval", r.interval.String())
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("indicator refresh loop stopped")
			return
		case <-tick:
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	err := r.target.Refresh()
	r.logger.Log(ctx, config.LevelTrace, "keypad frame pushed", "ok", err == nil)
	switch {
	case err != nil && !r.failing:
		r.failing = true
		r.logger.Warn("indicator refresh failed", "error", err)
	case err == nil && r.failing:
		r.failing = false
		r.logger.Info("indicator refresh recovered")
	}
}

package keypad

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// ButtonFunc receives key edges. pressed is true on the press edge
// and false on the release edge. ctx is the context passed to
// [Driver.Run]; work started from a key press should be bound by it.
type ButtonFunc func(ctx context.Context, index int, pressed bool)

// Driver is a keypad implementation: an LED strip plus a source of
// button events.
type Driver interface {
	LEDs
	// Run delivers button events to fn until ctx is cancelled or the
	// input source is exhausted.
	Run(ctx context.Context, fn ButtonFunc) error
}

// Console is a development driver for hosts without keypad hardware.
// Each input line holding a key index produces a press edge followed
// by a release edge. LED frames are logged when they change.
type Console struct {
	in     io.Reader
	logger *slog.Logger

	mu    sync.Mutex
	frame [Segments]Color
	shown [Segments]Color
}

// NewConsole returns a Console reading key indices from in.
func NewConsole(in io.Reader, logger *slog.Logger) *Console {
	return &Console{in: in, logger: logger}
}

// SetLED stages c for the given segment. Out-of-range indices are
// ignored.
func (c *Console) SetLED(index int, color Color) {
	if index < 0 || index >= Segments {
		return
	}
	c.mu.Lock()
	c.frame[index] = color
	c.mu.Unlock()
}

// Show logs the frame if it differs from the last one shown.
func (c *Console) Show() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frame == c.shown {
		return nil
	}
	c.shown = c.frame
	c.logger.Info("keypad leds",
		"led0", c.frame[0].String(),
		"led1", c.frame[1].String(),
		"led2", c.frame[2].String(),
	)
	return nil
}

// Frame returns the last frame pushed by Show.
func (c *Console) Frame() [Segments]Color {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shown
}

// Run reads lines until EOF or ctx is cancelled. Blank lines are
// skipped; lines that are not integers are logged and skipped.
func (c *Console) Run(ctx context.Context, fn ButtonFunc) error {
	lines := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					if err != nil {
						return fmt.Errorf("read console keypad: %w", err)
					}
				default:
				}
				return nil
			}
			c.handleLine(ctx, line, fn)
		}
	}
}

func (c *Console) handleLine(ctx context.Context, line string, fn ButtonFunc) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	index, err := strconv.Atoi(line)
	if err != nil {
		c.logger.Warn("console keypad input is not a key index", "input", line)
		return
	}
	fn(ctx, index, true)
	fn(ctx, index, false)
}

// Null is a driver with no input and no lights, used when the keypad
// is disabled. Run blocks until ctx is cancelled.
type Null struct{}

func (Null) SetLED(int, Color) {}

func (Null) Show() error { return nil }

func (Null) Run(ctx context.Context, _ ButtonFunc) error {
	<-ctx.Done()
	return nil
}

// Package keypad adapts the physical keypad to the presence core.
//
// The keypad has three keys, each with an RGB LED underneath. Key
// presses arrive as [ButtonFunc] callbacks from a [Driver]. The LEDs
// are painted by [Indicator] and pushed to hardware by [Refresher] on
// a steady tick, because the LED driver chip needs the frame re-sent
// even when nothing changed.
package keypad

import (
	"fmt"
	"sync"

	"github.com/nugget/keypresence/internal/status"
)

// Segments is the number of independently addressable LEDs.
const Segments = 3

// Color is an 8-bit RGB value.
type Color struct {
	R, G, B uint8
}

var (
	Off   = Color{}
	Red   = Color{R: 255}
	Green = Color{G: 255}
	Blue  = Color{B: 255}
)

func (c Color) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// ColorFor returns the LED colour that represents s.
func ColorFor(s status.Status) Color {
	switch s {
	case status.Busy:
		return Red
	case status.Available:
		return Green
	case status.Tentative:
		return Blue
	default:
		return Off
	}
}

// LEDs is the hardware side of the indicator. SetLED stages a colour
// in the driver's frame buffer; Show pushes the whole frame out.
type LEDs interface {
	SetLED(index int, c Color)
	Show() error
}

// Indicator paints a status onto all segments of an [LEDs] strip.
// SetIndicator and Refresh may be called from different goroutines.
type Indicator struct {
	mu    sync.Mutex
	leds  LEDs
	color Color
}

// NewIndicator wraps leds. The segments start dark until the first
// SetIndicator call.
func NewIndicator(leds LEDs) *Indicator {
	return &Indicator{leds: leds}
}

// SetIndicator stages the colour for s on every segment. The change
// reaches the hardware on the next Refresh.
func (i *Indicator) SetIndicator(s status.Status) {
	c := ColorFor(s)

	i.mu.Lock()
	defer i.mu.Unlock()

	i.color = c
	for seg := range Segments {
		i.leds.SetLED(seg, c)
	}
}

// Color returns the colour currently staged on the segments.
func (i *Indicator) Color() Color {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.color
}

// Refresh pushes the staged frame to the hardware.
func (i *Indicator) Refresh() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.leds.Show()
}

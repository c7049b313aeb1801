// Package transform implements the Transform Config (C6): a mutex-guarded,
// process-wide set of rotation/flip/invert toggles mutated by UI control
// commands and snapshotted by the image pipeline on each frame.
package transform

import "sync"

// Token is one step in the deterministic transform sequence applied by the
// image pipeline.
type Token int

const (
	TokenRotate90 Token = iota
	TokenRotate180
	TokenRotate270
	TokenFlipH
	TokenFlipV
	TokenInvert
)

func (t Token) String() string {
	switch t {
	case TokenRotate90:
		return "rotate90"
	case TokenRotate180:
		return "rotate180"
	case TokenRotate270:
		return "rotate270"
	case TokenFlipH:
		return "flip_h"
	case TokenFlipV:
		return "flip_v"
	case TokenInvert:
		return "invert"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time, lock-free copy of the config, safe to read
// and act on without holding Config's lock across heavy work (§4.6).
type Snapshot struct {
	RotationDegrees int
	FlipH           bool
	FlipV           bool
	Invert          bool
}

// Tokens returns the deterministic ordered transform sequence for this
// snapshot: rotation first, then flips in H→V order, then invert.
func (s Snapshot) Tokens() []Token {
	var tokens []Token
	switch s.RotationDegrees % 360 {
	case 90:
		tokens = append(tokens, TokenRotate90)
	case 180:
		tokens = append(tokens, TokenRotate180)
	case 270:
		tokens = append(tokens, TokenRotate270)
	}
	if s.FlipH {
		tokens = append(tokens, TokenFlipH)
	}
	if s.FlipV {
		tokens = append(tokens, TokenFlipV)
	}
	if s.Invert {
		tokens = append(tokens, TokenInvert)
	}
	return tokens
}

// Config is the shared, lock-guarded transform state (§3, §4.6). Zero value
// is the all-neutral default.
type Config struct {
	mu              sync.Mutex
	rotationDegrees int
	flipH           bool
	flipV           bool
	invert          bool
}

// Snapshot returns a consistent point-in-time copy of the config.
func (c *Config) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		RotationDegrees: c.rotationDegrees,
		FlipH:           c.flipH,
		FlipV:           c.flipV,
		Invert:          c.invert,
	}
}

// ApplyRotation adds 90 degrees, wrapping at 360, matching rotation_degrees
// ∈ {0,90,180,270}.
func (c *Config) ApplyRotation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotationDegrees = (c.rotationDegrees + 90) % 360
}

// ToggleFlipH flips the horizontal-flip bit.
func (c *Config) ToggleFlipH() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flipH = !c.flipH
}

// ToggleFlipV flips the vertical-flip bit.
func (c *Config) ToggleFlipV() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flipV = !c.flipV
}

// ToggleInvert flips the invert bit.
func (c *Config) ToggleInvert() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invert = !c.invert
}

// Reset restores all-neutral defaults.
func (c *Config) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotationDegrees = 0
	c.flipH = false
	c.flipV = false
	c.invert = false
}

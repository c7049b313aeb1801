// Package logging provides the structured per-component loggers used
// throughout the core. Every subsystem gets one *logrus.Entry tagged with
// a "component" field, mirroring the teacher's "dvr[%s]: ..." / "hub: ..."
// prefixing convention but machine-parseable.
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	base     = newBase()
	baseOnce sync.Once
)

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// For returns a logger scoped to one component, e.g. logging.For("capture.left").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// SetLevel adjusts the process-wide log level (e.g. from config).
func SetLevel(lvl logrus.Level) {
	base.SetLevel(lvl)
}

// Throttle gates repeated log lines to at most once per interval. logrus has
// no built-in rate limiting, so this small stdlib-only helper fills that gap
// for the capture/worker hot loops where §4.2/§4.3/§7 require "log at most
// once per second" behavior.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// NewThrottle returns a Throttle that allows one log event per interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval}
}

// Allow reports whether the caller may log now, recording the attempt.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}

// Package monitor implements the Status Monitor (C3): a ticker-driven
// supervisor that periodically re-runs device discovery, diffs against the
// last-seen camera set, and emits mode-change events. The poll/diff/emit
// shape is grounded on the teacher's hub.runAirSensorLoop and
// runLightSensorLoop (ticker, read, compare against "last", broadcast only
// on change). A debounce layer and an optional dbus udev fast path are
// supplemented on top, per SPEC_FULL.md's expansion.
package monitor

import (
	"context"
	"time"

	"github.com/bep/debounce"
	"github.com/godbus/dbus/v5"

	"smartscope/internal/device"
	"smartscope/internal/logging"
)

var log = logging.For("monitor")

// Mode is the derived camera topology.
type Mode int

const (
	ModeNoCamera Mode = iota
	ModeSingle
	ModeStereo
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeStereo:
		return "stereo"
	default:
		return "no_camera"
	}
}

func modeFor(descs []device.DeviceDescriptor) Mode {
	switch len(descs) {
	case 0:
		return ModeNoCamera
	case 1:
		return ModeSingle
	default:
		return ModeStereo
	}
}

// StatusEvent is emitted on a mode change (§4.3).
type StatusEvent struct {
	PreviousMode Mode
	NewMode      Mode
	Cameras      []device.DeviceDescriptor
}

// Options configures the monitor's poll interval and discovery parameters.
type Options struct {
	Interval           time.Duration // default 1000ms
	DeviceOptions      device.Options
	EnableDBusFastPath bool
}

func defaultOptions(opt Options) Options {
	if opt.Interval <= 0 {
		opt.Interval = 1000 * time.Millisecond
	}
	return opt
}

// Monitor runs the periodic re-enumeration supervisor.
type Monitor struct {
	opt     Options
	events  chan StatusEvent
	discover func(ctx context.Context) ([]device.DeviceDescriptor, error)

	debounced func(func())

	lastMode Mode
	haveLast bool
}

// New constructs a Monitor. Call Run to start the supervisor loop.
func New(opt Options) *Monitor {
	opt = defaultOptions(opt)
	discoverer := device.New(opt.DeviceOptions)
	return &Monitor{
		opt:       opt,
		discover:  discoverer.Discover,
		events:    make(chan StatusEvent, 16),
		debounced: debounce.New(150 * time.Millisecond),
	}
}

// Events returns the channel status-change events are published on. It is
// effectively unbounded for this core's purposes (buffered; consumers are
// expected to keep up, mirroring the spec's "unbounded channel").
func (m *Monitor) Events() <-chan StatusEvent { return m.events }

// Run is the supervisor loop: poll at a fixed interval, diff against the
// last-seen mode, and emit on change (§4.3). When EnableDBusFastPath is
// set, it also subscribes to udev hot-plug signals over D-Bus as a fast
// path, forcing an immediate (debounced) poll
// instead of waiting for the next tick; the periodic poll is never
// replaced, only supplemented, so behavior degrades gracefully when no
// system bus is reachable (e.g. in CI or unprivileged containers).
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opt.Interval)
	defer ticker.Stop()

	forcePoll := make(chan struct{}, 1)
	if m.opt.EnableDBusFastPath {
		go m.watchUdev(ctx, forcePoll)
	}

	poll := func() { m.pollOnce(ctx) }

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		case <-forcePoll:
			m.debounced(poll)
		}
	}
}

// pollOnce runs one discovery round and emits a StatusEvent if the derived
// mode changed since the last poll. It is split out from Run so tests can
// drive it directly with an injected discover function.
func (m *Monitor) pollOnce(ctx context.Context) {
	descs, err := m.discover(ctx)
	if err != nil {
		log.WithError(err).Warn("monitor: discovery failed, keeping previous mode")
		return
	}
	newMode := modeFor(descs)
	if m.haveLast && newMode == m.lastMode {
		return
	}
	prev := m.lastMode
	m.lastMode = newMode
	m.haveLast = true
	evt := StatusEvent{PreviousMode: prev, NewMode: newMode, Cameras: descs}
	select {
	case m.events <- evt:
	default:
		log.Warn("monitor: event channel full, consumer is behind")
	}
	log.WithFields(map[string]interface{}{
		"previous": prev.String(), "new": newMode.String(), "cameras": len(descs),
	}).Info("camera mode changed")
}

// watchUdev subscribes to udev InterfacesAdded/InterfacesRemoved signals on
// the system bus and requests an immediate poll on any signal. It exits
// silently if no system bus is reachable — this is a best-effort
// supplement, not a requirement.
func (m *Monitor) watchUdev(ctx context.Context, forcePoll chan<- struct{}) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		log.WithError(err).Debug("monitor: no system bus, udev fast path disabled")
		return
	}
	defer conn.Close()

	matchRule := "type='signal',interface='org.freedesktop.DBus.ObjectManager'"
	if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		log.WithError(err).Debug("monitor: udev match rule rejected")
		return
	}

	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if sig.Name != "org.freedesktop.DBus.ObjectManager.InterfacesAdded" &&
				sig.Name != "org.freedesktop.DBus.ObjectManager.InterfacesRemoved" {
				continue
			}
			select {
			case forcePoll <- struct{}{}:
			default:
			}
		}
	}
}

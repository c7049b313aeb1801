package monitor

import (
	"context"
	"testing"

	"smartscope/internal/device"
)

func TestModeForDerivesFromCameraCount(t *testing.T) {
	cases := []struct {
		n    int
		want Mode
	}{
		{0, ModeNoCamera},
		{1, ModeSingle},
		{2, ModeStereo},
		{3, ModeStereo},
	}
	for _, c := range cases {
		descs := make([]device.DeviceDescriptor, c.n)
		if got := modeFor(descs); got != c.want {
			t.Errorf("modeFor(%d cameras) = %v, want %v", c.n, got, c.want)
		}
	}
}

func newTestMonitor(discover func(context.Context) ([]device.DeviceDescriptor, error)) *Monitor {
	m := New(Options{})
	m.discover = discover
	return m
}

func TestPollOnceEmitsOnlyOnModeChange(t *testing.T) {
	calls := 0
	results := [][]device.DeviceDescriptor{
		{},                                     // NoCamera
		{{}},                                   // Single: change
		{{}},                                   // Single: no change
		{{}, {}},                               // Stereo: change
	}
	m := newTestMonitor(func(ctx context.Context) ([]device.DeviceDescriptor, error) {
		r := results[calls]
		calls++
		return r, nil
	})

	ctx := context.Background()
	var events []StatusEvent
	drain := func() {
		for {
			select {
			case e := <-m.events:
				events = append(events, e)
			default:
				return
			}
		}
	}

	m.pollOnce(ctx) // NoCamera is the initial state, first poll always "changes" into it
	m.pollOnce(ctx) // -> Single
	m.pollOnce(ctx) // Single again, no event
	m.pollOnce(ctx) // -> Stereo
	drain()

	if len(events) != 3 {
		t.Fatalf("expected 3 mode-change events, got %d: %+v", len(events), events)
	}
	if events[1].NewMode != ModeSingle || events[2].NewMode != ModeStereo {
		t.Errorf("unexpected event sequence: %+v", events)
	}
}

func TestPollOnceKeepsPreviousModeOnDiscoveryError(t *testing.T) {
	m := newTestMonitor(func(ctx context.Context) ([]device.DeviceDescriptor, error) {
		return nil, errDiscoveryFailed{}
	})
	m.pollOnce(context.Background())
	select {
	case e := <-m.events:
		t.Fatalf("expected no event on discovery failure, got %+v", e)
	default:
	}
}

type errDiscoveryFailed struct{}

func (errDiscoveryFailed) Error() string { return "discovery failed" }

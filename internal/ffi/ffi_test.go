package ffi

import "C"

import (
	"testing"
	"time"

	"smartscope/internal/config"
	"smartscope/internal/manager"
	"smartscope/internal/monitor"
)

func testConfig() *config.Config {
	return &config.Config{
		Camera:       config.CameraConfig{Width: 640, Height: 480, FPS: 30},
		SyncToleranceMs: 50,
		Inference: config.InferenceConfig{
			NumWorkers: 0, // zero means the default count; with no detector factory the manager starts no workers
			MaxQueue:   4,
			ResultTTL:  "2s",
		},
		MonitorIntervalMs:  10,
		MonitorIntervalDur: 10 * time.Millisecond,
		ResultTTLDur:       2 * time.Second,
	}
}

func TestCreateInstanceAssignsDistinctHandles(t *testing.T) {
	h1 := CreateInstanceWithOptions(CreateOptions{Config: testConfig()})
	h2 := CreateInstanceWithOptions(CreateOptions{Config: testConfig()})
	defer smartscope_destroy_instance(h1)
	defer smartscope_destroy_instance(h2)

	if h1 == h2 {
		t.Fatalf("expected distinct handles, got %d and %d", h1, h2)
	}
}

func TestDestroyInstanceInvalidatesTheHandle(t *testing.T) {
	h := CreateInstanceWithOptions(CreateOptions{Config: testConfig()})
	if code := smartscope_destroy_instance(h); code != ErrSuccess {
		t.Fatalf("expected success destroying a live handle, got %d", code)
	}
	if code := smartscope_destroy_instance(h); code != ErrInvalidHandle {
		t.Fatalf("expected ErrInvalidHandle destroying an already-freed handle, got %d", code)
	}
}

func TestGetStatusOnUnknownHandleReturnsInvalidHandle(t *testing.T) {
	h := CreateInstanceWithOptions(CreateOptions{Config: testConfig()})
	smartscope_destroy_instance(h) // h is now a stale, unknown handle

	var out CStatus
	if code := smartscope_get_status(h, &out); code != ErrInvalidHandle {
		t.Fatalf("expected ErrInvalidHandle, got %d", code)
	}
}

func TestStartStopLifecycleWithoutHardware(t *testing.T) {
	h := CreateInstanceWithOptions(CreateOptions{Config: testConfig()})
	defer smartscope_destroy_instance(h)

	if code := smartscope_start(h); code != ErrSuccess {
		t.Fatalf("expected start success, got %d", code)
	}

	var status CStatus
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if code := smartscope_get_status(h, &status); code != ErrSuccess {
			t.Fatalf("unexpected error code from get_status: %d", code)
		}
		if status.Mode == ModeNoCamera {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status.Mode != ModeNoCamera {
		t.Fatalf("expected NoCamera mode without hardware, got %d", status.Mode)
	}

	if code := smartscope_stop(h); code != ErrSuccess {
		t.Fatalf("expected stop success, got %d", code)
	}
}

// TestStatusToCCarriesScenario1Fields reproduces §4.9 Scenario 1 at the C
// ABI boundary: a NoCamera CameraStatus with error_message and is_running
// set must survive translation into the C-layout struct unchanged.
func TestStatusToCCarriesScenario1Fields(t *testing.T) {
	status := manager.CameraStatus{
		Mode:         monitor.ModeNoCamera,
		ErrorMessage: "No cameras detected",
		IsRunning:    true,
		TimestampMs:  1234,
	}

	out := statusToC(status)

	if out.Mode != ModeNoCamera {
		t.Fatalf("expected ModeNoCamera, got %d", out.Mode)
	}
	if out.IsRunning != 1 {
		t.Fatalf("expected is_running == 1, got %d", out.IsRunning)
	}
	got := cGoString(out.ErrorMessage[:])
	if got != "No cameras detected" {
		t.Fatalf("expected error_message %q, got %q", "No cameras detected", got)
	}
}

func cGoString(b []C.char) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = byte(b[i])
	}
	return string(out)
}

func TestGetLeftFrameReturnsNoFrameBeforeAnyPump(t *testing.T) {
	h := CreateInstanceWithOptions(CreateOptions{Config: testConfig()})
	defer smartscope_destroy_instance(h)

	var frame CFrame
	if code := smartscope_get_left_frame(h, &frame); code != ErrNoFrame {
		t.Fatalf("expected ErrNoFrame, got %d", code)
	}
}

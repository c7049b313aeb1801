package capture

import (
	"testing"

	"smartscope/internal/videoframe"
)

func newTestReader() *Reader {
	return New(Options{
		CameraName:  "left",
		Width:       640,
		Height:      480,
		FPS:         30,
		PixelFormat: videoframe.PixelFormatMJPEG,
	})
}

func TestReadFrameReturnsLatestPendingFrame(t *testing.T) {
	r := newTestReader()
	f1 := videoframe.VideoFrame{FrameID: 1, CameraName: "left"}
	f2 := videoframe.VideoFrame{FrameID: 2, CameraName: "left"}

	if !r.async.TrySend(f1) {
		t.Fatal("expected first send to succeed")
	}
	if r.async.TrySend(f2) {
		t.Fatal("expected second send to be dropped (slot occupied)")
	}

	got, ok := r.ReadFrame()
	if !ok {
		t.Fatal("expected a frame")
	}
	if got.FrameID != 1 {
		t.Fatalf("expected the pending frame (id 1) to survive, got id %d", got.FrameID)
	}
}

func TestReadFrameFallsBackToLastSeenWhenChannelEmpty(t *testing.T) {
	r := newTestReader()
	f := videoframe.VideoFrame{FrameID: 5, CameraName: "left"}
	r.publishFallback(f)

	got, ok := r.ReadFrame()
	if !ok {
		t.Fatal("expected fallback frame")
	}
	if got.FrameID != 5 {
		t.Fatalf("expected fallback frame id 5, got %d", got.FrameID)
	}
}

func TestReadFrameEmptyBeforeAnyFrame(t *testing.T) {
	r := newTestReader()
	if _, ok := r.ReadFrame(); ok {
		t.Fatal("expected no frame before any capture occurred")
	}
}

func TestFrameIDsAreMonotonic(t *testing.T) {
	r := newTestReader()
	var ids []uint64
	for i := 0; i < 3; i++ {
		ids = append(ids, r.frameID.Add(1))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("frame ids not strictly increasing: %v", ids)
		}
	}
}

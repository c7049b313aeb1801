package framesync

import (
	"testing"
	"time"

	"smartscope/internal/videoframe"
)

func frameAt(t time.Time, id uint64) videoframe.VideoFrame {
	return videoframe.VideoFrame{Timestamp: t, FrameID: id}
}

func TestTryPairFindsClosestTimestampWithinTolerance(t *testing.T) {
	s := New(Options{SyncToleranceMs: 50})
	base := time.Now()

	s.PushLeft(frameAt(base, 1))
	s.PushLeft(frameAt(base.Add(40*time.Millisecond), 2))
	s.PushRight(frameAt(base.Add(5*time.Millisecond), 10))

	pair, ok := s.TryPair()
	if !ok {
		t.Fatal("expected a pair")
	}
	if pair.Left.FrameID != 1 {
		t.Errorf("expected left frame 1 (closest to right), got %d", pair.Left.FrameID)
	}
	if pair.Right.FrameID != 10 {
		t.Errorf("expected right frame 10, got %d", pair.Right.FrameID)
	}
	// both consumed
	if s.LeftDepth() != 1 || s.RightDepth() != 0 {
		t.Errorf("expected matched frames removed, left depth=%d right depth=%d", s.LeftDepth(), s.RightDepth())
	}
}

func TestTryPairReturnsFalseWhenOutsideTolerance(t *testing.T) {
	s := New(Options{SyncToleranceMs: 10})
	base := time.Now()
	s.PushLeft(frameAt(base, 1))
	s.PushRight(frameAt(base.Add(100*time.Millisecond), 2))

	if _, ok := s.TryPair(); ok {
		t.Fatal("expected no pair: difference exceeds tolerance")
	}
}

func TestTryPairReturnsFalseWhenOneSideEmpty(t *testing.T) {
	s := New(Options{})
	s.PushLeft(frameAt(time.Now(), 1))
	if _, ok := s.TryPair(); ok {
		t.Fatal("expected no pair with an empty side")
	}
}

func TestTrimAgedDropsStaleFrames(t *testing.T) {
	s := New(Options{SyncToleranceMs: 50})
	now := time.Now()
	s.PushLeft(frameAt(now.Add(-200*time.Millisecond), 1))
	s.PushLeft(frameAt(now.Add(-10*time.Millisecond), 2))

	s.TrimAged(now)

	if s.LeftDepth() != 1 {
		t.Fatalf("expected one frame trimmed, depth=%d", s.LeftDepth())
	}
}

func TestPushBoundedDropsOldestOnOverflow(t *testing.T) {
	s := New(Options{Capacity: 3})
	for i := uint64(0); i < 5; i++ {
		s.PushLeft(frameAt(time.Now(), i))
	}
	if s.LeftDepth() != 3 {
		t.Fatalf("expected depth capped at 3, got %d", s.LeftDepth())
	}
	if s.left[0].FrameID != 2 {
		t.Errorf("expected oldest frames dropped, first remaining id=2, got %d", s.left[0].FrameID)
	}
}

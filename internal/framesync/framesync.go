// Package framesync implements the Frame Pair Synchronizer (C4): bounded
// per-side deques of VideoFrames, age-trimmed and searched for the closest
// timestamp match within tolerance. It never blocks and is lossy by
// design — older unpaired frames age out and are dropped.
package framesync

import (
	"time"

	"smartscope/internal/videoframe"
)

const defaultCapacity = 10

// Options configures deque capacity and pairing tolerance.
type Options struct {
	Capacity        int // default 10
	SyncToleranceMs int // default 50
}

func defaultOptions(opt Options) Options {
	if opt.Capacity <= 0 {
		opt.Capacity = defaultCapacity
	}
	if opt.SyncToleranceMs <= 0 {
		opt.SyncToleranceMs = 50
	}
	return opt
}

// Synchronizer pairs left/right VideoFrames by closest timestamp within a
// tolerance window. It is not safe for concurrent use by multiple goroutines
// without external synchronization — callers are expected to drive it from
// a single consumer loop, matching §4.4.
type Synchronizer struct {
	opt   Options
	left  []videoframe.VideoFrame
	right []videoframe.VideoFrame
}

// New constructs a Synchronizer.
func New(opt Options) *Synchronizer {
	opt = defaultOptions(opt)
	return &Synchronizer{opt: opt}
}

// PushLeft absorbs a frame from the left reader, trimming the deque to
// capacity (oldest dropped first).
func (s *Synchronizer) PushLeft(f videoframe.VideoFrame) {
	s.left = pushBounded(s.left, f, s.opt.Capacity)
}

// PushRight absorbs a frame from the right reader.
func (s *Synchronizer) PushRight(f videoframe.VideoFrame) {
	s.right = pushBounded(s.right, f, s.opt.Capacity)
}

func pushBounded(deque []videoframe.VideoFrame, f videoframe.VideoFrame, capacity int) []videoframe.VideoFrame {
	deque = append(deque, f)
	if len(deque) > capacity {
		deque = deque[len(deque)-capacity:]
	}
	return deque
}

// TrimAged removes any frame older than the sync tolerance relative to now,
// on both sides (§4.4: "trims any whose age exceeds sync_tolerance_ms").
func (s *Synchronizer) TrimAged(now time.Time) {
	tolerance := time.Duration(s.opt.SyncToleranceMs) * time.Millisecond
	s.left = trimAged(s.left, now, tolerance)
	s.right = trimAged(s.right, now, tolerance)
}

func trimAged(deque []videoframe.VideoFrame, now time.Time, tolerance time.Duration) []videoframe.VideoFrame {
	kept := deque[:0]
	for _, f := range deque {
		if now.Sub(f.Timestamp) <= tolerance {
			kept = append(kept, f)
		}
	}
	return kept
}

// Pair is a matched stereo frame pair.
type Pair struct {
	Left  videoframe.VideoFrame
	Right videoframe.VideoFrame
}

// TryPair searches for the (i,j) minimizing |t_left[i] - t_right[j]|
// subject to that difference being within tolerance; on success it removes
// both frames and returns them. Never blocks.
func (s *Synchronizer) TryPair() (Pair, bool) {
	if len(s.left) == 0 || len(s.right) == 0 {
		return Pair{}, false
	}
	tolerance := time.Duration(s.opt.SyncToleranceMs) * time.Millisecond

	bestI, bestJ := -1, -1
	var bestDiff time.Duration
	for i, lf := range s.left {
		for j, rf := range s.right {
			diff := lf.Timestamp.Sub(rf.Timestamp)
			if diff < 0 {
				diff = -diff
			}
			if diff > tolerance {
				continue
			}
			if bestI == -1 || diff < bestDiff {
				bestI, bestJ, bestDiff = i, j, diff
			}
		}
	}
	if bestI == -1 {
		return Pair{}, false
	}

	pair := Pair{Left: s.left[bestI], Right: s.right[bestJ]}
	s.left = removeAt(s.left, bestI)
	s.right = removeAt(s.right, bestJ)
	return pair, true
}

func removeAt(deque []videoframe.VideoFrame, idx int) []videoframe.VideoFrame {
	return append(deque[:idx], deque[idx+1:]...)
}

// LeftDepth and RightDepth expose queue depth for telemetry.
func (s *Synchronizer) LeftDepth() int  { return len(s.left) }
func (s *Synchronizer) RightDepth() int { return len(s.right) }

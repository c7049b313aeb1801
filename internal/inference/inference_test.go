package inference

import (
	"context"
	"sync"
	"testing"
	"time"

	"smartscope/internal/videoframe"
)

type fakeDetector struct {
	delay   time.Duration
	onDetect func(videoframe.DecodedFrame) ([]Detection, error)
}

func (f *fakeDetector) Detect(frame videoframe.DecodedFrame) ([]Detection, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.onDetect != nil {
		return f.onDetect(frame)
	}
	return []Detection{{ClassID: 1, Confidence: 0.9}}, nil
}

func (f *fakeDetector) Close() error { return nil }

func TestSubmitAssignsStrictlyMonotonicTaskIDs(t *testing.T) {
	d := New(Options{MaxQueue: 100, NumWorkers: 0}, nil)
	ctx := context.Background()
	var ids []uint64
	for i := 0; i < 5; i++ {
		ids = append(ids, d.Submit(ctx, videoframe.DecodedFrame{}))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("expected strictly increasing task ids, got %v", ids)
		}
	}
}

func TestPublishResultRejectsOlderTaskIDAfterNewer(t *testing.T) {
	d := New(Options{}, nil)
	d.publishResult(5, []Detection{{ClassID: 5}}, nil)
	d.publishResult(3, []Detection{{ClassID: 3}}, nil) // older, should be rejected

	res, ok := d.TryGetLatest()
	if !ok {
		t.Fatal("expected a result")
	}
	if res.TaskID != 5 {
		t.Fatalf("expected newer task id 5 to survive, got %d", res.TaskID)
	}
}

func TestPublishResultAcceptsEqualOrNewerTaskID(t *testing.T) {
	d := New(Options{}, nil)
	d.publishResult(5, []Detection{{ClassID: 5}}, nil)
	d.publishResult(7, []Detection{{ClassID: 7}}, nil)

	res, _ := d.TryGetLatest()
	if res.TaskID != 7 {
		t.Fatalf("expected task id 7, got %d", res.TaskID)
	}

	d.publishResult(7, []Detection{{ClassID: 8}}, nil) // equal id, also accepted
	res, _ = d.TryGetLatest()
	if res.TaskID != 7 || len(res.Detections) != 1 || res.Detections[0].ClassID != 8 {
		t.Fatalf("expected equal task id 7 to overwrite the stored result, got %+v", res)
	}
}

func TestTryGetLatestClearsOnStaleness(t *testing.T) {
	d := New(Options{ResultTTL: 10 * time.Millisecond}, nil)
	d.publishResult(1, []Detection{{ClassID: 1}}, nil)

	if _, ok := d.TryGetLatest(); !ok {
		t.Fatal("expected fresh result to be available")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := d.TryGetLatest(); ok {
		t.Fatal("expected stale result to be cleared")
	}
	if d.HasLatest() {
		t.Fatal("expected HasLatest false after staleness clear")
	}
}

func TestLatestAgeMsIsMaxUint64WhenNoResult(t *testing.T) {
	d := New(Options{}, nil)
	if got := d.LatestAgeMs(); got != ^uint64(0) {
		t.Fatalf("expected sentinel max-uint64, got %d", got)
	}
}

func TestWorkerLoopProcessesSubmittedTasksEndToEnd(t *testing.T) {
	var mu sync.Mutex
	seen := map[uint64]bool{}

	d := New(Options{MaxQueue: 4, NumWorkers: 2}, func(idx int) (Detector, error) {
		return &fakeDetector{onDetect: func(f videoframe.DecodedFrame) ([]Detection, error) {
			mu.Lock()
			seen[f.FrameID] = true
			mu.Unlock()
			return []Detection{{ClassID: uint32(f.FrameID)}}, nil
		}}, nil
	})
	d.Start()
	defer d.Stop()

	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		d.Submit(ctx, videoframe.DecodedFrame{FrameID: i})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(seen) == 3
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("expected all 3 tasks processed, got %d", len(seen))
	}
}

func TestInferenceBlockingReturnsTimeoutWhenNoWorkersRunning(t *testing.T) {
	d := New(Options{MaxQueue: 10, BlockingTimeout: 20 * time.Millisecond}, nil)
	_, err := d.InferenceBlocking(context.Background(), videoframe.DecodedFrame{})
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestInferenceBlockingReturnsDetectionsWhenWorkerCompletes(t *testing.T) {
	d := New(Options{MaxQueue: 4, NumWorkers: 1, BlockingTimeout: time.Second}, func(idx int) (Detector, error) {
		return &fakeDetector{}, nil
	})
	d.Start()
	defer d.Stop()

	dets, err := d.InferenceBlocking(context.Background(), videoframe.DecodedFrame{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(dets))
	}
}

func TestQueueDepthReflectsPendingTasks(t *testing.T) {
	d := New(Options{MaxQueue: 10, NumWorkers: 0}, nil)
	ctx := context.Background()
	d.Submit(ctx, videoframe.DecodedFrame{})
	d.Submit(ctx, videoframe.DecodedFrame{})
	if d.QueueDepth() != 2 {
		t.Fatalf("expected queue depth 2, got %d", d.QueueDepth())
	}
}

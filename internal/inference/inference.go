// Package inference implements the Inference Dispatcher (C7): a bounded
// input ring, N worker goroutines each owning a private detector instance,
// and a latest-result cache guarded separately from the ring. The
// bounded-queue-with-busy-wait-submit and per-worker-instance shape follow
// SPEC_FULL.md's DESIGN NOTES directly; the goroutine-per-worker/shutdown
// flag idiom is grounded on the teacher's dvr.runCamera pattern of a
// dedicated goroutine with an atomic shutdown flag.
package inference

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"smartscope/internal/logging"
	"smartscope/internal/videoframe"
)

var log = logging.For("inference")

// Detection is one detected object with no identity across calls (§3).
type Detection struct {
	Left, Top, Right, Bottom int32
	ClassID                  uint32
	Confidence               float32
}

// Detector runs a model against a decoded frame. Implementations own their
// own NPU/accelerator context; one instance per worker, constructed at
// worker start (§4.7).
type Detector interface {
	Detect(frame videoframe.DecodedFrame) ([]Detection, error)
	Close() error
}

// DetectorFactory constructs one Detector per worker.
type DetectorFactory func(workerIndex int) (Detector, error)

// InferenceTask is one unit of submitted work; TaskID is strictly
// monotonic (§3).
type InferenceTask struct {
	TaskID  uint64
	Frame   videoframe.DecodedFrame
}

// ResultState distinguishes success from a detector error without losing
// the task identity.
type ResultState int

const (
	ResultUnset ResultState = iota
	ResultSuccess
	ResultError
)

// LatestResult is the shared cell workers overwrite and consumers read
// (§3, §4.7).
type LatestResult struct {
	TaskID     uint64
	State      ResultState
	Detections []Detection
	Err        error
	UpdatedAt  time.Time
}

// Options configures queue depth, worker count, and result staleness.
type Options struct {
	MaxQueue      int           // default 6
	NumWorkers    int           // default 6
	ResultTTL     time.Duration // default 2s
	BlockingTimeout time.Duration // default 10s
}

func defaultOptions(opt Options) Options {
	if opt.MaxQueue <= 0 {
		opt.MaxQueue = 6
	}
	if opt.NumWorkers <= 0 {
		opt.NumWorkers = 6
	}
	if opt.ResultTTL <= 0 {
		opt.ResultTTL = 2 * time.Second
	}
	if opt.BlockingTimeout <= 0 {
		opt.BlockingTimeout = 10 * time.Second
	}
	return opt
}

// ErrTimeout is returned by InferenceBlocking when the 10s deadline elapses.
var ErrTimeout = errors.New("inference: blocking call timed out")

// Dispatcher is the Inference Dispatcher (C7).
type Dispatcher struct {
	opt     Options
	factory DetectorFactory

	nextTaskID atomic.Uint64

	ringMu sync.Mutex
	ring   []InferenceTask

	resultMu sync.Mutex
	result   LatestResult
	hasResult bool

	shutdown atomic.Bool
	wg       sync.WaitGroup
}

// New constructs a Dispatcher. Call Start to spawn workers.
func New(opt Options, factory DetectorFactory) *Dispatcher {
	return &Dispatcher{opt: defaultOptions(opt), factory: factory}
}

// Start spawns NumWorkers worker goroutines, each constructing its own
// Detector instance (§4.7).
func (d *Dispatcher) Start() {
	for i := 0; i < d.opt.NumWorkers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Stop signals shutdown and waits for all workers to exit.
func (d *Dispatcher) Stop() {
	d.shutdown.Store(true)
	d.wg.Wait()
}

// Submit enqueues a frame for inference, busy-waiting (1ms sleeps) if the
// ring is full — the only place the producer path may pause (§4.7).
func (d *Dispatcher) Submit(ctx context.Context, frame videoframe.DecodedFrame) uint64 {
	taskID := d.nextTaskID.Add(1)
	task := InferenceTask{TaskID: taskID, Frame: frame}

	for {
		if ctx.Err() != nil {
			return taskID
		}
		d.ringMu.Lock()
		if len(d.ring) < d.opt.MaxQueue {
			d.ring = append(d.ring, task)
			d.ringMu.Unlock()
			return taskID
		}
		d.ringMu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

// QueueDepth is a supplemented telemetry accessor (SPEC_FULL.md).
func (d *Dispatcher) QueueDepth() int {
	d.ringMu.Lock()
	defer d.ringMu.Unlock()
	return len(d.ring)
}

// ActiveWorkers is a supplemented telemetry accessor (SPEC_FULL.md). It
// returns the configured worker count; it does not track which workers are
// busy, nor workers that exited after a failed detector construction.
func (d *Dispatcher) ActiveWorkers() int {
	return d.opt.NumWorkers
}

func (d *Dispatcher) popTask() (InferenceTask, bool) {
	d.ringMu.Lock()
	defer d.ringMu.Unlock()
	if len(d.ring) == 0 {
		return InferenceTask{}, false
	}
	task := d.ring[0]
	d.ring = d.ring[1:]
	return task, true
}

func (d *Dispatcher) workerLoop(index int) {
	defer d.wg.Done()

	detector, err := d.factory(index)
	if err != nil {
		log.WithError(err).WithField("worker", index).Error("detector construction failed, worker exiting")
		return
	}
	defer detector.Close()

	for {
		if d.shutdown.Load() {
			return
		}
		task, ok := d.popTask()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}

		detections, err := detector.Detect(task.Frame)
		d.publishResult(task.TaskID, detections, err)
	}
}

// publishResult overwrites the latest-result cell only if the incoming
// task_id is >= the stored one, preventing a slower worker's older result
// from clobbering a faster worker's newer one (§4.7 ordering guarantee).
func (d *Dispatcher) publishResult(taskID uint64, detections []Detection, err error) {
	d.resultMu.Lock()
	defer d.resultMu.Unlock()

	if d.hasResult && taskID < d.result.TaskID {
		return
	}

	state := ResultSuccess
	if err != nil {
		state = ResultError
	}
	d.result = LatestResult{
		TaskID:     taskID,
		State:      state,
		Detections: detections,
		Err:        err,
		UpdatedAt:  time.Now(),
	}
	d.hasResult = true
}

// TryGetLatest returns the current result, or (zero, false) if none exists
// or the stored result has exceeded the staleness TTL (§4.7). A stale
// result is cleared so subsequent calls also observe "no result" until the
// next successful publish.
func (d *Dispatcher) TryGetLatest() (LatestResult, bool) {
	d.resultMu.Lock()
	defer d.resultMu.Unlock()

	if !d.hasResult {
		return LatestResult{}, false
	}
	if time.Since(d.result.UpdatedAt) > d.opt.ResultTTL {
		d.hasResult = false
		d.result = LatestResult{}
		return LatestResult{}, false
	}
	return d.result, true
}

// HasLatest reports whether a non-stale result is currently stored.
func (d *Dispatcher) HasLatest() bool {
	_, ok := d.TryGetLatest()
	return ok
}

// LatestAgeMs returns the age of the stored result in milliseconds, or
// math.MaxUint64 if no valid result exists — the Open Question in §9 is
// resolved this way rather than via a signed sentinel, since ages are
// inherently non-negative.
func (d *Dispatcher) LatestAgeMs() uint64 {
	res, ok := d.TryGetLatest()
	if !ok {
		return ^uint64(0)
	}
	return uint64(time.Since(res.UpdatedAt).Milliseconds())
}

// InferenceBlocking submits a frame and polls every 1ms until that exact
// task's result is available or BlockingTimeout elapses (§4.7).
func (d *Dispatcher) InferenceBlocking(ctx context.Context, frame videoframe.DecodedFrame) ([]Detection, error) {
	taskID := d.Submit(ctx, frame)
	deadline := time.Now().Add(d.opt.BlockingTimeout)

	for time.Now().Before(deadline) {
		if res, ok := d.TryGetLatest(); ok && res.TaskID == taskID {
			if res.State == ResultError {
				return nil, res.Err
			}
			return res.Detections, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil, ErrTimeout
}

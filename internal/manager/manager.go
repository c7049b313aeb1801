// Package manager is the top-level camera manager referenced by §4.3: it
// owns the device monitor, per-camera stream readers, the frame-pair
// synchronizer, the image pipeline, and the inference dispatcher, wiring
// them into the single entity the FFI boundary (C9) hands a handle to.
//
// Per §9's DESIGN NOTES, it avoids the source's cyclic
// supervisor/reader/monitor references: readers never call back into the
// manager directly. Instead the manager's own supervisor goroutine
// consumes monitor.Monitor's one-way event channel and reacts by
// stopping/starting readers, and shutdown is propagated down through a
// single atomic flag rather than up through method calls. The overall
// shape — a central struct coordinating several per-concern goroutines
// over channels, with one broadcast-style callback fan-out — is grounded
// on the teacher's Hub (server/hub.go), generalized from
// sensor-reading-broadcast to frame/status-broadcast.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"smartscope/internal/calib"
	"smartscope/internal/capture"
	"smartscope/internal/device"
	"smartscope/internal/framesync"
	"smartscope/internal/inference"
	"smartscope/internal/logging"
	"smartscope/internal/monitor"
	"smartscope/internal/pipeline"
	"smartscope/internal/sysload"
	"smartscope/internal/transform"
	"smartscope/internal/videoframe"
)

var log = logging.For("manager")

// gracePeriod is the "short grace period" §4.3 asks for between stopping
// old readers and opening new device nodes.
const gracePeriod = 100 * time.Millisecond

// Options configures the manager. Width/Height/FPS/keywords feed the
// device discoverer and stream readers; the rest configure the
// synchronizer, pipeline and dispatcher.
type Options struct {
	Width, Height, FPS int
	LeftKeywords       []string
	RightKeywords      []string

	MonitorInterval time.Duration
	SyncToleranceMs int

	Calibration *calib.Bundle // nil disables distortion correction

	InferenceOptions inference.Options
	DetectorFactory  inference.DetectorFactory
}

// noCameraMessage is the exact error_message §4.9's Scenario 1 requires the
// NoCamera callback variant to carry.
const noCameraMessage = "No cameras detected"

// FrameStatusOK is the only per-frame status value a snapshot ever carries
// today: a frame that failed to decode or transform never reaches
// publishAndInferAndCallback in the first place (pumpStereo/pumpSingle
// return early on error), so there is no failure status to report yet.
const FrameStatusOK int32 = 0

// CameraStatus is the derived, not-authoritatively-stored status described
// in §3.
type CameraStatus struct {
	Mode           monitor.Mode
	CameraCount    int
	LeftConnected  bool
	RightConnected bool
	ErrorMessage   string // set on NoCamera per §4.9 Scenario 1, empty otherwise
	IsRunning      bool   // reflects Start()/Stop(), independent of Mode
	TimestampMs    int64
}

// FrameMeta is the per-frame half of §4.9's "frame metadata" tuple
// (format/camera_type/status/sequence_number/latency_us) that isn't already
// covered by pipeline.Result or the frame/timestamp fields already on
// FrameSnapshot.
type FrameMeta struct {
	Format         videoframe.PixelFormat
	CameraType     device.Role
	Status         int32
	SequenceNumber uint64
	LatencyUs      int64
}

// FrameSnapshot is the data handed to the registered callback and to pull-
// mode consumers: a copy of whatever pipeline output is currently fresh.
// Buffers here are owned by the snapshot, not aliased into any internal
// scratch slab, so they remain valid past the callback's return — the
// FFI layer copies this struct's byte slices into its per-instance
// scratch slabs and is the only place the "valid for callback scope
// only" contract from §4.9 actually applies.
type FrameSnapshot struct {
	Mode         monitor.Mode
	Status       CameraStatus
	Left         *pipeline.Result
	Right        *pipeline.Result
	LeftMeta     *FrameMeta
	RightMeta    *FrameMeta
	LeftFrameID  uint64
	RightFrameID uint64
	SyncDeltaUs  int64
	SystemLoad   float32
	TimestampMs  int64
}

// DataCallback is the unified callback contract from §4.9: invoked from
// whichever goroutine produced the event, carrying a full snapshot whose
// buffers stay valid after the callback returns (see FrameSnapshot).
type DataCallback func(FrameSnapshot)

// Manager coordinates discovery, capture, synchronization, the image
// pipeline and inference dispatch into one running instance.
type Manager struct {
	opt Options

	shutdown atomic.Bool
	wg       sync.WaitGroup

	mon *monitor.Monitor

	readersMu sync.Mutex
	left      *capture.Reader
	right     *capture.Reader
	single    *capture.Reader

	sync *framesync.Synchronizer

	transformCfg *transform.Config
	leftPipe     *pipeline.Pipeline
	rightPipe    *pipeline.Pipeline

	dispatcher *inference.Dispatcher

	lastLeft  *pipelineCell
	lastRight *pipelineCell

	statusMu sync.Mutex
	status   CameraStatus

	callbackMu sync.Mutex
	callback   DataCallback

	running atomic.Bool

	leftSeq  atomic.Uint64
	rightSeq atomic.Uint64
}

// New constructs a Manager. Call Start to begin discovery and streaming.
func New(opt Options) *Manager {
	if opt.MonitorInterval <= 0 {
		opt.MonitorInterval = time.Second
	}
	cfg := &transform.Config{}
	m := &Manager{
		opt:          opt,
		sync:         framesync.New(framesync.Options{SyncToleranceMs: opt.SyncToleranceMs}),
		transformCfg: cfg,
		leftPipe:     pipeline.New(opt.Calibration, cfg),
		rightPipe:    pipeline.New(opt.Calibration, cfg),
		dispatcher:   inference.New(opt.InferenceOptions, opt.DetectorFactory),
		lastLeft:     &pipelineCell{},
		lastRight:    &pipelineCell{},
	}
	m.mon = monitor.New(monitor.Options{
		Interval: opt.MonitorInterval,
		DeviceOptions: device.Options{
			LeftKeywords:  opt.LeftKeywords,
			RightKeywords: opt.RightKeywords,
		},
	})
	return m
}

// TransformConfig exposes the shared mutable transform state (C6) so the
// FFI control surface can mutate it.
func (m *Manager) TransformConfig() *transform.Config { return m.transformCfg }

// RegisterDataCallback installs the unified callback (§4.9).
func (m *Manager) RegisterDataCallback(cb DataCallback) {
	m.callbackMu.Lock()
	m.callback = cb
	m.callbackMu.Unlock()
}

// Start begins device discovery/monitoring and streaming. It is
// idempotent: calling Start on an already-running manager is a no-op.
// Per P10, zero cameras present is not an error: Start succeeds, status
// reports NoCamera, and no capture/worker threads are created beyond the
// supervisor and, when a DetectorFactory is set, the (idle) inference
// workers.
func (m *Manager) Start(ctx context.Context) error {
	if m.running.Swap(true) {
		return nil
	}
	m.shutdown.Store(false)
	if m.opt.DetectorFactory != nil {
		m.dispatcher.Start()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.mon.Run(ctx)
	}()

	m.wg.Add(1)
	go m.superviseModeChanges(ctx)

	m.wg.Add(1)
	go m.pumpFrames(ctx)

	return nil
}

// Stop signals shutdown, stops all readers, and joins every spawned
// goroutine (P9: within 2*monitor_interval_ms + 1s in practice).
func (m *Manager) Stop() {
	if !m.running.Swap(false) {
		return
	}
	m.shutdown.Store(true)
	m.stopAllReaders()
	m.dispatcher.Stop()
	m.wg.Wait()
}

// GetStatus returns the last-derived CameraStatus (§3; §4.9 get_status).
func (m *Manager) GetStatus() CameraStatus {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.status
}

// GetLeftFrame and GetRightFrame are the optional pull-mode FFI accessors
// (§4.9); they return the most recently pumped pipeline output for that
// side, or ok=false if none is available yet (FFI NoFrame).
func (m *Manager) GetLeftFrame() (pipeline.Result, bool) {
	return m.lastLeft.get()
}

func (m *Manager) GetRightFrame() (pipeline.Result, bool) {
	return m.lastRight.get()
}

// superviseModeChanges consumes monitor.Events() and reacts by stopping
// existing readers, sleeping the grace period, and starting readers for
// the new mode (§4.3). It never calls back into the monitor: all
// communication is one-directional over the event channel, avoiding the
// cyclic reference the source repo has between supervisor and readers.
func (m *Manager) superviseModeChanges(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-m.mon.Events():
			if !ok {
				return
			}
			if m.shutdown.Load() {
				return
			}
			m.applyModeChange(evt)
		}
	}
}

func (m *Manager) applyModeChange(evt monitor.StatusEvent) {
	m.stopAllReaders()
	time.Sleep(gracePeriod)

	m.readersMu.Lock()
	defer m.readersMu.Unlock()

	for _, d := range evt.Cameras {
		opt := capture.Options{
			DevicePath:  d.DeviceNodePath,
			CameraName:  d.Name,
			Width:       m.opt.Width,
			Height:      m.opt.Height,
			FPS:         m.opt.FPS,
			PixelFormat: videoframe.PixelFormatMJPEG,
		}
		reader := capture.New(opt)
		if err := reader.Start(); err != nil {
			log.WithError(err).WithField("device", d.DeviceNodePath).Warn("failed to start reader")
			continue
		}
		switch d.RoleHint {
		case device.RoleLeft:
			m.left = reader
		case device.RoleRight:
			m.right = reader
		default:
			m.single = reader
		}
	}

	// Rectification maps are keyed by (width, height) and lazily rebuilt
	// by the pipeline on the next frame at that size; nothing to do here
	// beyond letting the new readers come up.
	m.statusMu.Lock()
	m.status = CameraStatus{
		Mode:           evt.NewMode,
		CameraCount:    len(evt.Cameras),
		LeftConnected:  m.left != nil,
		RightConnected: m.right != nil,
		ErrorMessage:   errorMessageFor(evt.NewMode),
		IsRunning:      m.running.Load(),
		TimestampMs:    time.Now().UnixMilli(),
	}
	m.statusMu.Unlock()

	log.WithField("mode", evt.NewMode.String()).Info("camera readers reinitialized")
}

func (m *Manager) stopAllReaders() {
	m.readersMu.Lock()
	left, right, single := m.left, m.right, m.single
	m.left, m.right, m.single = nil, nil, nil
	m.readersMu.Unlock()

	for _, r := range []*capture.Reader{left, right, single} {
		if r == nil {
			continue
		}
		if err := r.Stop(); err != nil {
			log.WithError(err).Warn("reader stop error")
		}
	}
}

// pipelineCell is a small mutex-guarded single slot holding the last
// pipeline.Result produced for one side, used for pull-mode access.
type pipelineCell struct {
	mu     sync.Mutex
	result pipeline.Result
	has    bool
}

func (c *pipelineCell) publish(r pipeline.Result) {
	c.mu.Lock()
	c.result = r
	c.has = true
	c.mu.Unlock()
}

func (c *pipelineCell) get() (pipeline.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.has {
		return pipeline.Result{}, false
	}
	return c.result, true
}

// pumpFrames is the manager's own consumer-thread: it drains whichever
// readers are live, feeds frames through framesync (stereo mode) or
// directly through the pipeline (single mode), submits decoded frames to
// the inference dispatcher, and invokes the registered callback with a
// full snapshot (§4.9). This runs on its own goroutine instead of the
// literal "caller's thread" wording in §4.5, since the manager is itself
// the UI-facing caller once wired behind the FFI boundary; direct API
// consumers of the internal packages are free to drive Pipeline.Process
// from their own thread instead.
func (m *Manager) pumpFrames(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if m.shutdown.Load() {
			return
		}
		m.pumpOnce()
	}
}

func (m *Manager) pumpOnce() {
	m.readersMu.Lock()
	left, right, single := m.left, m.right, m.single
	m.readersMu.Unlock()

	now := time.Now()
	switch {
	case left != nil && right != nil:
		m.pumpStereo(left, right, now)
	case single != nil:
		m.pumpSingle(single, now)
	default:
		m.emitNoCamera(now)
	}
}

func (m *Manager) pumpStereo(left, right *capture.Reader, now time.Time) {
	if f, ok := left.ReadFrame(); ok {
		m.sync.PushLeft(f)
	}
	if f, ok := right.ReadFrame(); ok {
		m.sync.PushRight(f)
	}
	m.sync.TrimAged(now)

	pair, ok := m.sync.TryPair()
	if !ok {
		return
	}

	m.leftPipe.SetStereoRectificationEnabled(true)
	m.rightPipe.SetStereoRectificationEnabled(true)

	leftResult, err := m.leftPipe.Process(pair.Left.Data, true)
	if err != nil {
		log.WithError(err).Debug("left pipeline process error")
		return
	}
	rightResult, err := m.rightPipe.Process(pair.Right.Data, false)
	if err != nil {
		log.WithError(err).Debug("right pipeline process error")
		return
	}

	m.publishAndInferAndCallback(monitor.ModeStereo, &leftResult, &rightResult,
		pair.Left.FrameID, pair.Right.FrameID,
		pair.Left.Timestamp, pair.Right.Timestamp,
		pair.Left.Timestamp.Sub(pair.Right.Timestamp).Microseconds(), now)
}

func (m *Manager) pumpSingle(reader *capture.Reader, now time.Time) {
	f, ok := reader.ReadFrame()
	if !ok {
		return
	}
	m.leftPipe.SetStereoRectificationEnabled(false)
	result, err := m.leftPipe.Process(f.Data, true)
	if err != nil {
		log.WithError(err).Debug("single pipeline process error")
		return
	}
	m.publishAndInferAndCallback(monitor.ModeSingle, &result, nil, f.FrameID, 0,
		f.Timestamp, time.Time{}, 0, now)
}

// errorMessageFor returns §4.9 Scenario 1's exact NoCamera error_message,
// and the empty string for any mode where cameras are actually present.
func errorMessageFor(mode monitor.Mode) string {
	if mode == monitor.ModeNoCamera {
		return noCameraMessage
	}
	return ""
}

func (m *Manager) currentSystemLoad() float32 {
	load, err := sysload.Read()
	if err != nil {
		log.WithError(err).Debug("system load read failed")
		return 0
	}
	return load
}

func (m *Manager) emitNoCamera(now time.Time) {
	m.statusMu.Lock()
	status := m.status
	status.Mode = monitor.ModeNoCamera
	status.ErrorMessage = noCameraMessage
	status.IsRunning = m.running.Load()
	status.TimestampMs = now.UnixMilli()
	m.status = status
	m.statusMu.Unlock()

	m.invokeCallback(FrameSnapshot{
		Mode:        monitor.ModeNoCamera,
		Status:      status,
		SystemLoad:  m.currentSystemLoad(),
		TimestampMs: now.UnixMilli(),
	})
}

func (m *Manager) publishAndInferAndCallback(mode monitor.Mode, left, right *pipeline.Result, leftID, rightID uint64, leftCapturedAt, rightCapturedAt time.Time, syncDeltaUs int64, now time.Time) {
	var leftMeta, rightMeta *FrameMeta
	if left != nil {
		m.lastLeft.publish(*left)
		m.submitInference(*left, leftID, now)
		cameraType := device.RoleUnknown
		if right != nil {
			cameraType = device.RoleLeft
		}
		leftMeta = &FrameMeta{
			Format:         videoframe.PixelFormatRGB24,
			CameraType:     cameraType,
			Status:         FrameStatusOK,
			SequenceNumber: m.leftSeq.Add(1),
			LatencyUs:      latencyUs(leftCapturedAt, now),
		}
	}
	if right != nil {
		m.lastRight.publish(*right)
		rightMeta = &FrameMeta{
			Format:         videoframe.PixelFormatRGB24,
			CameraType:     device.RoleRight,
			Status:         FrameStatusOK,
			SequenceNumber: m.rightSeq.Add(1),
			LatencyUs:      latencyUs(rightCapturedAt, now),
		}
	}

	m.statusMu.Lock()
	status := m.status
	status.Mode = mode
	status.ErrorMessage = errorMessageFor(mode)
	status.IsRunning = m.running.Load()
	status.TimestampMs = now.UnixMilli()
	m.status = status
	m.statusMu.Unlock()

	m.invokeCallback(FrameSnapshot{
		Mode:         mode,
		Status:       status,
		Left:         left,
		Right:        right,
		LeftMeta:     leftMeta,
		RightMeta:    rightMeta,
		LeftFrameID:  leftID,
		RightFrameID: rightID,
		SyncDeltaUs:  syncDeltaUs,
		SystemLoad:   m.currentSystemLoad(),
		TimestampMs:  now.UnixMilli(),
	})
}

// latencyUs is the time from capture to this snapshot being ready, or 0 if
// the caller has no capture timestamp (e.g. capturedAt left at its zero
// value).
func latencyUs(capturedAt, now time.Time) int64 {
	if capturedAt.IsZero() {
		return 0
	}
	return now.Sub(capturedAt).Microseconds()
}

func (m *Manager) submitInference(r pipeline.Result, frameID uint64, now time.Time) {
	if m.opt.DetectorFactory == nil {
		return
	}
	m.dispatcher.Submit(context.Background(), videoframe.DecodedFrame{
		Pix:       r.RGB,
		Format:    videoframe.DecodedFormatRGB888,
		Width:     r.Width,
		Height:    r.Height,
		FrameID:   frameID,
		Timestamp: now,
	})
}

func (m *Manager) invokeCallback(snap FrameSnapshot) {
	m.callbackMu.Lock()
	cb := m.callback
	m.callbackMu.Unlock()
	if cb != nil {
		cb(snap)
	}
}

// Dispatcher exposes the inference dispatcher (C7) for pull-mode access to
// the latest detection result, e.g. from the FFI boundary or bench CLI.
func (m *Manager) Dispatcher() *inference.Dispatcher { return m.dispatcher }

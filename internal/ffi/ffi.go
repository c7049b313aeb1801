// Package ffi implements the FFI Boundary (C9): a handle-based C ABI
// wrapping manager.Manager, with a C-layout status struct and pull-mode
// frame accessors. The shapes are grounded on
// original_source/crates/usb-camera/src/cpp_interface.rs's
// CameraStreamManager/CCameraData/CameraDataCallback (opaque
// *mut CameraStreamManager handle, extern "C" callback taking a
// const-pointer payload and a user_data void*) and
// original_source/crates/video-recorder/src/ffi.rs's handle-table
// pattern, re-expressed in Go's cgo instead of Rust's #[no_mangle].
//
// Handles are small integers indexing into a package-level table guarded
// by a mutex, rather than raw pointers cast through uintptr, since Go's
// garbage collector must not be handed a pointer it doesn't control
// across the cgo boundary.
package ffi

/*
#include <stdint.h>

typedef void (*smartscope_data_callback)(const void *data, void *user_data);

static inline void smartscope_invoke_callback(smartscope_data_callback cb, const void *data, void *user_data) {
	cb(data, user_data);
}
*/
import "C"

import (
	"context"
	"sync"
	"unsafe"

	"smartscope/internal/calib"
	"smartscope/internal/config"
	"smartscope/internal/inference"
	"smartscope/internal/logging"
	"smartscope/internal/manager"
	"smartscope/internal/monitor"
	"smartscope/internal/pipeline"
)

var log = logging.For("ffi")

// Error codes from §6's "FFI ABI".
const (
	ErrSuccess        C.int32_t = 0
	ErrInvalidHandle  C.int32_t = -1
	ErrInitFailed     C.int32_t = -2
	ErrDeviceNotFound C.int32_t = -3
	ErrStartFailed    C.int32_t = -4
	ErrStopFailed     C.int32_t = -5
	ErrNoFrame        C.int32_t = -6
	ErrInvalidParam   C.int32_t = -8
)

// Mode discriminants, matching monitor.Mode's ordering (§4.9: mode ∈
// {0,1,2} = {NoCamera, Single, Stereo}).
const (
	ModeNoCamera C.int32_t = 0
	ModeSingle   C.int32_t = 1
	ModeStereo   C.int32_t = 2
)

// errorMessageLen bounds CStatus.ErrorMessage; §4.9 Scenario 1's
// "No cameras detected" is 19 bytes (20 with its NUL), so this leaves ample room for any
// longer ConfigurationError-style detail without truncation in practice.
const errorMessageLen = 128

// CFrameInfo is the per-side "frame metadata" tuple §4.9 requires in the
// unified callback: format/camera_type/status/sequence_number/latency_us,
// plus the raw pointer+size+width/height+frame_id+timestamp_ms CFrame
// already carried for pull-mode access. Valid is 0 when that side produced
// no frame this cycle (e.g. single-camera mode's unused side), mirroring
// CCameraData's per-variant "this side is absent" signaling without a real
// C union.
type CFrameInfo struct {
	Valid          C.int32_t
	Data           unsafe.Pointer
	Size           C.uint32_t
	Width          C.uint32_t
	Height         C.uint32_t
	Format         C.int32_t
	CameraType     C.int32_t
	Status         C.int32_t
	FrameID        C.uint64_t
	SequenceNumber C.uint64_t
	TimestampMs    C.int64_t
	LatencyUs      C.int64_t
}

// CStatus is the C-layout snapshot returned by smartscope_get_status and
// passed to the unified data callback. This collapses
// cpp_interface.rs's CCameraData tagged union (mode + one of
// NoCamera/Single/Stereo payloads, each itself carrying camera status,
// frame metadata and system load per §4.9) into a single flat struct, since
// a Go cgo preamble cannot construct a C union literal. smartscope_get_status
// leaves Left/Right zeroed (Valid == 0): pull-mode callers read
// GetLeftFrame/GetRightFrame for frame data instead, but the unified
// callback populates them directly so no consumer has to cross-reference a
// separate pull-mode call to get the full snapshot §4.9 describes.
type CStatus struct {
	Mode           C.int32_t
	CameraCount    C.int32_t
	LeftConnected  C.int32_t
	RightConnected C.int32_t
	ErrorMessage   [errorMessageLen]C.char
	IsRunning      C.int32_t
	SystemLoad     C.float
	Left           CFrameInfo
	Right          CFrameInfo
	TimestampMs    C.int64_t
}

// CFrame is the C-layout frame metadata returned by the pull-mode
// accessors. Data is valid only until the next pull-mode call or callback
// dispatch for the same side overwrites the instance's scratch slab (§4.9).
type CFrame struct {
	Data        unsafe.Pointer
	Size        C.uint32_t
	Width       C.uint32_t
	Height      C.uint32_t
	FrameID     C.uint64_t
	TimestampMs C.int64_t
}

// instance is one smartscope handle's backing state: the Manager plus the
// per-instance scratch slabs the callback/pull-mode pointers point into.
// Per SPEC_FULL.md's "Global state for frame buffers" design note, these
// slabs are owned here per instance, not in two process-wide buffers
// keyed by camera side as the source does.
type instance struct {
	mgr    *manager.Manager
	cancel context.CancelFunc

	mu           sync.Mutex
	leftScratch  []byte
	rightScratch []byte
	leftFrameID  uint64
	rightFrameID uint64

	callback C.smartscope_data_callback
	userData unsafe.Pointer
}

var (
	registryMu sync.Mutex
	registry   = map[C.uintptr_t]*instance{}
	nextHandle C.uintptr_t = 1
)

// smartscope_init is the process-wide, idempotent initializer (§4.9
// init()). The core keeps no global state beyond logging, which is
// already lazily initialized by internal/logging, so this exists purely
// to satisfy the ABI contract and is safe to call any number of times.
//
//export smartscope_init
func smartscope_init() C.int32_t {
	return ErrSuccess
}

// smartscope_cleanup is the process-wide, idempotent teardown (§4.9
// cleanup()).
//
//export smartscope_cleanup
func smartscope_cleanup() C.int32_t {
	registryMu.Lock()
	defer registryMu.Unlock()
	for h, inst := range registry {
		inst.mgr.Stop()
		if inst.cancel != nil {
			inst.cancel()
		}
		delete(registry, h)
	}
	return ErrSuccess
}

// CreateOptions mirrors the configuration surface in §6, passed in by the
// caller constructing a config.Config and a calib.Bundle before calling
// Create. This stands in for what a real cgo caller would populate via a
// C struct; the ABI's opaque-handle contract doesn't constrain how the
// creator assembles its options.
type CreateOptions struct {
	Config      *config.Config
	Calibration *calib.Bundle
	Detectors   inference.DetectorFactory
}

// smartscope_create_instance allocates a new manager instance from
// package-default configuration and returns its opaque handle (§4.9
// create_instance()). Go callers that need a real config or detector
// factory should use CreateInstanceWithOptions directly instead of the
// exported C symbol, which takes no parameters per §6's ABI.
//
//export smartscope_create_instance
func smartscope_create_instance() C.uintptr_t {
	return CreateInstanceWithOptions(CreateOptions{})
}

// CreateInstanceWithOptions is the Go-native entry point used by callers
// within this module (this package's tests) that want to pass a real
// config and detector factory.
func CreateInstanceWithOptions(opt CreateOptions) C.uintptr_t {
	cfg := opt.Config
	if cfg == nil {
		cfg = loadDefaultConfig()
	}

	mgr := manager.New(manager.Options{
		Width:            cfg.Camera.Width,
		Height:           cfg.Camera.Height,
		FPS:              cfg.Camera.FPS,
		LeftKeywords:     cfg.Camera.Left.NameKeywords,
		RightKeywords:    cfg.Camera.Right.NameKeywords,
		MonitorInterval:  cfg.MonitorIntervalDur,
		SyncToleranceMs:  cfg.SyncToleranceMs,
		Calibration:      opt.Calibration,
		InferenceOptions: inferenceOptionsFrom(cfg),
		DetectorFactory:  opt.Detectors,
	})

	inst := &instance{mgr: mgr}

	registryMu.Lock()
	defer registryMu.Unlock()
	h := nextHandle
	nextHandle++
	registry[h] = inst
	return h
}

// smartscope_destroy_instance stops (if running) and frees an instance
// (§4.9 destroy_instance()).
//
//export smartscope_destroy_instance
func smartscope_destroy_instance(handle C.uintptr_t) C.int32_t {
	registryMu.Lock()
	inst, ok := registry[handle]
	if ok {
		delete(registry, handle)
	}
	registryMu.Unlock()
	if !ok {
		return ErrInvalidHandle
	}
	inst.mgr.Stop()
	if inst.cancel != nil {
		inst.cancel()
	}
	return ErrSuccess
}

func lookup(handle C.uintptr_t) (*instance, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	inst, ok := registry[handle]
	return inst, ok
}

// smartscope_start begins streaming for the given instance (§4.9
// start()).
//
//export smartscope_start
func smartscope_start(handle C.uintptr_t) C.int32_t {
	inst, ok := lookup(handle)
	if !ok {
		return ErrInvalidHandle
	}
	ctx, cancel := context.WithCancel(context.Background())
	inst.mu.Lock()
	inst.cancel = cancel
	inst.mu.Unlock()

	inst.mgr.RegisterDataCallback(inst.dispatchCallback)

	if err := inst.mgr.Start(ctx); err != nil {
		log.WithError(err).Warn("start failed")
		cancel()
		return ErrStartFailed
	}
	return ErrSuccess
}

// smartscope_stop halts streaming for the given instance (§4.9 stop()).
//
//export smartscope_stop
func smartscope_stop(handle C.uintptr_t) C.int32_t {
	inst, ok := lookup(handle)
	if !ok {
		return ErrInvalidHandle
	}
	inst.mgr.Stop()
	inst.mu.Lock()
	if inst.cancel != nil {
		inst.cancel()
	}
	inst.mu.Unlock()
	return ErrSuccess
}

// smartscope_register_data_callback installs the unified callback (§4.9
// register_data_callback()).
//
//export smartscope_register_data_callback
func smartscope_register_data_callback(handle C.uintptr_t, cb C.smartscope_data_callback, userData unsafe.Pointer) C.int32_t {
	inst, ok := lookup(handle)
	if !ok {
		return ErrInvalidHandle
	}
	inst.mu.Lock()
	inst.callback = cb
	inst.userData = userData
	inst.mu.Unlock()
	return ErrSuccess
}

// smartscope_get_status writes a CStatus snapshot into out (§4.9
// get_status()).
//
//export smartscope_get_status
func smartscope_get_status(handle C.uintptr_t, out *CStatus) C.int32_t {
	inst, ok := lookup(handle)
	if !ok {
		return ErrInvalidHandle
	}
	if out == nil {
		return ErrInvalidParam
	}
	status := inst.mgr.GetStatus()
	*out = statusToC(status)
	return ErrSuccess
}

// smartscope_get_left_frame and smartscope_get_right_frame are the
// optional pull-mode accessors (§4.9). They copy the pipeline's output
// into the instance's per-side scratch slab and point out at that slab.
//
//export smartscope_get_left_frame
func smartscope_get_left_frame(handle C.uintptr_t, out *CFrame) C.int32_t {
	return getFrame(handle, out, true)
}

//export smartscope_get_right_frame
func smartscope_get_right_frame(handle C.uintptr_t, out *CFrame) C.int32_t {
	return getFrame(handle, out, false)
}

func getFrame(handle C.uintptr_t, out *CFrame, left bool) C.int32_t {
	inst, ok := lookup(handle)
	if !ok {
		return ErrInvalidHandle
	}
	if out == nil {
		return ErrInvalidParam
	}

	var rgb []byte
	var width, height int
	var present bool
	if left {
		r, ok2 := inst.mgr.GetLeftFrame()
		rgb, width, height, present = r.RGB, r.Width, r.Height, ok2
	} else {
		r, ok2 := inst.mgr.GetRightFrame()
		rgb, width, height, present = r.RGB, r.Width, r.Height, ok2
	}
	if !present {
		return ErrNoFrame
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	slab := inst.scratchFor(left)
	if cap(*slab) < len(rgb) {
		*slab = make([]byte, len(rgb))
	}
	*slab = (*slab)[:len(rgb)]
	copy(*slab, rgb)
	var frameID uint64
	if left {
		frameID = inst.leftFrameID
	} else {
		frameID = inst.rightFrameID
	}

	*out = CFrame{
		Size:    C.uint32_t(len(rgb)),
		Width:   C.uint32_t(width),
		Height:  C.uint32_t(height),
		FrameID: C.uint64_t(frameID),
	}
	if len(rgb) > 0 {
		out.Data = unsafe.Pointer(&(*slab)[0])
	}
	return ErrSuccess
}

func (inst *instance) scratchFor(left bool) *[]byte {
	if left {
		return &inst.leftScratch
	}
	return &inst.rightScratch
}

// dispatchCallback translates a manager.FrameSnapshot into the C ABI's
// unified callback invocation (§4.9). Each present side's pixel data is
// copied into the instance's per-side scratch slab and status.Left/Right
// point into that slab, so the callback carries the frame pointers itself;
// GetLeftFrame/GetRightFrame remain available for pull-mode access.
func (inst *instance) dispatchCallback(snap manager.FrameSnapshot) {
	inst.mu.Lock()
	cb := inst.callback
	userData := inst.userData
	inst.mu.Unlock()
	if cb == nil {
		return
	}

	if snap.Left != nil {
		inst.refreshScratch(true, snap.Left.RGB, snap.LeftFrameID)
	}
	if snap.Right != nil {
		inst.refreshScratch(false, snap.Right.RGB, snap.RightFrameID)
	}

	status := statusToC(snap.Status)
	status.SystemLoad = C.float(snap.SystemLoad)
	status.TimestampMs = C.int64_t(snap.TimestampMs)

	inst.mu.Lock()
	if snap.Left != nil {
		status.Left = inst.frameInfo(true, snap.Left, snap.LeftMeta, snap.LeftFrameID, snap.TimestampMs)
	}
	if snap.Right != nil {
		status.Right = inst.frameInfo(false, snap.Right, snap.RightMeta, snap.RightFrameID, snap.TimestampMs)
	}
	inst.mu.Unlock()

	C.smartscope_invoke_callback(cb, unsafe.Pointer(&status), userData)
}

// frameInfo builds a CFrameInfo pointing at this side's just-refreshed
// scratch slab. Must be called with inst.mu held.
func (inst *instance) frameInfo(left bool, r *pipeline.Result, meta *manager.FrameMeta, frameID uint64, timestampMs int64) CFrameInfo {
	slab := *inst.scratchFor(left)
	info := CFrameInfo{
		Valid:       1,
		Size:        C.uint32_t(len(slab)),
		Width:       C.uint32_t(r.Width),
		Height:      C.uint32_t(r.Height),
		FrameID:     C.uint64_t(frameID),
		TimestampMs: C.int64_t(timestampMs),
	}
	if len(slab) > 0 {
		info.Data = unsafe.Pointer(&slab[0])
	}
	if meta != nil {
		info.Format = C.int32_t(meta.Format)
		info.CameraType = C.int32_t(meta.CameraType)
		info.Status = C.int32_t(meta.Status)
		info.SequenceNumber = C.uint64_t(meta.SequenceNumber)
		info.LatencyUs = C.int64_t(meta.LatencyUs)
	}
	return info
}

func (inst *instance) refreshScratch(left bool, rgb []byte, frameID uint64) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	slab := inst.scratchFor(left)
	if cap(*slab) < len(rgb) {
		*slab = make([]byte, len(rgb))
	}
	*slab = (*slab)[:len(rgb)]
	copy(*slab, rgb)
	if left {
		inst.leftFrameID = frameID
	} else {
		inst.rightFrameID = frameID
	}
}

func statusToC(status manager.CameraStatus) CStatus {
	out := CStatus{
		Mode:           modeToC(status.Mode),
		CameraCount:    C.int32_t(status.CameraCount),
		LeftConnected:  boolToC(status.LeftConnected),
		RightConnected: boolToC(status.RightConnected),
		IsRunning:      boolToC(status.IsRunning),
		TimestampMs:    C.int64_t(status.TimestampMs),
	}
	setCString(&out.ErrorMessage, status.ErrorMessage)
	return out
}

// setCString copies a Go string into a fixed-size C char array,
// NUL-terminating it and truncating rather than overflowing if it doesn't
// fit (it always does today: the only message in use is §4.9 Scenario 1's
// "No cameras detected").
func setCString(dst *[errorMessageLen]C.char, s string) {
	n := len(s)
	if n > errorMessageLen-1 {
		n = errorMessageLen - 1
	}
	for i := 0; i < n; i++ {
		dst[i] = C.char(s[i])
	}
	dst[n] = 0
}

func modeToC(m monitor.Mode) C.int32_t {
	switch m {
	case monitor.ModeSingle:
		return ModeSingle
	case monitor.ModeStereo:
		return ModeStereo
	default:
		return ModeNoCamera
	}
}

func boolToC(b bool) C.int32_t {
	if b {
		return 1
	}
	return 0
}

// inferenceOptionsFrom maps the configuration surface's inference
// sub-tree onto inference.Options (§4.7).
func inferenceOptionsFrom(cfg *config.Config) inference.Options {
	return inference.Options{
		MaxQueue:   cfg.Inference.MaxQueue,
		NumWorkers: cfg.Inference.NumWorkers,
		ResultTTL:  cfg.ResultTTLDur,
	}
}

// loadDefaultConfig is used only by the exported, parameterless
// smartscope_create_instance symbol; real hosts should call
// CreateInstanceWithOptions with a config loaded via internal/config.
func loadDefaultConfig() *config.Config {
	result, err := config.Load(".")
	if err != nil {
		log.WithError(err).Warn("falling back to built-in defaults, config.Load failed")
		return &config.Config{
			Camera: config.CameraConfig{Width: 1280, Height: 720, FPS: 30},
			Inference: config.InferenceConfig{
				NumWorkers: 6, MaxQueue: 6, ResultTTL: "2s",
			},
			ResultTTLDur: 2_000_000_000,
		}
	}
	return result.Config
}

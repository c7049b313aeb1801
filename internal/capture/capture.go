// Package capture implements the Stream Reader (C2): one instance per
// camera, owning a dedicated capture goroutine that dequeues V4L2 buffers
// and hands the latest frame to a consumer through a 1-slot async channel.
// The goroutine/shutdown-flag/backoff shape is grounded on the teacher's
// dvr.runCamera loop (a dedicated per-camera goroutine that reads frames,
// publishes the latest one, and retries on transient failure).
package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"smartscope/internal/asyncchan"
	"smartscope/internal/logging"
	"smartscope/internal/v4l2"
	"smartscope/internal/videoframe"
)

const (
	minBufferCapacity = 512 * 1024
	errorBackoff      = 10 * time.Millisecond
)

// Options configures one Reader.
type Options struct {
	DevicePath  string
	CameraName  string
	Width       int
	Height      int
	FPS         int
	PixelFormat videoframe.PixelFormat
}

// Reader is one camera's Stream Reader. It owns the capture goroutine for
// the lifetime between start() and stop().
type Reader struct {
	opt Options

	mu       sync.Mutex
	dev      *v4l2.Device
	stopCh   chan struct{}
	doneCh   chan struct{}
	shutdown atomic.Bool

	frameID atomic.Uint64

	async *asyncchan.Chan[videoframe.VideoFrame]

	fallbackMu  sync.Mutex
	fallback    videoframe.VideoFrame
	hasFallback bool
}

// New constructs a Reader; call Start to begin capturing.
func New(opt Options) *Reader {
	return &Reader{
		opt:   opt,
		async: asyncchan.New[videoframe.VideoFrame](),
	}
}

// Start opens the device, negotiates format/FPS, and spawns the capture
// goroutine (§4.2).
func (r *Reader) Start() error {
	dev, err := v4l2.Open(r.opt.DevicePath)
	if err != nil {
		return errors.Wrapf(err, "capture[%s]: open", r.opt.CameraName)
	}

	actualW, actualH, err := dev.SetFormat(r.opt.Width, r.opt.Height, r.opt.PixelFormat.FourCC())
	if err != nil {
		dev.Close()
		return errors.Wrapf(err, "capture[%s]: negotiate format", r.opt.CameraName)
	}
	r.opt.Width, r.opt.Height = actualW, actualH

	num, den, err := dev.SetFrameInterval(r.opt.FPS)
	if err != nil {
		dev.Close()
		return errors.Wrapf(err, "capture[%s]: set frame interval", r.opt.CameraName)
	}

	if err := dev.RequestBuffers(4); err != nil {
		dev.Close()
		return errors.Wrapf(err, "capture[%s]: request buffers", r.opt.CameraName)
	}
	if err := dev.StreamOn(); err != nil {
		dev.Close()
		return errors.Wrapf(err, "capture[%s]: stream on", r.opt.CameraName)
	}

	componentLog := logging.For("capture." + r.opt.CameraName)
	componentLog.WithFields(map[string]interface{}{
		"width": actualW, "height": actualH,
		"interval_num": num, "interval_den": den,
	}).Info("stream reader started")

	r.mu.Lock()
	r.dev = dev
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()
	r.shutdown.Store(false)

	go r.captureLoop(componentLog)
	return nil
}

// captureLoop is the capture thread contract from §4.2: dequeue, stamp
// timestamp before copy, copy into a pre-grown buffer, construct a
// VideoFrame, push to the 1-slot channel (drop newest on full), and
// back off on recoverable errors.
func (r *Reader) captureLoop(log *logrus.Entry) {
	defer close(r.doneCh)

	bufCap := r.opt.Width * r.opt.Height / 2
	if bufCap < minBufferCapacity {
		bufCap = minBufferCapacity
	}
	throttle := logging.NewThrottle(time.Second)

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}
		if r.shutdown.Load() {
			return
		}

		r.mu.Lock()
		dev := r.dev
		r.mu.Unlock()
		if dev == nil {
			return
		}

		dq, err := dev.Dequeue()
		ts := time.Now()
		if err != nil {
			if throttle.Allow() {
				log.WithError(err).Warn("capture dequeue error, backing off")
			}
			time.Sleep(errorBackoff)
			continue
		}
		if dq.Errored {
			_ = dev.Requeue(dq)
			if throttle.Allow() {
				log.Warn("capture buffer flagged errored, dropped")
			}
			continue
		}

		owned := make([]byte, len(dq.Data), maxInt(bufCap, len(dq.Data)))
		copy(owned, dq.Data)
		if err := dev.Requeue(dq); err != nil {
			if throttle.Allow() {
				log.WithError(err).Warn("capture requeue error, backing off")
			}
			time.Sleep(errorBackoff)
			continue
		}

		frame := videoframe.VideoFrame{
			Width:       r.opt.Width,
			Height:      r.opt.Height,
			PixelFormat: r.opt.PixelFormat,
			Data:        owned,
			Timestamp:   ts,
			CameraName:  r.opt.CameraName,
			FrameID:     r.frameID.Add(1),
		}

		if !r.async.TrySend(frame) {
			// slot occupied: drop the new frame per §4.2, keep the pending one
			continue
		}
		r.publishFallback(frame)
	}
}

func (r *Reader) publishFallback(f videoframe.VideoFrame) {
	r.fallbackMu.Lock()
	r.fallback = f
	r.hasFallback = true
	r.fallbackMu.Unlock()
}

// ReadFrame is the public non-blocking read: drains the async channel for
// the freshest pending frame, falling back to the last-seen frame if the
// channel is currently empty (§4.2).
func (r *Reader) ReadFrame() (videoframe.VideoFrame, bool) {
	if f, ok := r.async.Drain(); ok {
		r.publishFallback(f)
		return f, true
	}
	r.fallbackMu.Lock()
	defer r.fallbackMu.Unlock()
	if !r.hasFallback {
		return videoframe.VideoFrame{}, false
	}
	return r.fallback, true
}

// Stop signals the capture goroutine to exit, joins it, and releases V4L2
// buffers.
func (r *Reader) Stop() error {
	r.shutdown.Store(true)
	r.mu.Lock()
	stopCh := r.stopCh
	doneCh := r.doneCh
	dev := r.dev
	r.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if doneCh != nil {
		<-doneCh
	}

	if dev == nil {
		return nil
	}
	if err := dev.StreamOff(); err != nil {
		dev.Close()
		return errors.Wrapf(err, "capture[%s]: stream off", r.opt.CameraName)
	}
	return errors.Wrapf(dev.Close(), "capture[%s]: close", r.opt.CameraName)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

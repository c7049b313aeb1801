// Package pipeline implements the Image Pipeline (C5): MJPEG decode,
// per-side undistortion bracketed by the calibration-time rotation, and
// user transforms. It runs entirely on the calling goroutine — callers
// (UI feeder, inference feeder) choose their own concurrency, per §4.5.
//
// Decode uses the standard library's image/jpeg, the same way the teacher
// reaches for image/png elsewhere for its own screenshot/thumbnail paths:
// no third-party JPEG codec exists anywhere in the example pack, so this
// keeps the teacher's established stdlib-for-image-codec convention
// instead of inventing a dependency (see DESIGN.md). The transform stage
// stages each step's output in buffers taken from valyala/bytebufferpool's
// shared pool; decode, remap and each transform step still allocate their
// own output per frame.
package pipeline

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"

	"smartscope/internal/calib"
	"smartscope/internal/logging"
	"smartscope/internal/transform"
)

var log = logging.For("pipeline")

// DecodeError wraps an MJPEG decode failure (§4.5: frame is lost, no retry).
type DecodeError struct{ cause error }

func (e *DecodeError) Error() string { return "pipeline: decode failed: " + e.cause.Error() }
func (e *DecodeError) Unwrap() error { return e.cause }

// TransformError wraps a user-transform failure (§4.5: caller may fall
// back to the undistorted buffer).
type TransformError struct{ cause error }

func (e *TransformError) Error() string { return "pipeline: transform failed: " + e.cause.Error() }
func (e *TransformError) Unwrap() error { return e.cause }

// Result is the pipeline's output for one frame.
type Result struct {
	RGB    []byte
	Width  int
	Height int
}

// Pipeline holds per-side rectification state and the shared transform
// config it reads a snapshot from on every frame.
type Pipeline struct {
	distortionEnabled    bool
	rectificationEnabled bool
	bundle               *calib.Bundle
	maps                 calib.Maps
	cfg                  *transform.Config

	correctionDisabled bool // latched true after a correction-map build failure (§4.5)
}

// New constructs a Pipeline bound to a calibration bundle (nil disables
// distortion correction entirely) and a shared TransformConfig. Full stereo
// rectification defaults to enabled whenever a bundle is present; callers
// running a single-camera pipeline disable it with
// SetStereoRectificationEnabled since rectification needs a paired camera.
func New(bundle *calib.Bundle, cfg *transform.Config) *Pipeline {
	return &Pipeline{
		distortionEnabled:    bundle != nil,
		rectificationEnabled: bundle != nil,
		bundle:               bundle,
		cfg:                  cfg,
	}
}

// SetDistortionCorrectionEnabled toggles plain per-side undistortion on/off
// at runtime. Ignored while stereo rectification is enabled, since
// rectification already folds undistortion into its remap tables.
func (p *Pipeline) SetDistortionCorrectionEnabled(enabled bool) {
	p.distortionEnabled = enabled && p.bundle != nil
}

// SetStereoRectificationEnabled toggles full stereo rectification (§3
// RectificationMaps: R1/R2/P1/P2/Q plus ROI cropping) on/off at runtime. The
// manager enables this for the stereo pump and disables it for the
// single-camera pump, where there is no paired camera to rectify against.
func (p *Pipeline) SetStereoRectificationEnabled(enabled bool) {
	p.rectificationEnabled = enabled && p.bundle != nil
}

// Process runs the full sequence from §4.5: decode, bracket-rotate +
// undistort, then apply the current user transform list.
func (p *Pipeline) Process(mjpegBytes []byte, isLeftCamera bool) (Result, error) {
	img, err := jpeg.Decode(bytes.NewReader(mjpegBytes))
	if err != nil {
		return Result{}, &DecodeError{cause: err}
	}
	rgb, width, height := toRGB888(img)

	switch {
	case p.rectificationEnabled && !p.correctionDisabled:
		corrected, cw, ch, err := p.rectify(rgb, width, height, isLeftCamera)
		if err != nil {
			log.WithError(err).Warn("rectification map build failed, disabling distortion correction for the session")
			p.correctionDisabled = true
		} else {
			rgb, width, height = corrected, cw, ch
		}
	case p.distortionEnabled && !p.correctionDisabled:
		corrected, cw, ch, err := p.undistort(rgb, width, height, isLeftCamera)
		if err != nil {
			log.WithError(err).Warn("correction map build failed, disabling distortion correction for the session")
			p.correctionDisabled = true
		} else {
			rgb, width, height = corrected, cw, ch
		}
	}

	snap := p.cfg.Snapshot()
	out, ow, oh, err := applyTransforms(rgb, width, height, snap.Tokens())
	if err != nil {
		return Result{}, &TransformError{cause: err}
	}
	return Result{RGB: out, Width: ow, Height: oh}, nil
}

// undistort implements the bracket-rotation sequence: rotate CCW90 (undoes
// the calibration-time CW rotation, swapping width/height), remap against
// the lazily built per-side map, then rotate CW90 back to natural
// orientation (§4.5).
func (p *Pipeline) undistort(rgb []byte, width, height int, isLeft bool) ([]byte, int, int, error) {
	rotated, rw, rh := rotateCCW90(rgb, width, height)

	if err := p.maps.EnsureBuilt(rw, rh, p.bundle); err != nil {
		return nil, 0, 0, errors.Wrap(err, "pipeline: build rectification map")
	}
	m := p.maps.Right
	if isLeft {
		m = p.maps.Left
	}

	remapped := remap(rotated, rw, rh, m)
	restored, ow, oh := rotateCW90(remapped, rw, rh)
	return restored, ow, oh, nil
}

// rectify is undistort's full stereo counterpart: same bracket-rotation
// sequence, but the remap table also rotates each side into the shared
// rectified epipolar frame (§3 RectificationMaps), and the result is cropped
// to that side's valid-pixel ROI before rotating back to natural
// orientation, so callers never see the rectification's out-of-bounds
// border.
func (p *Pipeline) rectify(rgb []byte, width, height int, isLeft bool) ([]byte, int, int, error) {
	rotated, rw, rh := rotateCCW90(rgb, width, height)

	if err := p.maps.EnsureRectified(rw, rh, p.bundle); err != nil {
		return nil, 0, 0, errors.Wrap(err, "pipeline: build rectification map")
	}
	m := p.maps.RightRect
	roi := p.maps.ROI2
	if isLeft {
		m = p.maps.LeftRect
		roi = p.maps.ROI1
	}

	remapped := remap(rotated, rw, rh, m)
	cropped, cw, ch := cropToROI(remapped, rw, rh, roi)
	restored, ow, oh := rotateCW90(cropped, cw, ch)
	return restored, ow, oh, nil
}

// cropToROI extracts the valid-pixel sub-rectangle from a packed RGB888
// buffer, mirroring stereo.rs's apply_roi_cropping. An empty or full-frame
// ROI is a no-op.
func cropToROI(src []byte, w, h int, roi image.Rectangle) ([]byte, int, int) {
	if roi.Empty() || (roi.Min.X == 0 && roi.Min.Y == 0 && roi.Max.X == w && roi.Max.Y == h) {
		return src, w, h
	}
	cw, ch := roi.Dx(), roi.Dy()
	out := make([]byte, cw*ch*3)
	for y := 0; y < ch; y++ {
		srcRow := (roi.Min.Y + y) * w
		srcOff := (srcRow + roi.Min.X) * 3
		dstOff := y * cw * 3
		copy(out[dstOff:dstOff+cw*3], src[srcOff:srcOff+cw*3])
	}
	return out, cw, ch
}

func toRGB888(img image.Image) ([]byte, int, int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, w*h*3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			out[i] = byte(r >> 8)
			out[i+1] = byte(g >> 8)
			out[i+2] = byte(bl >> 8)
			i += 3
		}
	}
	return out, w, h
}

func rotateCCW90(src []byte, w, h int) ([]byte, int, int) {
	nw, nh := h, w
	out := make([]byte, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			srcIdx := (y*w + x) * 3
			dx := y
			dy := w - 1 - x
			dstIdx := (dy*nw + dx) * 3
			copy(out[dstIdx:dstIdx+3], src[srcIdx:srcIdx+3])
		}
	}
	return out, nw, nh
}

func rotateCW90(src []byte, w, h int) ([]byte, int, int) {
	nw, nh := h, w
	out := make([]byte, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			srcIdx := (y*w + x) * 3
			dx := h - 1 - y
			dy := x
			dstIdx := (dy*nw + dx) * 3
			copy(out[dstIdx:dstIdx+3], src[srcIdx:srcIdx+3])
		}
	}
	return out, nw, nh
}

// remap applies the per-pixel source-coordinate table with nearest-neighbor
// sampling, clamping out-of-bounds lookups to black.
func remap(src []byte, w, h int, m *calib.Map) []byte {
	out := make([]byte, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			sx := int(m.X[idx] + 0.5)
			sy := int(m.Y[idx] + 0.5)
			dstIdx := idx * 3
			if sx < 0 || sx >= w || sy < 0 || sy >= h {
				continue // leaves black (zero) pixel
			}
			srcIdx := (sy*w + sx) * 3
			copy(out[dstIdx:dstIdx+3], src[srcIdx:srcIdx+3])
		}
	}
	return out
}

// applyTransforms runs the ordered token list against a pooled scratch
// buffer, producing a new buffer per token (§4.5). There is no hardware
// RGA binding in the example pack, so this is a software fallback path.
func applyTransforms(rgb []byte, width, height int, tokens []transform.Token) ([]byte, int, int, error) {
	if len(tokens) == 0 {
		return rgb, width, height, nil
	}

	pooled := make([]*bytebufferpool.ByteBuffer, 0, len(tokens))
	defer func() {
		for _, b := range pooled {
			bytebufferpool.Put(b)
		}
	}()

	cur, w, h := rgb, width, height
	for _, tok := range tokens {
		var next []byte
		var nw, nh int
		switch tok {
		case transform.TokenRotate90:
			next, nw, nh = rotateCW90(cur, w, h)
		case transform.TokenRotate180:
			tmp, tw, th := rotateCW90(cur, w, h)
			next, nw, nh = rotateCW90(tmp, tw, th)
		case transform.TokenRotate270:
			next, nw, nh = rotateCCW90(cur, w, h)
		case transform.TokenFlipH:
			next, nw, nh = flipH(cur, w, h), w, h
		case transform.TokenFlipV:
			next, nw, nh = flipV(cur, w, h), w, h
		case transform.TokenInvert:
			next, nw, nh = invert(cur, w, h), w, h
		default:
			return nil, 0, 0, errors.Errorf("pipeline: unknown transform token %v", tok)
		}

		// Stage the step's output in a pooled scratch buffer rather than
		// letting it escape directly; only the final step's bytes survive
		// past this function (copied out below into one owned buffer). Each
		// step function above still allocates its own output.
		scratch := bytebufferpool.Get()
		scratch.Set(next)
		pooled = append(pooled, scratch)

		cur, w, h = scratch.B, nw, nh
	}

	out := make([]byte, len(cur))
	copy(out, cur)
	return out, w, h, nil
}

func flipH(src []byte, w, h int) []byte {
	out := make([]byte, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			srcIdx := (y*w + x) * 3
			dstIdx := (y*w + (w - 1 - x)) * 3
			copy(out[dstIdx:dstIdx+3], src[srcIdx:srcIdx+3])
		}
	}
	return out
}

func flipV(src []byte, w, h int) []byte {
	out := make([]byte, len(src))
	for y := 0; y < h; y++ {
		srcRow := src[y*w*3 : (y+1)*w*3]
		dstY := h - 1 - y
		copy(out[dstY*w*3:(dstY+1)*w*3], srcRow)
	}
	return out
}

func invert(src []byte, w, h int) []byte {
	out := make([]byte, len(src))
	for i, v := range src {
		out[i] = 255 - v
	}
	return out
}

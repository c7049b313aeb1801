// Package calib implements CalibrationBundle loading/validation and lazily
// built RectificationMaps (§3, §4.5). The struct shape and validation rules
// are grounded on camera-correction/parameters.rs's CameraMatrix /
// DistortionCoeffs / CameraExtrinsics / StereoParameters, re-expressed with
// Go value types instead of Vec<Vec<f64>> matrices. Rectification/undistort
// math uses plain stdlib math: no OpenCV-Go binding exists anywhere in the
// example pack, so this follows camera-correction/stereo.rs's pinhole +
// Brown-Conrady model directly rather than inventing or vendoring a binding
// (see DESIGN.md).
package calib

import (
	"image"
	"math"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// CameraMatrix is the 3x3 pinhole intrinsic matrix, stored as its four
// non-trivial entries.
type CameraMatrix struct {
	Fx, Fy float64
	Cx, Cy float64
}

// Validate checks focal lengths > 0 and principal points >= 0 (§3).
func (m CameraMatrix) Validate() error {
	if m.Fx <= 0 || m.Fy <= 0 {
		return errors.New("calib: focal lengths must be positive")
	}
	if m.Cx < 0 || m.Cy < 0 {
		return errors.New("calib: principal point coordinates must be non-negative")
	}
	return nil
}

// DistortionCoeffs is the 5-element Brown-Conrady distortion vector
// [k1,k2,p1,p2,k3].
type DistortionCoeffs struct {
	K1, K2, P1, P2, K3 float64
}

// CameraIntrinsics bundles a CameraMatrix with its DistortionCoeffs.
type CameraIntrinsics struct {
	Matrix     CameraMatrix
	Distortion DistortionCoeffs
}

func (i CameraIntrinsics) Validate() error {
	return errors.Wrap(i.Matrix.Validate(), "calib: intrinsics")
}

// RotationMatrix is a 3x3 rotation, row-major.
type RotationMatrix [3][3]float64

// Validate checks orthonormality (R·Rᵀ ≈ I) and det(R) ≈ +1, per §3's
// "rotation is a valid rotation matrix (orthonormal, det = +1)".
func (r RotationMatrix) Validate() error {
	const eps = 1e-3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dot := 0.0
			for k := 0; k < 3; k++ {
				dot += r[i][k] * r[j][k]
			}
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(dot-want) > eps {
				return errors.New("calib: rotation matrix is not orthonormal")
			}
		}
	}
	det := r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
	if math.Abs(det-1.0) > eps {
		return errors.New("calib: rotation matrix determinant must be +1")
	}
	return nil
}

// Extrinsics is the right camera's pose relative to the left (§3).
type Extrinsics struct {
	Rotation    RotationMatrix
	Translation [3]float64
}

func (e Extrinsics) Validate() error {
	return errors.Wrap(e.Rotation.Validate(), "calib: extrinsics")
}

// Bundle is the CalibrationBundle: read-only after load.
type Bundle struct {
	Left       CameraIntrinsics `yaml:"left"`
	Right      CameraIntrinsics `yaml:"right"`
	Extrinsics Extrinsics       `yaml:"extrinsics"`
}

// bundleYAML mirrors Bundle's shape for flat-field YAML decoding; the
// exported types use unexported-field-free structs that aren't directly
// yaml-tag friendly for nested matrices, so loading goes through this
// intermediate the way the teacher's config layer separates the on-disk
// shape from the in-memory one.
type bundleYAML struct {
	Left struct {
		Fx, Fy, Cx, Cy         float64
		K1, K2, P1, P2, K3     float64
	} `yaml:"left"`
	Right struct {
		Fx, Fy, Cx, Cy     float64
		K1, K2, P1, P2, K3 float64
	} `yaml:"right"`
	Extrinsics struct {
		Rotation    [3][3]float64 `yaml:"rotation"`
		Translation [3]float64    `yaml:"translation"`
	} `yaml:"extrinsics"`
}

// Load parses a calibration bundle from YAML bytes and validates it,
// surfacing failures as a startup ConfigError-shaped error (supplemented
// per SPEC_FULL.md: validated at load time, not deferred to first use).
func Load(data []byte) (*Bundle, error) {
	var raw bundleYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "calib: parse calibration bundle")
	}
	b := &Bundle{
		Left: CameraIntrinsics{
			Matrix:     CameraMatrix{Fx: raw.Left.Fx, Fy: raw.Left.Fy, Cx: raw.Left.Cx, Cy: raw.Left.Cy},
			Distortion: DistortionCoeffs{K1: raw.Left.K1, K2: raw.Left.K2, P1: raw.Left.P1, P2: raw.Left.P2, K3: raw.Left.K3},
		},
		Right: CameraIntrinsics{
			Matrix:     CameraMatrix{Fx: raw.Right.Fx, Fy: raw.Right.Fy, Cx: raw.Right.Cx, Cy: raw.Right.Cy},
			Distortion: DistortionCoeffs{K1: raw.Right.K1, K2: raw.Right.K2, P1: raw.Right.P1, P2: raw.Right.P2, K3: raw.Right.K3},
		},
		Extrinsics: Extrinsics{
			Rotation:    RotationMatrix(raw.Extrinsics.Rotation),
			Translation: raw.Extrinsics.Translation,
		},
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks every invariant in §3.
func (b *Bundle) Validate() error {
	if err := b.Left.Validate(); err != nil {
		return errors.Wrap(err, "calib: left")
	}
	if err := b.Right.Validate(); err != nil {
		return errors.Wrap(err, "calib: right")
	}
	if err := b.Extrinsics.Validate(); err != nil {
		return err
	}
	return nil
}

// RemapPoint maps a destination pixel (x,y) back into source image
// coordinates through the Brown-Conrady distortion model, following
// init_undistort_rectify_map semantics: normalize by the intrinsic matrix,
// apply forward distortion, project back by the intrinsic matrix.
func RemapPoint(x, y int, intr CameraIntrinsics) (srcX, srcY float64) {
	m := intr.Matrix
	d := intr.Distortion

	nx := (float64(x) - m.Cx) / m.Fx
	ny := (float64(y) - m.Cy) / m.Fy

	r2 := nx*nx + ny*ny
	radial := 1 + d.K1*r2 + d.K2*r2*r2 + d.K3*r2*r2*r2

	dx := nx*radial + 2*d.P1*nx*ny + d.P2*(r2+2*nx*nx)
	dy := ny*radial + d.P1*(r2+2*ny*ny) + 2*d.P2*nx*ny

	srcX = dx*m.Fx + m.Cx
	srcY = dy*m.Fy + m.Cy
	return srcX, srcY
}

// Map is a pair of per-pixel remap tables (x,y) for one image size, built
// lazily and reused forever at that size (§3 RectificationMaps, §4.5).
type Map struct {
	Width, Height int
	X             []float32
	Y             []float32
}

// BuildMap constructs the remap tables for the given rotated size against
// one side's intrinsics. Construction failure is the caller's cue to
// disable correction for the session per §4.5.
func BuildMap(width, height int, intr CameraIntrinsics) (*Map, error) {
	if err := intr.Validate(); err != nil {
		return nil, errors.Wrap(err, "calib: build rectification map")
	}
	m := &Map{
		Width:  width,
		Height: height,
		X:      make([]float32, width*height),
		Y:      make([]float32, width*height),
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			sx, sy := RemapPoint(x, y, intr)
			idx := y*width + x
			m.X[idx] = float32(sx)
			m.Y[idx] = float32(sy)
		}
	}
	return m, nil
}

// Maps holds per-side RectificationMaps at a single image size, built and
// cached lazily. Invalidate clears them; nothing in this module calls it on a
// mode change, so cached maps are kept until the image size changes.
type Maps struct {
	Left  *Map
	Right *Map

	Rect      *Rectification
	LeftRect  *Map
	RightRect *Map
	ROI1      image.Rectangle
	ROI2      image.Rectangle
}

// EnsureBuilt builds left/right maps for (width, height) if not already
// built at that size.
func (rm *Maps) EnsureBuilt(width, height int, b *Bundle) error {
	if rm.Left != nil && rm.Left.Width == width && rm.Left.Height == height {
		return nil
	}
	left, err := BuildMap(width, height, b.Left)
	if err != nil {
		return err
	}
	right, err := BuildMap(width, height, b.Right)
	if err != nil {
		return err
	}
	rm.Left, rm.Right = left, right
	return nil
}

// EnsureRectified builds the stereo rectification tables (R1/R2/P1/P2/Q plus
// the per-side remap tables and valid-pixel ROIs derived from them) for
// (width, height) if not already built at that size. The R1/R2/P1/P2/Q
// matrices themselves don't depend on image size and are computed once;
// only the per-pixel maps and ROIs are rebuilt when the size changes.
func (rm *Maps) EnsureRectified(width, height int, b *Bundle) error {
	if rm.Rect == nil {
		rect, err := ComputeRectification(b)
		if err != nil {
			return err
		}
		rm.Rect = rect
	}
	if rm.LeftRect != nil && rm.LeftRect.Width == width && rm.LeftRect.Height == height {
		return nil
	}
	left, err := BuildRectifyMap(width, height, rm.Rect, rm.Rect.R1, b.Left)
	if err != nil {
		return errors.Wrap(err, "calib: build left rectification map")
	}
	right, err := BuildRectifyMap(width, height, rm.Rect, rm.Rect.R2, b.Right)
	if err != nil {
		return errors.Wrap(err, "calib: build right rectification map")
	}
	rm.LeftRect, rm.RightRect = left, right
	rm.ROI1 = validROI(left)
	rm.ROI2 = validROI(right)
	return nil
}

// Invalidate clears cached maps, forcing a rebuild on the next frame.
func (rm *Maps) Invalidate() {
	rm.Left = nil
	rm.Right = nil
	rm.Rect = nil
	rm.LeftRect = nil
	rm.RightRect = nil
	rm.ROI1 = image.Rectangle{}
	rm.ROI2 = image.Rectangle{}
}

// Rectification is the size-independent half of RectificationMaps (§3): the
// per-side rotations that bring both cameras into a shared, row-aligned
// epipolar frame, their new projections, and the disparity-to-depth matrix
// used to turn an SGBM disparity map into metric depth. Grounded on
// camera-correction/stereo.rs's RectificationData (r1, r2, p1, p2, q,
// roi1/roi2) and on stereo-sgbm's sgbm_pipeline.rs, which obtains Q from the
// rectifier and feeds it straight into compute_depth_from_disparity.
type Rectification struct {
	R1, R2         RotationMatrix
	P1, P2         [3][4]float64
	Q              [4][4]float64
	Baseline       float64
	Fx, Fy, Cx, Cy float64 // shared post-rectification intrinsics used by P1/P2/Q
}

// ComputeRectification derives R1/R2/P1/P2/Q from a calibration bundle's
// extrinsics, following the classic half-angle rotation split (as used by
// Bouguet's stereo rectification algorithm, which stereo_rectifier and
// OpenCV's stereoRectify both implement): the rotation between the two
// cameras is divided evenly so each tilts only half the total angle toward
// the other, and the result is then re-rotated so the baseline lies along
// the shared x-axis. There is no OpenCV-Go binding in the example pack, so
// this reimplements that algorithm directly with stdlib trigonometry rather
// than vendoring or stubbing a binding (see DESIGN.md).
func ComputeRectification(b *Bundle) (*Rectification, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	axis, angle := axisAngleFromMatrix(matrix3(b.Extrinsics.Rotation))
	halfRight := rotationFromAxisAngle(axis, angle/2)
	halfLeft := transpose3(halfRight)

	t := mulMatVec3(halfRight, b.Extrinsics.Translation)
	baseline := norm3(t)
	if baseline < 1e-9 {
		return nil, errors.New("calib: degenerate baseline, cannot rectify")
	}
	e1 := scale3(t, 1/baseline)

	up := [3]float64{0, 0, 1}
	e2 := cross3(up, e1)
	if norm3(e2) < 1e-6 {
		// baseline is (nearly) parallel to the calibration-time up axis;
		// fall back to a different hint vector to avoid a degenerate cross.
		e2 = cross3([3]float64{0, 1, 0}, e1)
	}
	e2 = scale3(e2, 1/norm3(e2))
	e3 := cross3(e1, e2)

	rrect := [3][3]float64{e1, e2, e3}
	r1 := mulMat3(rrect, halfLeft)
	r2 := mulMat3(rrect, halfRight)

	fx := (b.Left.Matrix.Fx + b.Right.Matrix.Fx) / 2
	fy := (b.Left.Matrix.Fy + b.Right.Matrix.Fy) / 2
	cx := (b.Left.Matrix.Cx + b.Right.Matrix.Cx) / 2
	cy := (b.Left.Matrix.Cy + b.Right.Matrix.Cy) / 2

	return &Rectification{
		R1: RotationMatrix(r1),
		R2: RotationMatrix(r2),
		P1: [3][4]float64{{fx, 0, cx, 0}, {0, fy, cy, 0}, {0, 0, 1, 0}},
		P2: [3][4]float64{{fx, 0, cx, -fx * baseline}, {0, fy, cy, 0}, {0, 0, 1, 0}},
		Q: [4][4]float64{
			{1, 0, 0, -cx},
			{0, 1, 0, -cy},
			{0, 0, 0, fx},
			{0, 0, -1 / baseline, 0},
		},
		Baseline: baseline,
		Fx:       fx, Fy: fy, Cx: cx, Cy: cy,
	}, nil
}

// RemapRectifiedPoint maps a destination pixel (x,y) in the rectified image
// back into source pixel coordinates: unproject through the shared
// post-rectification intrinsics, undo this side's rectification rotation,
// re-apply the side's own distortion, and reproject through its original
// intrinsics. This is initUndistortRectifyMap's per-pixel formula extended
// with the R/P half that plain RemapPoint omits.
func RemapRectifiedPoint(x, y int, rect *Rectification, r RotationMatrix, intr CameraIntrinsics) (srcX, srcY float64) {
	nx := (float64(x) - rect.Cx) / rect.Fx
	ny := (float64(y) - rect.Cy) / rect.Fy

	orig := mulMatVec3(transpose3(matrix3(r)), [3]float64{nx, ny, 1})
	if orig[2] == 0 {
		orig[2] = 1e-9
	}
	xn := orig[0] / orig[2]
	yn := orig[1] / orig[2]

	d := intr.Distortion
	r2 := xn*xn + yn*yn
	radial := 1 + d.K1*r2 + d.K2*r2*r2 + d.K3*r2*r2*r2
	dx := xn*radial + 2*d.P1*xn*yn + d.P2*(r2+2*xn*xn)
	dy := yn*radial + d.P1*(r2+2*yn*yn) + 2*d.P2*xn*yn

	m := intr.Matrix
	srcX = dx*m.Fx + m.Cx
	srcY = dy*m.Fy + m.Cy
	return srcX, srcY
}

// BuildRectifyMap constructs a full stereo-rectification remap table (unlike
// BuildMap, which only undistorts) for one side at the given rotated size.
func BuildRectifyMap(width, height int, rect *Rectification, r RotationMatrix, intr CameraIntrinsics) (*Map, error) {
	if err := intr.Validate(); err != nil {
		return nil, errors.Wrap(err, "calib: build rectification map")
	}
	m := &Map{
		Width:  width,
		Height: height,
		X:      make([]float32, width*height),
		Y:      make([]float32, width*height),
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			sx, sy := RemapRectifiedPoint(x, y, rect, r, intr)
			idx := y*width + x
			m.X[idx] = float32(sx)
			m.Y[idx] = float32(sy)
		}
	}
	return m, nil
}

// validROI finds the largest axis-aligned rectangle, shrunk in from each
// edge, whose every pixel samples from inside the source image -- the same
// purpose stereo.rs's apply_roi_cropping serves, computed here from the
// remap table directly instead of from OpenCV's rectification bookkeeping.
func validROI(m *Map) image.Rectangle {
	left, top, right, bottom := 0, 0, m.Width, m.Height
	valid := func(x, y int) bool {
		idx := y*m.Width + x
		sx, sy := m.X[idx], m.Y[idx]
		return sx >= 0 && sx < float32(m.Width) && sy >= 0 && sy < float32(m.Height)
	}
	rowValid := func(x int) bool {
		for y := top; y < bottom; y++ {
			if !valid(x, y) {
				return false
			}
		}
		return true
	}
	colValid := func(y int) bool {
		for x := left; x < right; x++ {
			if !valid(x, y) {
				return false
			}
		}
		return true
	}
	for left < right && !rowValid(left) {
		left++
	}
	for right > left && !rowValid(right-1) {
		right--
	}
	for top < bottom && !colValid(top) {
		top++
	}
	for bottom > top && !colValid(bottom-1) {
		bottom--
	}
	return image.Rect(left, top, right, bottom)
}

// --- small linear-algebra helpers, kept local since nothing in the example
// pack pulls in a general-purpose matrix library for 3x3/3x1 work. ---

func matrix3(r RotationMatrix) [3][3]float64 { return [3][3]float64(r) }

func transpose3(m [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[j][i]
		}
	}
	return out
}

func mulMat3(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			sum := 0.0
			for k := 0; k < 3; k++ {
				sum += a[i][k] * b[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

func mulMatVec3(m [3][3]float64, v [3]float64) [3]float64 {
	return [3]float64{
		m[0][0]*v[0] + m[0][1]*v[1] + m[0][2]*v[2],
		m[1][0]*v[0] + m[1][1]*v[1] + m[1][2]*v[2],
		m[2][0]*v[0] + m[2][1]*v[1] + m[2][2]*v[2],
	}
}

func cross3(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func norm3(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

func scale3(v [3]float64, s float64) [3]float64 {
	return [3]float64{v[0] * s, v[1] * s, v[2] * s}
}

// axisAngleFromMatrix recovers the Rodrigues axis/angle representation of a
// rotation matrix: angle from the trace, axis from the skew-symmetric part
// of (R - Rᵀ).
func axisAngleFromMatrix(r [3][3]float64) (axis [3]float64, angle float64) {
	trace := r[0][0] + r[1][1] + r[2][2]
	cos := (trace - 1) / 2
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	angle = math.Acos(cos)

	axis = [3]float64{r[2][1] - r[1][2], r[0][2] - r[2][0], r[1][0] - r[0][1]}
	n := norm3(axis)
	if n < 1e-9 {
		if cos > 0 { // angle ~0: the half-rotation is ~identity, so any axis works
			return [3]float64{1, 0, 0}, angle
		}
		// angle ~pi: R + I = 2·a·aᵀ, so its column with the largest diagonal is along a.
		k := 0
		for i := 1; i < 3; i++ {
			if r[i][i] > r[k][k] {
				k = i
			}
		}
		col := [3]float64{r[0][k], r[1][k], r[2][k]}
		col[k]++
		return scale3(col, 1/norm3(col)), angle
	}
	return scale3(axis, 1/n), angle
}

// rotationFromAxisAngle builds a rotation matrix from a unit axis and angle
// via Rodrigues' rotation formula.
func rotationFromAxisAngle(axis [3]float64, angle float64) [3][3]float64 {
	c := math.Cos(angle)
	s := math.Sin(angle)
	t := 1 - c
	x, y, z := axis[0], axis[1], axis[2]
	return [3][3]float64{
		{t*x*x + c, t*x*y - s*z, t*x*z + s*y},
		{t*x*y + s*z, t*y*y + c, t*y*z - s*x},
		{t*x*z - s*y, t*y*z + s*x, t*z*z + c},
	}
}

// Package v4l2 is the raw ioctl boundary onto V4L2 capture devices. It is
// grounded directly on the teacher's hardware/i2c.I2C: both talk to a
// /dev node by opening it with os.OpenFile and issuing ioctls via
// syscall.Syscall(SYS_IOCTL, ...) with hand-laid-out C-compatible structs.
// No V4L2 binding exists anywhere in the retrieved example pack, so this
// follows the teacher's own raw-ioctl idiom rather than inventing or
// vendoring a dependency (see DESIGN.md).
package v4l2

import (
	"os"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
)

// ioctl request codes, computed the same way linux/videodev2.h does via
// the _IOWR/_IOW/_IOR macros. Values below are the well-known constants
// for the VIDIOC_* family on Linux/amd64 and arm64 (identical encoding).
const (
	vidiocQueryCap    = 0x80685600
	vidiocEnumFmt     = 0xc0405602
	vidiocGFmt        = 0xc0d05604
	vidiocSFmt        = 0xc0d05605
	vidiocReqBufs     = 0xc0145608
	vidiocQueryBuf    = 0xc0585609
	vidiocQBuf        = 0xc058560f
	vidiocDQBuf       = 0xc0585611
	vidiocStreamOn    = 0x40045612
	vidiocStreamOff   = 0x40045613
	vidiocGParm       = 0xc0cc5615
	vidiocSParm       = 0xc0cc5616
	vidiocQueryCtrl   = 0xc0445624
	vidiocGCtrl       = 0xc008561b
	vidiocSCtrl       = 0xc008561c
	bufTypeVideoCap   = 1 // V4L2_BUF_TYPE_VIDEO_CAPTURE
	memoryMmap        = 1 // V4L2_MEMORY_MMAP
	fieldAny          = 0
	bufFlagError      = 0x0040 // V4L2_BUF_FLAG_ERROR
	capVideoCapture   = 0x00000001
	capStreaming      = 0x04000000
	parmCapTimeperfrm = 0x1000
)

// FourCC values for the two formats the core negotiates (§6).
const (
	FourCCMJPEG uint32 = 'M' | 'J'<<8 | 'P'<<16 | 'G'<<24
	FourCCYUYV  uint32 = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24
)

// v4l2_pix_format subset laid out field-for-field (padding fields at the
// end are irrelevant for set/get of width/height/pixelformat/bytesperline).
type pixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

// v4l2_format: { type uint32; pad uint32 (on 64-bit, union is 8-byte
// aligned); fmt union holding pixFormat followed by trailing padding to
// 200 bytes total as the kernel defines it }.
type format struct {
	typ uint32
	_   uint32
	pix pixFormat
	_   [152]byte // remainder of the 200-byte union, unused for pix
}

// v4l2_fract
type fract struct {
	numerator   uint32
	denominator uint32
}

// v4l2_captureparm (first part of v4l2_streamparm's capture union arm)
type captureParm struct {
	capability   uint32
	capturemode  uint32
	timeperframe fract
	extendedmode uint32
	readbuffers  uint32
	_            [4]uint32
}

type streamParm struct {
	typ uint32
	cap captureParm
	_   [200 - 40]byte // pad the union to 200 bytes: 204 bytes in all, as the kernel defines it
}

type requestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	_            [3]uint8
}

// v4l2_buffer's "m" union is represented here only by its offset arm
// (memory mapping), which is all this core ever uses.
type buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp [16]byte
	timecode  [18]byte
	_         [2]byte
	sequence  uint32
	memory    uint32
	offset    uint32 // union arm: m.offset
	_         uint32 // pad out the rest of the union to match length uint32 position
	length    uint32
	_         [12]byte // reserved2, request_fd and tail padding: 88 bytes in all
}

type control struct {
	id    uint32
	value int32
}

type queryCtrl struct {
	id           uint32
	typ          uint32
	name         [32]byte
	minimum      int32
	maximum      int32
	step         int32
	defaultValue int32
	flags        uint32
	_            [8]byte
}

func ioctl(fd uintptr, req uintptr, arg uintptr) error {
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, req, arg); errno != 0 {
		return errno
	}
	return nil
}

// MappedBuffer is one mmap'd V4L2 capture buffer.
type MappedBuffer struct {
	Data   []byte
	Index  uint32
	Length uint32
}

// Device is an open, format-negotiated V4L2 capture device.
type Device struct {
	f       *os.File
	path    string
	buffers []MappedBuffer
}

// Open opens the device node. It does not negotiate format or start
// streaming; call SetFormat/SetFrameInterval/RequestBuffers/StreamOn in
// sequence, mirroring the capture-thread contract in §4.2.
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "v4l2: open %s", path)
	}
	var cap [104]byte
	if err := ioctl(f.Fd(), vidiocQueryCap, uintptr(unsafe.Pointer(&cap[0]))); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "v4l2: query capability %s", path)
	}
	return &Device{f: f, path: path}, nil
}

// Path returns the device node path this Device was opened from.
func (d *Device) Path() string { return d.path }

// SetFormat negotiates pixel format and resolution, returning the format
// the driver actually accepted (drivers are allowed to adjust both).
func (d *Device) SetFormat(width, height int, fourcc uint32) (actualWidth, actualHeight int, err error) {
	var fmtReq format
	fmtReq.typ = bufTypeVideoCap
	fmtReq.pix.width = uint32(width)
	fmtReq.pix.height = uint32(height)
	fmtReq.pix.pixelformat = fourcc
	fmtReq.pix.field = fieldAny

	if err := ioctl(d.f.Fd(), vidiocSFmt, uintptr(unsafe.Pointer(&fmtReq))); err != nil {
		return 0, 0, errors.Wrap(err, "v4l2: VIDIOC_S_FMT")
	}
	return int(fmtReq.pix.width), int(fmtReq.pix.height), nil
}

// SetFrameInterval requests 1/fps as the frame interval and returns the
// interval the driver actually accepted (§4.2 — "accept best match, log
// the actual interval").
func (d *Device) SetFrameInterval(fps int) (numerator, denominator uint32, err error) {
	if fps <= 0 {
		fps = 30
	}
	var p streamParm
	p.typ = bufTypeVideoCap
	p.cap.timeperframe = fract{numerator: 1, denominator: uint32(fps)}
	if err := ioctl(d.f.Fd(), vidiocSParm, uintptr(unsafe.Pointer(&p))); err != nil {
		return 1, uint32(fps), errors.Wrap(err, "v4l2: VIDIOC_S_PARM")
	}
	return p.cap.timeperframe.numerator, p.cap.timeperframe.denominator, nil
}

// RequestBuffers allocates and mmaps count capture buffers.
func (d *Device) RequestBuffers(count int) error {
	var req requestBuffers
	req.count = uint32(count)
	req.typ = bufTypeVideoCap
	req.memory = memoryMmap
	if err := ioctl(d.f.Fd(), vidiocReqBufs, uintptr(unsafe.Pointer(&req))); err != nil {
		return errors.Wrap(err, "v4l2: VIDIOC_REQBUFS")
	}

	bufs := make([]MappedBuffer, 0, req.count)
	for i := uint32(0); i < req.count; i++ {
		var b buffer
		b.typ = bufTypeVideoCap
		b.memory = memoryMmap
		b.index = i
		if err := ioctl(d.f.Fd(), vidiocQueryBuf, uintptr(unsafe.Pointer(&b))); err != nil {
			return errors.Wrapf(err, "v4l2: VIDIOC_QUERYBUF index %d", i)
		}
		data, err := syscall.Mmap(int(d.f.Fd()), int64(b.offset), int(b.length),
			syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			return errors.Wrapf(err, "v4l2: mmap buffer %d", i)
		}
		bufs = append(bufs, MappedBuffer{Data: data, Index: i, Length: b.length})
		if err := ioctl(d.f.Fd(), vidiocQBuf, uintptr(unsafe.Pointer(&b))); err != nil {
			return errors.Wrapf(err, "v4l2: VIDIOC_QBUF index %d", i)
		}
	}
	d.buffers = bufs
	return nil
}

// StreamOn begins streaming.
func (d *Device) StreamOn() error {
	typ := uint32(bufTypeVideoCap)
	return errors.Wrap(ioctl(d.f.Fd(), vidiocStreamOn, uintptr(unsafe.Pointer(&typ))), "v4l2: VIDIOC_STREAMON")
}

// StreamOff stops streaming.
func (d *Device) StreamOff() error {
	typ := uint32(bufTypeVideoCap)
	return errors.Wrap(ioctl(d.f.Fd(), vidiocStreamOff, uintptr(unsafe.Pointer(&typ))), "v4l2: VIDIOC_STREAMOFF")
}

// Dequeued is one completed capture buffer, on loan to the caller until
// Requeue is called.
type Dequeued struct {
	Data    []byte // view into the mmap'd region, valid until Requeue
	Errored bool   // V4L2_BUF_FLAG_ERROR was set (§9 open question: drop on this flag)
	index   uint32
}

// Dequeue blocks (with the kernel's internal timeout) until a filled
// buffer is available.
func (d *Device) Dequeue() (Dequeued, error) {
	var b buffer
	b.typ = bufTypeVideoCap
	b.memory = memoryMmap
	if err := ioctl(d.f.Fd(), vidiocDQBuf, uintptr(unsafe.Pointer(&b))); err != nil {
		return Dequeued{}, errors.Wrap(err, "v4l2: VIDIOC_DQBUF")
	}
	mb := d.buffers[b.index]
	return Dequeued{
		Data:    mb.Data[:b.bytesused],
		Errored: b.flags&bufFlagError != 0,
		index:   b.index,
	}, nil
}

// Requeue returns a dequeued buffer to the driver's free list.
func (d *Device) Requeue(dq Dequeued) error {
	var b buffer
	b.typ = bufTypeVideoCap
	b.memory = memoryMmap
	b.index = dq.index
	return errors.Wrap(ioctl(d.f.Fd(), vidiocQBuf, uintptr(unsafe.Pointer(&b))), "v4l2: VIDIOC_QBUF (requeue)")
}

// Close unmaps buffers and closes the device node.
func (d *Device) Close() error {
	for _, b := range d.buffers {
		_ = syscall.Munmap(b.Data)
	}
	return d.f.Close()
}

// ControlID identifies a V4L2 control by its numeric id (as reported by
// --queryctrl); the name-based control table lives in paramctl, which
// shells out to v4l2-ctl instead of using these raw ioctls directly (§4.8
// needs name→value text parsing the tool already does; duplicating that
// logic over raw ioctls would be pure re-implementation for no spec
// benefit). This type and the queryCtrl/control layouts remain for callers
// that already have a control id, and to keep those layouts exercised/testable.
type ControlID uint32

func queryControlName(q *queryCtrl) string {
	n := 0
	for n < len(q.name) && q.name[n] != 0 {
		n++
	}
	return string(q.name[:n])
}

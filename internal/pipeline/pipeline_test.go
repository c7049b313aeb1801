package pipeline

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"smartscope/internal/transform"
)

func encodeSolidJPEG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestProcessDecodesWithoutDistortionOrTransforms(t *testing.T) {
	data := encodeSolidJPEG(t, 8, 4, color.RGBA{R: 200, G: 100, B: 50, A: 255})
	p := New(nil, &transform.Config{})

	res, err := p.Process(data, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Width != 8 || res.Height != 4 {
		t.Fatalf("expected 8x4, got %dx%d", res.Width, res.Height)
	}
	if len(res.RGB) != 8*4*3 {
		t.Fatalf("expected %d bytes, got %d", 8*4*3, len(res.RGB))
	}
}

func TestProcessReturnsDecodeErrorOnGarbageInput(t *testing.T) {
	p := New(nil, &transform.Config{})
	_, err := p.Process([]byte("not a jpeg"), true)
	if err == nil {
		t.Fatal("expected decode error")
	}
	var de *DecodeError
	if !isDecodeError(err, &de) {
		t.Fatalf("expected *DecodeError, got %T: %v", err, err)
	}
}

func isDecodeError(err error, target **DecodeError) bool {
	if de, ok := err.(*DecodeError); ok {
		*target = de
		return true
	}
	return false
}

func TestRotateCCWThenCWIsIdentity(t *testing.T) {
	w, h := 4, 3
	src := make([]byte, w*h*3)
	for i := range src {
		src[i] = byte(i % 251)
	}
	rotated, rw, rh := rotateCCW90(src, w, h)
	if rw != h || rh != w {
		t.Fatalf("expected dims swapped, got %dx%d", rw, rh)
	}
	restored, ow, oh := rotateCW90(rotated, rw, rh)
	if ow != w || oh != h {
		t.Fatalf("expected original dims restored, got %dx%d", ow, oh)
	}
	if !bytes.Equal(restored, src) {
		t.Fatal("expected CCW90 then CW90 to be the identity transform")
	}
}

func TestApplyTransformsEmptyTokenListReturnsInputUnchanged(t *testing.T) {
	src := []byte{1, 2, 3, 4, 5, 6}
	out, w, h, err := applyTransforms(src, 2, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != 2 || h != 1 || !bytes.Equal(out, src) {
		t.Fatalf("expected input echoed back unchanged, got %v %dx%d", out, w, h)
	}
}

func TestInvertTwiceIsIdentity(t *testing.T) {
	src := []byte{0, 100, 255, 10, 20, 30}
	once := invert(src, 2, 1)
	twice := invert(once, 2, 1)
	if !bytes.Equal(twice, src) {
		t.Fatal("expected double invert to return to original")
	}
}

func TestFlipHTwiceIsIdentity(t *testing.T) {
	src := []byte{1, 1, 1, 2, 2, 2, 3, 3, 3}
	once := flipH(src, 3, 1)
	twice := flipH(once, 3, 1)
	if !bytes.Equal(twice, src) {
		t.Fatal("expected double horizontal flip to return to original")
	}
}

package lutcam

import (
	"errors"
	"fmt"
	"image"
	"sync/atomic"
)

// ErrFrameSize is returned by Canvas.Publish when the frame dimensions do
// not match the session resolution.
var ErrFrameSize = errors.New("lutcam: frame dimensions do not match session")

// Transform describes the axis/orientation correction a frame source needs
// applied before sampling, expressed as an affine map on texture
// coordinates: uv' = uv*Scale + Offset.
type Transform struct {
	ScaleU, ScaleV   float32
	OffsetU, OffsetV float32
}

// IdentityTransform leaves texture coordinates unchanged.
func IdentityTransform() Transform {
	return Transform{ScaleU: 1, ScaleV: 1}
}

// FlipVertical mirrors the frame top-to-bottom, the common correction for
// sources whose scanline order is inverted relative to the render target.
func FlipVertical() Transform {
	return Transform{ScaleU: 1, ScaleV: -1, OffsetV: 1}
}

// Canvas is the virtual input surface handed to a frame source when a
// session starts. The source publishes frames into it from any goroutine;
// the render pass pulls the most recent one. There is no frame queue: an
// unconsumed frame is overwritten by the next Publish, and a pass that
// finds no new frame skips without blocking.
type Canvas struct {
	width, height int

	// latest holds the most recently published, not-yet-consumed frame.
	latest atomic.Pointer[image.NRGBA]

	// transform holds the source's orientation correction.
	transform atomic.Pointer[Transform]
}

func newCanvas(width, height int) *Canvas {
	c := &Canvas{width: width, height: height}
	tr := IdentityTransform()
	c.transform.Store(&tr)
	return c
}

// Width returns the canvas width in pixels.
func (c *Canvas) Width() int { return c.width }

// Height returns the canvas height in pixels.
func (c *Canvas) Height() int { return c.height }

// Publish hands the latest frame to the canvas. Ownership transfers: the
// source must not modify the image afterwards. A previously published,
// unconsumed frame is discarded — last write wins.
func (c *Canvas) Publish(frame *image.NRGBA) error {
	if frame == nil {
		return fmt.Errorf("%w: nil frame", ErrFrameSize)
	}
	if b := frame.Bounds(); b.Dx() != c.width || b.Dy() != c.height {
		return fmt.Errorf("%w: frame %dx%d, session %dx%d",
			ErrFrameSize, b.Dx(), b.Dy(), c.width, c.height)
	}
	c.latest.Store(frame)
	return nil
}

// SetTransform updates the source's orientation correction. Takes effect on
// the next render pass.
func (c *Canvas) SetTransform(tr Transform) {
	c.transform.Store(&tr)
}

// Transform returns the current orientation correction.
func (c *Canvas) Transform() Transform {
	return *c.transform.Load()
}

// acquireLatest consumes the most recent frame. It may legitimately return
// false when no new frame has arrived since the last pull; the caller skips
// the pass.
func (c *Canvas) acquireLatest() (*image.NRGBA, bool) {
	frame := c.latest.Swap(nil)
	if frame == nil {
		return nil, false
	}
	return frame, true
}

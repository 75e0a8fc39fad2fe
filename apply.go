package lutcam

import (
	"errors"
	"image"
	"image/draw"

	parallel "github.com/kovidgoyal/go-parallel"

	"github.com/abc0922001/lutcam/cube"
)

// Apply errors.
var (
	// ErrNilTable is returned when Apply is called without a table.
	ErrNilTable = errors.New("lutcam: nil color table")

	// ErrEmptyImage is returned when the source image has no pixels.
	ErrEmptyImage = errors.New("lutcam: empty source image")
)

// Apply maps every pixel of src through the color table and returns the
// result as a new image of the same dimensions. The source is not modified.
// Alpha is passed through unchanged.
//
// Each channel is normalized from its 8-bit domain to continuous lattice
// coordinates, trilinearly interpolated between the 8 surrounding lattice
// points, scaled back and truncated. The blend order is fixed: red axis
// first, then green, then blue — the same decomposition the hardware
// sampling path uses, so the two paths agree up to 8-bit rounding.
//
// Pixels are independent; rows are processed in parallel.
func Apply(src image.Image, t *cube.Table) (*image.NRGBA, error) {
	if t == nil {
		return nil, ErrNilTable
	}
	b := src.Bounds()
	width, height := b.Dx(), b.Dy()
	if width <= 0 || height <= 0 {
		return nil, ErrEmptyImage
	}

	// Work on a non-premultiplied copy so channel values map directly onto
	// lattice coordinates.
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	if src8, ok := src.(*image.NRGBA); ok {
		for y := 0; y < height; y++ {
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+width*4],
				src8.Pix[src8.PixOffset(b.Min.X, b.Min.Y+y):])
		}
	} else {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	}

	n := t.Size()
	data := t.Data()
	scale := float32(n - 1)
	f := func(start, limit int) {
		for y := start; y < limit; y++ {
			row := dst.Pix[y*dst.Stride:]
			_ = row[4*(width-1)]
			for x := 0; x < width; x++ {
				px := row[x*4 : x*4+3 : x*4+3]
				// Multiply before dividing so lattice-aligned inputs land
				// exactly on integer coordinates.
				r, g, b := trilinear(data, n,
					float32(px[0])*scale/255,
					float32(px[1])*scale/255,
					float32(px[2])*scale/255)
				px[0] = dequant8(r)
				px[1] = dequant8(g)
				px[2] = dequant8(b)
			}
		}
	}
	if err := parallel.Run_in_parallel_over_range(0, f, 0, height); err != nil {
		return nil, err
	}
	return dst, nil
}

// trilinear samples the lattice at continuous coordinates (fr, fg, fb), each
// in [0, N-1]. The lower corner index per axis is clamped to [0, N-2] so the
// +1 neighbor stays in range at the lattice boundary.
//
// The blend order — red innermost, blue outermost — is fixed for parity with
// the device sampling path and must not be rearranged.
func trilinear(data []cube.RGB, n int, fr, fg, fb float32) (r, g, b float32) {
	r0 := clampIndex(int(fr), n)
	g0 := clampIndex(int(fg), n)
	b0 := clampIndex(int(fb), n)
	wr := fr - float32(r0)
	wg := fg - float32(g0)
	wb := fb - float32(b0)

	base := (b0*n+g0)*n + r0
	c000 := data[base]
	c100 := data[base+1]
	c010 := data[base+n]
	c110 := data[base+n+1]
	base += n * n
	c001 := data[base]
	c101 := data[base+1]
	c011 := data[base+n]
	c111 := data[base+n+1]

	// Red axis: 4 pairwise blends.
	r00, g00, b00 := lerpRGB(c000, c100, wr)
	r10, g10, b10 := lerpRGB(c010, c110, wr)
	r01, g01, b01 := lerpRGB(c001, c101, wr)
	r11, g11, b11 := lerpRGB(c011, c111, wr)

	// Green axis: 2 blends of the red-axis results.
	r0f := r00 + (r10-r00)*wg
	g0f := g00 + (g10-g00)*wg
	b0f := b00 + (b10-b00)*wg
	r1f := r01 + (r11-r01)*wg
	g1f := g01 + (g11-g01)*wg
	b1f := b01 + (b11-b01)*wg

	// Blue axis: final blend.
	r = r0f + (r1f-r0f)*wb
	g = g0f + (g1f-g0f)*wb
	b = b0f + (b1f-b0f)*wb
	return r, g, b
}

func lerpRGB(lo, hi cube.RGB, w float32) (r, g, b float32) {
	return lo.R + (hi.R-lo.R)*w,
		lo.G + (hi.G-lo.G)*w,
		lo.B + (hi.B-lo.B)*w
}

// clampIndex clamps a lower lattice index to [0, n-2].
func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n-2 {
		return n - 2
	}
	return i
}

// dequant8 scales a normalized channel back to 8 bits: ×255, truncate
// toward zero, clamp.
func dequant8(v float32) byte {
	i := int(v * 255)
	if i < 0 {
		return 0
	}
	if i > 255 {
		return 255
	}
	return byte(i)
}

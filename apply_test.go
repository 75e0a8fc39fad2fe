package lutcam

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/abc0922001/lutcam/cube"
)

func TestApplyNilTable(t *testing.T) {
	_, err := Apply(image.NewNRGBA(image.Rect(0, 0, 2, 2)), nil)
	require.ErrorIs(t, err, ErrNilTable)
}

func TestApplyEmptyImage(t *testing.T) {
	_, err := Apply(image.NewNRGBA(image.Rect(0, 0, 0, 0)), cube.Identity(2))
	require.ErrorIs(t, err, ErrEmptyImage)
}

// Identity lattice leaves the image unchanged up to 8-bit rounding: the
// round trip through normalized coordinates and truncation may move a
// channel by at most one step.
func TestApplyIdentityNearExact(t *testing.T) {
	tbl := cube.Identity(17)

	src := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for i := range src.Pix {
		src.Pix[i] = byte(i * 7)
	}

	dst, err := Apply(src, tbl)
	require.NoError(t, err)

	for i := range src.Pix {
		diff := int(dst.Pix[i]) - int(src.Pix[i])
		if diff < 0 {
			diff = -diff
		}
		require.LessOrEqualf(t, diff, 1,
			"pixel byte %d: src=%d dst=%d", i, src.Pix[i], dst.Pix[i])
	}
}

// Lattice-aligned inputs must return the stored entry exactly, no
// interpolation residue.
func TestApplyLatticeAlignedExact(t *testing.T) {
	const n = 2
	// Entries are distinctive so a wrong index order would be visible:
	// entry(r,g,b) = (r, g, b) scaled oddly per axis.
	data := make([]cube.RGB, n*n*n)
	for b := 0; b < n; b++ {
		for g := 0; g < n; g++ {
			for r := 0; r < n; r++ {
				data[(b*n+g)*n+r] = cube.RGB{
					R: float32(r) * 0.25,
					G: float32(g) * 0.5,
					B: float32(b) * 0.75,
				}
			}
		}
	}
	tbl, err := cube.New(n, data)
	require.NoError(t, err)

	// 0 and 255 land exactly on lattice indices 0 and 1 for N=2.
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, pixel(0, 255, 0))
	src.SetNRGBA(1, 0, pixel(255, 255, 255))

	dst, err := Apply(src, tbl)
	require.NoError(t, err)

	// (0,1,0) → (0, 0.5, 0) → (0, 127, 0): 0.5*255 truncates to 127.
	require.Equal(t, pixel(0, 127, 0), dst.NRGBAAt(0, 0))
	// (1,1,1) → (0.25, 0.5, 0.75) → (63, 127, 191).
	require.Equal(t, pixel(63, 127, 191), dst.NRGBAAt(1, 0))
}

// The cube-center weight test: a SIZE 2 lattice with a single lit corner
// sampled dead center must yield exactly 0.125 — each axis contributes a
// 0.5 weight and the blend order must not change that.
func TestTrilinearCubeCenter(t *testing.T) {
	const n = 2
	data := make([]cube.RGB, n*n*n)
	data[(1*n+1)*n+1] = cube.RGB{R: 1, G: 1, B: 1}

	r, g, b := trilinear(data, n, 0.5, 0.5, 0.5)
	require.InDelta(t, 0.125, r, 1e-7)
	require.InDelta(t, 0.125, g, 1e-7)
	require.InDelta(t, 0.125, b, 1e-7)
}

// Interpolation is separable with the lower index clamped to N-2, so a
// coordinate at the upper edge blends entirely into the +1 corner.
func TestTrilinearUpperEdge(t *testing.T) {
	const n = 3
	data := make([]cube.RGB, n*n*n)
	for i := range data {
		data[i] = cube.RGB{R: float32(i), G: 0, B: 0}
	}

	r, _, _ := trilinear(data, n, 2, 2, 2)
	want := float32((2*n+2)*n + 2)
	require.Equal(t, want, r)
}

func TestApplyAlphaPassthrough(t *testing.T) {
	tbl := cube.Identity(2)

	src := image.NewNRGBA(image.Rect(0, 0, 3, 1))
	for x, a := range []uint8{0, 128, 255} {
		px := pixel(200, 100, 50)
		px.A = a
		src.SetNRGBA(x, 0, px)
	}

	dst, err := Apply(src, tbl)
	require.NoError(t, err)
	for x, a := range []uint8{0, 128, 255} {
		require.Equal(t, a, dst.NRGBAAt(x, 0).A, "alpha at x=%d", x)
	}
}

// Apply must accept non-NRGBA sources through the generic fallback and
// produce the same result as the fast path.
func TestApplyGenericSourceMatchesFastPath(t *testing.T) {
	tbl := mustParse(t, gradientCube(4))

	fast := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := range fast.Pix {
		fast.Pix[i] = byte(255 - i)
	}
	// Force every alpha opaque so premultiplied conversion is lossless.
	for i := 3; i < len(fast.Pix); i += 4 {
		fast.Pix[i] = 255
	}

	generic := image.NewRGBA(fast.Rect)
	copy(generic.Pix, fast.Pix)

	gotFast, err := Apply(fast, tbl)
	require.NoError(t, err)
	gotGeneric, err := Apply(generic, tbl)
	require.NoError(t, err)

	if diff := cmp.Diff(gotFast.Pix, gotGeneric.Pix); diff != "" {
		t.Errorf("fast path and generic path disagree (-fast +generic):\n%s", diff)
	}
}

// Apply must leave the source untouched.
func TestApplyDoesNotMutateSource(t *testing.T) {
	tbl := mustParse(t, gradientCube(2))

	src := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := range src.Pix {
		src.Pix[i] = byte(i * 3)
	}
	before := make([]byte, len(src.Pix))
	copy(before, src.Pix)

	_, err := Apply(src, tbl)
	require.NoError(t, err)
	require.Equal(t, before, src.Pix)
}

func pixel(r, g, b uint8) color.NRGBA {
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

func mustParse(t *testing.T, src string) *cube.Table {
	t.Helper()
	tbl, err := cube.Parse(strings.NewReader(src))
	require.NoError(t, err)
	return tbl
}

// gradientCube builds a .cube document whose entries are a smooth
// non-identity gradient.
func gradientCube(n int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "LUT_3D_SIZE %d\n", n)
	den := float64(n - 1)
	for b := 0; b < n; b++ {
		for g := 0; g < n; g++ {
			for r := 0; r < n; r++ {
				fmt.Fprintf(&sb, "%.6f %.6f %.6f\n",
					math.Sqrt(float64(r)/den),
					float64(g)/den*0.8,
					float64(b)/den)
			}
		}
	}
	return sb.String()
}

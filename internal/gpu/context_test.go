package gpu

import (
	"errors"
	"testing"

	"github.com/gogpu/wgpu/hal/noop"
)

// newTestContext creates a Context over the noop backend.
func newTestContext(t *testing.T) *Context {
	t.Helper()
	ctx, err := New(Config{Backend: noop.API{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return ctx
}

// latticePixels builds an arbitrary n³ RGBA lattice for upload tests.
func latticePixels(n int) []byte {
	pix := make([]byte, n*n*n*4)
	for i := 0; i < len(pix); i += 4 {
		pix[i+3] = 0xFF
	}
	return pix
}

func TestNewContext(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Release()

	if ctx.device == nil || ctx.queue == nil {
		t.Fatal("expected device and queue after New")
	}
	if ctx.programs == nil {
		t.Fatal("expected program set after New")
	}
	if ctx.HasTable() {
		t.Error("fresh context should have no table")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	ctx := newTestContext(t)
	ctx.Release()
	ctx.Release()

	if ctx.device != nil {
		t.Error("device not cleared after Release")
	}
}

func TestReleasedContextRejectsWork(t *testing.T) {
	ctx := newTestContext(t)
	ctx.Release()

	if _, err := ctx.CreateSurface(4, 4); !errors.Is(err, ErrReleased) {
		t.Errorf("CreateSurface after Release: got %v, want ErrReleased", err)
	}
	if err := ctx.SetTable(latticePixels(2), 2); !errors.Is(err, ErrReleased) {
		t.Errorf("SetTable after Release: got %v, want ErrReleased", err)
	}
}

func TestSetTableTogglesProgram(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Release()

	if err := ctx.SetTable(latticePixels(2), 2); err != nil {
		t.Fatalf("SetTable failed: %v", err)
	}
	if !ctx.HasTable() {
		t.Fatal("expected table after SetTable")
	}
	if ctx.lutSize != 2 {
		t.Errorf("lutSize = %d, want 2", ctx.lutSize)
	}

	// Replacing the table frees the previous texture and keeps the new one.
	if err := ctx.SetTable(latticePixels(17), 17); err != nil {
		t.Fatalf("SetTable replace failed: %v", err)
	}
	if ctx.lutSize != 17 {
		t.Errorf("lutSize after replace = %d, want 17", ctx.lutSize)
	}

	if err := ctx.SetTable(nil, 0); err != nil {
		t.Fatalf("SetTable clear failed: %v", err)
	}
	if ctx.HasTable() {
		t.Error("expected no table after clear")
	}
}

func TestUploadFrameSizeMismatch(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Release()

	in, err := ctx.CreateInputTexture(4, 4)
	if err != nil {
		t.Fatalf("CreateInputTexture failed: %v", err)
	}
	defer ctx.DestroyInputTexture(in)

	if err := ctx.UploadFrame(in, make([]byte, 7)); err == nil {
		t.Error("expected error for wrong frame size")
	}
	if err := ctx.UploadFrame(in, make([]byte, 4*4*4)); err != nil {
		t.Errorf("UploadFrame failed: %v", err)
	}
}

func TestCompositePassthrough(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Release()

	in, err := ctx.CreateInputTexture(8, 8)
	if err != nil {
		t.Fatalf("CreateInputTexture failed: %v", err)
	}
	defer ctx.DestroyInputTexture(in)
	if err := ctx.UploadFrame(in, make([]byte, 8*8*4)); err != nil {
		t.Fatalf("UploadFrame failed: %v", err)
	}

	surface, err := ctx.CreateSurface(8, 8)
	if err != nil {
		t.Fatalf("CreateSurface failed: %v", err)
	}
	defer ctx.DestroySurface(surface)

	pix, err := ctx.Composite(in, surface, IdentityUV(), 1.0)
	if err != nil {
		t.Fatalf("Composite failed: %v", err)
	}
	if len(pix) != 8*8*4 {
		t.Errorf("Composite returned %d bytes, want %d", len(pix), 8*8*4)
	}
}

func TestCompositeWithTable(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Release()

	if err := ctx.SetTable(latticePixels(2), 2); err != nil {
		t.Fatalf("SetTable failed: %v", err)
	}

	in, err := ctx.CreateInputTexture(4, 4)
	if err != nil {
		t.Fatalf("CreateInputTexture failed: %v", err)
	}
	defer ctx.DestroyInputTexture(in)
	if err := ctx.UploadFrame(in, make([]byte, 4*4*4)); err != nil {
		t.Fatalf("UploadFrame failed: %v", err)
	}

	surface, err := ctx.CreateSurface(4, 4)
	if err != nil {
		t.Fatalf("CreateSurface failed: %v", err)
	}
	defer ctx.DestroySurface(surface)

	pix, err := ctx.Composite(in, surface, IdentityUV(), 0.5)
	if err != nil {
		t.Fatalf("Composite failed: %v", err)
	}
	if len(pix) != 4*4*4 {
		t.Errorf("Composite returned %d bytes, want %d", len(pix), 4*4*4)
	}
}

func TestCompositeRequiresInput(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Release()

	surface, err := ctx.CreateSurface(4, 4)
	if err != nil {
		t.Fatalf("CreateSurface failed: %v", err)
	}
	defer ctx.DestroySurface(surface)

	if _, err := ctx.Composite(nil, surface, IdentityUV(), 1.0); !errors.Is(err, ErrNoInput) {
		t.Errorf("Composite without input: got %v, want ErrNoInput", err)
	}
}

func TestSurfacePaddedRowAlignment(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Release()

	// 100 px rows are 400 bytes tight; the readback pitch must round up
	// to the 256-byte copy alignment.
	surface, err := ctx.CreateSurface(100, 10)
	if err != nil {
		t.Fatalf("CreateSurface failed: %v", err)
	}
	defer ctx.DestroySurface(surface)

	if surface.paddedRow != 512 {
		t.Errorf("paddedRow = %d, want 512", surface.paddedRow)
	}
	if surface.paddedRow%256 != 0 {
		t.Errorf("paddedRow %d not 256-aligned", surface.paddedRow)
	}
}

func TestShaderSourcesCompile(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Release()

	for _, tc := range []struct {
		name string
		src  string
	}{
		{"passthrough", passthroughShaderSource},
		{"lut_apply", lutApplyShaderSource},
	} {
		if tc.src == "" {
			t.Fatalf("%s shader source is empty", tc.name)
		}
		module, err := compileShaderModule(ctx.device, "test_"+tc.name, tc.src)
		if err != nil {
			t.Fatalf("%s shader compilation failed: %v", tc.name, err)
		}
		ctx.device.DestroyShaderModule(module)
	}
}

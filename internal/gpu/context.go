// Package gpu owns the hardware rendering context for the frame pipeline:
// device bring-up, the shader program set, the lattice texture, per-sink
// surfaces, and the composite pass.
//
// Everything in this package follows a single-owner discipline: after New
// returns, all methods on Context must be called from the one goroutine
// that drives the render loop. Construction itself may happen on that same
// goroutine only.
package gpu

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Register the Vulkan backend via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// Context errors. Initialization errors are fatal for the owning session:
// there is no fallback configuration search.
var (
	// ErrNoBackend is returned when no rendering backend is available.
	ErrNoBackend = errors.New("gpu: no rendering backend available")

	// ErrNoAdapter is returned when the backend exposes no usable adapter.
	ErrNoAdapter = errors.New("gpu: no GPU adapters found")

	// ErrBadProvider is returned when a device provider does not expose
	// HAL types.
	ErrBadProvider = errors.New("gpu: device provider does not expose HAL types")

	// ErrReleased is returned when operating on a released context.
	ErrReleased = errors.New("gpu: context has been released")

	// ErrNoInput is returned when a composite pass is requested without an
	// input texture.
	ErrNoInput = errors.New("gpu: no input texture bound")
)

// fenceTimeout bounds every GPU wait so a stalled submission cannot block
// the worker forever.
const fenceTimeout = 5 * time.Second

// Config controls context creation.
type Config struct {
	// Backend overrides backend discovery. Tests pass hal/noop here.
	Backend hal.Backend

	// Provider, when set, shares the host application's device instead of
	// opening a dedicated one. The provider must expose HalDevice() any and
	// HalQueue() any returning hal.Device and hal.Queue.
	Provider gpucontext.DeviceProvider
}

// Context owns one hardware rendering device and every device-side handle
// derived from it. All methods must be called from the owning goroutine.
type Context struct {
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue

	// externalDevice is set when the device came from a shared provider and
	// must not be destroyed on Release.
	externalDevice bool

	programs *programSet

	// offscreen is the 1×1 bootstrap surface created at initialization so
	// command encoding is valid before any sink registers.
	offscreen *Surface

	// Active lattice texture, nil when no table is bound.
	lut     hal.Texture
	lutView hal.TextureView
	lutSize int

	released bool
}

// New acquires a device, compiles the shader program set, and validates the
// encode path against a 1×1 offscreen target. Any failure is fatal for the
// owning session; New does not retry with alternative configurations.
func New(cfg Config) (*Context, error) {
	c := &Context{}
	if err := c.openDevice(cfg); err != nil {
		return nil, err
	}

	programs, err := newProgramSet(c.device, c.queue)
	if err != nil {
		c.Release()
		return nil, err
	}
	c.programs = programs

	// Bootstrap target: commands stay valid with no sink registered, and a
	// clear pass here surfaces broken devices at initialization instead of
	// on the first frame.
	offscreen, err := c.CreateSurface(1, 1)
	if err != nil {
		c.Release()
		return nil, fmt.Errorf("gpu: create offscreen target: %w", err)
	}
	c.offscreen = offscreen
	if err := c.clearPass(offscreen); err != nil {
		c.Release()
		return nil, fmt.Errorf("gpu: validation pass: %w", err)
	}

	return c, nil
}

// openDevice resolves a device/queue pair from, in order: an explicit
// backend, a shared host provider, or the registered Vulkan backend.
func (c *Context) openDevice(cfg Config) error {
	if cfg.Provider != nil {
		return c.adoptProvider(cfg.Provider)
	}

	backend := cfg.Backend
	if backend == nil {
		b, ok := hal.GetBackend(gputypes.BackendVulkan)
		if !ok {
			return ErrNoBackend
		}
		backend = b
	}

	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("gpu: create instance: %w", err)
	}
	c.instance = instance

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		c.instance = nil
		return ErrNoAdapter
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		c.instance = nil
		return fmt.Errorf("gpu: open device: %w", err)
	}
	c.device = openDev.Device
	c.queue = openDev.Queue

	slogger().Info("gpu: device opened", "adapter", selected.Info.Name)
	return nil
}

// adoptProvider extracts a shared device from a host provider.
func (c *Context) adoptProvider(provider gpucontext.DeviceProvider) error {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return ErrBadProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return fmt.Errorf("%w: HalDevice is not hal.Device", ErrBadProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return fmt.Errorf("%w: HalQueue is not hal.Queue", ErrBadProvider)
	}
	c.device = device
	c.queue = queue
	c.externalDevice = true
	slogger().Info("gpu: using shared host device")
	return nil
}

// HasTable reports whether a lattice texture is currently bound. The next
// composite pass selects the lut-apply program iff this is true.
func (c *Context) HasTable() bool {
	return c.lut != nil
}

// SetTable replaces the device-side lattice texture. pix is the RGBA8
// quantized lattice (size³ pixels, red fastest); nil clears the table so
// subsequent passes fall back to passthrough. The previous texture, if any,
// is freed first.
func (c *Context) SetTable(pix []byte, size int) error {
	if c.released {
		return ErrReleased
	}
	c.dropTable()
	if pix == nil {
		return nil
	}

	n := uint32(size)
	tex, err := c.device.CreateTexture(&hal.TextureDescriptor{
		Label:         "lut_lattice",
		Size:          hal.Extent3D{Width: n, Height: n, DepthOrArrayLayers: n},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension3D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("gpu: create lattice texture: %w", err)
	}

	view, err := c.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:         "lut_lattice_view",
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Dimension:     gputypes.TextureViewDimension3D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		c.device.DestroyTexture(tex)
		return fmt.Errorf("gpu: create lattice view: %w", err)
	}

	c.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: tex, MipLevel: 0},
		pix,
		&hal.ImageDataLayout{Offset: 0, BytesPerRow: n * 4, RowsPerImage: n},
		&hal.Extent3D{Width: n, Height: n, DepthOrArrayLayers: n},
	)

	c.lut = tex
	c.lutView = view
	c.lutSize = size
	slogger().Debug("gpu: lattice texture swapped", "size", size)
	return nil
}

// dropTable frees the active lattice texture, if any.
func (c *Context) dropTable() {
	if c.lutView != nil {
		c.device.DestroyTextureView(c.lutView)
		c.lutView = nil
	}
	if c.lut != nil {
		c.device.DestroyTexture(c.lut)
		c.lut = nil
	}
	c.lutSize = 0
}

// Release tears the context down in order: lattice texture, programs,
// offscreen target, device, instance. Idempotent — handles are reset so a
// repeat call is a no-op. The device is kept alive when it came from a
// shared provider.
func (c *Context) Release() {
	if c.released {
		return
	}
	c.released = true

	if c.device != nil {
		c.dropTable()
		if c.programs != nil {
			c.programs.destroy(c.device)
			c.programs = nil
		}
		if c.offscreen != nil {
			c.destroySurface(c.offscreen)
			c.offscreen = nil
		}
		if !c.externalDevice {
			c.device.Destroy()
		}
		c.device = nil
		c.queue = nil
	}
	if c.instance != nil {
		c.instance.Destroy()
		c.instance = nil
	}
}

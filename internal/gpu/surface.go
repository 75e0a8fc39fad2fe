package gpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// copyPitchAlignment is the BytesPerRow alignment required by
// CopyTextureToBuffer on WebGPU and DX12.
const copyPitchAlignment = 256

// UVTransform maps quad texture coordinates onto the input frame:
// uv' = uv * scale + offset. The zero value samples nothing useful; use
// IdentityUV for a straight copy.
type UVTransform struct {
	ScaleU, ScaleV   float32
	OffsetU, OffsetV float32
}

// IdentityUV returns the transform that samples the frame as stored.
func IdentityUV() UVTransform {
	return UVTransform{ScaleU: 1, ScaleV: 1}
}

// InputTexture is the device-side copy of the current camera frame.
type InputTexture struct {
	tex    hal.Texture
	view   hal.TextureView
	width  uint32
	height uint32
}

// Width returns the frame width in pixels.
func (t *InputTexture) Width() int { return int(t.width) }

// Height returns the frame height in pixels.
func (t *InputTexture) Height() int { return int(t.height) }

// Surface is one render target with a reusable readback staging buffer.
// Targets keep their texture in render-attachment state between passes.
type Surface struct {
	tex     hal.Texture
	view    hal.TextureView
	staging hal.Buffer
	width   uint32
	height  uint32

	// paddedRow is the 256-aligned row pitch used for readback copies.
	paddedRow uint32
}

// Width returns the target width in pixels.
func (s *Surface) Width() int { return int(s.width) }

// Height returns the target height in pixels.
func (s *Surface) Height() int { return int(s.height) }

// CreateInputTexture allocates the sampled frame texture for one stream
// geometry. The caller uploads pixel data with UploadFrame.
func (c *Context) CreateInputTexture(width, height int) (*InputTexture, error) {
	if c.released {
		return nil, ErrReleased
	}
	w, h := uint32(width), uint32(height)
	tex, err := c.device.CreateTexture(&hal.TextureDescriptor{
		Label:         "input_frame",
		Size:          hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create input texture: %w", err)
	}
	view, err := c.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:         "input_frame_view",
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		c.device.DestroyTexture(tex)
		return nil, fmt.Errorf("gpu: create input view: %w", err)
	}
	return &InputTexture{tex: tex, view: view, width: w, height: h}, nil
}

// DestroyInputTexture frees a frame texture. Nil is a no-op.
func (c *Context) DestroyInputTexture(t *InputTexture) {
	if t == nil || c.device == nil {
		return
	}
	if t.view != nil {
		c.device.DestroyTextureView(t.view)
		t.view = nil
	}
	if t.tex != nil {
		c.device.DestroyTexture(t.tex)
		t.tex = nil
	}
}

// UploadFrame copies one tightly packed RGBA frame into the input texture.
// len(pix) must be width*height*4.
func (c *Context) UploadFrame(t *InputTexture, pix []byte) error {
	if c.released {
		return ErrReleased
	}
	want := int(t.width) * int(t.height) * 4
	if len(pix) != want {
		return fmt.Errorf("gpu: frame is %d bytes, texture needs %d", len(pix), want)
	}
	c.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: t.tex, MipLevel: 0},
		pix,
		&hal.ImageDataLayout{Offset: 0, BytesPerRow: t.width * 4, RowsPerImage: t.height},
		&hal.Extent3D{Width: t.width, Height: t.height, DepthOrArrayLayers: 1},
	)
	return nil
}

// CreateSurface allocates one render target plus its staging buffer.
func (c *Context) CreateSurface(width, height int) (*Surface, error) {
	if c.released {
		return nil, ErrReleased
	}
	w, h := uint32(width), uint32(height)
	tex, err := c.device.CreateTexture(&hal.TextureDescriptor{
		Label:         "output_surface",
		Size:          hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create surface texture: %w", err)
	}
	view, err := c.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:         "output_surface_view",
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		c.device.DestroyTexture(tex)
		return nil, fmt.Errorf("gpu: create surface view: %w", err)
	}

	paddedRow := (w*4 + copyPitchAlignment - 1) &^ (copyPitchAlignment - 1)
	staging, err := c.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "surface_staging",
		Size:  uint64(paddedRow) * uint64(h),
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		c.device.DestroyTextureView(view)
		c.device.DestroyTexture(tex)
		return nil, fmt.Errorf("gpu: create surface staging: %w", err)
	}

	return &Surface{tex: tex, view: view, staging: staging, width: w, height: h, paddedRow: paddedRow}, nil
}

// DestroySurface frees a render target. Nil is a no-op.
func (c *Context) DestroySurface(s *Surface) {
	if c.device == nil {
		return
	}
	c.destroySurface(s)
}

func (c *Context) destroySurface(s *Surface) {
	if s == nil {
		return
	}
	if s.staging != nil {
		c.device.DestroyBuffer(s.staging)
		s.staging = nil
	}
	if s.view != nil {
		c.device.DestroyTextureView(s.view)
		s.view = nil
	}
	if s.tex != nil {
		c.device.DestroyTexture(s.tex)
		s.tex = nil
	}
}

// Composite draws the input frame onto the surface through the active
// program (lattice when a table is bound, passthrough otherwise), waits
// for the GPU, and returns the tightly packed RGBA pixels. intensity is
// the lattice blend weight in [0,1]; it is ignored on the passthrough
// path.
func (c *Context) Composite(in *InputTexture, s *Surface, uv UVTransform, intensity float32) ([]byte, error) {
	if c.released {
		return nil, ErrReleased
	}
	if in == nil || in.tex == nil {
		return nil, ErrNoInput
	}

	uniform, err := c.createUniform(uv, intensity)
	if err != nil {
		return nil, err
	}
	defer c.device.DestroyBuffer(uniform)

	bindGroup, err := c.createFrameBindGroup(in, uniform)
	if err != nil {
		return nil, err
	}
	defer c.device.DestroyBindGroup(bindGroup)

	pipeline := c.programs.passthrough
	if c.lut != nil {
		pipeline = c.programs.lutApply
	}
	if err := c.encodeFrame(s, pipeline, bindGroup); err != nil {
		return nil, err
	}
	return c.readback(s)
}

// createUniform packs the uv transform and blend parameters into a fresh
// uniform buffer.
func (c *Context) createUniform(uv UVTransform, intensity float32) (hal.Buffer, error) {
	raw := make([]byte, frameUniformSize)
	for i, v := range []float32{
		uv.ScaleU, uv.ScaleV, uv.OffsetU, uv.OffsetV,
		intensity, float32(c.lutSize), 0, 0,
	} {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	buf, err := c.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "frame_uniform",
		Size:  frameUniformSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create uniform buffer: %w", err)
	}
	c.queue.WriteBuffer(buf, 0, raw)
	return buf, nil
}

// createFrameBindGroup binds the uniform, the frame texture, and (when a
// table is active) the lattice texture for one pass.
func (c *Context) createFrameBindGroup(in *InputTexture, uniform hal.Buffer) (hal.BindGroup, error) {
	entries := []gputypes.BindGroupEntry{
		{Binding: 0, Resource: gputypes.BufferBinding{
			Buffer: uniform.NativeHandle(), Offset: 0, Size: frameUniformSize,
		}},
		{Binding: 1, Resource: gputypes.TextureViewBinding{
			TextureView: in.view.NativeHandle(),
		}},
		{Binding: 2, Resource: gputypes.SamplerBinding{
			Sampler: c.programs.sampler.NativeHandle(),
		}},
	}
	layout := c.programs.passLayout
	if c.lut != nil {
		layout = c.programs.lutLayout
		entries = append(entries,
			gputypes.BindGroupEntry{Binding: 3, Resource: gputypes.TextureViewBinding{
				TextureView: c.lutView.NativeHandle(),
			}},
			gputypes.BindGroupEntry{Binding: 4, Resource: gputypes.SamplerBinding{
				Sampler: c.programs.sampler.NativeHandle(),
			}},
		)
	}
	bg, err := c.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "frame_bind",
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create frame bind group: %w", err)
	}
	return bg, nil
}

// encodeFrame records the draw, the readback copy, and the barriers that
// return the surface to render-attachment state, then submits and waits.
func (c *Context) encodeFrame(s *Surface, pipeline hal.RenderPipeline, bindGroup hal.BindGroup) error {
	encoder, err := c.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "frame_encoder",
	})
	if err != nil {
		return fmt.Errorf("gpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("frame_composite"); err != nil {
		return fmt.Errorf("gpu: begin encoding: %w", err)
	}

	rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "frame_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       s.view,
			LoadOp:     gputypes.LoadOpClear,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: gputypes.Color{R: 0, G: 0, B: 0, A: 1},
		}},
	})
	rp.SetPipeline(pipeline)
	rp.SetBindGroup(0, bindGroup, nil)
	rp.SetVertexBuffer(0, c.programs.quad, 0)
	rp.Draw(quadVertexCount, 1, 0, 0)
	rp.End()

	// CopyTextureToBuffer needs the texture in copy-src layout on Vulkan
	// and DX12; no-op on the other backends.
	encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: s.tex,
		Usage: hal.TextureUsageTransition{
			OldUsage: gputypes.TextureUsageRenderAttachment,
			NewUsage: gputypes.TextureUsageCopySrc,
		},
	}})

	encoder.CopyTextureToBuffer(s.tex, s.staging, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: s.paddedRow, RowsPerImage: s.height},
		TextureBase:  hal.ImageCopyTexture{Texture: s.tex, MipLevel: 0},
		Size:         hal.Extent3D{Width: s.width, Height: s.height, DepthOrArrayLayers: 1},
	}})

	// Back to render-attachment so the next pass on this surface starts
	// from the layout it expects.
	encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: s.tex,
		Usage: hal.TextureUsageTransition{
			OldUsage: gputypes.TextureUsageCopySrc,
			NewUsage: gputypes.TextureUsageRenderAttachment,
		},
	}})

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("gpu: end encoding: %w", err)
	}
	defer c.device.FreeCommandBuffer(cmdBuf)

	fence, err := c.device.CreateFence()
	if err != nil {
		return fmt.Errorf("gpu: create fence: %w", err)
	}
	defer c.device.DestroyFence(fence)

	if err := c.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("gpu: submit: %w", err)
	}
	fenceOK, err := c.device.Wait(fence, 1, fenceTimeout)
	if err != nil || !fenceOK {
		return fmt.Errorf("gpu: wait for frame: ok=%v err=%w", fenceOK, err)
	}
	return nil
}

// readback copies the staging buffer out and strips row padding.
func (c *Context) readback(s *Surface) ([]byte, error) {
	padded := make([]byte, uint64(s.paddedRow)*uint64(s.height))
	if err := c.queue.ReadBuffer(s.staging, 0, padded); err != nil {
		return nil, fmt.Errorf("gpu: readback: %w", err)
	}
	rowBytes := s.width * 4
	if s.paddedRow == rowBytes {
		return padded, nil
	}
	tight := make([]byte, uint64(rowBytes)*uint64(s.height))
	for row := uint32(0); row < s.height; row++ {
		src := int(row) * int(s.paddedRow)
		dst := int(row) * int(rowBytes)
		copy(tight[dst:dst+int(rowBytes)], padded[src:src+int(rowBytes)])
	}
	return tight, nil
}

// clearPass validates the encode path by clearing a surface and reading
// it back. Used once at initialization against the bootstrap target.
func (c *Context) clearPass(s *Surface) error {
	encoder, err := c.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "warmup_encoder",
	})
	if err != nil {
		return fmt.Errorf("gpu: create warmup encoder: %w", err)
	}
	if err := encoder.BeginEncoding("warmup"); err != nil {
		return fmt.Errorf("gpu: begin warmup encoding: %w", err)
	}
	rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "warmup_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       s.view,
			LoadOp:     gputypes.LoadOpClear,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: gputypes.Color{R: 0, G: 0, B: 0, A: 1},
		}},
	})
	rp.End()

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("gpu: end warmup encoding: %w", err)
	}
	defer c.device.FreeCommandBuffer(cmdBuf)

	fence, err := c.device.CreateFence()
	if err != nil {
		return fmt.Errorf("gpu: create warmup fence: %w", err)
	}
	defer c.device.DestroyFence(fence)

	if err := c.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("gpu: submit warmup: %w", err)
	}
	fenceOK, err := c.device.Wait(fence, 1, fenceTimeout)
	if err != nil || !fenceOK {
		return fmt.Errorf("gpu: wait for warmup: ok=%v err=%w", fenceOK, err)
	}
	return nil
}

package gpu

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

//go:embed shaders/passthrough.wgsl
var passthroughShaderSource string

//go:embed shaders/lut_apply.wgsl
var lutApplyShaderSource string

// frameUniformSize is the byte size of FrameUniform in the shaders:
// uv_transform vec4 + params vec4.
const frameUniformSize = 32

// quadStride is the byte stride of one quad vertex: pos vec2 + uv vec2.
const quadStride = 16

// programSet holds the two render programs and the resources shared by
// every composite pass. Both programs are compiled up front so a table
// swap never pays shader compilation cost mid-stream.
type programSet struct {
	passthrough hal.RenderPipeline
	lutApply    hal.RenderPipeline

	passLayout hal.BindGroupLayout
	lutLayout  hal.BindGroupLayout

	passPipeLayout hal.PipelineLayout
	lutPipeLayout  hal.PipelineLayout

	sampler hal.Sampler

	// quad is the shared full-target vertex buffer, two triangles
	// covering clip space.
	quad hal.Buffer
}

// quadVertexCount is the draw count for the full-target quad.
const quadVertexCount = 6

// newProgramSet compiles both shader programs and creates the shared
// sampler and quad buffer. Any failure releases what was built so far.
func newProgramSet(device hal.Device, queue hal.Queue) (*programSet, error) {
	p := &programSet{}
	if err := p.create(device, queue); err != nil {
		p.destroy(device)
		return nil, err
	}
	return p, nil
}

func (p *programSet) create(device hal.Device, queue hal.Queue) error {
	passModule, err := compileShaderModule(device, "frame_passthrough", passthroughShaderSource)
	if err != nil {
		return err
	}
	defer device.DestroyShaderModule(passModule)

	lutModule, err := compileShaderModule(device, "frame_lut_apply", lutApplyShaderSource)
	if err != nil {
		return err
	}
	defer device.DestroyShaderModule(lutModule)

	// Bindings 0..2 are shared by both programs; the lattice program adds
	// the 3D texture and its sampler at 3..4.
	frameEntries := []gputypes.BindGroupLayoutEntry{
		{
			Binding:    0,
			Visibility: gputypes.ShaderStageVertex | gputypes.ShaderStageFragment,
			Buffer: &gputypes.BufferBindingLayout{
				Type: gputypes.BufferBindingTypeUniform,
			},
		},
		{
			Binding:    1,
			Visibility: gputypes.ShaderStageFragment,
			Texture: &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeFloat,
				ViewDimension: gputypes.TextureViewDimension2D,
			},
		},
		{
			Binding:    2,
			Visibility: gputypes.ShaderStageFragment,
			Sampler:    &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering},
		},
	}

	passLayout, err := device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   "passthrough_bind_layout",
		Entries: frameEntries,
	})
	if err != nil {
		return fmt.Errorf("create passthrough bind layout: %w", err)
	}
	p.passLayout = passLayout

	lutEntries := make([]gputypes.BindGroupLayoutEntry, len(frameEntries), len(frameEntries)+2)
	copy(lutEntries, frameEntries)
	lutEntries = append(lutEntries,
		gputypes.BindGroupLayoutEntry{
			Binding:    3,
			Visibility: gputypes.ShaderStageFragment,
			Texture: &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeFloat,
				ViewDimension: gputypes.TextureViewDimension3D,
			},
		},
		gputypes.BindGroupLayoutEntry{
			Binding:    4,
			Visibility: gputypes.ShaderStageFragment,
			Sampler:    &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering},
		},
	)
	lutLayout, err := device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   "lut_bind_layout",
		Entries: lutEntries,
	})
	if err != nil {
		return fmt.Errorf("create lut bind layout: %w", err)
	}
	p.lutLayout = lutLayout

	passPipeLayout, err := device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "passthrough_pipeline_layout",
		BindGroupLayouts: []hal.BindGroupLayout{passLayout},
	})
	if err != nil {
		return fmt.Errorf("create passthrough pipeline layout: %w", err)
	}
	p.passPipeLayout = passPipeLayout

	lutPipeLayout, err := device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "lut_pipeline_layout",
		BindGroupLayouts: []hal.BindGroupLayout{lutLayout},
	})
	if err != nil {
		return fmt.Errorf("create lut pipeline layout: %w", err)
	}
	p.lutPipeLayout = lutPipeLayout

	// One sampler serves both the frame texture and the lattice: linear
	// filtering, clamp to edge on every axis.
	sampler, err := device.CreateSampler(&hal.SamplerDescriptor{
		Label:        "frame_sampler",
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    gputypes.FilterModeLinear,
		MinFilter:    gputypes.FilterModeLinear,
		MipmapFilter: gputypes.FilterModeLinear,
	})
	if err != nil {
		return fmt.Errorf("create sampler: %w", err)
	}
	p.sampler = sampler

	p.passthrough, err = createFramePipeline(device, "frame_passthrough", passModule, passPipeLayout)
	if err != nil {
		return err
	}
	p.lutApply, err = createFramePipeline(device, "frame_lut_apply", lutModule, lutPipeLayout)
	if err != nil {
		return err
	}

	quad, err := createQuadBuffer(device, queue)
	if err != nil {
		return err
	}
	p.quad = quad
	return nil
}

// createFramePipeline builds one render program over the shared quad
// vertex format. Both programs share vs_main.
func createFramePipeline(device hal.Device, label string, module hal.ShaderModule, layout hal.PipelineLayout) (hal.RenderPipeline, error) {
	pipeline, err := device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  label,
		Layout: layout,
		Vertex: hal.VertexState{
			Module:     module,
			EntryPoint: "vs_main",
			Buffers: []gputypes.VertexBufferLayout{
				{
					ArrayStride: quadStride,
					StepMode:    gputypes.VertexStepModeVertex,
					Attributes: []gputypes.VertexAttribute{
						{Format: gputypes.VertexFormatFloat32x2, Offset: 0, ShaderLocation: 0},
						{Format: gputypes.VertexFormatFloat32x2, Offset: 8, ShaderLocation: 1},
					},
				},
			},
		},
		Fragment: &hal.FragmentState{
			Module:     module,
			EntryPoint: "fs_main",
			Targets: []gputypes.ColorTargetState{
				{
					Format:    gputypes.TextureFormatRGBA8Unorm,
					WriteMask: gputypes.ColorWriteMaskAll,
				},
			},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create %s pipeline: %w", label, err)
	}
	return pipeline, nil
}

// createQuadBuffer uploads the shared full-target quad: two triangles of
// pos/uv vertices, UV origin at the top left.
func createQuadBuffer(device hal.Device, queue hal.Queue) (hal.Buffer, error) {
	verts := []float32{
		-1, -1, 0, 1,
		1, -1, 1, 1,
		-1, 1, 0, 0,
		-1, 1, 0, 0,
		1, -1, 1, 1,
		1, 1, 1, 0,
	}
	raw := make([]byte, len(verts)*4)
	for i, v := range verts {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	buf, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "frame_quad",
		Size:  uint64(len(raw)),
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create quad buffer: %w", err)
	}
	queue.WriteBuffer(buf, 0, raw)
	return buf, nil
}

// destroy releases every program resource. Safe on a partially built set.
func (p *programSet) destroy(device hal.Device) {
	if p.quad != nil {
		device.DestroyBuffer(p.quad)
		p.quad = nil
	}
	if p.passthrough != nil {
		device.DestroyRenderPipeline(p.passthrough)
		p.passthrough = nil
	}
	if p.lutApply != nil {
		device.DestroyRenderPipeline(p.lutApply)
		p.lutApply = nil
	}
	if p.passPipeLayout != nil {
		device.DestroyPipelineLayout(p.passPipeLayout)
		p.passPipeLayout = nil
	}
	if p.lutPipeLayout != nil {
		device.DestroyPipelineLayout(p.lutPipeLayout)
		p.lutPipeLayout = nil
	}
	if p.passLayout != nil {
		device.DestroyBindGroupLayout(p.passLayout)
		p.passLayout = nil
	}
	if p.lutLayout != nil {
		device.DestroyBindGroupLayout(p.lutLayout)
		p.lutLayout = nil
	}
	if p.sampler != nil {
		device.DestroySampler(p.sampler)
		p.sampler = nil
	}
}

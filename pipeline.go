package lutcam

import (
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	"github.com/abc0922001/lutcam/cube"
	"github.com/abc0922001/lutcam/internal/gpu"
)

// Pipeline errors.
var (
	// ErrPipelineClosed is returned when operating on a shut-down pipeline.
	ErrPipelineClosed = errors.New("lutcam: pipeline has been shut down")

	// ErrPipelineBroken is returned after a fatal context initialization
	// failure. The pipeline stops accepting sessions and outputs; the
	// original failure is wrapped.
	ErrPipelineBroken = errors.New("lutcam: rendering context unusable")
)

// frameQueueDepth bounds the render task queue. A full queue drops the
// notification, not the frame: the canvas keeps the latest frame and the
// next pass picks it up.
const frameQueueDepth = 64

// Config controls pipeline construction. The zero value is not usable;
// start from DefaultConfig.
type Config struct {
	// Backend overrides rendering backend discovery. Tests pass the noop
	// backend; production leaves it nil for Vulkan.
	Backend hal.Backend

	// Provider, when set, shares the host application's device instead of
	// opening a dedicated one.
	Provider gpucontext.DeviceProvider

	// Intensity is the grade blend weight in [0,1]. Full grading is 1.
	Intensity float32
}

// DefaultConfig returns the production configuration: discovered backend,
// dedicated device, full-intensity grading.
func DefaultConfig() Config {
	return Config{Intensity: 1}
}

// Pipeline intercepts a continuous frame stream, applies the active color
// table on the GPU, and fans the result out to every registered output
// target.
//
// One worker goroutine owns the rendering context and every device handle;
// all device-touching operations are marshaled onto it through an ordered
// task queue. The exceptions are SetColorTable and CurrentColorTable, which
// only touch the atomic pending slot and never block on the worker.
type Pipeline struct {
	cfg Config

	tasks chan func()
	done  chan struct{}

	// closed guards the task channel; sends and close are serialized by mu.
	mu     sync.Mutex
	closed bool

	// slot hands pending tables to the render pass; current mirrors the
	// most recently requested table for CurrentColorTable.
	slot    tableSlot
	current atomic.Pointer[cube.Table]

	// Worker-owned state below. Never touched off the worker goroutine.
	ctx    *gpu.Context
	ctxErr error

	sessions    map[uint64]*Session
	activeToken uint64
	nextToken   uint64

	outputs []*outputEntry
	// pending holds targets registered before the context exists, in
	// registration order.
	pending []*outputEntry
	nextGen uint64
}

// New creates a pipeline and starts its worker goroutine. The rendering
// context itself is created lazily by the first StartSession, so
// construction never touches the GPU.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		tasks:    make(chan func(), frameQueueDepth),
		done:     make(chan struct{}),
		sessions: make(map[uint64]*Session),
	}
	go p.run()
	return p
}

// run is the worker loop. Device drivers are thread-affine on some
// platforms, so the worker pins its OS thread for its whole life.
func (p *Pipeline) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(p.done)

	for task := range p.tasks {
		task()
	}
	p.teardown()
}

// submit queues a task for the worker, blocking while the queue is full.
// Reports false when the pipeline is shut down.
func (p *Pipeline) submit(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.tasks <- task
	return true
}

// trySubmit queues a task without blocking. Reports false when the
// pipeline is shut down or the queue is full.
func (p *Pipeline) trySubmit(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// call runs fn on the worker and waits for it to finish.
func (p *Pipeline) call(fn func()) error {
	ready := make(chan struct{})
	if !p.submit(func() {
		fn()
		close(ready)
	}) {
		return ErrPipelineClosed
	}
	<-ready
	return nil
}

// ensureContext creates the rendering context on first use. A failure is
// permanent: the error is stored and every later session or output attempt
// reports the pipeline broken.
func (p *Pipeline) ensureContext() error {
	if p.ctxErr != nil {
		return p.ctxErr
	}
	if p.ctx != nil {
		return nil
	}
	ctx, err := gpu.New(gpu.Config{Backend: p.cfg.Backend, Provider: p.cfg.Provider})
	if err != nil {
		p.ctxErr = fmt.Errorf("%w: %w", ErrPipelineBroken, err)
		Logger().Error("pipeline: context initialization failed", "error", err)
		return p.ctxErr
	}
	p.ctx = ctx
	Logger().Info("pipeline: rendering context ready")

	// Targets registered before the context existed get their surfaces
	// now, in registration order.
	for _, entry := range p.pending {
		if err := p.materializeOutput(entry); err != nil {
			Logger().Error("pipeline: queued output failed",
				"target", entry.target.Name, "error", err)
		}
	}
	p.pending = nil
	return nil
}

// StartSession begins a new frame-source session at the given source
// resolution. Any prior session is superseded: it stops receiving render
// passes immediately but keeps its resources until its own CloseSession.
//
// The returned session's Canvas is where the source publishes frames.
func (p *Pipeline) StartSession(width, height int) (*Session, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("lutcam: invalid session size %dx%d", width, height)
	}

	var (
		session *Session
		err     error
	)
	callErr := p.call(func() {
		if err = p.ensureContext(); err != nil {
			return
		}
		input, ierr := p.ctx.CreateInputTexture(width, height)
		if ierr != nil {
			err = fmt.Errorf("lutcam: start session: %w", ierr)
			return
		}
		p.nextToken++
		session = &Session{
			token:  p.nextToken,
			canvas: newCanvas(width, height),
			input:  input,
		}
		p.sessions[session.token] = session
		if p.activeToken != 0 {
			Logger().Info("pipeline: session superseded",
				"old", p.activeToken, "new", session.token)
		}
		p.activeToken = session.token
	})
	if callErr != nil {
		return nil, callErr
	}
	if err != nil {
		return nil, err
	}
	Logger().Debug("pipeline: session started",
		"token", session.token, "width", width, "height", height)
	return session, nil
}

// FrameAvailable signals that the source published a new frame on the
// session's canvas. It never blocks: when the task queue is full the
// notification is dropped and the frame waits for the next signal. Frames
// for a superseded or closed session are ignored.
func (p *Pipeline) FrameAvailable(s *Session) {
	if s == nil {
		return
	}
	token := s.token
	if !p.trySubmit(func() { p.renderPass(token) }) {
		Logger().Warn("pipeline: render queue full, frame signal dropped", "token", token)
	}
}

// CloseSession releases the session's input texture and canvas. Closing a
// superseded session releases only that session's resources; closing an
// unknown or already-closed session is a no-op.
func (p *Pipeline) CloseSession(s *Session, result SessionResult) {
	if s == nil {
		return
	}
	token := s.token
	_ = p.call(func() {
		session, ok := p.sessions[token]
		if !ok {
			Logger().Debug("pipeline: close of unknown session", "token", token)
			return
		}
		delete(p.sessions, token)
		if p.activeToken == token {
			p.activeToken = 0
		}
		if p.ctx != nil {
			p.ctx.DestroyInputTexture(session.input)
		}
		session.input = nil
		Logger().Debug("pipeline: session closed", "token", token, "result", int(result))
	})
}

// AddOutput registers a target and returns its release handle. When the
// rendering context does not exist yet the target is queued and its device
// surface is created the moment the context comes up, in registration
// order. The caller must invoke the release handle exactly once.
func (p *Pipeline) AddOutput(target OutputTarget) (ReleaseFunc, error) {
	if target.Width <= 0 || target.Height <= 0 {
		return nil, fmt.Errorf("lutcam: invalid output size %dx%d", target.Width, target.Height)
	}
	if target.Present == nil {
		return nil, errors.New("lutcam: output target needs a Present function")
	}

	var (
		entry *outputEntry
		err   error
	)
	callErr := p.call(func() {
		if p.ctxErr != nil {
			err = p.ctxErr
			return
		}
		p.nextGen++
		entry = &outputEntry{target: &target, gen: p.nextGen}
		if p.ctx == nil {
			p.pending = append(p.pending, entry)
			Logger().Debug("pipeline: output queued", "target", target.Name, "gen", entry.gen)
			return
		}
		if err = p.materializeOutput(entry); err != nil {
			entry = nil
		}
	})
	if callErr != nil {
		return nil, callErr
	}
	if err != nil {
		return nil, err
	}
	return p.releaseFunc(entry), nil
}

// materializeOutput creates the device surface for a registered target and
// moves it into the live set. Worker only.
func (p *Pipeline) materializeOutput(entry *outputEntry) error {
	surface, err := p.ctx.CreateSurface(entry.target.Width, entry.target.Height)
	if err != nil {
		return fmt.Errorf("lutcam: create output surface: %w", err)
	}
	entry.surface = surface
	p.outputs = append(p.outputs, entry)
	Logger().Debug("pipeline: output registered",
		"target", entry.target.Name, "gen", entry.gen,
		"width", entry.target.Width, "height", entry.target.Height)
	return nil
}

// releaseFunc builds the exactly-once release handle for an output entry.
func (p *Pipeline) releaseFunc(entry *outputEntry) ReleaseFunc {
	gen := entry.gen
	return func() {
		_ = p.call(func() { p.removeOutput(entry, gen) })
	}
}

// removeOutput detaches an entry from the live or pending set and destroys
// its surface. A generation mismatch or repeat release is a logged no-op.
// Worker only; runs ordered behind any queued render pass, so an in-flight
// composite never loses its surface mid-pass.
func (p *Pipeline) removeOutput(entry *outputEntry, gen uint64) {
	if entry.gen != gen || entry.released {
		Logger().Warn("pipeline: duplicate output release ignored",
			"target", entry.target.Name, "gen", gen)
		return
	}
	entry.released = true

	for i, e := range p.outputs {
		if e == entry {
			p.outputs = append(p.outputs[:i], p.outputs[i+1:]...)
			break
		}
	}
	for i, e := range p.pending {
		if e == entry {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			break
		}
	}
	if entry.surface != nil && p.ctx != nil {
		p.ctx.DestroySurface(entry.surface)
	}
	entry.surface = nil
	Logger().Debug("pipeline: output released", "target", entry.target.Name, "gen", gen)
}

// SetColorTable requests a table swap. nil clears the active table so
// frames pass through ungraded. Never blocks; the swap happens on the next
// render pass, and an unconsumed earlier request is simply replaced.
func (p *Pipeline) SetColorTable(t *cube.Table) {
	p.current.Store(t)
	p.slot.set(t)
}

// CurrentColorTable returns the most recently requested table, nil when
// grading is off. This reflects the request order, not whether the device
// swap has happened yet.
func (p *Pipeline) CurrentColorTable() *cube.Table {
	return p.current.Load()
}

// renderPass is one frame intercept: drain the pending table, pull the
// latest frame, upload, and composite to every registered target. Worker
// only.
func (p *Pipeline) renderPass(token uint64) {
	if p.ctx == nil || token != p.activeToken {
		return
	}
	session := p.sessions[token]
	if session == nil {
		return
	}

	if tbl, ok := p.slot.take(); ok {
		if err := p.applyPendingTable(tbl); err != nil {
			Logger().Error("pipeline: table swap failed", "error", err)
		}
	}

	frame, ok := session.canvas.acquireLatest()
	if !ok {
		// The signal raced ahead of Publish, or a previous pass already
		// consumed this frame.
		Logger().Warn("pipeline: no frame available, pass skipped", "token", token)
		return
	}
	if err := p.ctx.UploadFrame(session.input, frameBytes(frame)); err != nil {
		Logger().Error("pipeline: frame upload failed", "token", token, "error", err)
		return
	}

	tr := session.canvas.Transform()
	uv := gpu.UVTransform{
		ScaleU: tr.ScaleU, ScaleV: tr.ScaleV,
		OffsetU: tr.OffsetU, OffsetV: tr.OffsetV,
	}

	// Snapshot so a removal queued behind this pass cannot mutate the set
	// mid-loop.
	targets := make([]*outputEntry, len(p.outputs))
	copy(targets, p.outputs)

	for _, entry := range targets {
		pix, err := p.ctx.Composite(session.input, entry.surface, uv, p.cfg.Intensity)
		if err != nil {
			Logger().Error("pipeline: composite failed",
				"target", entry.target.Name, "error", err)
			continue
		}
		if err := entry.target.Present(pix); err != nil {
			Logger().Error("pipeline: present failed",
				"target", entry.target.Name, "error", err)
		}
	}
}

// applyPendingTable pushes one drained slot value to the device. Worker
// only.
func (p *Pipeline) applyPendingTable(tbl *cube.Table) error {
	if tbl == nil {
		return p.ctx.SetTable(nil, 0)
	}
	return p.ctx.SetTable(tbl.Pixels8(), tbl.Size())
}

// Shutdown stops the worker and releases every device resource: remaining
// outputs, open sessions, the rendering context. Blocks until teardown
// completes. Safe to call more than once.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	<-p.done
}

// teardown runs on the worker after the task queue drains.
func (p *Pipeline) teardown() {
	if p.ctx == nil {
		return
	}
	for _, entry := range p.outputs {
		p.ctx.DestroySurface(entry.surface)
		entry.surface = nil
		entry.released = true
	}
	p.outputs = nil
	p.pending = nil
	for token, session := range p.sessions {
		p.ctx.DestroyInputTexture(session.input)
		session.input = nil
		delete(p.sessions, token)
	}
	p.activeToken = 0
	p.ctx.Release()
	p.ctx = nil
	Logger().Info("pipeline: shut down")
}

// frameBytes returns the frame's pixels as tightly packed RGBA rows,
// copying only when the image is a subimage or has row padding.
func frameBytes(frame *image.NRGBA) []byte {
	w, h := frame.Rect.Dx(), frame.Rect.Dy()
	if frame.Stride == w*4 && frame.Rect.Min == (image.Point{}) {
		return frame.Pix[:w*h*4]
	}
	tight := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		src := frame.PixOffset(frame.Rect.Min.X, frame.Rect.Min.Y+y)
		copy(tight[y*w*4:(y+1)*w*4], frame.Pix[src:src+w*4])
	}
	return tight
}

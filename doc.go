// Package lutcam applies 3D color lookup tables to video frames in real
// time, and to still images on the CPU.
//
// # Overview
//
// The package has two halves that must agree numerically:
//
//   - Pipeline: a GPU frame pipeline that intercepts a stream of incoming
//     frames, transforms each one with the active color table using hardware
//     trilinear sampling, and fans the result out to any number of
//     registered output sinks (typically a live preview and a capture sink).
//   - Apply: a CPU reference path that applies the same table to a single
//     raster image with an identical interpolation decomposition, for
//     destinations the hardware path cannot reach.
//
// # Quick Start
//
//	tab, err := cube.Parse(f)
//	if err != nil {
//	    return err
//	}
//
//	p := lutcam.New(lutcam.DefaultConfig())
//	defer p.Shutdown()
//	p.SetColorTable(tab)
//
//	sess, err := p.StartSession(1920, 1080)
//	release, err := p.AddOutput(lutcam.OutputTarget{
//	    Name: "preview", Width: 1280, Height: 720,
//	    Present: func(pix []byte) error { return push(pix) },
//	})
//	defer release()
//
//	// Frame source loop:
//	sess.Canvas().Publish(frame)
//	p.FrameAvailable(sess)
//
// # Concurrency
//
// A single worker goroutine owns the rendering device and every device-side
// handle. All public methods may be called from any goroutine; they marshal
// onto the worker through an ordered task queue. The one exception is
// SetColorTable, which writes a single atomically-replaced slot and never
// blocks the caller or the render pass.
//
// # Still images
//
//	out, err := lutcam.Apply(img, tab)
//
// Apply shares no mutable state with the pipeline and may run concurrently
// with live rendering.
package lutcam

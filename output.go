package lutcam

import (
	"github.com/abc0922001/lutcam/internal/gpu"
)

// OutputTarget is one destination sink for rendered frames. Targets have a
// lifecycle independent of sessions: they may be added before, during, or
// after a session exists.
type OutputTarget struct {
	// Name identifies the target in logs (e.g. "preview", "capture").
	Name string

	// Width, Height are the sink's pixel dimensions. Each target is
	// rendered at its own dimensions regardless of the session resolution.
	Width, Height int

	// Present receives one rendered frame as tightly packed RGBA rows
	// (Width*Height*4 bytes). The slice is reused between passes; the sink
	// must copy anything it keeps. A returned error is logged and isolated
	// to this target — other targets still present.
	Present func(pix []byte) error
}

// outputEntry is the ownership record for a registered target. The
// generation counter makes a stale or duplicate release detectable instead
// of silently tolerated: each registration of a target gets a fresh
// generation, and a release only takes effect when its generation matches.
type outputEntry struct {
	target   *OutputTarget
	surface  *gpu.Surface
	gen      uint64
	released bool
}

// ReleaseFunc removes a registered output target. The owning layer must
// call it exactly once when it is done with the sink; the removal runs on
// the worker, ordered behind any already-queued render pass, so an
// in-flight composite never observes a destroyed surface. A second call is
// a logged no-op.
type ReleaseFunc func()

package lutcam

import (
	"github.com/abc0922001/lutcam/internal/gpu"
)

// SessionResult is the frame source's reason for closing a session.
type SessionResult int

const (
	// SessionResultOK means the source completed normally.
	SessionResultOK SessionResult = iota

	// SessionResultError means the source stopped after a failure.
	SessionResultError
)

// Session is one lifetime of an incoming frame source. Every session owns a
// brand-new input texture and canvas — resources are never shared with a
// prior session, even when dimensions match, so a new session can never
// race a superseded one's in-flight draws.
//
// Sessions are created by Pipeline.StartSession and identified by an opaque
// token; all fields are owned by the worker goroutine.
type Session struct {
	token  uint64
	canvas *Canvas
	input  *gpu.InputTexture
}

// Canvas returns the session's virtual input canvas.
func (s *Session) Canvas() *Canvas { return s.canvas }

package lutcam

import (
	"sync/atomic"

	"github.com/abc0922001/lutcam/cube"
)

// tableSlot is the pending-table handoff between external callers and the
// render pass: a single atomically-replaced reference, not a queue. Writers
// never block and never accumulate a backlog — last write wins. The render
// pass drains it at most once per pass.
//
// A nil *cube.Table inside a pending box is a valid value: it requests that
// the active table be cleared.
type tableSlot struct {
	pending atomic.Pointer[tableBox]
}

// tableBox wraps a table so "pending clear" (box with nil table) is
// distinguishable from "nothing pending" (no box).
type tableBox struct {
	table *cube.Table
}

// set replaces any pending value. Safe from any goroutine.
func (s *tableSlot) set(t *cube.Table) {
	s.pending.Store(&tableBox{table: t})
}

// take consumes the pending value, if any. Called once per render pass on
// the worker.
func (s *tableSlot) take() (t *cube.Table, ok bool) {
	box := s.pending.Swap(nil)
	if box == nil {
		return nil, false
	}
	return box.table, true
}

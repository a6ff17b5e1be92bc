package client

import (
	"github.com/c0deZ3R0/go-pad-kit/ot"
	"github.com/c0deZ3R0/go-pad-kit/protocol"
)

// cursorTracker keeps the local cursor/selection set and every remote
// identity's last published set, all in codepoint units. Remote sets are
// remapped through TransformIndex on every applied operation so they
// stay valid without replay from the server; the local set is
// authoritative from the host and only replaced on position changes.
type cursorTracker struct {
	local  protocol.CursorData
	remote map[uint64]protocol.CursorData
	dirty  bool
}

func newCursorTracker() *cursorTracker {
	return &cursorTracker{remote: make(map[uint64]protocol.CursorData)}
}

// setLocal replaces the local cursor set and marks it pending for the
// coalesced network emission.
func (t *cursorTracker) setLocal(data protocol.CursorData) {
	t.local = data
	t.dirty = true
}

// takePending returns the local set when an emission is due and clears
// the pending flag.
func (t *cursorTracker) takePending() (protocol.CursorData, bool) {
	if !t.dirty {
		return protocol.CursorData{}, false
	}
	t.dirty = false
	return t.local, true
}

// setRemote stores an identity's published cursor set.
func (t *cursorTracker) setRemote(id uint64, data protocol.CursorData) {
	t.remote[id] = data
}

// remove drops an identity's cursors when presence signals its removal.
func (t *cursorTracker) remove(id uint64) {
	delete(t.remote, id)
}

// reset drops all remote state; cursor data is fully ephemeral and is
// rebuilt from presence broadcasts after a reconnect.
func (t *cursorTracker) reset() {
	t.remote = make(map[uint64]protocol.CursorData)
}

// transformRemote remaps every remote cursor and selection through an
// operation applied to the document.
func (t *cursorTracker) transformRemote(op *ot.Operation) {
	for id, data := range t.remote {
		t.remote[id] = protocol.TransformCursors(op, data)
	}
}

// snapshot copies the remote cursor map for host-side rendering.
func (t *cursorTracker) snapshot() map[uint64]protocol.CursorData {
	out := make(map[uint64]protocol.CursorData, len(t.remote))
	for id, data := range t.remote {
		out[id] = data
	}
	return out
}

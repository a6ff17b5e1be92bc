package client

import (
	"reflect"
	"testing"

	"github.com/c0deZ3R0/go-pad-kit/ot"
	"github.com/c0deZ3R0/go-pad-kit/protocol"
)

func TestCursorTrackerCoalescing(t *testing.T) {
	tr := newCursorTracker()

	if _, pending := tr.takePending(); pending {
		t.Fatalf("fresh tracker should have nothing pending")
	}

	tr.setLocal(protocol.CursorData{Cursors: []int{1}})
	tr.setLocal(protocol.CursorData{Cursors: []int{5}})

	data, pending := tr.takePending()
	if !pending {
		t.Fatalf("expected a pending emission")
	}
	if !reflect.DeepEqual(data.Cursors, []int{5}) {
		t.Errorf("pending cursors = %v, want only the latest position", data.Cursors)
	}
	if _, pending := tr.takePending(); pending {
		t.Errorf("pending flag should clear after take")
	}
}

func TestCursorTrackerTransformRemote(t *testing.T) {
	tr := newCursorTracker()
	tr.setRemote(2, protocol.CursorData{
		Cursors:    []int{5},
		Selections: [][2]int{{2, 8}},
	})

	// Insert three characters at the front of the document.
	op := ot.New().Insert("abc").Retain(10)
	tr.transformRemote(op)

	got := tr.snapshot()[2]
	if !reflect.DeepEqual(got.Cursors, []int{8}) {
		t.Errorf("cursors after insert = %v, want [8]", got.Cursors)
	}
	if !reflect.DeepEqual(got.Selections, [][2]int{{5, 11}}) {
		t.Errorf("selections after insert = %v, want [[5 11]]", got.Selections)
	}

	// Delete a range spanning the cursor; it clamps to the deletion
	// point instead of going negative.
	op = ot.New().Retain(2).Delete(8).Retain(3)
	tr.transformRemote(op)
	got = tr.snapshot()[2]
	if !reflect.DeepEqual(got.Cursors, []int{2}) {
		t.Errorf("cursors after delete = %v, want [2]", got.Cursors)
	}
}

func TestCursorTrackerRemoveAndReset(t *testing.T) {
	tr := newCursorTracker()
	tr.setRemote(1, protocol.CursorData{Cursors: []int{1}})
	tr.setRemote(2, protocol.CursorData{Cursors: []int{2}})

	tr.remove(1)
	if _, ok := tr.snapshot()[1]; ok {
		t.Errorf("identity 1 should be gone after remove")
	}

	tr.reset()
	if len(tr.snapshot()) != 0 {
		t.Errorf("reset should drop all remote cursors")
	}
}

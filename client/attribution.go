package client

import (
	"sort"
	"strings"

	"github.com/c0deZ3R0/go-pad-kit/ot"
)

// LineOwner identifies the last editor of a line and the hue used to
// color it.
type LineOwner struct {
	Key string
	Hue uint32
}

// Attributor maintains the advisory mapping from line number to the
// identity that last edited the line. It is reconstructed locally from
// the operation stream, never synchronized, and never feeds back into
// the convergence algebra.
type Attributor struct {
	lines map[int]LineOwner
}

// NewAttributor returns an empty ownership index.
func NewAttributor() *Attributor {
	return &Attributor{lines: make(map[int]LineOwner)}
}

type lineShift struct {
	from  int
	delta int
}

// Record updates the index for an operation that is about to be applied
// to pre. Structural shifts are derived against the pre-edit text and
// applied in descending from-line order; entries inside a fully deleted
// range are discarded; then every line the edit actually touched is
// either attributed to owner or cleared when it became blank.
func (a *Attributor) Record(pre string, op *ot.Operation, owner LineOwner) error {
	post, err := op.Apply(pre)
	if err != nil {
		return err
	}

	starts := lineStarts(pre)
	preLen := ot.RuneLen(pre)
	lineOf := func(pos int) int {
		return sort.SearchInts(starts, pos+1) - 1
	}
	lineEnd := func(l int) int {
		if l+1 < len(starts) {
			return starts[l+1]
		}
		return preLen
	}

	var shifts []lineShift
	type span struct{ from, to int }
	var discards []span
	touched := make(map[int]bool)

	cumDelta := 0
	for _, e := range op.Edits() {
		startPos := e.Offset
		endPos := e.Offset + e.Deleted
		startLine := lineOf(startPos)
		endLine := lineOf(endPos)
		atLineStart := startPos == starts[startLine]

		deletedLines := endLine - startLine
		if deletedLines > 0 {
			// A pre line is fully deleted when its whole span,
			// trailing newline included, lies inside the deletion.
			for l := startLine; l <= endLine && l < len(starts); l++ {
				if starts[l] >= startPos && lineEnd(l) <= endPos {
					discards = append(discards, span{from: l, to: l + 1})
				}
			}
			shifts = append(shifts, lineShift{from: endLine, delta: -deletedLines})
		}

		insertedLines := strings.Count(e.Inserted, "\n")
		if insertedLines > 0 {
			from := startLine
			if !atLineStart {
				from = startLine + 1
			}
			shifts = append(shifts, lineShift{from: from, delta: insertedLines})
		}

		// Touched lines are tracked in post-edit numbering.
		postStart := startLine + cumDelta
		if e.Deleted > 0 {
			partial := !atLineStart || endPos != starts[endLine]
			if deletedLines == 0 || partial {
				touched[postStart] = true
			}
		}
		if e.Inserted != "" {
			wholeLines := atLineStart && strings.HasSuffix(e.Inserted, "\n")
			last := postStart + insertedLines
			if wholeLines {
				last--
			}
			for l := postStart; l <= last; l++ {
				touched[l] = true
			}
		}
		cumDelta += insertedLines - deletedLines
	}

	for _, d := range discards {
		for l := d.from; l < d.to; l++ {
			delete(a.lines, l)
		}
	}

	sort.Slice(shifts, func(i, j int) bool { return shifts[i].from > shifts[j].from })
	for _, s := range shifts {
		a.shift(s.from, s.delta)
	}

	postLines := strings.Split(post, "\n")
	for l := range touched {
		if l < 0 || l >= len(postLines) {
			continue
		}
		if strings.TrimSpace(postLines[l]) == "" {
			delete(a.lines, l)
		} else {
			a.lines[l] = owner
		}
	}
	return nil
}

// shift moves every entry at line >= from by delta. Moves are staged so
// an entry is never overwritten before it has itself been moved.
func (a *Attributor) shift(from, delta int) {
	if delta == 0 {
		return
	}
	moved := make(map[int]LineOwner)
	for l, owner := range a.lines {
		if l >= from {
			moved[l+delta] = owner
			delete(a.lines, l)
		}
	}
	for l, owner := range moved {
		if l >= 0 {
			a.lines[l] = owner
		}
	}
}

// Owner returns the recorded owner of a line.
func (a *Attributor) Owner(line int) (LineOwner, bool) {
	owner, ok := a.lines[line]
	return owner, ok
}

// Snapshot returns a copy of the whole index.
func (a *Attributor) Snapshot() map[int]LineOwner {
	out := make(map[int]LineOwner, len(a.lines))
	for l, owner := range a.lines {
		out[l] = owner
	}
	return out
}

// Recolor rewrites, in place, the hue of every entry owned by key.
func (a *Attributor) Recolor(key string, hue uint32) {
	for l, owner := range a.lines {
		if owner.Key == key {
			owner.Hue = hue
			a.lines[l] = owner
		}
	}
}

// RecolorAll re-resolves the hue of every entry; used when toggling
// fixed-color mode, which affects the whole index at once.
func (a *Attributor) RecolorAll(resolve func(key string) uint32) {
	for l, owner := range a.lines {
		owner.Hue = resolve(owner.Key)
		a.lines[l] = owner
	}
}

// Reset drops the whole index.
func (a *Attributor) Reset() {
	a.lines = make(map[int]LineOwner)
}

// lineStarts returns the codepoint offset of the start of every line.
func lineStarts(text string) []int {
	starts := []int{0}
	for i, r := range []rune(text) {
		if r == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

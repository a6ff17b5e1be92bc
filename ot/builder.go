package ot

import (
	"fmt"
	"sort"
	"unicode/utf8"

	kiterr "github.com/c0deZ3R0/go-pad-kit/errors"
)

// HostEdit is a single range replacement reported by a host editing
// surface, expressed in codepoint units: Deleted codepoints starting at
// Offset are replaced by Inserted.
type HostEdit struct {
	Offset   int
	Deleted  int
	Inserted string
}

// FromHostEdits builds one batch operation over a document of docLen
// codepoints from a set of host edits that all reference pre-edit
// offsets. Edits are applied in descending offset order so earlier
// replacements do not invalidate the offsets of the remaining ones, and
// each edit is composed into the running operation.
func FromHostEdits(docLen int, edits []HostEdit) (*Operation, error) {
	const op = kiterr.Op("ot.FromHostEdits")
	sorted := make([]HostEdit, len(edits))
	copy(sorted, edits)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Offset > sorted[j].Offset
	})

	batch := New().Retain(docLen)
	curLen := docLen
	for _, e := range sorted {
		rest := curLen - e.Offset - e.Deleted
		if e.Offset < 0 || e.Deleted < 0 || rest < 0 {
			return nil, kiterr.E(op, kiterr.KindInvalid,
				fmt.Sprintf("edit {offset %d, deleted %d} out of bounds for document length %d", e.Offset, e.Deleted, curLen))
		}
		change := New().Retain(e.Offset).Delete(e.Deleted).Insert(e.Inserted).Retain(rest)
		composed, err := batch.Compose(change)
		if err != nil {
			return nil, err
		}
		batch = composed
		curLen = change.TargetLen()
	}
	return batch, nil
}

// Edits lowers the operation to a minimal list of range replacements.
// Offsets reference the pre-edit document in codepoint units and are
// returned in ascending order; applying them in descending order (or
// atomically, as structured editors do) reproduces the operation.
func (o *Operation) Edits() []HostEdit {
	var out []HostEdit
	pos := 0
	open := false
	for _, s := range o.steps {
		switch {
		case s.isRetain():
			pos += s.n
			open = false
		case s.isInsert():
			if !open {
				out = append(out, HostEdit{Offset: pos})
				open = true
			}
			out[len(out)-1].Inserted += s.text
		case s.isDelete():
			if !open {
				out = append(out, HostEdit{Offset: pos})
				open = true
			}
			out[len(out)-1].Deleted += -s.n
			pos += -s.n
		}
	}
	return out
}

// RuneOffset converts a host-native byte offset into a codepoint offset.
// Offsets beyond the end of text clamp to the rune length.
func RuneOffset(text string, byteOffset int) int {
	if byteOffset <= 0 {
		return 0
	}
	if byteOffset >= len(text) {
		return utf8.RuneCountInString(text)
	}
	return utf8.RuneCountInString(text[:byteOffset])
}

// RuneLen returns the length of text in codepoints.
func RuneLen(text string) int {
	return utf8.RuneCountInString(text)
}

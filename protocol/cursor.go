package protocol

import "github.com/c0deZ3R0/go-pad-kit/ot"

// TransformCursors remaps every cursor and selection endpoint through an
// operation applied to the document, in codepoint units. Both the client
// and the server use this to keep stored cursor data valid without
// republication.
func TransformCursors(op *ot.Operation, data CursorData) CursorData {
	out := CursorData{
		Cursors:    make([]int, len(data.Cursors)),
		Selections: make([][2]int, len(data.Selections)),
	}
	for i, c := range data.Cursors {
		out.Cursors[i] = op.TransformIndex(c)
	}
	for i, s := range data.Selections {
		out.Selections[i] = [2]int{op.TransformIndex(s[0]), op.TransformIndex(s[1])}
	}
	return out
}

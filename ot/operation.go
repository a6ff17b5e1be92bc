// Package ot implements the operational-transform algebra used for
// collaborative plain-text editing. An Operation is an ordered sequence of
// retain/insert/delete steps over Unicode codepoints. Two concurrent
// operations on the same base text can be transformed into a commuting
// pair, which is the property that makes every replica converge to the
// same document regardless of message interleaving.
package ot

import (
	"fmt"
	"unicode/utf8"

	kiterr "github.com/c0deZ3R0/go-pad-kit/errors"
)

// A step is one component of an operation. Exactly one interpretation
// holds: n > 0 retains n codepoints, n < 0 deletes -n codepoints, and a
// non-empty text inserts it. The zero step is never stored.
type step struct {
	n    int
	text string
}

func (s step) isRetain() bool { return s.n > 0 }
func (s step) isDelete() bool { return s.n < 0 }
func (s step) isInsert() bool { return s.text != "" }

// Operation is an ordered delta over a document of BaseLen codepoints,
// producing a document of TargetLen codepoints. Operations are built with
// the chainable Retain/Insert/Delete methods and are kept in canonical
// form: adjacent steps of the same kind are merged, and an insert is
// always ordered before an adjacent delete.
type Operation struct {
	steps     []step
	baseLen   int
	targetLen int
}

// New returns an empty operation.
func New() *Operation {
	return &Operation{}
}

// BaseLen returns the length, in codepoints, of the document this
// operation applies to.
func (o *Operation) BaseLen() int { return o.baseLen }

// TargetLen returns the length, in codepoints, of the document produced
// by applying this operation.
func (o *Operation) TargetLen() int { return o.targetLen }

// IsNoop reports whether applying the operation leaves any document
// unchanged.
func (o *Operation) IsNoop() bool {
	return len(o.steps) == 0 || (len(o.steps) == 1 && o.steps[0].isRetain())
}

// Retain appends a step skipping over n codepoints.
func (o *Operation) Retain(n int) *Operation {
	if n <= 0 {
		return o
	}
	o.baseLen += n
	o.targetLen += n
	if last := len(o.steps) - 1; last >= 0 && o.steps[last].isRetain() {
		o.steps[last].n += n
	} else {
		o.steps = append(o.steps, step{n: n})
	}
	return o
}

// Delete appends a step removing the next n codepoints.
func (o *Operation) Delete(n int) *Operation {
	if n <= 0 {
		return o
	}
	o.baseLen += n
	if last := len(o.steps) - 1; last >= 0 && o.steps[last].isDelete() {
		o.steps[last].n -= n
	} else {
		o.steps = append(o.steps, step{n: -n})
	}
	return o
}

// Insert appends a step inserting text at the current position. To keep
// operations canonical, an insert adjacent to a delete is ordered before
// the delete.
func (o *Operation) Insert(text string) *Operation {
	if text == "" {
		return o
	}
	o.targetLen += utf8.RuneCountInString(text)
	last := len(o.steps) - 1
	switch {
	case last >= 0 && o.steps[last].isInsert():
		o.steps[last].text += text
	case last >= 0 && o.steps[last].isDelete():
		if last >= 1 && o.steps[last-1].isInsert() {
			o.steps[last-1].text += text
		} else {
			o.steps = append(o.steps, step{})
			copy(o.steps[last+1:], o.steps[last:])
			o.steps[last] = step{text: text}
		}
	default:
		o.steps = append(o.steps, step{text: text})
	}
	return o
}

// Apply applies the operation to doc and returns the new document text.
// The document must be exactly BaseLen codepoints long; anything else is
// caller misuse and fails with a contract violation.
func (o *Operation) Apply(doc string) (string, error) {
	const op = kiterr.Op("ot.Apply")
	runes := []rune(doc)
	if len(runes) != o.baseLen {
		return "", kiterr.E(op, kiterr.KindInvalid,
			fmt.Sprintf("operation base length %d does not match document length %d", o.baseLen, len(runes)))
	}
	out := make([]rune, 0, o.targetLen)
	pos := 0
	for _, s := range o.steps {
		switch {
		case s.isRetain():
			out = append(out, runes[pos:pos+s.n]...)
			pos += s.n
		case s.isDelete():
			pos -= s.n
		case s.isInsert():
			out = append(out, []rune(s.text)...)
		}
	}
	return string(out), nil
}

// Compose merges this operation with other into a single operation whose
// effect equals applying o then other. It fails when o.TargetLen() does
// not match other.BaseLen().
func (o *Operation) Compose(other *Operation) (*Operation, error) {
	const op = kiterr.Op("ot.Compose")
	if o.targetLen != other.baseLen {
		return nil, kiterr.E(op, kiterr.KindInvalid,
			fmt.Sprintf("target length %d does not match base length %d", o.targetLen, other.baseLen))
	}

	out := New()
	a, b := o.steps, other.steps
	var sa, sb step
	nextA := func() {
		sa = step{}
		if len(a) > 0 {
			sa, a = a[0], a[1:]
		}
	}
	nextB := func() {
		sb = step{}
		if len(b) > 0 {
			sb, b = b[0], b[1:]
		}
	}
	nextA()
	nextB()

	for sa != (step{}) || sb != (step{}) {
		switch {
		case sa.isDelete():
			out.Delete(-sa.n)
			nextA()
		case sb.isInsert():
			out.Insert(sb.text)
			nextB()
		case sa == (step{}) || sb == (step{}):
			// One side ran out while the other still has non-trivial
			// steps; lengths were checked, so this cannot happen.
			return nil, kiterr.E(op, kiterr.KindInvalid, "operation step sequences are inconsistent")
		case sa.isRetain() && sb.isRetain():
			switch {
			case sa.n < sb.n:
				out.Retain(sa.n)
				sb.n -= sa.n
				nextA()
			case sa.n == sb.n:
				out.Retain(sa.n)
				nextA()
				nextB()
			default:
				out.Retain(sb.n)
				sa.n -= sb.n
				nextB()
			}
		case sa.isRetain() && sb.isDelete():
			d := -sb.n
			switch {
			case sa.n < d:
				out.Delete(sa.n)
				sb.n += sa.n
				nextA()
			case sa.n == d:
				out.Delete(d)
				nextA()
				nextB()
			default:
				out.Delete(d)
				sa.n -= d
				nextB()
			}
		case sa.isInsert() && sb.isRetain():
			ins := []rune(sa.text)
			switch {
			case len(ins) < sb.n:
				out.Insert(sa.text)
				sb.n -= len(ins)
				nextA()
			case len(ins) == sb.n:
				out.Insert(sa.text)
				nextA()
				nextB()
			default:
				out.Insert(string(ins[:sb.n]))
				sa = step{text: string(ins[sb.n:])}
				nextB()
			}
		case sa.isInsert() && sb.isDelete():
			ins := []rune(sa.text)
			d := -sb.n
			switch {
			case len(ins) < d:
				sb.n += len(ins)
				nextA()
			case len(ins) == d:
				nextA()
				nextB()
			default:
				sa = step{text: string(ins[d:])}
				nextB()
			}
		default:
			return nil, kiterr.E(op, kiterr.KindInvalid, "operation step sequences are inconsistent")
		}
	}
	return out, nil
}

// Transform converts two concurrent operations on the same base document
// into a commuting pair (o', other') such that applying o then other'
// yields the same document as applying other then o'. Simultaneous
// inserts at the same position are ordered with o's insert first, so both
// replicas must agree on which side plays the o role. It fails when the
// base lengths differ.
func (o *Operation) Transform(other *Operation) (*Operation, *Operation, error) {
	const op = kiterr.Op("ot.Transform")
	if o.baseLen != other.baseLen {
		return nil, nil, kiterr.E(op, kiterr.KindInvalid,
			fmt.Sprintf("base lengths differ: %d vs %d", o.baseLen, other.baseLen))
	}

	aPrime, bPrime := New(), New()
	a, b := o.steps, other.steps
	var sa, sb step
	nextA := func() {
		sa = step{}
		if len(a) > 0 {
			sa, a = a[0], a[1:]
		}
	}
	nextB := func() {
		sb = step{}
		if len(b) > 0 {
			sb, b = b[0], b[1:]
		}
	}
	nextA()
	nextB()

	for sa != (step{}) || sb != (step{}) {
		switch {
		case sa.isInsert():
			aPrime.Insert(sa.text)
			bPrime.Retain(utf8.RuneCountInString(sa.text))
			nextA()
		case sb.isInsert():
			aPrime.Retain(utf8.RuneCountInString(sb.text))
			bPrime.Insert(sb.text)
			nextB()
		case sa == (step{}) || sb == (step{}):
			return nil, nil, kiterr.E(op, kiterr.KindInvalid, "operation step sequences are inconsistent")
		case sa.isRetain() && sb.isRetain():
			var n int
			switch {
			case sa.n < sb.n:
				n = sa.n
				sb.n -= sa.n
				nextA()
			case sa.n == sb.n:
				n = sa.n
				nextA()
				nextB()
			default:
				n = sb.n
				sa.n -= sb.n
				nextB()
			}
			aPrime.Retain(n)
			bPrime.Retain(n)
		case sa.isDelete() && sb.isDelete():
			// Both sides deleted the same span; nothing remains to map.
			switch {
			case -sa.n < -sb.n:
				sb.n -= sa.n
				nextA()
			case sa.n == sb.n:
				nextA()
				nextB()
			default:
				sa.n -= sb.n
				nextB()
			}
		case sa.isDelete() && sb.isRetain():
			var n int
			switch {
			case -sa.n < sb.n:
				n = -sa.n
				sb.n += sa.n
				nextA()
			case -sa.n == sb.n:
				n = sb.n
				nextA()
				nextB()
			default:
				n = sb.n
				sa.n += sb.n
				nextB()
			}
			aPrime.Delete(n)
		case sa.isRetain() && sb.isDelete():
			var n int
			switch {
			case sa.n < -sb.n:
				n = sa.n
				sb.n += sa.n
				nextA()
			case sa.n == -sb.n:
				n = sa.n
				nextA()
				nextB()
			default:
				n = -sb.n
				sa.n -= n
				nextB()
			}
			bPrime.Delete(n)
		default:
			return nil, nil, kiterr.E(op, kiterr.KindInvalid, "operation step sequences are inconsistent")
		}
	}
	return aPrime, bPrime, nil
}

// TransformIndex maps a cursor position through the operation. Text
// inserted before the cursor shifts it forward by the insert length, and
// a deletion spanning the cursor collapses it to the deletion start.
func (o *Operation) TransformIndex(position int) int {
	index := position
	newIndex := position
	for _, s := range o.steps {
		switch {
		case s.isRetain():
			index -= s.n
		case s.isInsert():
			newIndex += utf8.RuneCountInString(s.text)
		case s.isDelete():
			d := -s.n
			if index < d {
				newIndex -= index
			} else {
				newIndex -= d
			}
			index -= d
		}
		if index < 0 {
			break
		}
	}
	if newIndex < 0 {
		return 0
	}
	return newIndex
}

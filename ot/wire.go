package ot

import (
	"bytes"
	"encoding/json"
	"fmt"

	kiterr "github.com/c0deZ3R0/go-pad-kit/errors"
)

// The wire form of an operation is a JSON array mixing non-negative
// integers (retain length), negative integers (delete magnitude), and
// strings (insert text). This representation crosses the client, server,
// and storage boundaries unchanged.

// MarshalJSON implements json.Marshaler.
func (o *Operation) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, s := range o.steps {
		if i > 0 {
			buf.WriteByte(',')
		}
		if s.isInsert() {
			text, err := json.Marshal(s.text)
			if err != nil {
				return nil, err
			}
			buf.Write(text)
		} else {
			fmt.Fprintf(&buf, "%d", s.n)
		}
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler. The operation is rebuilt
// through the canonical builder methods, so a decoded operation carries
// correct base and target lengths even when the wire form is not in
// canonical order.
func (o *Operation) UnmarshalJSON(data []byte) error {
	const op = kiterr.Op("ot.UnmarshalJSON")
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return kiterr.E(op, kiterr.KindInvalid, err)
	}
	*o = Operation{}
	for _, elem := range raw {
		if len(elem) > 0 && elem[0] == '"' {
			var text string
			if err := json.Unmarshal(elem, &text); err != nil {
				return kiterr.E(op, kiterr.KindInvalid, err)
			}
			if text == "" {
				return kiterr.E(op, kiterr.KindInvalid, "empty insert step")
			}
			o.Insert(text)
			continue
		}
		var n int64
		if err := json.Unmarshal(elem, &n); err != nil {
			return kiterr.E(op, kiterr.KindInvalid, err)
		}
		switch {
		case n > 0:
			o.Retain(int(n))
		case n < 0:
			o.Delete(int(-n))
		default:
			return kiterr.E(op, kiterr.KindInvalid, "zero-length step")
		}
	}
	return nil
}

package ot

import (
	"encoding/json"
	"testing"
)

// FuzzUnmarshalOperation tests that the wire decoder never panics and
// that a decoded operation round-trips through the wire form with its
// effect intact.
func FuzzUnmarshalOperation(f *testing.F) {
	f.Add([]byte(`[5,"hello",-3]`))
	f.Add([]byte(`[1]`))
	f.Add([]byte(`["𝄞",-1,"é"]`))
	f.Add([]byte(`[]`))
	f.Add([]byte(`[0]`))
	f.Add([]byte(`[""]`))
	f.Add([]byte(`[18446744073709551615]`))
	f.Add([]byte(`{"not":"an array"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var op Operation
		if err := json.Unmarshal(data, &op); err != nil {
			return
		}
		encoded, err := json.Marshal(&op)
		if err != nil {
			t.Fatalf("marshal of decoded operation failed: %v", err)
		}
		var again Operation
		if err := json.Unmarshal(encoded, &again); err != nil {
			t.Fatalf("re-decode of %s failed: %v", encoded, err)
		}
		if again.BaseLen() != op.BaseLen() || again.TargetLen() != op.TargetLen() {
			t.Errorf("round trip changed lengths: %d/%d vs %d/%d",
				again.BaseLen(), again.TargetLen(), op.BaseLen(), op.TargetLen())
		}
	})
}

// FuzzTransformConvergence checks the convergence property on pairs of
// wire-form operations whose base lengths happen to match.
func FuzzTransformConvergence(f *testing.F) {
	f.Add([]byte(`["hello"]`), []byte(`["world"]`))
	f.Add([]byte(`[2,"x",-1,3]`), []byte(`[1,-4,"yz",1]`))

	f.Fuzz(func(t *testing.T, rawA, rawB []byte) {
		var a, b Operation
		if json.Unmarshal(rawA, &a) != nil || json.Unmarshal(rawB, &b) != nil {
			return
		}
		if a.BaseLen() != b.BaseLen() || a.BaseLen() > 1024 {
			return
		}
		doc := make([]rune, a.BaseLen())
		for i := range doc {
			doc[i] = rune('a' + i%26)
		}
		base := string(doc)

		aPrime, bPrime, err := a.Transform(&b)
		if err != nil {
			t.Fatalf("Transform on equal bases failed: %v", err)
		}
		viaA, err := a.Apply(base)
		if err != nil {
			t.Fatalf("Apply(a): %v", err)
		}
		left, err := bPrime.Apply(viaA)
		if err != nil {
			t.Fatalf("Apply(b'): %v", err)
		}
		viaB, err := b.Apply(base)
		if err != nil {
			t.Fatalf("Apply(b): %v", err)
		}
		right, err := aPrime.Apply(viaB)
		if err != nil {
			t.Fatalf("Apply(a'): %v", err)
		}
		if left != right {
			t.Errorf("replicas diverged: %q vs %q", left, right)
		}
	})
}

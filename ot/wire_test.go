package ot

import (
	"encoding/json"
	"testing"
)

func TestMarshalWireForm(t *testing.T) {
	op := New().Retain(3).Delete(2).Insert("hé").Retain(1)
	data, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `[3,"hé",-2,1]`
	if string(data) != want {
		t.Errorf("wire form = %s, want %s", data, want)
	}
}

func TestUnmarshalWireForm(t *testing.T) {
	var op Operation
	if err := json.Unmarshal([]byte(`[3,"hé",-2,1]`), &op); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if op.BaseLen() != 6 || op.TargetLen() != 6 {
		t.Errorf("lengths = %d/%d, want 6/6", op.BaseLen(), op.TargetLen())
	}
	got, err := op.Apply("abcdef")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != "abchéf" {
		t.Errorf("Apply = %q, want %q", got, "abchéf")
	}
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"zero step", `[0]`},
		{"empty insert", `[""]`},
		{"object element", `[{"x":1}]`},
		{"not an array", `{"retain":3}`},
		{"float step", `[1.5]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var op Operation
			if err := json.Unmarshal([]byte(tt.data), &op); err == nil {
				t.Errorf("Unmarshal(%s) succeeded, want error", tt.data)
			}
		})
	}
}

func TestWireRoundTrip(t *testing.T) {
	original := New().Retain(2).Insert("abc").Delete(4).Retain(1)
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Operation
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.BaseLen() != original.BaseLen() || decoded.TargetLen() != original.TargetLen() {
		t.Errorf("round trip changed lengths: %d/%d vs %d/%d",
			decoded.BaseLen(), decoded.TargetLen(), original.BaseLen(), original.TargetLen())
	}
	doc := "0123456"
	want, _ := original.Apply(doc)
	got, err := decoded.Apply(doc)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != want {
		t.Errorf("round trip changed effect: %q vs %q", got, want)
	}
}

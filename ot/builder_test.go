package ot

import "testing"

func TestFromHostEditsSingle(t *testing.T) {
	doc := "hello world"
	op, err := FromHostEdits(RuneLen(doc), []HostEdit{
		{Offset: 6, Deleted: 5, Inserted: "there"},
	})
	if err != nil {
		t.Fatalf("FromHostEdits: %v", err)
	}
	got, err := op.Apply(doc)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != "hello there" {
		t.Errorf("Apply = %q, want %q", got, "hello there")
	}
}

func TestFromHostEditsBatchOrdering(t *testing.T) {
	// Two edits in the same batch both reference pre-edit offsets. The
	// builder must apply the higher offset first so the lower offset
	// stays valid.
	doc := "aaa bbb ccc"
	op, err := FromHostEdits(RuneLen(doc), []HostEdit{
		{Offset: 0, Deleted: 3, Inserted: "X"},
		{Offset: 8, Deleted: 3, Inserted: "YY"},
	})
	if err != nil {
		t.Fatalf("FromHostEdits: %v", err)
	}
	got, err := op.Apply(doc)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != "X bbb YY" {
		t.Errorf("Apply = %q, want %q", got, "X bbb YY")
	}
}

func TestFromHostEditsEmptyBatch(t *testing.T) {
	op, err := FromHostEdits(5, nil)
	if err != nil {
		t.Fatalf("FromHostEdits: %v", err)
	}
	if !op.IsNoop() {
		t.Errorf("empty batch should build a noop, got base %d target %d", op.BaseLen(), op.TargetLen())
	}
}

func TestFromHostEditsOutOfBounds(t *testing.T) {
	if _, err := FromHostEdits(3, []HostEdit{{Offset: 2, Deleted: 5}}); err == nil {
		t.Error("out-of-bounds edit should fail")
	}
	if _, err := FromHostEdits(3, []HostEdit{{Offset: -1, Inserted: "x"}}); err == nil {
		t.Error("negative offset should fail")
	}
}

func TestRuneOffset(t *testing.T) {
	text := "héllo" // 'é' is two bytes
	tests := []struct {
		byteOff int
		want    int
	}{
		{0, 0},
		{1, 1},
		{3, 2}, // past the two-byte rune
		{6, 5},
		{100, 5},
		{-2, 0},
	}
	for _, tt := range tests {
		if got := RuneOffset(text, tt.byteOff); got != tt.want {
			t.Errorf("RuneOffset(%d) = %d, want %d", tt.byteOff, got, tt.want)
		}
	}
}

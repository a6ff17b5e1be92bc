package client

import "testing"

func TestOwnerKeyFor(t *testing.T) {
	tests := []struct {
		name      string
		email     string
		sessionID uint64
		want      string
	}{
		{"authenticated", "ada@example.com", 7, "ada@example.com"},
		{"anonymous", "", 7, "session:7"},
		{"anonymous other id", "", 42, "session:42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OwnerKeyFor(tt.email, tt.sessionID); got != tt.want {
				t.Errorf("OwnerKeyFor(%q, %d) = %q, want %q", tt.email, tt.sessionID, got, tt.want)
			}
		})
	}
}

func TestOwnerKeyIsPure(t *testing.T) {
	// The key must be a pure function of email and session id so that
	// independent observers attribute the same author identically.
	for i := 0; i < 10; i++ {
		if OwnerKeyFor("ada@example.com", 1) != OwnerKeyFor("ada@example.com", 1) {
			t.Fatalf("owner key is not stable across calls")
		}
	}
}

func TestHashHue(t *testing.T) {
	a := HashHue("ada@example.com")
	b := HashHue("ada@example.com")
	if a != b {
		t.Errorf("same key hashed to different hues: %d vs %d", a, b)
	}
	if a >= 360 {
		t.Errorf("hue %d out of range [0, 360)", a)
	}
	if HashHue("ada@example.com") == HashHue("grace@example.com") {
		// Not impossible, but with these two inputs it would indicate
		// a broken hash rather than a collision.
		t.Errorf("distinct keys produced identical hues")
	}
}

func TestPaletteResolutionOrder(t *testing.T) {
	p := NewPalette(map[string]uint32{"ada@example.com": 10})

	// Fixed mode is off: the fixed table is ignored, and with no cache
	// entry resolution falls through to the hash.
	if got, want := p.HueFor("ada@example.com"), HashHue("ada@example.com"); got != want {
		t.Errorf("hue with fixed mode off = %d, want hash fallback %d", got, want)
	}

	p.SetCached("ada@example.com", 200)
	if got := p.HueFor("ada@example.com"); got != 200 {
		t.Errorf("hue with cached preference = %d, want 200", got)
	}

	if !p.SetFixedEnabled(true) {
		t.Fatalf("enabling fixed mode should report a change")
	}
	if got := p.HueFor("ada@example.com"); got != 10 {
		t.Errorf("hue with fixed mode on = %d, want fixed 10", got)
	}

	// Keys absent from the fixed table still use cache then hash.
	p.SetCached("grace@example.com", 300)
	if got := p.HueFor("grace@example.com"); got != 300 {
		t.Errorf("hue for non-fixed key = %d, want cached 300", got)
	}
	if got, want := p.HueFor("session:9"), HashHue("session:9"); got != want {
		t.Errorf("hue for unknown key = %d, want hash %d", got, want)
	}
}

func TestPaletteSetFixedEnabledReportsChange(t *testing.T) {
	p := NewPalette(nil)
	if p.SetFixedEnabled(false) {
		t.Errorf("no-op toggle reported a change")
	}
	if !p.SetFixedEnabled(true) {
		t.Errorf("toggle on did not report a change")
	}
	if p.SetFixedEnabled(true) {
		t.Errorf("repeated toggle on reported a change")
	}
	if !p.FixedEnabled() {
		t.Errorf("fixed mode should be enabled")
	}
}

func TestPaletteHuesNormalized(t *testing.T) {
	p := NewPalette(map[string]uint32{"a": 725})
	p.SetFixedEnabled(true)
	if got := p.HueFor("a"); got != 5 {
		t.Errorf("fixed hue not normalized: got %d, want 5", got)
	}
	p.SetCached("b", 360)
	if got := p.HueFor("b"); got != 0 {
		t.Errorf("cached hue not normalized: got %d, want 0", got)
	}
}

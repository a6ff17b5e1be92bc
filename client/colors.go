package client

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// OwnerKeyFor derives the attribution key for an editing identity. It is
// a pure function of the authenticated email and the ephemeral session
// id, and the same helper is used when recording an edit and when
// recoloring existing entries, so the two can never disagree.
// Authenticated identities keep their key (and therefore their color)
// across reconnects; anonymous sessions get a fresh key per connection.
func OwnerKeyFor(email string, sessionID uint64) string {
	if email != "" {
		return email
	}
	return fmt.Sprintf("session:%d", sessionID)
}

// HashHue maps an identity key onto a hue in [0,360) without any
// coordination; the same key always yields the same hue.
func HashHue(key string) uint32 {
	return uint32(xxhash.Sum64String(key) % 360)
}

// Palette resolves the display hue for an identity key. Resolution
// order: the fixed-assignment table (only while fixed mode is enabled),
// then the server-broadcast hue cache, then the hash-derived fallback.
type Palette struct {
	fixed        map[string]uint32
	fixedEnabled bool
	cached       map[string]uint32
}

// NewPalette returns a palette with the given fixed-assignment table,
// which may be nil. Fixed mode starts disabled.
func NewPalette(fixed map[string]uint32) *Palette {
	p := &Palette{
		fixed:  make(map[string]uint32, len(fixed)),
		cached: make(map[string]uint32),
	}
	for k, v := range fixed {
		p.fixed[k] = v % 360
	}
	return p
}

// HueFor resolves the hue for an identity key.
func (p *Palette) HueFor(key string) uint32 {
	if hue, ok := p.Lookup(key); ok {
		return hue
	}
	return HashHue(key)
}

// Lookup returns the configured hue for key from the fixed table or the
// server cache, reporting whether either held one.
func (p *Palette) Lookup(key string) (uint32, bool) {
	if p.fixedEnabled {
		if hue, ok := p.fixed[key]; ok {
			return hue, true
		}
	}
	if hue, ok := p.cached[key]; ok {
		return hue, true
	}
	return 0, false
}

// SetCached records a server-broadcast hue for key.
func (p *Palette) SetCached(key string, hue uint32) {
	p.cached[key] = hue % 360
}

// SetFixedEnabled toggles fixed-color mode and reports whether the
// setting changed; on a change the caller must recolor the entire
// ownership index, not just future edits.
func (p *Palette) SetFixedEnabled(enabled bool) bool {
	if p.fixedEnabled == enabled {
		return false
	}
	p.fixedEnabled = enabled
	return true
}

// FixedEnabled reports whether fixed-color mode is active.
func (p *Palette) FixedEnabled() bool { return p.fixedEnabled }

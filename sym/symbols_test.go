package sym

import (
	"testing"
	"unicode/utf8"
)

func TestNameAndFromNameAreBidirectional(t *testing.T) {
	for _, glyph := range All() {
		name := Name(glyph)
		if name == "" {
			t.Errorf("glyph %q has no name", glyph)
			continue
		}
		if got := FromName(name); got != glyph {
			t.Errorf("FromName(%q) = %q, want %q", name, got, glyph)
		}
	}
}

func TestGlyphsAreSingleRunes(t *testing.T) {
	for _, glyph := range All() {
		if n := utf8.RuneCountInString(glyph); n != 1 {
			t.Errorf("glyph %q has %d runes, want 1", glyph, n)
		}
	}
}

func TestGlyphsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, glyph := range All() {
		if seen[glyph] {
			t.Errorf("duplicate glyph %q", glyph)
		}
		seen[glyph] = true
	}
}

func TestDescriptionCoversAllGlyphs(t *testing.T) {
	for _, glyph := range All() {
		if Description(glyph) == "" {
			t.Errorf("glyph %q has no description", glyph)
		}
	}
	if Description("?") != "" {
		t.Errorf("unknown glyph should have empty description")
	}
}

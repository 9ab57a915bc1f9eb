package persona

import (
	"errors"
	"testing"
)

func TestDefaultCatalogLoads(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	if len(c.List()) < 2 {
		t.Fatalf("catalog has %d personas, want at least 2", len(c.List()))
	}
	for _, p := range c.List() {
		if p.DisplayName == "" {
			t.Fatalf("persona %q has empty display name", p.ID)
		}
		if p.FallbackReply == "" {
			t.Fatalf("persona %q has empty fallback reply", p.ID)
		}
		if len(p.VoiceRules) == 0 {
			t.Fatalf("persona %q has no voice rules", p.ID)
		}
	}
}

func TestGetUnknownPersona(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	if _, err := c.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(unknown) = %v, want ErrNotFound", err)
	}
}

func TestGetTrimsWhitespace(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	p, err := c.Get("  aurora ")
	if err != nil {
		t.Fatalf("Get(padded id) error: %v", err)
	}
	if p.ID != "aurora" {
		t.Fatalf("Get() id = %q, want aurora", p.ID)
	}
}

func TestLoadRejectsBadCatalogs(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", "personas: []"},
		{"missing id", "personas:\n  - display_name: X\n    fallback_reply: y"},
		{"duplicate id", "personas:\n  - id: a\n    display_name: A\n    fallback_reply: f\n  - id: a\n    display_name: B\n    fallback_reply: f"},
		{"missing fallback", "personas:\n  - id: a\n    display_name: A"},
	}
	for _, tc := range cases {
		if _, err := Load([]byte(tc.raw)); err == nil {
			t.Fatalf("%s: Load() succeeded, want error", tc.name)
		}
	}
}

func TestListKeepsDeclarationOrder(t *testing.T) {
	raw := "personas:\n" +
		"  - id: b\n    display_name: B\n    fallback_reply: f\n" +
		"  - id: a\n    display_name: A\n    fallback_reply: f\n"
	c, err := Load([]byte(raw))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	got := c.List()
	if got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("List() order = [%s %s], want [b a]", got[0].ID, got[1].ID)
	}
}

package controlplane

import "testing"

func TestGenerateAPIKeyHasPrefixAndHashes(t *testing.T) {
	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if !HasKeyPrefix(key) {
		t.Fatalf("expected key %q to carry the mk_ prefix", key)
	}

	h1 := HashKey(key)
	h2 := HashKey(key)
	if h1 != h2 {
		t.Fatalf("HashKey is not deterministic: %q vs %q", h1, h2)
	}
	if h1 == key {
		t.Fatalf("HashKey must not return the key unchanged")
	}
}

func TestGenerateAPIKeyIsUnique(t *testing.T) {
	a, _ := GenerateAPIKey()
	b, _ := GenerateAPIKey()
	if a == b {
		t.Fatalf("expected two distinct generated keys")
	}
}

func TestGenerateIDLength(t *testing.T) {
	id, err := GenerateID(12)
	if err != nil {
		t.Fatalf("GenerateID: %v", err)
	}
	if len(id) != 12 {
		t.Fatalf("len(id) = %d, want 12", len(id))
	}
}

func TestTierLimitsFor(t *testing.T) {
	cases := []struct {
		tier     string
		wantApps int64
	}{
		{"pro", 20},
		{"scale", 1000},
		{"free", 100},
		{"", 100},
		{"unknown", 100},
	}
	for _, c := range cases {
		got := TierLimitsFor(c.tier)
		if got.MaxApps != c.wantApps {
			t.Errorf("TierLimitsFor(%q).MaxApps = %d, want %d", c.tier, got.MaxApps, c.wantApps)
		}
	}
}

func TestHasKeyPrefix(t *testing.T) {
	if HasKeyPrefix("not-a-key") {
		t.Fatalf("expected false for a token without the mk_ prefix")
	}
	if HasKeyPrefix("mk_") {
		t.Fatalf("expected false for an empty-body key")
	}
}

package idgen

import (
	"regexp"
	"strings"
	"testing"
)

func TestGenerators_Prefix(t *testing.T) {
	for _, tc := range []struct {
		name   string
		gen    func() (string, error)
		prefix string
	}{
		{"session", NewSessionID, SessionPrefix},
		{"transaction", NewTransactionID, TransactionPrefix},
		{"patron", NewPatronID, PatronPrefix},
		{"token", NewTokenID, TokenPrefix},
	} {
		t.Run(tc.name, func(t *testing.T) {
			id, err := tc.gen()
			if err != nil {
				t.Fatalf("generate error: %v", err)
			}
			if !strings.HasPrefix(id, tc.prefix) {
				t.Errorf("id %q missing prefix %q", id, tc.prefix)
			}
			if len(id) != len(tc.prefix)+Length {
				t.Errorf("id %q length = %d, want %d", id, len(id), len(tc.prefix)+Length)
			}
		})
	}
}

func TestGenerateWithPrefix_Charset(t *testing.T) {
	pattern := regexp.MustCompile(`^x-[a-zA-Z0-9]+$`)
	for i := 0; i < 100; i++ {
		id, err := GenerateWithPrefix("x-")
		if err != nil {
			t.Fatalf("GenerateWithPrefix() error on iteration %d: %v", i, err)
		}
		if !pattern.MatchString(id) {
			t.Fatalf("GenerateWithPrefix() = %q, does not match expected charset pattern", id)
		}
	}
}

func TestGenerate_Uniqueness(t *testing.T) {
	const count = 10_000
	seen := make(map[string]struct{}, count)
	for i := 0; i < count; i++ {
		id, err := NewSessionID()
		if err != nil {
			t.Fatalf("NewSessionID() error on iteration %d: %v", i, err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id after %d iterations: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

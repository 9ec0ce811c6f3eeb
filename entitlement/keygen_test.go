package entitlement

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestKeyGenerator_Standard(t *testing.T) {
	g := NewKeyGenerator(nil)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		key, err := g.Generate(FormatStandard)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(key) != 19 {
			t.Fatalf("expected length 19, got %d (%q)", len(key), key)
		}
		if strings.ContainsAny(key, "0O1I") {
			t.Errorf("key %q contains a confusable character", key)
		}
		if !ValidFormat(key) {
			t.Errorf("generated key %q does not pass ValidFormat", key)
		}
		if seen[key] {
			t.Fatalf("duplicate key: %s", key)
		}
		seen[key] = true
	}
}

func TestKeyGenerator_LongAndUUID(t *testing.T) {
	g := NewKeyGenerator(nil)

	long, err := g.Generate(FormatLong)
	if err != nil {
		t.Fatalf("Generate long: %v", err)
	}
	if parts := strings.Split(long, "-"); len(parts) != 3 || len(parts[0]) != 8 {
		t.Errorf("expected 3 groups of 8, got %q", long)
	}
	if !ValidFormat(long) {
		t.Errorf("long key %q does not pass ValidFormat", long)
	}

	id, err := g.Generate(FormatUUID)
	if err != nil {
		t.Fatalf("Generate uuid: %v", err)
	}
	if len(id) != 36 || id != strings.ToUpper(id) {
		t.Errorf("expected upper-case uuid, got %q", id)
	}
	if !ValidFormat(id) {
		t.Errorf("uuid key %q does not pass ValidFormat", id)
	}
}

func TestKeyGenerator_DeterministicReader(t *testing.T) {
	src := bytes.Repeat([]byte{0, 1, 2, 3}, 4)
	key, err := NewKeyGenerator(bytes.NewReader(src)).Generate(FormatStandard)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if key != "ABCD-ABCD-ABCD-ABCD" {
		t.Errorf("expected ABCD-ABCD-ABCD-ABCD, got %s", key)
	}
}

func TestKeyGenerator_UnknownFormat(t *testing.T) {
	_, err := NewKeyGenerator(nil).Generate("short")
	if !errors.Is(err, ErrUnknownKeyFormat) {
		t.Errorf("expected ErrUnknownKeyFormat, got %v", err)
	}
	if _, err := ParseKeyFormat("weird"); !errors.Is(err, ErrUnknownKeyFormat) {
		t.Errorf("expected ErrUnknownKeyFormat from ParseKeyFormat, got %v", err)
	}
	if f, err := ParseKeyFormat(""); err != nil || f != FormatStandard {
		t.Errorf("expected empty format to default to standard, got %q, %v", f, err)
	}
}

func TestValidFormat(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"ABCD-EFGH-JKLM-NPQR", true},
		{"abcd-efgh-jklm-npqr", true},
		{"  ABCD-EFGH-JKLM-NPQR ", true},
		{"ABCD-EFGH-JKLM-NPQ0", false}, // zero excluded in standard format
		{"ABCD-EFGH-JKLM", false},
		{"ABCDEFGH-JKLMNPQR-23456789", true},
		{"ABCDEFGH-JKLMNPQR", false},
		{"3F2504E0-4F89-11D3-9A0C-0305E82C3301", true},
		{"3f2504e0-4f89-11d3-9a0c-0305e82c3301", true},
		{"3F2504E0-4F89-11D3-9A0C-0305E82C330Z", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidFormat(tt.key); got != tt.want {
			t.Errorf("ValidFormat(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

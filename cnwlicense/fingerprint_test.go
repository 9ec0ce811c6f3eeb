package cnwlicense

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateFingerprint_NotEmpty(t *testing.T) {
	fp, err := GenerateFingerprint()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// SHA-256 hex = 64 chars
	if len(fp) != 64 {
		t.Errorf("expected 64 char hex string, got %d chars: %s", len(fp), fp)
	}
}

func TestGenerateFingerprint_Deterministic(t *testing.T) {
	fp1, err := GenerateFingerprint()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fp2, err := GenerateFingerprint()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp1 != fp2 {
		t.Errorf("fingerprint should be deterministic: %s != %s", fp1, fp2)
	}
}

func TestGenerateFingerprint_EnvOverride(t *testing.T) {
	const custom = "custom-fingerprint-from-env"
	t.Setenv(FingerprintEnv, custom)

	fp, err := GenerateFingerprint()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp != custom {
		t.Errorf("expected %q, got %q", custom, fp)
	}
}

func TestGenerateFingerprint_EmptyEnvIgnored(t *testing.T) {
	t.Setenv(FingerprintEnv, "")
	os.Unsetenv(FingerprintEnv)

	fp, err := GenerateFingerprint()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fp) != 64 {
		t.Errorf("expected 64 char hex string without env override, got %d chars", len(fp))
	}
}

func TestGenerateFingerprint_MachineIDChangesHash(t *testing.T) {
	t.Setenv(FingerprintEnv, "")
	os.Unsetenv(FingerprintEnv)

	orig := machineIDPaths
	t.Cleanup(func() { machineIDPaths = orig })

	dir := t.TempDir()
	idFile := filepath.Join(dir, "machine-id")
	machineIDPaths = []string{idFile}

	if err := os.WriteFile(idFile, []byte("aaaa\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	fpA, err := GenerateFingerprint()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := MachineID(); got != "aaaa" {
		t.Errorf("expected machine id aaaa, got %q", got)
	}

	if err := os.WriteFile(idFile, []byte("bbbb\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	fpB, err := GenerateFingerprint()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fpA == fpB {
		t.Error("expected a different fingerprint for a different machine id")
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint([]byte("service:\n  name: a\n"))
	b := Fingerprint([]byte("service:\n  name: a\n"))
	c := Fingerprint([]byte("service:\n  name: b\n"))

	if a != b {
		t.Fatalf("Fingerprint not stable: %s vs %s", a, b)
	}
	if a == c {
		t.Fatal("different inputs produced the same fingerprint")
	}
	if len(a) != 64 {
		t.Fatalf("len(Fingerprint) = %d, want 64", len(a))
	}
}

func TestVerifyFileHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("state:\n  path: ./j.db\n"), 0600); err != nil {
		t.Fatal(err)
	}

	sum, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatalf("ComputeBlake3Hash() failed: %v", err)
	}
	if err := VerifyFileHash(path, sum); err != nil {
		t.Fatalf("VerifyFileHash() with matching hash failed: %v", err)
	}

	err = VerifyFileHash(path, strings.Repeat("0", 64))
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}

func TestComputeBlake3HashMissingFile(t *testing.T) {
	if _, err := ComputeBlake3Hash(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

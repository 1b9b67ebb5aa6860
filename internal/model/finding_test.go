package model

import (
	"encoding/hex"
	"testing"
)

// TestFingerprintStability ensures same inputs always produce same output
func TestFingerprintStability(t *testing.T) {
	a := Fingerprint("bandit", "B101", "a.py", 1, "assert used")
	b := Fingerprint("bandit", "B101", "a.py", 1, "assert used")
	if a != b {
		t.Fatal("fingerprint not deterministic")
	}
}

// TestFingerprintDifferenceOnInput verifies different inputs produce different outputs
func TestFingerprintDifferenceOnInput(t *testing.T) {
	a := Fingerprint("bandit", "B101", "a.py", 1, "assert used")
	b := Fingerprint("bandit", "B102", "a.py", 1, "assert used")
	c := Fingerprint("bandit", "B101", "b.py", 1, "assert used")
	d := Fingerprint("bandit", "B101", "a.py", 2, "assert used")
	e := Fingerprint("bandit", "B101", "a.py", 12, "assert used")

	if a == b {
		t.Fatal("fingerprint not sensitive to rule_id change")
	}
	if a == c {
		t.Fatal("fingerprint not sensitive to file change")
	}
	if a == d || d == e {
		t.Fatal("fingerprint not sensitive to line change")
	}
}

// TestFingerprintFormat ensures a 64-char hex SHA-256
func TestFingerprintFormat(t *testing.T) {
	f := Fingerprint("bandit", "B101", "test.py", 1, "test")
	if len(f) != 64 {
		t.Fatalf("expected 64-char SHA256, got %d", len(f))
	}
	if _, err := hex.DecodeString(f); err != nil {
		t.Fatalf("fingerprint not valid hex: %v", err)
	}
}

// TestToolManifestSecurityDefaults ensures unset posture fields fail closed
func TestToolManifestSecurityDefaults(t *testing.T) {
	var m ToolManifest
	if !m.ReadOnlyRootfs() {
		t.Error("unset readOnlyFilesystem should mean read-only")
	}
	if !m.NoNewPrivs() {
		t.Error("unset noNewPrivileges should mean enforced")
	}
	if m.Network() != NetworkNone {
		t.Errorf("unset network mode = %q, want none", m.Network())
	}

	off := false
	m.Security.ReadOnlyFilesystem = &off
	m.Security.NetworkMode = NetworkBridge
	if m.ReadOnlyRootfs() || m.Network() != NetworkBridge {
		t.Error("explicit posture ignored")
	}
}

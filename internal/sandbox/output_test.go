package sandbox

import "testing"

// TestCappedBuffer ensures writes beyond the limit are dropped and flagged.
func TestCappedBuffer(t *testing.T) {
	b := NewCappedBuffer(5)
	n, err := b.Write([]byte("abc"))
	if err != nil || n != 3 {
		t.Fatalf("unexpected write result %d %v", n, err)
	}
	if b.Truncated() {
		t.Fatalf("should not be truncated yet")
	}
	n, _ = b.Write([]byte("defgh"))
	if n != 5 {
		t.Fatalf("write must report full length, got %d", n)
	}
	b.Write([]byte("ij"))
	if b.String() != "abcde" {
		t.Fatalf("unexpected content %q", b.String())
	}
	if !b.Truncated() {
		t.Fatalf("expected truncation")
	}
}

// TestRedactor ensures every rule is applied and invalid rules are skipped.
func TestRedactor(t *testing.T) {
	r := NewRedactor([]string{`token=\w+`, `(`, `\d{3}-\d{2}-\d{4}`})
	got := r.Apply("token=abc ssn 123-45-6789 ok")
	want := "[REDACTED] ssn [REDACTED] ok"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

// TestStateTerminal ensures only final states are terminal.
func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateCreated, StateStarting, StateRunning} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
	for _, s := range []State{StateCompleted, StateFailed, StateTimedOut} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
}

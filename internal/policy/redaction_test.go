package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIIMasksAPIKeys(t *testing.T) {
	out, changed := RedactPII("my key is sk-abcdefghijklmnop1234")
	if !changed || !strings.Contains(out, "[REDACTED_KEY]") {
		t.Fatalf("RedactPII() = %q, %v; want key masked", out, changed)
	}
}

func TestLogPreview(t *testing.T) {
	got := LogPreview("hello\n\n  world, write to sam@example.com", 12)
	if got != "hello world,…" {
		t.Fatalf("LogPreview() = %q, want %q", got, "hello world,…")
	}
	if got := LogPreview("short", 0); got != "short" {
		t.Fatalf("LogPreview(max=0) = %q, want %q", got, "short")
	}
}

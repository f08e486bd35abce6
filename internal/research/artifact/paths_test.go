package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveRootPath_ExpandsHomeShortcut(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("user home dir: %v", err)
	}

	got, err := ResolveRootPath("~/.deepresearch/store")
	if err != nil {
		t.Fatalf("resolve root path: %v", err)
	}

	want := filepath.Join(home, ".deepresearch", "store")
	if got != want {
		t.Fatalf("path mismatch: got %q want %q", got, want)
	}
}

func TestValidateSessionID(t *testing.T) {
	valid := []string{
		"01J9ZX3A9V7Q",
		"job-1",
		"a.b_c-d",
	}
	for _, id := range valid {
		if err := ValidateSessionID(id); err != nil {
			t.Errorf("ValidateSessionID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{
		"",
		".",
		"..",
		"../escape",
		"has space",
		"slash/inside",
		"null\x00byte",
	}
	for _, id := range invalid {
		if err := ValidateSessionID(id); err == nil {
			t.Errorf("ValidateSessionID(%q) = nil, want error", id)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	name := SanitizeName("What is Quantum Computing?", []byte(`{"q":1}`))

	if strings.Contains(name, " ") || strings.Contains(name, "?") {
		t.Errorf("sanitized name contains unsafe characters: %q", name)
	}
	if !strings.HasPrefix(name, "what-is-quantum-computing-") {
		t.Errorf("unexpected slug prefix: %q", name)
	}

	// Same label, different content must yield a different name.
	other := SanitizeName("What is Quantum Computing?", []byte(`{"q":2}`))
	if name == other {
		t.Errorf("names for distinct content should differ: %q", name)
	}

	// Same label and content must be stable.
	again := SanitizeName("What is Quantum Computing?", []byte(`{"q":1}`))
	if name != again {
		t.Errorf("name not deterministic: %q vs %q", name, again)
	}
}

func TestSanitizeName_TruncatesLongLabels(t *testing.T) {
	long := strings.Repeat("verylonglabel", 20)
	name := SanitizeName(long, []byte("x"))

	// 48-char slug cap plus the separator and 8 hex chars of digest.
	if len(name) > 48+1+8 {
		t.Errorf("sanitized name too long: %d chars", len(name))
	}
}

package secret

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/term"
)

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("SIGGATE_TEST_SECRET", " from-env \n")

	dir := t.TempDir()
	file := filepath.Join(dir, "secret")
	if err := os.WriteFile(file, []byte("from-file"), 0o600); err != nil {
		t.Fatalf("write secret file: %v", err)
	}

	src := NewSource("SIGGATE_TEST_SECRET", file)
	got, err := src.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "from-env" {
		t.Fatalf("expected trimmed env value, got %q", got)
	}
}

func TestSourceRejectsEmptyEnv(t *testing.T) {
	t.Setenv("SIGGATE_TEST_SECRET", "   ")

	src := NewSource("SIGGATE_TEST_SECRET", "")
	if _, err := src.Get(); err == nil || !strings.Contains(err.Error(), "set but empty") {
		t.Fatalf("expected empty-env error, got %v", err)
	}
}

func TestSourceFallsBackToFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "secret")
	if err := os.WriteFile(file, []byte("file-secret\n"), 0o600); err != nil {
		t.Fatalf("write secret file: %v", err)
	}

	src := NewSource("SIGGATE_TEST_SECRET_UNSET", file)
	got, err := src.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "file-secret" {
		t.Fatalf("expected trimmed file value, got %q", got)
	}
}

func TestSourceRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "secret")
	if err := os.WriteFile(file, []byte(" \n"), 0o600); err != nil {
		t.Fatalf("write secret file: %v", err)
	}

	src := NewSource("", file)
	if _, err := src.Get(); err == nil || !strings.Contains(err.Error(), "is empty") {
		t.Fatalf("expected empty-file error, got %v", err)
	}
}

func TestSourceCachesFirstValue(t *testing.T) {
	t.Setenv("SIGGATE_TEST_SECRET", "first")

	src := NewSource("SIGGATE_TEST_SECRET", "")
	if got, err := src.Get(); err != nil || got != "first" {
		t.Fatalf("Get: %q, %v", got, err)
	}

	t.Setenv("SIGGATE_TEST_SECRET", "second")
	if got, err := src.Get(); err != nil || got != "first" {
		t.Fatalf("expected cached value, got %q, %v", got, err)
	}
}

func TestSourceFailsWithoutTerminal(t *testing.T) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		t.Skip("requires non-interactive stdin")
	}

	src := NewSource("SIGGATE_TEST_SECRET_UNSET", "")
	if _, err := src.Get(); err == nil {
		t.Fatalf("expected error when no source is available")
	}
}

package secretfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatch_Reloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client-secret")
	writeFile(t, path, "first\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := Watch(ctx, path, nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if got := string(s.Value()); got != "first" {
		t.Fatalf("Value = %q, want %q", got, "first")
	}

	writeFile(t, path, "second")
	waitFor(t, func() bool { return string(s.Value()) == "second" })
}

func TestWatch_AtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client-secret")
	writeFile(t, path, "first")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := Watch(ctx, path, nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	tmp := filepath.Join(dir, ".tmp-secret")
	writeFile(t, tmp, "rotated")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
	waitFor(t, func() bool { return string(s.Value()) == "rotated" })
}

func TestWatch_EmptyRewriteKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client-secret")
	writeFile(t, path, "keep-me")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := Watch(ctx, path, nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeFile(t, path, "   \n")
	time.Sleep(100 * time.Millisecond)
	if got := string(s.Value()); got != "keep-me" {
		t.Fatalf("Value = %q after empty rewrite", got)
	}
}

func TestWatch_InitialErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Watch(context.Background(), filepath.Join(dir, "missing"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}

	empty := filepath.Join(dir, "empty")
	writeFile(t, empty, "\n")
	if _, err := Watch(context.Background(), empty, nil); !errors.Is(err, ErrEmpty) {
		t.Fatalf("err = %v, want ErrEmpty", err)
	}
}

func TestWatch_StopsWithContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client-secret")
	writeFile(t, path, "x")

	ctx, cancel := context.WithCancel(context.Background())
	s, err := Watch(ctx, path, nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}

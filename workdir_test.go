package spawnkit

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewWorkDirLayout(t *testing.T) {
	base := t.TempDir()

	wd, err := NewWorkDir(base, -1, -1)
	if err != nil {
		t.Fatalf("NewWorkDir failed: %v", err)
	}
	defer wd.Remove()

	for _, sub := range []string{"args", "response", "response/error", "response/steps", "envdump"} {
		if info, err := os.Stat(filepath.Join(wd.Path(), sub)); err != nil || !info.IsDir() {
			t.Fatalf("expected subdirectory %s to exist: %v", sub, err)
		}
	}

	if info, err := os.Stat(wd.FinishFIFOPath()); err != nil {
		t.Fatalf("expected finish fifo to exist: %v", err)
	} else if info.Mode()&os.ModeNamedPipe == 0 {
		t.Fatalf("expected %s to be a named pipe", wd.FinishFIFOPath())
	}
}

func TestWorkDirPathHelpers(t *testing.T) {
	base := t.TempDir()
	wd, err := NewWorkDir(base, -1, -1)
	if err != nil {
		t.Fatalf("NewWorkDir failed: %v", err)
	}
	defer wd.Remove()

	if got := wd.ArgPath("app_root"); filepath.Dir(got) != filepath.Join(wd.Path(), "args") {
		t.Fatalf("ArgPath should live under args/, got %s", got)
	}
	if got := wd.StepDir(StepPreparation); got != filepath.Join(wd.Path(), "response", "steps", "preparation") {
		t.Fatalf("unexpected step dir: %s", got)
	}
	if got := wd.ErrorDir(); got != filepath.Join(wd.Path(), "response", "error") {
		t.Fatalf("unexpected error dir: %s", got)
	}
}

func TestWorkDirRemoveIsIdempotent(t *testing.T) {
	base := t.TempDir()
	wd, err := NewWorkDir(base, -1, -1)
	if err != nil {
		t.Fatalf("NewWorkDir failed: %v", err)
	}
	if err := wd.Remove(); err != nil {
		t.Fatalf("first Remove failed: %v", err)
	}
	if err := wd.Remove(); err != nil {
		t.Fatalf("second Remove should be a no-op, got: %v", err)
	}
	if _, err := os.Stat(wd.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected work dir to be gone after Remove")
	}
}

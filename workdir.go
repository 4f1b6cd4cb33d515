package spawnkit

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// WorkDir is the filesystem-mediated rendezvous point between this
// process and the spawned child: a private directory holding the
// handshake's input (args.json, args/) and output (response/) trees.
type WorkDir struct {
	path string
	uid  int
	gid  int
}

// NewWorkDir creates a fresh work directory under base (typically an
// instance-specific tmp dir), owned by uid/gid so that the child process
// -- which may run as a different, unprivileged user -- can read its
// input and write its response. The directory itself is mode
// u=rwx,g=,o=, matching the handshake's createWorkDir.
func NewWorkDir(base string, uid, gid int) (*WorkDir, error) {
	path, err := os.MkdirTemp(base, "spawnkit-work-")
	if err != nil {
		return nil, fmt.Errorf("spawnkit: create work dir: %w", err)
	}
	if err := os.Chmod(path, 0700); err != nil {
		os.RemoveAll(path)
		return nil, fmt.Errorf("spawnkit: chmod work dir: %w", err)
	}
	if uid >= 0 && gid >= 0 {
		if err := unix.Chown(path, uid, gid); err != nil {
			os.RemoveAll(path)
			return nil, fmt.Errorf("spawnkit: chown work dir: %w", err)
		}
	}

	wd := &WorkDir{path: path, uid: uid, gid: gid}

	for _, sub := range []string{"args", "response", "response/error", "response/steps", "envdump"} {
		if err := os.MkdirAll(filepath.Join(path, sub), 0700); err != nil {
			os.RemoveAll(path)
			return nil, fmt.Errorf("spawnkit: create work dir subtree %s: %w", sub, err)
		}
	}

	if err := wd.createFinishFifo(); err != nil {
		os.RemoveAll(path)
		return nil, err
	}

	return wd, nil
}

// Path returns the work directory's absolute path.
func (wd *WorkDir) Path() string { return wd.path }

// ArgsJSONPath is where the full handshake args document (every arg,
// scalar or not, as JSON) lives.
func (wd *WorkDir) ArgsJSONPath() string { return filepath.Join(wd.path, "args.json") }

// ArgPath returns the path a single flattened argument is written to
// under args/<key>, matching dumpArgsIntoWorkDir's scalar convention.
func (wd *WorkDir) ArgPath(key string) string { return filepath.Join(wd.path, "args", key) }

// ResponseDir is the subtree the child writes its response into.
func (wd *WorkDir) ResponseDir() string { return filepath.Join(wd.path, "response") }

// FinishFIFOPath is the named pipe the child signals completion on.
func (wd *WorkDir) FinishFIFOPath() string { return filepath.Join(wd.path, "response", "finish") }

// StepDir returns the directory a given journey step reports its
// state/duration into.
func (wd *WorkDir) StepDir(step Step) string {
	return filepath.Join(wd.path, "response", "steps", step.String())
}

// EnvDumpDir is where the child, if cooperative, dumps its environment
// and ulimits for diagnostic purposes on failure.
func (wd *WorkDir) EnvDumpDir() string { return filepath.Join(wd.path, "envdump") }

// ErrorDir is where the child reports structured error details.
func (wd *WorkDir) ErrorDir() string { return filepath.Join(wd.path, "response", "error") }

// createFinishFifo creates the named pipe the startWatchingFinishSignal
// goroutine polls for the finish byte. Mode 0600, chowned to the child's identity so a
// non-generic app's own process (not just a privileged wrapper) can open
// it for writing.
func (wd *WorkDir) createFinishFifo() error {
	path := wd.FinishFIFOPath()
	if err := unix.Mkfifo(path, 0600); err != nil {
		return fmt.Errorf("spawnkit: create finish fifo: %w", err)
	}
	if wd.uid >= 0 && wd.gid >= 0 {
		if err := unix.Chown(path, wd.uid, wd.gid); err != nil {
			return fmt.Errorf("spawnkit: chown finish fifo: %w", err)
		}
	}
	return nil
}

// Remove deletes the work directory and everything under it. Safe to
// call more than once.
func (wd *WorkDir) Remove() error {
	if wd.path == "" {
		return nil
	}
	return os.RemoveAll(wd.path)
}

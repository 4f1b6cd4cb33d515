package spawnkit

import "path/filepath"

// ResourceLocator answers "where is my own install tree" questions, the
// way the handshake's resourceLocator collaborator supplies
// passenger_root/passenger_version/agent-path style predefined args
// without Config itself needing to know about installation layout.
type ResourceLocator interface {
	// InstallRoot is the root directory spawnkit itself was installed to.
	InstallRoot() string
	// AgentPath returns the absolute path to a named helper binary
	// shipped alongside spawnkit (e.g. a language-specific loader).
	AgentPath(name string) string
	// Version is spawnkit's own version string, reported to the child so
	// it can detect a version skew.
	Version() string
}

// DefaultResourceLocator is a ResourceLocator backed by a single install
// root directory, sufficient for the common case of spawnkit running
// from a known, fixed install location.
type DefaultResourceLocator struct {
	installRoot string
	version     string
}

// NewDefaultResourceLocator returns a ResourceLocator rooted at installRoot.
func NewDefaultResourceLocator(installRoot, version string) *DefaultResourceLocator {
	return &DefaultResourceLocator{installRoot: installRoot, version: version}
}

func (l *DefaultResourceLocator) InstallRoot() string { return l.installRoot }

func (l *DefaultResourceLocator) AgentPath(name string) string {
	return filepath.Join(l.installRoot, "agents", name)
}

func (l *DefaultResourceLocator) Version() string { return l.version }

package spawnkit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadBootstrapConfigDefaults(t *testing.T) {
	boot, err := LoadBootstrapConfig(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 51000, boot.PortRangeStart)
	require.Equal(t, 65000, boot.PortRangeEnd)
	require.False(t, boot.AnalyticsOn)
}

func TestLoadBootstrapConfigReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "portRangeStart: 9000\nportRangeEnd: 9100\ninstallRoot: /srv/spawnkit\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	boot, err := LoadBootstrapConfig(dir)
	require.NoError(t, err)
	require.Equal(t, 9000, boot.PortRangeStart)
	require.Equal(t, 9100, boot.PortRangeEnd)
	require.Equal(t, "/srv/spawnkit", boot.InstallRoot)
}

func TestLoadBootstrapConfigRejectsInvalidPortRange(t *testing.T) {
	dir := t.TempDir()
	yaml := "portRangeStart: 9100\nportRangeEnd: 9000\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	_, err := LoadBootstrapConfig(dir)
	require.Error(t, err)
}

func TestNewContextWithAnalyticsDisabled(t *testing.T) {
	boot, err := LoadBootstrapConfig(t.TempDir())
	require.NoError(t, err)
	boot.WorkDirRoot = t.TempDir()

	ctx, err := NewContext(boot)
	require.NoError(t, err)
	require.IsType(t, NoopPublisher{}, ctx.Analytics)
}

func TestContextAllocatePortAdvances(t *testing.T) {
	boot, err := LoadBootstrapConfig(t.TempDir())
	require.NoError(t, err)
	boot.PortRangeStart = 30000

	ctx, err := NewContext(boot)
	require.NoError(t, err)

	first := ctx.AllocatePort()
	second := ctx.AllocatePort()
	require.Equal(t, first+1, second)
}

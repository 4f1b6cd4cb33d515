package spawnkit

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spawnkit/logx"
)

func testContext(t *testing.T) *Context {
	t.Helper()
	return &Context{
		Logger:          logx.Default(),
		ResourceLocator: NewDefaultResourceLocator("/opt/spawnkit", "test"),
		Analytics:       NoopPublisher{},
		DefaultTimeout:  5 * time.Second,
		WorkDirRoot:     t.TempDir(),
		portCounter:     newPortCounter(40000),
	}
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := NewConfig()
	cfg.AppRoot = t.TempDir()
	cfg.StartCommand = "true"
	cfg.AppType = "rack"
	cfg.SpawnMethod = "direct"
	// Numeric uid/gid strings resolve via ResolveIdentity's fallback path
	// without depending on a particular named account existing.
	cfg.User = fmt.Sprintf("%d", os.Getuid())
	cfg.Group = fmt.Sprintf("%d", os.Getgid())
	return cfg
}

func TestHandshakePrepareWritesArgsDocument(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig(t)
	require.Empty(t, cfg.Validate())

	session := NewHandshakeSession(ctx, cfg, SpawnDirectly)
	// Resolve identity against the invoking user instead of "nobody" so
	// the work directory chown doesn't require privileges in CI.
	session.UID = os.Getuid()
	session.GID = os.Getgid()

	prepare := NewHandshakePrepare(session, nil)
	require.NoError(t, prepare.createWorkDir())
	defer session.WorkDir.Remove()

	prepare.preparePredefinedArgs()
	prepare.prepareArgsFromAppConfig()
	require.NoError(t, prepare.dumpArgsIntoWorkDir())

	require.FileExists(t, session.WorkDir.ArgsJSONPath())
	require.FileExists(t, session.WorkDir.ArgPath("app_root"))

	data, err := os.ReadFile(session.WorkDir.ArgPath("app_root"))
	require.NoError(t, err)
	require.Equal(t, cfg.AppRoot, string(data))
}

func TestHandshakePrepareInfersRevisionFromRevisionFile(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.AppRoot, "REVISION"), []byte("abc123\n"), 0644))

	session := NewHandshakeSession(ctx, cfg, SpawnDirectly)
	session.UID, session.GID = os.Getuid(), os.Getgid()
	prepare := NewHandshakePrepare(session, nil)

	prepare.inferApplicationInfo()
	require.Equal(t, "abc123", session.Result.CodeRevision)
}

func TestHandshakePrepareAllocatesPortForGenericApp(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig(t)
	cfg.GenericApp = true
	cfg.StartCommand = "echo $PORT"

	session := NewHandshakeSession(ctx, cfg, SpawnDirectly)
	session.UID, session.GID = os.Getuid(), os.Getgid()
	prepare := NewHandshakePrepare(session, nil)
	prepare.start = time.Now()

	require.NoError(t, prepare.findFreePortOrSocketFile())
	require.Greater(t, session.ExpectedStartPort, 0)
}

func TestHandshakePrepareExecuteEndToEnd(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig(t)

	session := NewHandshakeSession(ctx, cfg, SpawnDirectly)
	session.UID, session.GID = os.Getuid(), os.Getgid()
	prepare := NewHandshakePrepare(session, map[string]interface{}{"extra": "value"})

	require.NoError(t, prepare.Execute())
	defer session.WorkDir.Remove()

	require.FileExists(t, session.WorkDir.ArgPath("extra"))
	require.FileExists(t, session.WorkDir.ArgPath("gupid"))
	require.Equal(t, session.Result.GUPID, readArgFile(t, session.WorkDir.ArgPath("gupid")))
}

func readArgFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

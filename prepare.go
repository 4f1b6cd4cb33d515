package spawnkit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HandshakeSession is the shared state threaded through both phases of a
// single spawn: the configuration that started it, the filesystem
// rendezvous point, the progress journey, and the result being
// assembled.
type HandshakeSession struct {
	Ctx    *Context
	Config *Config

	WorkDir     *WorkDir
	ResponseDir string
	Journey     *Journey
	Result      *Result

	UID, GID int
	HomeDir  string
	Shell    string

	TimeoutUsec int64

	// ExpectedStartPort is only meaningful when Config.GenericApp or
	// Config.FindFreePort is set.
	ExpectedStartPort int
}

// NewHandshakeSession creates a session for a fresh spawn attempt.
func NewHandshakeSession(ctx *Context, cfg *Config, journeyType JourneyType) *HandshakeSession {
	return &HandshakeSession{
		Ctx:         ctx,
		Config:      cfg,
		Journey:     NewJourney(journeyType),
		Result:      NewResult(),
		TimeoutUsec: int64(cfg.StartTimeoutMsec) * 1000,
	}
}

// HandshakePrepare is phase 1: it resolves the OS identity to run as,
// lays out the work directory, infers the application's code revision,
// allocates a port if needed, and writes the args the child process
// will read on startup.
type HandshakePrepare struct {
	session *HandshakeSession
	ctx     *Context
	config  *Config
	args    map[string]interface{}
	start   time.Time
}

// NewHandshakePrepare returns a HandshakePrepare for session. extraArgs,
// if non-nil, seeds the args document before the predefined and
// app-config args are layered on top of it.
func NewHandshakePrepare(session *HandshakeSession, extraArgs map[string]interface{}) *HandshakePrepare {
	args := make(map[string]interface{}, len(extraArgs))
	for k, v := range extraArgs {
		args[k] = v
	}
	return &HandshakePrepare{
		session: session,
		ctx:     session.Ctx,
		config:  session.Config,
		args:    args,
	}
}

// Execute runs every preparation step in order. On any failure it marks
// the preparation journey step errored and returns a *SpawnError.
func (p *HandshakePrepare) Execute() error {
	p.start = time.Now()

	if err := p.resolveUserAndGroup(); err != nil {
		return p.fail(err)
	}
	if err := p.createWorkDir(); err != nil {
		return p.fail(err)
	}

	p.inferApplicationInfo()
	if p.config.GenericApp || p.config.FindFreePort {
		if err := p.findFreePortOrSocketFile(); err != nil {
			return p.fail(err)
		}
	}

	p.preparePredefinedArgs()
	p.prepareArgsFromAppConfig()
	if err := p.dumpArgsIntoWorkDir(); err != nil {
		return p.fail(err)
	}

	p.adjustTimeout()
	return nil
}

func (p *HandshakePrepare) fail(err error) error {
	p.session.Journey.SetStepErrored(StepPreparation, true)
	if se, ok := err.(*SpawnError); ok {
		return se
	}
	se := newSpawnError(InternalError, p.session.Journey)
	se.Summary = err.Error()
	return se
}

func (p *HandshakePrepare) resolveUserAndGroup() error {
	identity, err := ResolveIdentity(p.config.User, p.config.Group, p.ctx.Logger)
	if err != nil {
		se := newSpawnError(OperatingSystemError, p.session.Journey)
		se.Summary = err.Error()
		return se
	}
	p.session.UID = identity.UID
	p.session.GID = identity.GID
	p.session.HomeDir = identity.Home
	p.session.Shell = identity.Shell
	return nil
}

func (p *HandshakePrepare) createWorkDir() error {
	base := p.ctx.WorkDirRoot
	if base == "" {
		base = os.TempDir()
	}
	wd, err := NewWorkDir(base, p.session.UID, p.session.GID)
	if err != nil {
		se := newSpawnError(FileSystemError, p.session.Journey)
		se.Summary = err.Error()
		return se
	}
	p.session.WorkDir = wd
	p.session.ResponseDir = wd.ResponseDir()
	return nil
}

func (p *HandshakePrepare) inferApplicationInfo() {
	p.session.Result.CodeRevision = p.readFromRevisionFile()
	if p.session.Result.CodeRevision == "" {
		p.session.Result.CodeRevision = p.inferCodeRevisionFromCapistranoSymlink()
	}
}

func (p *HandshakePrepare) readFromRevisionFile() string {
	data, err := os.ReadFile(filepath.Join(p.config.AppRoot, "REVISION"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (p *HandshakePrepare) inferCodeRevisionFromCapistranoSymlink() string {
	if filepath.Base(p.config.AppRoot) != "current" {
		return ""
	}
	target, err := os.Readlink(p.config.AppRoot)
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

func (p *HandshakePrepare) findFreePortOrSocketFile() error {
	deadline := p.start.Add(time.Duration(p.session.TimeoutUsec) * time.Microsecond)
	port, err := FindFreePort(p.ctx.portCounter, deadline)
	if err != nil {
		se := newSpawnError(TimeoutError, p.session.Journey)
		se.Summary = "timed out while looking for a free port to spawn the application on"
		se.ProblemDescriptionHTML = "<p>The application server tried to look for a free TCP port for" +
			" the web application to start on, but this took too much time.</p>"
		return se
	}
	p.session.ExpectedStartPort = port
	return nil
}

func (p *HandshakePrepare) preparePredefinedArgs() {
	rl := p.ctx.ResourceLocator
	p.args["passenger_root"] = rl.InstallRoot()
	p.args["passenger_version"] = rl.Version()
	p.args["passenger_agent_path"] = rl.AgentPath("SpawnPreparerAgent")
	p.args["gupid"] = p.session.Result.GUPID
	p.args["UNIX_PATH_MAX"] = 108 // sizeof sockaddr_un.sun_path, on Linux

	if p.config.GenericApp || p.config.FindFreePort {
		p.args["expected_start_port"] = p.session.ExpectedStartPort
	}
	if p.config.APIKey != "" {
		p.args["connect_password"] = p.config.APIKey
	}
}

func (p *HandshakePrepare) prepareArgsFromAppConfig() {
	for k, v := range p.config.FieldsToPassToApp() {
		p.args[k] = v
	}
}

// dumpArgsIntoWorkDir writes the full args document as args.json, and
// also flattens every scalar-valued entry into its own file under
// args/<key> so that the simplest possible child (e.g. a shell script)
// can read a single arg without parsing JSON. Non-scalar values are
// still written individually, suffixed ".json".
func (p *HandshakePrepare) dumpArgsIntoWorkDir() error {
	blob, err := json.MarshalIndent(p.args, "", "  ")
	if err != nil {
		return fmt.Errorf("spawnkit: encode args.json: %w", err)
	}
	if err := writeOwnedFile(p.session.WorkDir.ArgsJSONPath(), blob, p.session.UID, p.session.GID); err != nil {
		return err
	}

	argsDir := filepath.Join(p.session.WorkDir.Path(), "args")
	if err := os.MkdirAll(argsDir, 0700); err != nil {
		return fmt.Errorf("spawnkit: create args dir: %w", err)
	}

	for key, value := range p.args {
		path := p.session.WorkDir.ArgPath(key)
		content := scalarToString(value)
		if content == nil {
			encoded, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("spawnkit: encode arg %s: %w", key, err)
			}
			path += ".json"
			if err := writeOwnedFile(path, encoded, p.session.UID, p.session.GID); err != nil {
				return err
			}
			continue
		}
		if err := writeOwnedFile(path, content, p.session.UID, p.session.GID); err != nil {
			return err
		}
	}
	return nil
}

// scalarToString renders value the way a plain scalar arg file should
// look, or returns nil if value isn't a scalar (meaning it should be
// JSON-encoded instead).
func scalarToString(value interface{}) []byte {
	switch v := value.(type) {
	case nil:
		return []byte{}
	case string:
		return []byte(v)
	case bool:
		if v {
			return []byte("true")
		}
		return []byte("false")
	case int:
		return []byte(fmt.Sprintf("%d", v))
	case int64:
		return []byte(fmt.Sprintf("%d", v))
	case uint:
		return []byte(fmt.Sprintf("%d", v))
	case float64:
		return []byte(fmt.Sprintf("%v", v))
	default:
		return nil
	}
}

func writeOwnedFile(path string, data []byte, uid, gid int) error {
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("spawnkit: write %s: %w", path, err)
	}
	if uid >= 0 && gid >= 0 {
		if err := os.Chown(path, uid, gid); err != nil {
			return fmt.Errorf("spawnkit: chown %s: %w", path, err)
		}
	}
	return nil
}

func (p *HandshakePrepare) adjustTimeout() {
	elapsed := time.Since(p.start).Microseconds()
	if elapsed >= p.session.TimeoutUsec {
		p.session.TimeoutUsec = 0
	} else {
		p.session.TimeoutUsec -= elapsed
	}
}

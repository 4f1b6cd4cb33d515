package spawnkit

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DirectSpawner is the reference Spawner: it forks the app's start
// command directly (via os/exec, switching to the resolved uid/gid
// through SysProcAttr.Credential) and drives it through
// HandshakePrepare/HandshakePerform. It holds no pool and retains no
// state across Spawn calls beyond its own creation time, matching
// Spawner's contract.
type DirectSpawner struct {
	ctx      *Context
	created  time.Time
	nextType JourneyType
}

// NewDirectSpawner returns a DirectSpawner bound to ctx. journeyType
// selects which journey steps a spawn will track; most callers want
// SpawnDirectly.
func NewDirectSpawner(ctx *Context, journeyType JourneyType) *DirectSpawner {
	return &DirectSpawner{ctx: ctx, created: time.Now(), nextType: journeyType}
}

func (s *DirectSpawner) CreationTime() time.Time { return s.created }

// Spawn runs one full Prepare+Perform cycle: it validates cfg, runs
// HandshakePrepare to lay out the work directory, forks the configured
// start command with the resulting args available to it, then runs
// HandshakePerform to watch the child to completion.
func (s *DirectSpawner) Spawn(ctx context.Context, cfg *Config) (*Result, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("spawnkit: invalid config: %s", strings.Join(errs, "; "))
	}

	session := NewHandshakeSession(s.ctx, cfg, s.nextType)
	session.Result.SpawnStartTime = time.Now()

	prepare := NewHandshakePrepare(session, nil)
	if err := prepare.Execute(); err != nil {
		if session.WorkDir != nil {
			session.WorkDir.Remove()
		}
		return nil, err
	}
	defer session.WorkDir.Remove()

	pid, stdoutAndErr, err := s.fork(session)
	if err != nil {
		session.Journey.SetStepErrored(StepSubprocessBeforeFirstExec, true)
		se := newSpawnError(OperatingSystemError, session.Journey)
		se.Summary = fmt.Sprintf("could not fork the application process: %v", err)
		return nil, se
	}

	perform := NewHandshakePerform(session, pid, stdoutAndErr, "")
	result, err := perform.Execute()
	if err != nil {
		s.publish(ctx, session, false, err)
		return nil, err
	}
	s.publish(ctx, session, true, nil)
	return result, nil
}

// fork execs cfg.StartCommand via the shell, in cfg.AppRoot, running as
// session.UID/GID, with the work directory's path exposed through
// SPAWNKIT_WORK_DIR so a cooperative child can find args.json and write
// its response. A generic app additionally gets $PORT substituted into
// its start command, matching Config.GenericApp's contract.
func (s *DirectSpawner) fork(session *HandshakeSession) (int, *os.File, error) {
	command := session.Config.StartCommand
	if session.Config.GenericApp {
		command = strings.ReplaceAll(command, "$PORT", fmt.Sprintf("%d", session.ExpectedStartPort))
	}

	c := exec.Command("/bin/sh", "-c", command)
	c.Dir = session.Config.AppRoot
	c.Env = append(os.Environ(), s.childEnv(session)...)
	c.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(session.UID), Gid: uint32(session.GID)},
	}

	stdoutAndErr, w, err := os.Pipe()
	if err != nil {
		return 0, nil, fmt.Errorf("spawnkit: create stdio pipe: %w", err)
	}
	c.Stdout = w
	c.Stderr = w

	if err := c.Start(); err != nil {
		w.Close()
		stdoutAndErr.Close()
		return 0, nil, err
	}
	w.Close()

	return c.Process.Pid, stdoutAndErr, nil
}

func (s *DirectSpawner) childEnv(session *HandshakeSession) []string {
	env := []string{
		"SPAWNKIT_WORK_DIR=" + session.WorkDir.Path(),
		"PASSENGER_APP_ENV=" + session.Config.AppEnv,
	}
	if !session.Config.GenericApp && session.Config.FindFreePort {
		env = append(env, fmt.Sprintf("PORT=%d", session.ExpectedStartPort))
	}
	for k, v := range session.Config.EnvironmentVariables {
		env = append(env, k+"="+v)
	}
	return env
}

func (s *DirectSpawner) publish(ctx context.Context, session *HandshakeSession, success bool, spawnErr error) {
	if s.ctx.Analytics == nil || !session.Config.AnalyticsSupport {
		return
	}
	event := &SpawnEvent{
		GUPID:           session.Result.GUPID,
		AppGroupName:    session.Config.AppRoot,
		UnionStationKey: session.Config.UnionStationKey,
		Success:         success,
		StartTime:       session.Result.SpawnStartTime,
		Duration:        time.Since(session.Result.SpawnStartTime),
	}
	if se, ok := spawnErr.(*SpawnError); ok {
		event.Category = se.Category.String()
		event.FirstFailedStep = se.Journey.GetFirstFailedStep().String()
	}
	if err := s.ctx.Analytics.Publish(ctx, event); err != nil {
		s.ctx.Logger.Warn("failed to publish spawn analytics event", zap.String("gupid", event.GUPID), zap.Error(err))
	}
}

package spawnkit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// jsonUnmarshalStrict decodes data into v, rejecting any field in the
// JSON document that v's struct tags don't account for -- the same
// DisallowUnknownFields discipline used elsewhere in this stack for
// parsing config supplied by an external process.
func jsonUnmarshalStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// finishState mirrors the FinishState enum: what the finish FIFO told us
// about how the spawn concluded.
type finishState int

const (
	finishNotFinished finishState = iota
	finishSuccess
	finishError
	finishInternalError
)

// HandshakePerform is phase 2: it watches the spawned child over three
// independent signals (process exit, the finish FIFO, socket
// pingability) until one of them indicates the handshake is over, then
// assembles either a Result or a *SpawnError.
type HandshakePerform struct {
	session *HandshakeSession
	config  *Config
	pid     int

	stdoutAndErr   *os.File
	alreadyCaptured string
	capturer        *stdioCapturer

	mu   sync.Mutex
	cond *sync.Cond

	processExited bool

	finishState               finishState
	finishWatcherErrMsg       string
	finishWatcherErrCategory  Category

	socketIsNowPingable bool

	watcherWG sync.WaitGroup
	stopCh    chan struct{}
}

// NewHandshakePerform returns a HandshakePerform for a just-forked child.
// stdoutAndErr, if non-nil, is the read end of a pipe capturing the
// child's combined stdout/stderr; alreadyCaptured is any output already
// read from it before this call (e.g. by a caller that peeked at early
// output).
func NewHandshakePerform(session *HandshakeSession, pid int, stdoutAndErr *os.File, alreadyCaptured string) *HandshakePerform {
	p := &HandshakePerform{
		session:         session,
		config:          session.Config,
		pid:             pid,
		stdoutAndErr:    stdoutAndErr,
		alreadyCaptured: alreadyCaptured,
		finishState:     finishNotFinished,
		stopCh:          make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Execute runs the full wait-and-classify cycle, always running cleanup
// on the way out.
func (p *HandshakePerform) Execute() (*Result, error) {
	defer p.cleanup()

	if p.stdoutAndErr != nil {
		p.capturer = newStdioCapturer()
		p.capturer.buf = []byte(p.alreadyCaptured)
		p.capturer.start(p.stdoutAndErr)
	}

	p.startWatchingProcessExit()
	if p.config.GenericApp || p.config.FindFreePort {
		p.startWatchingSocketPingability()
	}
	if !p.config.GenericApp {
		p.startWatchingFinishSignal()
	}

	p.mu.Lock()
	err := p.waitUntilSpawningFinished()
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	result, err := p.handleResponse()
	p.mu.Unlock()

	p.loadJourneyStateFromResponseDir()
	return result, err
}

// startWatchingProcessExit waits for the child to exit. This goroutine is
// not tracked by watcherWG: proc.Wait cannot be interrupted, so it lives
// until the child exits, which may be long after Execute has returned.
func (p *HandshakePerform) startWatchingProcessExit() {
	go func() {
		proc, err := os.FindProcess(p.pid)
		if err != nil {
			return
		}
		state, err := proc.Wait()
		_ = state
		if err == nil || isPermissionErr(err) {
			p.mu.Lock()
			p.processExited = true
			p.cond.Broadcast()
			p.mu.Unlock()
		}
	}()
}

func isPermissionErr(err error) bool {
	return strings.Contains(err.Error(), "permission denied")
}

// startWatchingFinishSignal opens the finish FIFO and waits for a single
// byte: '1' means success, anything else means the child reported an
// error. The open is done non-blocking and the read is polled against
// stopCh: a plain blocking O_RDONLY open would hang forever if
// the child dies or the handshake times out before ever opening the
// FIFO for writing, which would in turn hang cleanup's wait for this
// goroutine.
func (p *HandshakePerform) startWatchingFinishSignal() {
	p.watcherWG.Add(1)
	go func() {
		defer p.watcherWG.Done()
		path := p.session.WorkDir.FinishFIFOPath()

		f, err := openNonBlockingForReading(path)
		if err != nil {
			p.mu.Lock()
			p.finishState = finishInternalError
			p.finishWatcherErrMsg = fmt.Sprintf("error opening FIFO %s: %v", path, err)
			p.finishWatcherErrCategory = FileSystemError
			p.cond.Broadcast()
			p.mu.Unlock()
			return
		}
		defer f.Close()

		buf := make([]byte, 1)
		n, err := readByteNonBlocking(f, buf, p.stopCh)
		if err == errWatcherStopped {
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if err != nil {
			p.finishState = finishInternalError
			p.finishWatcherErrMsg = fmt.Sprintf("error reading from FIFO %s: %v", path, err)
			p.finishWatcherErrCategory = IOError
		} else if n == 0 {
			p.finishState = finishInternalError
			p.finishWatcherErrMsg = fmt.Sprintf("FIFO %s closed before reporting a finish byte", path)
			p.finishWatcherErrCategory = IOError
		} else if buf[0] == '1' {
			p.finishState = finishSuccess
		} else {
			p.finishState = finishError
		}
		p.cond.Broadcast()
	}()
}

// errWatcherStopped signals that a watcher's poll loop ended because
// stopCh was closed, not because of an error worth reporting.
var errWatcherStopped = fmt.Errorf("spawnkit: watcher stopped")

// openNonBlockingForReading opens path (expected to be a FIFO) O_RDONLY
// with O_NONBLOCK, which returns immediately regardless of whether a
// writer has connected yet -- unlike a plain blocking open, which would
// hang until one does.
func openNonBlockingForReading(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

// readByteNonBlocking polls f (opened non-blocking) for a single byte,
// waiting up to 50ms per attempt, until data arrives, stopCh is closed,
// or a real error occurs. EOF (no writer has opened the FIFO yet, or a
// writer closed it without writing) is retried like an empty read.
func readByteNonBlocking(f *os.File, buf []byte, stopCh <-chan struct{}) (int, error) {
	for {
		f.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, err := f.Read(buf)
		if err == nil {
			return n, nil
		}
		if err != io.EOF && !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, syscall.EAGAIN) {
			return 0, err
		}
		select {
		case <-stopCh:
			return 0, errWatcherStopped
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// startWatchingSocketPingability polls the expected port every 50ms
// until it accepts a connection, at which point the spawn is considered
// successful regardless of whether a finish signal has arrived yet.
func (p *HandshakePerform) startWatchingSocketPingability() {
	p.watcherWG.Add(1)
	go func() {
		defer p.watcherWG.Done()
		addr := fmt.Sprintf("127.0.0.1:%d", p.session.ExpectedStartPort)
		for {
			select {
			case <-p.stopCh:
				return
			default:
			}
			if ProbePingable(addr, 100*time.Millisecond) {
				p.mu.Lock()
				p.socketIsNowPingable = true
				p.finishState = finishSuccess
				p.cond.Broadcast()
				p.mu.Unlock()
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()
}

// waitUntilSpawningFinished blocks, re-checking checkCurrentState after
// every wakeup, until it's done or the session's remaining timeout is
// exhausted. The caller must hold p.mu.
func (p *HandshakePerform) waitUntilSpawningFinished() error {
	for {
		done, err := p.checkCurrentState()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		timeout := time.Duration(p.session.TimeoutUsec) * time.Microsecond
		begin := time.Now()
		waitDone := make(chan struct{})
		timer := time.AfterFunc(timeout, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		go func() {
			<-waitDone
			timer.Stop()
		}()
		p.cond.Wait()
		close(waitDone)

		elapsed := time.Since(begin).Microseconds()
		if elapsed >= p.session.TimeoutUsec {
			p.session.TimeoutUsec = 0
		} else {
			p.session.TimeoutUsec -= elapsed
		}
	}
}

// checkCurrentState implements the same three-way check as the
// original: a premature exit or stdio EOF is an error, a zero remaining
// timeout is a timeout error, and otherwise readiness is judged by
// genericApp's narrower pingability-only check vs. everyone else's
// pingability-or-finish check. The caller must hold p.mu.
func (p *HandshakePerform) checkCurrentState() (bool, error) {
	capturerStopped := p.capturer != nil && p.capturerDone()
	if capturerStopped || p.processExited {
		p.mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		p.mu.Lock()
		p.loadJourneyStateFromResponseDirLocked()
		if p.session.Journey.GetFirstFailedStep() == StepUnknown {
			p.session.Journey.SetStepErrored(StepSubprocessBeforeFirstExec, true)
		}
		se := newSpawnError(p.inferErrorCategoryFromResponseDir(InternalError), p.session.Journey)
		se.Summary = "The application process exited prematurely."
		se.StdoutAndErrData = p.stdoutErrData()
		p.loadSubprocessErrorMessagesAndAnnotations(se)
		return false, se
	}

	if p.session.TimeoutUsec == 0 {
		p.mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		p.mu.Lock()
		p.session.Journey.SetStepErrored(StepHandshakePerform)
		p.loadJourneyStateFromResponseDirLocked()
		se := newSpawnError(TimeoutError, p.session.Journey)
		se.Summary = "A timeout occurred while waiting for the application to finish starting up."
		se.StdoutAndErrData = p.stdoutErrData()
		p.loadSubprocessErrorMessagesAndAnnotations(se)
		return false, se
	}

	done := (p.config.GenericApp && p.socketIsNowPingable) ||
		(!p.config.GenericApp && p.finishState != finishNotFinished)
	return done, nil
}

func (p *HandshakePerform) capturerDone() bool {
	select {
	case <-p.capturer.done:
		return true
	default:
		return false
	}
}

func (p *HandshakePerform) handleResponse() (*Result, error) {
	switch p.finishState {
	case finishSuccess:
		return p.handleSuccessResponse()
	case finishError:
		return nil, p.handleErrorResponse()
	case finishInternalError:
		return nil, p.handleInternalError()
	default:
		se := newSpawnError(InternalError, p.session.Journey)
		se.Summary = fmt.Sprintf("spawnkit: unknown finish state %d", p.finishState)
		return nil, se
	}
}

func (p *HandshakePerform) handleSuccessResponse() (*Result, error) {
	result := p.session.Result
	result.PID = p.pid
	result.SpawnEndTime = time.Now()

	if p.socketIsNowPingable {
		result.Sockets = append(result.Sockets, SocketInfo{
			Name:        "main",
			Address:     fmt.Sprintf("tcp://127.0.0.1:%d", p.session.ExpectedStartPort),
			Protocol:    "http",
			Concurrency: -1,
			AcceptHTTP:  true,
		})
	}

	propsPath := filepath.Join(p.session.ResponseDir, "properties.json")
	if fileExists(propsPath) {
		if err := p.loadResultPropertiesFromResponseDir(!p.socketIsNowPingable); err != nil {
			return nil, err
		}

		if p.session.Journey.Type() == StartPreloader && !resultHasProtocol(result, "preloader") {
			return nil, p.errBecauseNoWrapperSockets(socketKindLabel(StartPreloader))
		} else if p.session.Journey.Type() != StartPreloader && !resultHasHTTPSocket(result) {
			return nil, p.errBecauseNoWrapperSockets(socketKindLabel(SpawnDirectly))
		}
	}

	internalErrs, appErrs := result.Validate(p.session.Journey.Type(), p.config.GenericApp)
	if len(internalErrs) == 0 && len(appErrs) == 0 {
		return result, nil
	}
	return nil, p.errBecauseOfValidationErrors(internalErrs, appErrs)
}

func resultHasProtocol(r *Result, protocol string) bool {
	for _, s := range r.Sockets {
		if s.Protocol == protocol {
			return true
		}
	}
	return false
}

func resultHasHTTPSocket(r *Result) bool {
	for _, s := range r.Sockets {
		if s.AcceptHTTP {
			return true
		}
	}
	return false
}

func (p *HandshakePerform) errBecauseNoWrapperSockets(kind string) *SpawnError {
	p.session.Journey.SetStepErrored(StepSubprocessAppLoadOrExec, true)
	origin := classifyWrapperOrigin(p.config)
	if origin != originDirectApp {
		p.session.Journey.SetStepErrored(StepSubprocessWrapperPreparation, true)
	}
	wording := renderWording(axisMissingSockets, origin, kind, p.config.StartCommand)

	se := newSpawnError(InternalError, p.session.Journey)
	se.Summary = wording.summary
	se.ProblemDescriptionHTML = wording.problem
	se.SolutionDescriptionHTML = wording.solution
	se.StdoutAndErrData = p.stdoutErrData()
	p.loadAnnotationsFromEnvDumpDir(se)
	return se
}

func (p *HandshakePerform) errBecauseOfValidationErrors(internalErrs, appErrs []string) *SpawnError {
	var se *SpawnError
	if len(appErrs) > 0 {
		origin := classifyWrapperOrigin(p.config)
		tpl := wordingTable[axisBadSchema][origin]
		se = newSpawnError(InternalError, p.session.Journey)
		se.Summary = fmt.Sprintf(tpl.summary, joinErrs(appErrs))
		se.ProblemDescriptionHTML = fmt.Sprintf(tpl.problem, bulletList(appErrs))
		if origin == originThirdPartyWrapper {
			se.SolutionDescriptionHTML = fmt.Sprintf(tpl.solution, escapeHTML(p.config.StartCommand))
		} else {
			se.SolutionDescriptionHTML = tpl.solution
		}
	} else {
		se = newSpawnError(InternalError, p.session.Journey)
		se.Summary = fmt.Sprintf("internal error validating spawn result: %s", joinErrs(internalErrs))
	}
	se.StdoutAndErrData = p.stdoutErrData()
	return se
}

func (p *HandshakePerform) handleErrorResponse() *SpawnError {
	time.Sleep(50 * time.Millisecond)
	p.loadJourneyStateFromResponseDirLocked()
	if p.session.Journey.GetFirstFailedStep() == StepUnknown {
		for _, step := range []Step{StepSubprocessWrapperPreparation, StepSubprocessAppLoadOrExec, StepSubprocessPrepareAfterForkingFromPreloader} {
			if p.session.Journey.HasStep(step) {
				p.session.Journey.SetStepErrored(step, true)
				break
			}
		}
	}

	se := newSpawnError(p.inferErrorCategoryFromResponseDir(InternalError), p.session.Journey)
	se.Summary = "The web application aborted with an error during startup."
	se.StdoutAndErrData = p.stdoutErrData()
	p.loadSubprocessErrorMessagesAndAnnotations(se)
	return se
}

func (p *HandshakePerform) handleInternalError() *SpawnError {
	time.Sleep(50 * time.Millisecond)
	p.session.Journey.SetStepErrored(StepHandshakePerform)
	p.loadJourneyStateFromResponseDirLocked()

	se := newSpawnError(p.finishWatcherErrCategory, p.session.Journey)
	se.Summary = "An internal error occurred while spawning an application process: " + p.finishWatcherErrMsg
	se.AdvancedProblemDetails = p.finishWatcherErrMsg
	se.StdoutAndErrData = p.stdoutErrData()
	return se
}

func (p *HandshakePerform) stdoutErrData() string {
	if p.capturer == nil {
		return "(not available)"
	}
	return p.capturer.data()
}

// loadResultPropertiesFromResponseDir parses response/properties.json
// and validates its "sockets" array per the field-level rules the
// handshake enforces. socketsRequired is true except when the
// socket-pingability watcher already supplied a synthetic socket (a
// generic app, or one that asked for a free port).
func (p *HandshakePerform) loadResultPropertiesFromResponseDir(socketsRequired bool) error {
	path := filepath.Join(p.session.ResponseDir, "properties.json")
	data, err := os.ReadFile(path)
	if err != nil {
		se := newSpawnError(FileSystemError, p.session.Journey)
		se.Summary = fmt.Sprintf("cannot read %s: %v", path, err)
		return se
	}

	var envelope struct {
		Sockets json.RawMessage `json:"sockets"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return p.errBecauseOfValidationErrors(nil, []string{fmt.Sprintf("error parsing %s: %v", path, err)})
	}
	if len(envelope.Sockets) > 0 && !looksLikeJSONArray(envelope.Sockets) {
		return p.errBecauseOfValidationErrors(nil, []string{"'sockets' must be an array"})
	}

	var doc struct {
		Sockets []struct {
			Name               string `json:"name"`
			Address            string `json:"address"`
			Protocol           string `json:"protocol"`
			Description        string `json:"description"`
			Concurrency        *int   `json:"concurrency"`
			AcceptHTTPRequests *bool  `json:"accept_http_requests"`
		} `json:"sockets"`
	}
	if err := jsonUnmarshalStrict(data, &doc); err != nil {
		return p.errBecauseOfValidationErrors(nil, []string{fmt.Sprintf("error parsing %s: %v", path, err)})
	}

	var errs []string
	if len(doc.Sockets) == 0 && socketsRequired {
		errs = append(errs, "'sockets' must be specified and non-empty")
	}
	for i, s := range doc.Sockets {
		if strings.TrimSpace(s.Address) == "" {
			errs = append(errs, fmt.Sprintf("'sockets[%d].address' must be specified", i))
		}
		if strings.TrimSpace(s.Protocol) == "" {
			errs = append(errs, fmt.Sprintf("'sockets[%d].protocol' must be specified", i))
		}
		if s.Concurrency == nil {
			errs = append(errs, fmt.Sprintf("'sockets[%d].concurrency' must be specified", i))
		}
	}
	if len(errs) > 0 {
		return p.errBecauseOfValidationErrors(nil, errs)
	}

	if !socketsRequired && len(doc.Sockets) == 0 {
		return nil
	}

	for _, s := range doc.Sockets {
		info := SocketInfo{
			Name:        s.Name,
			Address:     s.Address,
			Protocol:    s.Protocol,
			Description: s.Description,
			Concurrency: *s.Concurrency,
		}
		if s.AcceptHTTPRequests != nil {
			info.AcceptHTTP = *s.AcceptHTTPRequests
		}
		p.session.Result.Sockets = append(p.session.Result.Sockets, info)
	}
	return nil
}

// looksLikeJSONArray reports whether raw's first non-whitespace byte
// opens a JSON array, used to reject a non-array "sockets" value (e.g.
// an object) with a precise message instead of a raw decode error.
func looksLikeJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

// inferErrorCategoryFromResponseDir reads response/error/category if
// present, falling back to def for anything missing or unrecognized.
func (p *HandshakePerform) inferErrorCategoryFromResponseDir(def Category) Category {
	path := filepath.Join(p.session.WorkDir.ErrorDir(), "category")
	data, err := os.ReadFile(path)
	if err != nil {
		return def
	}
	cat, ok := ParseCategory(strings.TrimSpace(string(data)))
	if !ok {
		return def
	}
	return cat
}

// loadJourneyStateFromResponseDir acquires p.mu itself; used by callers
// that are not already holding it.
func (p *HandshakePerform) loadJourneyStateFromResponseDir() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadJourneyStateFromResponseDirLocked()
}

// loadJourneyStateFromResponseDirLocked reconciles in-memory journey
// state with whatever the child wrote under response/steps/<step>. The
// caller must hold p.mu.
func (p *HandshakePerform) loadJourneyStateFromResponseDirLocked() {
	for _, step := range p.session.Journey.Steps() {
		stepDir := p.session.WorkDir.StepDir(step)
		statePath := filepath.Join(stepDir, "state")
		data, err := os.ReadFile(statePath)
		if err != nil {
			continue
		}
		value := strings.TrimSpace(string(data))
		state, ok := ParseStepState(value)
		if p.session.Journey.GetStepInfo(step).State == state {
			continue
		}
		if !ok {
			p.session.Journey.SetStepErrored(step, true)
			continue
		}
		switch state {
		case StateInProgress:
			p.session.Journey.SetStepInProgress(step, true)
		case StatePerformed:
			p.session.Journey.SetStepPerformed(step, true)
		case StateErrored:
			p.session.Journey.SetStepErrored(step, true)
		}

		durationPath := filepath.Join(stepDir, "duration")
		if durationData, err := os.ReadFile(durationPath); err == nil {
			if seconds, err := strconv.ParseInt(strings.TrimSpace(string(durationData)), 10, 64); err == nil {
				p.session.Journey.SetStepExecutionDuration(step, time.Duration(seconds*1000000)*time.Microsecond)
			}
		}
	}
}

func (p *HandshakePerform) loadSubprocessErrorMessagesAndAnnotations(se *SpawnError) {
	errDir := p.session.WorkDir.ErrorDir()
	if data, err := os.ReadFile(filepath.Join(errDir, "summary")); err == nil {
		se.Summary = strings.TrimSpace(string(data))
	}
	if se.AdvancedProblemDetails == "" {
		if data, err := os.ReadFile(filepath.Join(errDir, "advanced_problem_details")); err == nil {
			se.AdvancedProblemDetails = strings.TrimSpace(string(data))
		}
	}
	if data, err := os.ReadFile(filepath.Join(errDir, "problem_description.html")); err == nil {
		se.ProblemDescriptionHTML = string(data)
	} else if data, err := os.ReadFile(filepath.Join(errDir, "problem_description.txt")); err == nil {
		se.ProblemDescriptionHTML = escapeHTML(strings.TrimSpace(string(data)))
	}
	if data, err := os.ReadFile(filepath.Join(errDir, "solution_description.html")); err == nil {
		se.SolutionDescriptionHTML = string(data)
	} else if data, err := os.ReadFile(filepath.Join(errDir, "solution_description.txt")); err == nil {
		se.SolutionDescriptionHTML = escapeHTML(strings.TrimSpace(string(data)))
	}

	envDumpDir := p.session.WorkDir.EnvDumpDir()
	if data, err := os.ReadFile(filepath.Join(envDumpDir, "envvars")); err == nil {
		se.SubprocessEnvvars = string(data)
	}
	if data, err := os.ReadFile(filepath.Join(envDumpDir, "user_info")); err == nil {
		se.SubprocessUserInfo = string(data)
	}
	if data, err := os.ReadFile(filepath.Join(envDumpDir, "ulimits")); err == nil {
		se.SubprocessUlimits = string(data)
	}

	p.loadAnnotationsFromEnvDumpDir(se)
}

func (p *HandshakePerform) loadAnnotationsFromEnvDumpDir(se *SpawnError) {
	dir := filepath.Join(p.session.WorkDir.EnvDumpDir(), "annotations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		se.setAnnotation(entry.Name(), strings.TrimSpace(string(data)))
	}
}

// cleanup stops the watcher goroutines and the stdio capturer. It never
// blocks indefinitely: the finish-signal and pingability watchers observe
// stopCh, and the process-exit watcher is not waited for (it ends when
// the child exits).
func (p *HandshakePerform) cleanup() {
	close(p.stopCh)
	if p.stdoutAndErr != nil {
		p.stdoutAndErr.Close()
	}
	if p.capturer != nil {
		p.capturer.wait()
	}
	p.watcherWG.Wait()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

package spawnkit

import (
	"fmt"
	"time"
)

// Step names the closed set of named steps a spawn can progress through.
// Order matters: it is the order in which HandshakePrepare/HandshakePerform
// and the child process report progress.
type Step int

const (
	StepUnknown Step = iota
	StepPreparation
	StepHandshakePerform
	StepSubprocessBeforeFirstExec
	StepSubprocessWrapperPreparation
	StepSubprocessAppLoadOrExec
	StepSubprocessListen
	StepSubprocessPrepareAfterForkingFromPreloader
	stepCount
)

var stepNames = [stepCount]string{
	StepUnknown:                                    "unknown",
	StepPreparation:                                "preparation",
	StepHandshakePerform:                            "handshake_perform",
	StepSubprocessBeforeFirstExec:                   "subprocess_before_first_exec",
	StepSubprocessWrapperPreparation:                "subprocess_wrapper_preparation",
	StepSubprocessAppLoadOrExec:                      "subprocess_app_load_or_exec",
	StepSubprocessListen:                             "subprocess_listen",
	StepSubprocessPrepareAfterForkingFromPreloader:   "subprocess_prepare_after_forking_from_preloader",
}

// String renders the step using its lower_case wire name, matching the
// directory names used under response/steps/<step>.
func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) || stepNames[s] == "" {
		return "unknown"
	}
	return stepNames[s]
}

// StepState is the per-step progress state.
type StepState int

const (
	StateNotStarted StepState = iota
	StateInProgress
	StatePerformed
	StateErrored
)

func (s StepState) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateInProgress:
		return "STEP_IN_PROGRESS"
	case StatePerformed:
		return "STEP_PERFORMED"
	case StateErrored:
		return "STEP_ERRORED"
	default:
		return "UNKNOWN"
	}
}

// ParseStepState parses the wire representation the child writes into
// response/steps/<step>/state.
func ParseStepState(s string) (StepState, bool) {
	switch s {
	case "STEP_IN_PROGRESS":
		return StateInProgress, true
	case "STEP_PERFORMED":
		return StatePerformed, true
	case "STEP_ERRORED":
		return StateErrored, true
	default:
		return StateNotStarted, false
	}
}

// StepInfo is the observable state of a single journey step.
type StepInfo struct {
	State    StepState
	Duration time.Duration
}

// JourneyType selects which steps a Journey contains, since a preloader
// spawn and a direct spawn progress through different subprocess steps.
type JourneyType int

const (
	SpawnDirectly JourneyType = iota
	StartPreloader
	SpawnThroughPreloader
)

// journeySteps enumerates, for each JourneyType, the ordered steps that
// make up that journey.
var journeySteps = map[JourneyType][]Step{
	SpawnDirectly: {
		StepPreparation,
		StepHandshakePerform,
		StepSubprocessBeforeFirstExec,
		StepSubprocessWrapperPreparation,
		StepSubprocessAppLoadOrExec,
		StepSubprocessListen,
	},
	StartPreloader: {
		StepPreparation,
		StepHandshakePerform,
		StepSubprocessBeforeFirstExec,
		StepSubprocessWrapperPreparation,
		StepSubprocessAppLoadOrExec,
		StepSubprocessListen,
	},
	SpawnThroughPreloader: {
		StepPreparation,
		StepHandshakePerform,
		StepSubprocessBeforeFirstExec,
		StepSubprocessPrepareAfterForkingFromPreloader,
		StepSubprocessListen,
	},
}

// Journey tracks the ordered progression of named steps for one spawn.
// It is not safe for concurrent use without external synchronization;
// while HandshakePerform's watchers run, it is accessed with
// HandshakePerform's mutex held.
type Journey struct {
	journeyType JourneyType
	order       []Step
	info        map[Step]*StepInfo
}

// NewJourney creates a Journey populated with the steps appropriate for
// journeyType, all starting in StateNotStarted.
func NewJourney(journeyType JourneyType) *Journey {
	steps := journeySteps[journeyType]
	j := &Journey{
		journeyType: journeyType,
		order:       append([]Step(nil), steps...),
		info:        make(map[Step]*StepInfo, len(steps)),
	}
	for _, s := range steps {
		j.info[s] = &StepInfo{State: StateNotStarted}
	}
	return j
}

// Type returns the JourneyType this Journey was created with.
func (j *Journey) Type() JourneyType {
	return j.journeyType
}

// HasStep reports whether step is part of this journey.
func (j *Journey) HasStep(step Step) bool {
	_, ok := j.info[step]
	return ok
}

// GetStepInfo returns the current state/duration of step. Calling it on a
// step not part of this journey returns the zero StepInfo.
func (j *Journey) GetStepInfo(step Step) StepInfo {
	if info, ok := j.info[step]; ok {
		return *info
	}
	return StepInfo{}
}

// Steps returns the ordered list of steps this journey tracks.
func (j *Journey) Steps() []Step {
	return append([]Step(nil), j.order...)
}

func (j *Journey) transition(step Step, target StepState, force bool) error {
	info, ok := j.info[step]
	if !ok {
		return fmt.Errorf("spawnkit: journey does not have step %s", step)
	}
	if force {
		info.State = target
		return nil
	}
	switch {
	case target == StateInProgress && info.State == StateNotStarted:
	case (target == StatePerformed || target == StateErrored) && info.State == StateInProgress:
	default:
		return fmt.Errorf("spawnkit: invalid journey transition for step %s: %s -> %s",
			step, info.State, target)
	}
	info.State = target
	return nil
}

// SetStepInProgress transitions step to StateInProgress. The transition is
// validated unless force is true, in which case it is applied
// unconditionally (used when repairing state after an abnormal child exit).
func (j *Journey) SetStepInProgress(step Step, force ...bool) error {
	return j.transition(step, StateInProgress, anyForce(force))
}

// SetStepPerformed transitions step to StatePerformed.
func (j *Journey) SetStepPerformed(step Step, force ...bool) error {
	return j.transition(step, StatePerformed, anyForce(force))
}

// SetStepErrored transitions step to StateErrored. Unlike the other two
// transitions, any step may always be forced to errored regardless of its
// current state, matching the "any step may be forced to errored" invariant.
func (j *Journey) SetStepErrored(step Step, force ...bool) error {
	if anyForce(force) {
		return j.transition(step, StateErrored, true)
	}
	info, ok := j.info[step]
	if !ok {
		return fmt.Errorf("spawnkit: journey does not have step %s", step)
	}
	info.State = StateErrored
	return nil
}

// SetStepExecutionDuration records how long step took to execute.
func (j *Journey) SetStepExecutionDuration(step Step, d time.Duration) {
	if info, ok := j.info[step]; ok {
		info.Duration = d
	}
}

// GetFirstFailedStep returns the earliest step (in journey order) whose
// state is StateErrored, or StepUnknown if none has failed.
func (j *Journey) GetFirstFailedStep() Step {
	for _, step := range j.order {
		if j.info[step].State == StateErrored {
			return step
		}
	}
	return StepUnknown
}

func anyForce(force []bool) bool {
	for _, f := range force {
		if f {
			return true
		}
	}
	return false
}

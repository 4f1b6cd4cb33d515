package spawnkit

import (
	"testing"
	"time"
)

func TestNewJourneyStartsNotStarted(t *testing.T) {
	j := NewJourney(SpawnDirectly)
	for _, step := range j.Steps() {
		if info := j.GetStepInfo(step); info.State != StateNotStarted {
			t.Fatalf("step %s: want StateNotStarted, got %s", step, info.State)
		}
	}
	if j.GetFirstFailedStep() != StepUnknown {
		t.Fatalf("expected no failed step on a fresh journey")
	}
}

func TestJourneyStepsDifferByType(t *testing.T) {
	direct := NewJourney(SpawnDirectly)
	if direct.HasStep(StepSubprocessPrepareAfterForkingFromPreloader) {
		t.Fatalf("SpawnDirectly should not track the preloader-fork step")
	}

	preloaded := NewJourney(SpawnThroughPreloader)
	if !preloaded.HasStep(StepSubprocessPrepareAfterForkingFromPreloader) {
		t.Fatalf("SpawnThroughPreloader should track the preloader-fork step")
	}
	if preloaded.HasStep(StepSubprocessWrapperPreparation) {
		t.Fatalf("SpawnThroughPreloader should not track wrapper preparation")
	}
}

func TestJourneyValidTransitions(t *testing.T) {
	j := NewJourney(SpawnDirectly)

	if err := j.SetStepInProgress(StepPreparation); err != nil {
		t.Fatalf("not_started -> in_progress should succeed: %v", err)
	}
	if err := j.SetStepPerformed(StepPreparation); err != nil {
		t.Fatalf("in_progress -> performed should succeed: %v", err)
	}
	if info := j.GetStepInfo(StepPreparation); info.State != StatePerformed {
		t.Fatalf("want StatePerformed, got %s", info.State)
	}
}

func TestJourneyRejectsSkippingInProgress(t *testing.T) {
	j := NewJourney(SpawnDirectly)
	if err := j.SetStepPerformed(StepPreparation); err == nil {
		t.Fatalf("not_started -> performed should be rejected without force")
	}
}

func TestJourneySetStepErroredFromAnyState(t *testing.T) {
	j := NewJourney(SpawnDirectly)
	if err := j.SetStepErrored(StepSubprocessListen); err != nil {
		t.Fatalf("SetStepErrored should always succeed regardless of current state: %v", err)
	}
	if j.GetFirstFailedStep() != StepSubprocessListen {
		t.Fatalf("want first failed step %s, got %s", StepSubprocessListen, j.GetFirstFailedStep())
	}
}

func TestJourneyFirstFailedStepRespectsOrder(t *testing.T) {
	j := NewJourney(SpawnDirectly)
	j.SetStepErrored(StepSubprocessAppLoadOrExec)
	j.SetStepErrored(StepPreparation)

	if got := j.GetFirstFailedStep(); got != StepPreparation {
		t.Fatalf("want earliest failed step %s, got %s", StepPreparation, got)
	}
}

func TestJourneyExecutionDuration(t *testing.T) {
	j := NewJourney(SpawnDirectly)
	j.SetStepExecutionDuration(StepPreparation, 42*time.Millisecond)
	if got := j.GetStepInfo(StepPreparation).Duration; got != 42*time.Millisecond {
		t.Fatalf("want 42ms, got %s", got)
	}
}

func TestStepStringUnknownForOutOfRange(t *testing.T) {
	if got := Step(999).String(); got != "unknown" {
		t.Fatalf("want unknown, got %q", got)
	}
}

func TestParseStepStateRejectsGarbage(t *testing.T) {
	if _, ok := ParseStepState("NOT_A_REAL_STATE"); ok {
		t.Fatalf("expected ParseStepState to reject an unrecognized value")
	}
}

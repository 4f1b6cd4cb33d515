package spawnkit

import (
	"strings"
	"testing"
)

func TestParseCategoryRoundTrips(t *testing.T) {
	for _, cat := range []Category{InternalError, FileSystemError, OperatingSystemError, IOError, TimeoutError} {
		parsed, ok := ParseCategory(cat.String())
		if !ok || parsed != cat {
			t.Fatalf("round trip failed for %s", cat)
		}
	}
}

func TestParseCategoryRejectsUnknown(t *testing.T) {
	if _, ok := ParseCategory("NOT_A_CATEGORY"); ok {
		t.Fatalf("expected an unrecognized category to report ok=false")
	}
}

func TestClassifyWrapperOrigin(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want wrapperOrigin
	}{
		{"generic app", Config{GenericApp: true}, originDirectApp},
		{"no wrapper", Config{StartsUsingWrapper: false}, originDirectApp},
		{"our wrapper", Config{StartsUsingWrapper: true}, originOurWrapper},
		{"third party wrapper", Config{StartsUsingWrapper: true, WrapperSuppliedByThirdParty: true}, originThirdPartyWrapper},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := classifyWrapperOrigin(&c.cfg); got != c.want {
				t.Fatalf("want %d, got %d", c.want, got)
			}
		})
	}
}

func TestSpawnErrorErrorIncludesFirstFailedStep(t *testing.T) {
	j := NewJourney(SpawnDirectly)
	j.SetStepErrored(StepSubprocessAppLoadOrExec)
	se := newSpawnError(InternalError, j)
	se.Summary = "boom"

	msg := se.Error()
	if !strings.Contains(msg, "boom") || !strings.Contains(msg, StepSubprocessAppLoadOrExec.String()) {
		t.Fatalf("unexpected error message: %s", msg)
	}
}

func TestEscapeHTMLEscapesEmbeddedMarkup(t *testing.T) {
	got := escapeHTML(`<script>alert("x")</script>`)
	if strings.Contains(got, "<script>") {
		t.Fatalf("expected embedded markup to be escaped, got %s", got)
	}
}

func TestRenderWordingFillsPlaceholders(t *testing.T) {
	wording := renderWording(axisMissingSockets, originDirectApp, "main", "node server.js")
	if wording.summary == "" || wording.problem == "" {
		t.Fatalf("expected non-empty wording")
	}
}

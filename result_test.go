package spawnkit

import "testing"

func TestNewResultGeneratesGUPID(t *testing.T) {
	r := NewResult()
	if r.GUPID == "" {
		t.Fatalf("expected a non-empty gupid")
	}
	r2 := NewResult()
	if r.GUPID == r2.GUPID {
		t.Fatalf("expected distinct gupids across results")
	}
}

func TestResultValidateRequiresPIDAndSockets(t *testing.T) {
	r := NewResult()
	internalErrs, appErrs := r.Validate(SpawnDirectly, false)
	if len(internalErrs) == 0 {
		t.Fatalf("expected an internal error for a zero pid")
	}
	if len(appErrs) == 0 {
		t.Fatalf("expected an app error for having no sockets")
	}
}

func TestResultValidateAcceptsWellFormedSocket(t *testing.T) {
	r := NewResult()
	r.PID = 1234
	r.Sockets = []SocketInfo{
		{Name: "main", Address: "tcp://127.0.0.1:3000", Protocol: "tcp", Concurrency: 1, AcceptHTTP: true},
	}
	internalErrs, appErrs := r.Validate(SpawnDirectly, false)
	if len(internalErrs) != 0 || len(appErrs) != 0 {
		t.Fatalf("expected no errors, got internal=%v app=%v", internalErrs, appErrs)
	}
}

func TestResultValidateRejectsEmptyProtocol(t *testing.T) {
	r := NewResult()
	r.PID = 1
	r.Sockets = []SocketInfo{{Name: "main", Address: "tcp://x", Protocol: "", Concurrency: 1}}
	_, appErrs := r.Validate(SpawnDirectly, false)
	if len(appErrs) == 0 {
		t.Fatalf("expected an app error for an empty protocol")
	}
}

func TestResultValidateAcceptsAppLevelProtocolNames(t *testing.T) {
	r := NewResult()
	r.PID = 1
	r.Sockets = []SocketInfo{
		{Name: "main", Address: "tcp://x", Protocol: "http", Concurrency: 1, AcceptHTTP: true},
		{Name: "preloader", Address: "unix:/tmp/x.sock", Protocol: "preloader", Concurrency: 0},
	}
	_, appErrs := r.Validate(SpawnThroughPreloader, false)
	if len(appErrs) != 0 {
		t.Fatalf("expected no app errors for well-formed app-level protocol names, got %v", appErrs)
	}
}

func TestNewGUPIDStaysWithinSpecCap(t *testing.T) {
	r := NewResult()
	if len(r.GUPID) > gupidMaxLen {
		t.Fatalf("expected gupid to be at most %d bytes, got %d (%q)", gupidMaxLen, len(r.GUPID), r.GUPID)
	}
}

func TestResultDurationZeroWithoutTimestamps(t *testing.T) {
	r := NewResult()
	if d := r.Duration(); d != 0 {
		t.Fatalf("expected zero duration before start/end are set, got %s", d)
	}
}

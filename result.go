package spawnkit

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SocketInfo describes one socket a spawned process reports listening
// on, as communicated via response/properties.json's "sockets" array.
type SocketInfo struct {
	Name        string
	Address     string
	Protocol    string // the app-level protocol spoken on this socket, e.g. "http", "session", "preloader"
	Description string
	Concurrency int
	AcceptHTTP  bool // whether the socket speaks raw HTTP (vs. a custom protocol)
}

// Result aggregates everything known about a successfully (or
// unsuccessfully) spawned process: its identity, timestamps, and the
// sockets it reports being reachable on.
type Result struct {
	PID            int
	GUPID          string
	CodeRevision   string
	Sockets        []SocketInfo
	SpawnStartTime time.Time
	SpawnEndTime   time.Time

	// Internal fields are not sourced from the child's own report, so a
	// violation of an invariant here is always this process's bug.
	internalOK bool
}

// gupidMaxLen is the spec's cap on the gupid identifier's length.
const gupidMaxLen = 20

// NewResult creates a Result with a freshly generated globally unique
// process identifier (gupid), used to correlate this spawn across
// analytics events and log lines even if the OS recycles its pid.
func NewResult() *Result {
	return &Result{
		GUPID:      newGUPID(),
		internalOK: true,
	}
}

// newGUPID derives a gupid from a random UUID, hex-encoded without
// dashes and truncated to gupidMaxLen bytes.
func newGUPID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(hex) > gupidMaxLen {
		hex = hex[:gupidMaxLen]
	}
	return hex
}

// Duration is how long the spawn took end to end.
func (r *Result) Duration() time.Duration {
	if r.SpawnEndTime.IsZero() || r.SpawnStartTime.IsZero() {
		return 0
	}
	return r.SpawnEndTime.Sub(r.SpawnStartTime)
}

// Validate checks Result's invariants, splitting violations into two
// buckets: internalErrors are bugs in this process (e.g. a pid of 0
// after we believe the fork succeeded); appErrors are violations of the
// contract the spawned process was supposed to uphold (e.g. missing or
// malformed sockets). Callers use the bucket to pick the right
// error-wording template.
func (r *Result) Validate(journeyType JourneyType, genericApp bool) (internalErrors, appErrors []string) {
	if r.PID <= 0 {
		internalErrors = append(internalErrors, "'pid' must be greater than 0")
	}
	if r.GUPID == "" {
		internalErrors = append(internalErrors, "'gupid' must be a non-empty string")
	}

	if len(r.Sockets) == 0 {
		appErrors = append(appErrors, "at least one socket must be reported")
	}
	for i, s := range r.Sockets {
		if strings.TrimSpace(s.Address) == "" {
			appErrors = append(appErrors, fmt.Sprintf("'sockets[%d].address' must be a non-empty string", i))
		}
		if strings.TrimSpace(s.Protocol) == "" {
			appErrors = append(appErrors, fmt.Sprintf("'sockets[%d].protocol' must be a non-empty string", i))
		}
		if s.Concurrency < -1 {
			appErrors = append(appErrors, fmt.Sprintf("'sockets[%d].concurrency' must be -1 or greater", i))
		}
	}

	return internalErrors, appErrors
}

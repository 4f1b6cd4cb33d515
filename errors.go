package spawnkit

import (
	"fmt"
	"html"
	"strings"
)

// Category is the closed set of SpawnError failure categories.
type Category int

const (
	UnknownErrorCategory Category = iota
	InternalError
	FileSystemError
	OperatingSystemError
	IOError
	TimeoutError
)

func (c Category) String() string {
	switch c {
	case InternalError:
		return "INTERNAL_ERROR"
	case FileSystemError:
		return "FILE_SYSTEM_ERROR"
	case OperatingSystemError:
		return "OPERATING_SYSTEM_ERROR"
	case IOError:
		return "IO_ERROR"
	case TimeoutError:
		return "TIMEOUT_ERROR"
	default:
		return "UNKNOWN_ERROR_CATEGORY"
	}
}

// ParseCategory parses the wire representation the child writes into
// response/error/category. An unrecognized value reports ok=false; callers
// must treat that as INTERNAL_ERROR per spec.
func ParseCategory(s string) (Category, bool) {
	switch s {
	case "INTERNAL_ERROR":
		return InternalError, true
	case "FILE_SYSTEM_ERROR":
		return FileSystemError, true
	case "OPERATING_SYSTEM_ERROR":
		return OperatingSystemError, true
	case "IO_ERROR":
		return IOError, true
	case "TIMEOUT_ERROR":
		return TimeoutError, true
	default:
		return UnknownErrorCategory, false
	}
}

// SpawnError is the richly structured failure this package raises whenever
// a spawn does not complete successfully. It is always the concrete type
// returned on failure from Prepare and Perform, so callers can type-assert
// to inspect category/journey/diagnostics rather than parsing a message.
type SpawnError struct {
	Category Category
	Journey  *Journey

	Summary                string
	AdvancedProblemDetails  string
	ProblemDescriptionHTML  string
	SolutionDescriptionHTML string

	StdoutAndErrData   string
	SubprocessEnvvars  string
	SubprocessUserInfo string
	SubprocessUlimits  string
	Annotations        map[string]string
}

func newSpawnError(category Category, journey *Journey) *SpawnError {
	return &SpawnError{
		Category:    category,
		Journey:     journey,
		Annotations: make(map[string]string),
	}
}

// Error implements the error interface. It is a compact one-line
// rendering; the rich HTML/advanced fields are available on the struct
// itself for callers that want them (e.g. an HTML error page formatter).
func (e *SpawnError) Error() string {
	step := StepUnknown
	if e.Journey != nil {
		step = e.Journey.GetFirstFailedStep()
	}
	return fmt.Sprintf("spawnkit: %s (category=%s, step=%s)", e.Summary, e.Category, step)
}

func (e *SpawnError) setAnnotation(key, value string) {
	if e.Annotations == nil {
		e.Annotations = make(map[string]string)
	}
	e.Annotations[key] = value
}

// escapeHTML escapes user-supplied text for embedding into an HTML
// description, matching the spec's requirement that embedded strings be
// entity-escaped.
func escapeHTML(s string) string {
	return html.EscapeString(s)
}

// wrapperOrigin is the first axis of the error-wording matrix: who wrote
// the code that failed to report sockets/progress correctly.
type wrapperOrigin int

const (
	originDirectApp wrapperOrigin = iota
	originOurWrapper
	originThirdPartyWrapper
)

func classifyWrapperOrigin(cfg *Config) wrapperOrigin {
	if cfg.GenericApp || !cfg.StartsUsingWrapper {
		return originDirectApp
	}
	if cfg.WrapperSuppliedByThirdParty {
		return originThirdPartyWrapper
	}
	return originOurWrapper
}

// wordingAxis is the second axis of the error-wording matrix: what kind of
// contract violation occurred.
type wordingAxis int

const (
	axisMissingSockets wordingAxis = iota
	axisBadSchema
	axisInternalBug
)

// wordingTemplate holds the three strings that vary per (origin, axis)
// cell of the matrix described in spec §9's design note.
type wordingTemplate struct {
	summary  string
	problem  string
	solution string
}

// wordingTable is keyed by [axis][origin] rather than nested conditionals,
// per the spec's explicit design note recommendation. %s placeholders are
// filled in by the caller (e.g. the offending command, or a bullet list of
// errors) via fmt.Sprintf at use time.
var wordingTable = map[wordingAxis]map[wrapperOrigin]wordingTemplate{
	axisMissingSockets: {
		originDirectApp: {
			summary: "Error spawning the web application: the application did not report any sockets to receive %s on.",
			problem: "<p>The application server tried to start the web application, but encountered a bug" +
				" in the application. It expected the application to report a socket to receive %s on," +
				" but the application finished its startup sequence without reporting such a socket.</p>",
			solution: "<p class=\"sole-solution\">Since this is a bug in the web application, please report this" +
				" problem to the application's developer. This problem is outside the application server's control.</p>",
		},
		originOurWrapper: {
			summary: "Error spawning the web application: an internal application wrapper did not report any sockets" +
				" to receive %s on.",
			problem: "<p>The application server tried to start the web application through an internal helper tool" +
				" called the \"wrapper\", but encountered a bug in this helper tool. It expected the helper tool to" +
				" report a socket to receive %s on, but the helper tool finished its startup sequence without" +
				" reporting such a socket.</p>",
			solution: "<p class=\"sole-solution\">This is a bug in the application server." +
				" Please report this bug to its authors.</p>",
		},
		originThirdPartyWrapper: {
			summary: "Error spawning the web application: a third-party application wrapper did not report any" +
				" sockets to receive %s on.",
			problem: "<p>The application server tried to start the web application through a helper tool called the" +
				" \"wrapper\". This helper tool is not part of the application server. It expected the helper tool" +
				" to report a socket to receive %s on, but the helper tool finished its startup sequence without" +
				" reporting such a socket.</p>",
			solution: "<p class=\"sole-solution\">This is a bug in the wrapper, so please contact the author of the" +
				" wrapper. This problem is outside the application server's control. Below follows the command that" +
				" was executed, so that you can infer which wrapper was used:</p><pre>%s</pre>",
		},
	},
	axisBadSchema: {
		originDirectApp: {
			summary: "Error spawning the web application: the application's spawn response is invalid: %s",
			problem: "<p>The application server tried to start the web application, but encountered a bug in the" +
				" application. It expected the application to communicate back various information about its" +
				" startup sequence, but the application did not communicate back correctly. The errors are as" +
				" follows:</p><ul>%s</ul>",
			solution: "<p class=\"sole-solution\">Since this is a bug in the web application, please report this" +
				" problem to the application's developer. This problem is outside the application server's control.</p>",
		},
		originOurWrapper: {
			summary: "Error spawning the web application: a bug in an internal application wrapper caused the" +
				" spawn result to be invalid: %s",
			problem: "<p>The application server tried to start the web application through an internal helper tool" +
				" (called the \"wrapper\"), but encountered a bug in this helper tool. It expected the helper tool" +
				" to communicate back various information about the application's startup sequence, but the tool" +
				" did not communicate back correctly. The errors are as follows:</p><ul>%s</ul>",
			solution: "<p class=\"sole-solution\">This is a bug in the application server." +
				" Please report this bug to its authors.</p>",
		},
		originThirdPartyWrapper: {
			summary: "Error spawning the web application: a bug in a third-party application wrapper caused the" +
				" spawn result to be invalid: %s",
			problem: "<p>The application server tried to start the web application through a helper tool called the" +
				" \"wrapper\". This helper tool is not part of the application server. It expected the helper tool" +
				" to communicate back various information about the application's startup sequence, but the tool" +
				" did not communicate back correctly. The errors are as follows:</p><ul>%s</ul>",
			solution: "<p class=\"sole-solution\">This is a bug in the wrapper, so please contact the author of the" +
				" wrapper. This problem is outside the application server's control. Below follows the command that" +
				" was executed, so that you can infer which wrapper was used:</p><pre>%s</pre>",
		},
	},
	axisInternalBug: {
		originDirectApp: {
			summary: "An error occurred while spawning an application process: the application reported an invalid" +
				" progress step state: %s",
			problem: "<p>The application server tried to start the web application, and expected the application to" +
				" report about its startup progress. But the application communicated back an invalid answer:</p>" +
				"<ul><li>Content: <code>%s</code></li></ul>",
			solution: "<p class=\"sole-solution\">This is a bug in the web application, please report this problem" +
				" to the application's developer. This problem is outside the application server's control.</p>",
		},
		originOurWrapper: {
			summary: "An error occurred while spawning an application process: the application wrapper (which is" +
				" internal to the application server) reported an invalid progress step state: %s",
			problem: "<p>The application server tried to start the web application through an internal helper tool" +
				" called the \"wrapper\". The tool encountered an error, so it was expected to report details" +
				" about that error. But it communicated back in an invalid format:</p>" +
				"<ul><li>Content: <code>%s</code></li></ul>",
			solution: "<p class=\"sole-solution\">This is a bug in the application server." +
				" Please report this bug to its authors.</p>",
		},
		originThirdPartyWrapper: {
			summary: "An error occurred while spawning an application process: the application wrapper (which is" +
				" not part of the application server) reported an invalid progress step state: %s",
			problem: "<p>The application server tried to start the web application through a helper tool called the" +
				" \"wrapper\". This helper tool is not part of the application server. The tool encountered an" +
				" error, so it was expected to report details about that error. But it communicated back in an" +
				" invalid format:</p><ul><li>Content: <code>%s</code></li></ul>",
			solution: "<p class=\"sole-solution\">This is a bug in the wrapper, so please contact the author of the" +
				" wrapper. This problem is outside the application server's control. Below follows the command that" +
				" was executed, so that you can infer which wrapper was used:</p><pre>%s</pre>",
		},
	},
}

// socketKindLabel names what kind of socket the subprocess failed to
// report, used to fill in the "%s" in missing-sockets templates.
func socketKindLabel(journeyType JourneyType) string {
	if journeyType == StartPreloader {
		return "preloader commands"
	}
	return "requests"
}

// renderWording fills in a wordingTemplate's placeholders. fillA is the
// socket kind, error list or raw value depending on axis; fillB is the
// start command, used only in third-party-wrapper solutions. fillB is
// always HTML-escaped here, and fillA only in internal-bug problem text;
// any other escaping of fillA is up to the caller.
func renderWording(axis wordingAxis, origin wrapperOrigin, fillA, fillB string) wordingTemplate {
	tpl := wordingTable[axis][origin]
	out := wordingTemplate{}
	switch axis {
	case axisMissingSockets:
		out.summary = fmt.Sprintf(tpl.summary, fillA)
		out.problem = fmt.Sprintf(tpl.problem, fillA)
		if origin == originThirdPartyWrapper {
			out.solution = fmt.Sprintf(tpl.solution, escapeHTML(fillB))
		} else {
			out.solution = tpl.solution
		}
	case axisBadSchema:
		out.summary = fmt.Sprintf(tpl.summary, fillA)
		out.problem = fmt.Sprintf(tpl.problem, fillA)
		if origin == originThirdPartyWrapper {
			out.solution = fmt.Sprintf(tpl.solution, escapeHTML(fillB))
		} else {
			out.solution = tpl.solution
		}
	case axisInternalBug:
		out.summary = fmt.Sprintf(tpl.summary, fillA)
		out.problem = fmt.Sprintf(tpl.problem, escapeHTML(fillA))
		if origin == originThirdPartyWrapper {
			out.solution = fmt.Sprintf(tpl.solution, escapeHTML(fillB))
		} else {
			out.solution = tpl.solution
		}
	}
	return out
}

func bulletList(errs []string) string {
	var b strings.Builder
	for _, e := range errs {
		b.WriteString("<li>")
		b.WriteString(escapeHTML(e))
		b.WriteString("</li>")
	}
	return b.String()
}

func joinErrs(errs []string) string {
	return strings.Join(errs, ", ")
}

package spawnkit

import (
	"fmt"
	"strings"
)

const (
	defaultAppEnv       = "production"
	defaultLVEMinUID    = 500
	defaultStartTimeout = 90000 // milliseconds
)

// Config holds everything HandshakePrepare and HandshakePerform need to
// know about the application to spawn. Fields tagged "handshake" below are
// the ones that get written into the work directory for the child process
// to read; the rest are only consulted by this process.
type Config struct {
	// AppRoot is the application's root directory. The start command is
	// invoked with this as its working directory. (handshake)
	AppRoot string

	// LogLevel is the log level to pass through to the child. (handshake)
	LogLevel int

	// GenericApp marks an app with no SpawningKit wrapper support built in
	// or available; SpawningKit only knows how to pass it a port. (handshake)
	GenericApp bool

	// StartsUsingWrapper is only meaningful when !GenericApp: true means
	// the app is loaded through a wrapper, false means it has native
	// support and is started directly. Affects error-message wording
	// only. (handshake)
	StartsUsingWrapper bool

	// WrapperSuppliedByThirdParty distinguishes a wrapper we ship
	// ourselves from one supplied by a third party (e.g. a community
	// Node.js loader), which changes who an error points the user at.
	// Only meaningful when StartsUsingWrapper.
	WrapperSuppliedByThirdParty bool

	// FindFreePort requests that a free port be found and passed to the
	// app via $PORT, even for a non-generic app. Always true when
	// GenericApp. Only meaningful when !GenericApp. (handshake)
	FindFreePort bool

	// LoadShellEnvvars loads environment variables from shell startup
	// files (e.g. ~/.bashrc) before spawning. (handshake)
	LoadShellEnvvars bool

	// AnalyticsSupport enables Union Station analytics reporting for
	// this app. (handshake)
	AnalyticsSupport bool

	// StartCommand is the command used to start the app. If GenericApp,
	// it must contain the literal string "$PORT". (handshake, required)
	StartCommand string

	// StartupFile is the app's entry point file. Only meaningful when
	// !GenericApp && StartsUsingWrapper. (handshake, required if meaningful)
	StartupFile string

	// ProcessTitle, if non-empty, is set as the spawned process's title.
	// (handshake, only sent if non-empty)
	ProcessTitle string

	// AppType names the application type, e.g. "rack" or "node". Used
	// only to format error messages. (handshake, required)
	AppType string

	// AppEnv is the value to set PASSENGER_APP_ENV/RAILS_ENV/etc to.
	// (handshake, required)
	AppEnv string

	// SpawnMethod is "smart" or "direct". (handshake, required)
	SpawnMethod string

	// BaseURI is the base URI the app runs on; "/" if root-mounted.
	// (handshake, required)
	BaseURI string

	// User and Group select which OS identity to run the app as. Only
	// has effect when this process has root privileges. (handshake, required)
	User  string
	Group string

	// EnvironmentVariables are extra envvars set after shell startup
	// files are sourced but before the app is started. (handshake)
	EnvironmentVariables map[string]string

	// UnionStationKey authenticates with the analytics backend. Only
	// meaningful when AnalyticsSupport. (handshake, only sent if non-empty)
	UnionStationKey string

	// StickySessionID routes requests to this specific process. (handshake,
	// only sent if non-empty)
	StickySessionID string

	// APIKey identifies the pool group the spawned process belongs to.
	// (handshake, only sent if non-empty)
	APIKey string

	// GroupUUID changes every time the owning group is restarted, so
	// analytics can track app restarts across respawns. (handshake, only
	// sent if non-empty)
	GroupUUID string

	// LVEMinUID is the minimum UID from which entering LVE/CageFS
	// jails is permitted. Not sent to the child.
	LVEMinUID uint

	// FileDescriptorUlimit is the FD ulimit the app should run under; 0
	// means leave it unchanged. (handshake, only sent if > 0)
	FileDescriptorUlimit uint

	// StartTimeoutMsec bounds how long spawning may take in total.
	StartTimeoutMsec uint
}

// NewConfig returns a Config populated with the same defaults as a
// freshly constructed handshake configuration.
func NewConfig() *Config {
	return &Config{
		LogLevel:         0,
		AppEnv:           defaultAppEnv,
		BaseURI:          "/",
		LVEMinUID:        defaultLVEMinUID,
		StartTimeoutMsec: defaultStartTimeout,
	}
}

// Validate checks the required-field and conditional-requirement rules
// that mirror the handshake configuration's @require_non_empty and
// @only_meaningful_if annotations. It returns every violation found
// rather than stopping at the first.
func (c *Config) Validate() []string {
	var errs []string

	require := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Sprintf("'%s' must be a non-empty string", name))
		}
	}

	require(c.AppRoot, "appRoot")
	require(c.StartCommand, "startCommand")
	require(c.AppType, "appType")
	require(c.AppEnv, "appEnv")
	require(c.SpawnMethod, "spawnMethod")
	require(c.BaseURI, "baseURI")
	require(c.User, "user")
	require(c.Group, "group")

	if c.GenericApp && !strings.Contains(c.StartCommand, "$PORT") {
		errs = append(errs, "'startCommand' must contain '$PORT' when 'genericApp' is true")
	}
	if !c.GenericApp && c.StartsUsingWrapper {
		require(c.StartupFile, "startupFile")
	}
	if c.AnalyticsSupport {
		require(c.UnionStationKey, "unionStationKey")
	}
	if c.StartTimeoutMsec == 0 {
		errs = append(errs, "'startTimeoutMsec' must be greater than 0")
	}

	return errs
}

// FieldsToPassToApp returns the subset of configuration that is written
// into the work directory for the child to read, as a flat key/value map
// ready for dumpArgs to serialize. It mirrors getFieldsToPassToApp's
// selective inclusion of fields only "meaningful" in context.
func (c *Config) FieldsToPassToApp() map[string]interface{} {
	fields := map[string]interface{}{
		"app_root":           c.AppRoot,
		"log_level":          c.LogLevel,
		"generic_app":        c.GenericApp,
		"starts_using_wrapper": c.StartsUsingWrapper,
		"load_shell_envvars":  c.LoadShellEnvvars,
		"analytics_support":   c.AnalyticsSupport,
		"start_command":       c.StartCommand,
		"app_type":            c.AppType,
		"app_env":             c.AppEnv,
		"spawn_method":        c.SpawnMethod,
		"base_uri":            c.BaseURI,
		"user":                c.User,
		"group":               c.Group,
	}

	if !c.GenericApp {
		fields["starts_using_wrapper"] = c.StartsUsingWrapper
		fields["find_free_port"] = c.FindFreePort
	}
	if !c.GenericApp && c.StartsUsingWrapper && c.StartupFile != "" {
		fields["startup_file"] = c.StartupFile
	}
	if c.ProcessTitle != "" {
		fields["process_title"] = c.ProcessTitle
	}
	if len(c.EnvironmentVariables) > 0 {
		fields["environment_variables"] = c.EnvironmentVariables
	}
	if c.AnalyticsSupport && c.UnionStationKey != "" {
		fields["union_station_key"] = c.UnionStationKey
	}
	if c.StickySessionID != "" {
		fields["sticky_session_id"] = c.StickySessionID
	}
	if c.APIKey != "" {
		fields["api_key"] = c.APIKey
	}
	if c.GroupUUID != "" {
		fields["group_uuid"] = c.GroupUUID
	}
	if c.FileDescriptorUlimit > 0 {
		fields["file_descriptor_ulimit"] = c.FileDescriptorUlimit
	}

	return fields
}

package spawnkit

import (
	"strings"
	"testing"
)

func baseValidConfig() *Config {
	c := NewConfig()
	c.AppRoot = "/srv/app"
	c.StartCommand = "bundle exec passenger start"
	c.AppType = "rack"
	c.SpawnMethod = "smart"
	c.User = "app"
	c.Group = "app"
	return c
}

func TestConfigValidateAcceptsMinimalValidConfig(t *testing.T) {
	c := baseValidConfig()
	if errs := c.Validate(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
}

func TestConfigValidateRequiresCoreFields(t *testing.T) {
	c := &Config{}
	errs := c.Validate()
	if len(errs) == 0 {
		t.Fatalf("expected validation errors on an empty config")
	}
}

func TestConfigValidateGenericAppRequiresPortPlaceholder(t *testing.T) {
	c := baseValidConfig()
	c.GenericApp = true
	c.StartCommand = "node server.js"

	errs := c.Validate()
	if !containsSubstring(errs, "$PORT") {
		t.Fatalf("expected an error about missing $PORT, got %v", errs)
	}

	c.StartCommand = "node server.js --port=$PORT"
	if errs := c.Validate(); containsSubstring(errs, "$PORT") {
		t.Fatalf("did not expect a $PORT error once placeholder is present: %v", errs)
	}
}

func TestConfigValidateStartupFileRequiredForWrapper(t *testing.T) {
	c := baseValidConfig()
	c.StartsUsingWrapper = true
	errs := c.Validate()
	if !containsSubstring(errs, "startupFile") {
		t.Fatalf("expected a startupFile error, got %v", errs)
	}

	c.StartupFile = "app.rb"
	if errs := c.Validate(); containsSubstring(errs, "startupFile") {
		t.Fatalf("did not expect a startupFile error once set: %v", errs)
	}
}

func TestConfigValidateUnionStationKeyRequiredForAnalytics(t *testing.T) {
	c := baseValidConfig()
	c.AnalyticsSupport = true
	errs := c.Validate()
	if !containsSubstring(errs, "unionStationKey") {
		t.Fatalf("expected a unionStationKey error, got %v", errs)
	}
}

func TestConfigValidateRejectsZeroTimeout(t *testing.T) {
	c := baseValidConfig()
	c.StartTimeoutMsec = 0
	errs := c.Validate()
	if !containsSubstring(errs, "startTimeoutMsec") {
		t.Fatalf("expected a startTimeoutMsec error, got %v", errs)
	}
}

func TestFieldsToPassToAppOmitsEmptyOptionalFields(t *testing.T) {
	c := baseValidConfig()
	fields := c.FieldsToPassToApp()

	for _, key := range []string{"union_station_key", "sticky_session_id", "api_key", "group_uuid", "process_title", "environment_variables", "startup_file"} {
		if _, present := fields[key]; present {
			t.Fatalf("did not expect %q to be present when unset", key)
		}
	}
	if _, present := fields["app_root"]; !present {
		t.Fatalf("expected app_root to always be present")
	}
}

func TestFieldsToPassToAppIncludesSetOptionalFields(t *testing.T) {
	c := baseValidConfig()
	c.APIKey = "secret"
	c.StickySessionID = "sticky-1"
	c.GroupUUID = "uuid-1"
	c.ProcessTitle = "my-app"
	c.EnvironmentVariables = map[string]string{"FOO": "bar"}

	fields := c.FieldsToPassToApp()
	for _, key := range []string{"api_key", "sticky_session_id", "group_uuid", "process_title", "environment_variables"} {
		if _, present := fields[key]; !present {
			t.Fatalf("expected %q to be present once set", key)
		}
	}
}

func containsSubstring(errs []string, substr string) bool {
	for _, e := range errs {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

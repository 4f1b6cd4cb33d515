package spawnkit

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"spawnkit/logx"
)

// BootstrapConfig is the process-wide configuration loaded once at
// startup, as distinct from a per-spawn Config: it describes how this
// spawnkit instance itself is set up, not the app being spawned.
type BootstrapConfig struct {
	WorkDirRoot      string `mapstructure:"workDirRoot"`
	PortRangeStart   int    `mapstructure:"portRangeStart"`
	PortRangeEnd     int    `mapstructure:"portRangeEnd"`
	DefaultTimeoutMs int    `mapstructure:"defaultTimeoutMs"`
	InstallRoot      string `mapstructure:"installRoot"`
	Version          string `mapstructure:"version"`

	Logging     logx.Config `mapstructure:"logging"`
	NATSURL     string      `mapstructure:"natsUrl"`
	AnalyticsOn bool        `mapstructure:"analyticsEnabled"`
}

func setBootstrapDefaults(v *viper.Viper) {
	v.SetDefault("workDirRoot", os.TempDir())
	v.SetDefault("portRangeStart", 51000)
	v.SetDefault("portRangeEnd", 65000)
	v.SetDefault("defaultTimeoutMs", defaultStartTimeout)
	v.SetDefault("installRoot", "/usr/local/spawnkit")
	v.SetDefault("version", "dev")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectLogFormat())
	v.SetDefault("logging.output_path", "stderr")

	v.SetDefault("natsUrl", "")
	v.SetDefault("analyticsEnabled", false)
}

func detectLogFormat() string {
	if env := os.Getenv("SPAWNKIT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "console"
}

// LoadBootstrapConfig reads process-wide configuration from environment
// variables (prefixed SPAWNKIT_), an optional config.yaml in configPath
// (or the current directory), and built-in defaults. Env vars take
// precedence over the config file, matching viper's usual rule.
func LoadBootstrapConfig(configPath string) (*BootstrapConfig, error) {
	v := viper.New()
	setBootstrapDefaults(v)

	v.SetEnvPrefix("SPAWNKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/spawnkit/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("spawnkit: error reading config file: %w", err)
		}
	}

	var cfg BootstrapConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("spawnkit: error unmarshaling config: %w", err)
	}
	if cfg.PortRangeStart <= 0 || cfg.PortRangeEnd <= cfg.PortRangeStart {
		return nil, fmt.Errorf("spawnkit: invalid port range [%d, %d]", cfg.PortRangeStart, cfg.PortRangeEnd)
	}
	return &cfg, nil
}

// Context is the long-lived, shared state every spawn draws on: it is
// created once per process and handed (by pointer) to every
// HandshakePrepare/HandshakePerform call, the way the handshake's own
// Context threads a resource locator and a shared port counter into
// every Config/Session.
type Context struct {
	Logger           *logx.Logger
	ResourceLocator  ResourceLocator
	Analytics        Publisher
	DefaultTimeout   time.Duration
	WorkDirRoot      string
	portCounter      *portCounter
}

// NewContext builds a Context from a loaded BootstrapConfig.
func NewContext(boot *BootstrapConfig) (*Context, error) {
	logger, err := logx.New(boot.Logging)
	if err != nil {
		return nil, fmt.Errorf("spawnkit: building logger: %w", err)
	}

	var publisher Publisher
	if boot.AnalyticsOn && boot.NATSURL != "" {
		publisher, err = NewNATSPublisher(boot.NATSURL, logger)
		if err != nil {
			return nil, fmt.Errorf("spawnkit: connecting analytics transport: %w", err)
		}
	} else {
		publisher = NoopPublisher{}
	}

	return &Context{
		Logger:          logger,
		ResourceLocator: NewDefaultResourceLocator(boot.InstallRoot, boot.Version),
		Analytics:       publisher,
		DefaultTimeout:  time.Duration(boot.DefaultTimeoutMs) * time.Millisecond,
		WorkDirRoot:     boot.WorkDirRoot,
		portCounter:     newPortCounter(boot.PortRangeStart),
	}, nil
}

// AllocatePort hands out the next candidate port from the shared
// counter without probing it for bindability; FindFreePort draws
// candidates from the same counter and does probe them.
func (c *Context) AllocatePort() int {
	return c.portCounter.take()
}

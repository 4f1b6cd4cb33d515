package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"spawnkit"
)

var (
	appEnv      string
	startCmd    string
	appType     string
	spawnMethod string
	genericApp  bool
	runAsUser   string
	runAsGroup  string
)

var spawnCmd = &cobra.Command{
	Use:   "spawn <app-root>",
	Short: "Run one prepare+perform handshake against an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appRoot := args[0]

		boot, err := spawnkit.LoadBootstrapConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading bootstrap config: %w", err)
		}
		sctx, err := spawnkit.NewContext(boot)
		if err != nil {
			return fmt.Errorf("building context: %w", err)
		}
		defer sctx.Analytics.Close()

		cfg, err := loadAppConfig(appRoot)
		if err != nil {
			return fmt.Errorf("loading app config: %w", err)
		}

		journeyType := spawnkit.SpawnDirectly
		spawner := spawnkit.NewDirectSpawner(sctx, journeyType)

		result, err := spawner.Spawn(context.Background(), cfg)
		if err != nil {
			if se, ok := err.(*spawnkit.SpawnError); ok {
				fmt.Fprintf(os.Stderr, "spawn failed: %s\n", se.Summary)
				fmt.Fprintf(os.Stderr, "category: %s\n", se.Category)
				fmt.Fprintf(os.Stderr, "stdout/stderr:\n%s\n", se.StdoutAndErrData)
				os.Exit(1)
			}
			return err
		}

		fmt.Printf("spawned pid=%d gupid=%s duration=%s\n", result.PID, result.GUPID, result.Duration())
		for _, sock := range result.Sockets {
			fmt.Printf("  socket %s: %s (%s, concurrency=%d, http=%v)\n", sock.Name, sock.Address, sock.Protocol, sock.Concurrency, sock.AcceptHTTP)
		}
		return nil
	},
}

func init() {
	spawnCmd.Flags().StringVar(&startCmd, "start-command", "", "command used to start the app (overrides config file)")
	spawnCmd.Flags().StringVar(&appType, "app-type", "", "application type, e.g. rack or node")
	spawnCmd.Flags().StringVar(&appEnv, "app-env", "", "environment to run the app under (default production)")
	spawnCmd.Flags().StringVar(&spawnMethod, "spawn-method", "", "spawn method: smart or direct (default direct)")
	spawnCmd.Flags().BoolVar(&genericApp, "generic-app", false, "treat the app as generic (no SpawningKit wrapper support)")
	spawnCmd.Flags().StringVar(&runAsUser, "user", "", "OS user to run the app as")
	spawnCmd.Flags().StringVar(&runAsGroup, "group", "", "OS group to run the app as")
}

// loadAppConfig reads an optional spawnkit.yaml/json from appRoot and
// layers the command's flags on top of it, returning a ready-to-validate
// spawnkit.Config.
func loadAppConfig(appRoot string) (*spawnkit.Config, error) {
	v := viper.New()
	v.SetConfigName("spawnkit")
	v.SetConfigType("yaml")
	v.AddConfigPath(appRoot)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := spawnkit.NewConfig()
	cfg.AppRoot = appRoot
	cfg.AppType = firstNonEmpty(appType, v.GetString("appType"))
	cfg.AppEnv = firstNonEmpty(appEnv, v.GetString("appEnv"), "production")
	cfg.SpawnMethod = firstNonEmpty(spawnMethod, v.GetString("spawnMethod"), "direct")
	cfg.StartCommand = firstNonEmpty(startCmd, v.GetString("startCommand"))
	cfg.User = firstNonEmpty(runAsUser, v.GetString("user"))
	cfg.Group = firstNonEmpty(runAsGroup, v.GetString("group"))
	cfg.GenericApp = genericApp || v.GetBool("genericApp")
	cfg.FindFreePort = cfg.GenericApp || v.GetBool("findFreePort")
	cfg.StartsUsingWrapper = v.GetBool("startsUsingWrapper")
	cfg.StartupFile = v.GetString("startupFile")
	cfg.BaseURI = firstNonEmptyDefault(v.GetString("baseURI"), "/")

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmptyDefault(value, def string) string {
	if value != "" {
		return value
	}
	return def
}

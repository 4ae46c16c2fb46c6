package main

import (
	"os"

	"github.com/agentuity/plotcache/config"
	"github.com/agentuity/plotcache/logger"
	"github.com/agentuity/plotcache/telemetry"
	"github.com/spf13/cobra"
)

// flagOrEnv returns the flag value if set, else the environment value, else def.
func flagOrEnv(cmd *cobra.Command, flagName string, envName string, def string) string {
	if v, _ := cmd.Flags().GetString(flagName); v != "" {
		return v
	}
	if v, ok := os.LookupEnv(envName); ok {
		return v
	}
	return def
}

// loadConfig loads --config (or PLOTCACHE_CONFIG) and applies the backend
// flags of the command over it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(flagOrEnv(cmd, "config", config.EnvPrefix+"CONFIG", ""))
	if err != nil {
		return nil, err
	}
	if path, _ := cmd.Flags().GetString("path"); path != "" {
		cfg.PersistentPath, cfg.RedisURL = path, ""
	}
	if url, _ := cmd.Flags().GetString("redis"); url != "" {
		cfg.PersistentPath, cfg.RedisURL = "", url
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, cfg.Validate()
}

// newLogger returns the command logger. With an OTLP endpoint configured,
// logs and traces are exported there until the returned func is called.
func newLogger(cmd *cobra.Command, cfg *config.Config) (logger.Logger, func(), error) {
	log, shutdown := cfg.Logger(), func() {}
	if cfg.OTLPEndpoint != "" {
		var err error
		log, shutdown, err = telemetry.New(cmd.Context(), cfg.OTLPEndpoint, cfg.OTLPToken, "plotcache", cfg.Level())
		if err != nil {
			return nil, nil, err
		}
	}
	return log.With(map[string]interface{}{"component": "cli", "command": cmd.Name()}), shutdown, nil
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "plotcache",
		Short:         "Inspect and maintain the plot render cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to the YAML config (env PLOTCACHE_CONFIG)")
	root.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn, error")
	root.AddCommand(
		newLadderCommand(),
		newCanonicalizeCommand(),
		newStatsCommand(),
		newPurgeCommand(),
	)
	return root
}

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		root.PrintErrln("error:", err)
		os.Exit(1)
	}
}

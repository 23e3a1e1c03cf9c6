package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"edgerouter/internal/edgerouter"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "edgerouter",
		Short: "Edge request router and ISR cache in front of a rendering origin",
		Long: `edgerouter runs the routing pipeline of a server-rendered site at the edge:
redirects, middleware, rewrites and fallback handling, then answers
incremental static regeneration routes from its own content store and
regenerates stale entries in the background.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault(edgerouter.ConfigEnv, "/edgerouter.yaml"), "path to edgerouter.yaml")

	rootCmd.AddCommand(
		serveCmd(&configPath),
		checkCmd(&configPath),
		shardCmd(&configPath),
		revalidateTagCmd(&configPath),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("edgerouter %s (%s) %s %s/%s\n", version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

// setupLogging configures the global zerolog logger from the config.
func setupLogging(cfg edgerouter.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Logging.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return log.Logger
}

func loadConfig(path string) (edgerouter.Config, error) {
	cfg, err := edgerouter.LoadConfig(path)
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}

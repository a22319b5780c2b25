// Command scribeforge is the job-orchestration core's entrypoint: a `serve`
// subcommand that runs the REST/WebSocket front plus every background loop,
// and a `worker` subcommand for running transcription slots as a separate
// deployable without the HTTP front, against the same bbolt store.
//
// Grounded on cmd/root.go's package-level flag variables + cobra.Command
// tree shape — the teacher's own CLI is the only cobra user in the pack.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/scribeforge/scribeforge/internal/config"
	"github.com/scribeforge/scribeforge/internal/obslog"
)

var configPath string
var logLevel string

var rootCmd = &cobra.Command{
	Use:   "scribeforge",
	Short: "Speech-to-text job orchestration core",
	Long:  "scribeforge runs the upload/queue/worker/notification pipeline described by the job orchestration core spec.",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (falls back to built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func newLogger() obslog.Logger {
	level := zapcore.InfoLevel
	_ = level.UnmarshalText([]byte(logLevel))
	return obslog.New(level)
}

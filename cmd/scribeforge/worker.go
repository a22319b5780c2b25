package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scribeforge/scribeforge/internal/corectx"
	"github.com/scribeforge/scribeforge/internal/store"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run transcription slots against an existing store, without the HTTP front",
	Long:  "worker runs only the bounded execution pool plus the crash-recovery pass, without the REST/WebSocket front. Since bbolt holds an exclusive lock on its file, this is for running a worker-only process against a store no `serve` process currently has open, not for scaling slots across processes against a live store.",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	s, err := store.Open(filepath.Join(cfg.DataDir, "scribeforge.db"))
	if err != nil {
		return err
	}
	defer s.Close()

	core := corectx.New(cfg, s, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core.Workers.RecoverCrashed(ctx)
	log.Info("worker pool starting")
	core.Workers.Run(ctx)
	return nil
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scribeforge/scribeforge/internal/api"
	"github.com/scribeforge/scribeforge/internal/corectx"
	"github.com/scribeforge/scribeforge/internal/eventbus"
	"github.com/scribeforge/scribeforge/internal/ids"
	"github.com/scribeforge/scribeforge/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST/WebSocket front plus every background loop in one process",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
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
	go core.Workers.Run(ctx)

	batchSub := core.Bus.Subscribe(eventbus.TopicAdminBroadcast)
	go core.Batches.Run(ctx, batchSub)
	defer batchSub.Close()

	go core.Cache.Run(ctx, core.Bus)

	go core.Queue.RunAging(ctx, time.Duration(cfg.PriorityAgingSeconds)*time.Second, func(promoted []ids.JobID) {
		log.Debug("promoted aged jobs")
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.New(core, log).Routes(),
	}

	serveErrCh := make(chan error, 1)
	go func() {
		log.Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

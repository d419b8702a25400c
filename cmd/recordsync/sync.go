package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/recordsync/internal/client"
	"github.com/hyperengineering/recordsync/internal/config"
	"github.com/hyperengineering/recordsync/internal/registry"
)

var syncOnce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the sync agent against a RecordSync server",
	Long: `Runs the client sync agent: maintains a local mirror database,
pushes pending local edits and pulls the change log. With --once a single
cycle runs and the command exits; otherwise the agent syncs on an interval
until interrupted.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncOnce, "once", false, "run a single sync cycle and exit")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	clientID := cfg.Client.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
		slog.Warn("no client_id configured, using a transient one", "client_id", clientID)
	}

	reg := registry.MustNew()
	local, err := client.NewLocalStore(cfg.Client.DatabasePath, reg)
	if err != nil {
		return err
	}
	defer local.Close()

	api := client.NewAPIClient(cfg.Client.BaseURL, cfg.Client.Token, clientID)
	runner := client.NewRunner(api, local, reg, client.RunnerOptions{
		Interval: time.Duration(cfg.Client.SyncInterval),
		PageSize: cfg.Sync.PullPageDefault,
	}, logger)

	if syncOnce {
		res, err := runner.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "pushed=%d pulled=%d pages=%d cursor=%d\n",
			res.Pushed, res.Pulled, res.Pages, res.Cursor)
		return nil
	}

	slog.Info("sync agent starting",
		"server", cfg.Client.BaseURL,
		"client_id", clientID,
		"interval", time.Duration(cfg.Client.SyncInterval).String(),
	)
	runner.StartAuto()
	<-ctx.Done()
	runner.StopAuto()
	slog.Info("sync agent stopped")
	return nil
}

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gridlock/internal/worker"
)

var workerPoll bool

func init() {
	workerCmd.Flags().BoolVar(&workerPoll, "poll", false, "Poll the inbox instead of using filesystem notifications")
	rootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:     "worker",
	Aliases: []string{"run"},
	Short:   "Run a worker against the shared workspace",
	Long:    "Watches the workspace inbox for task files and processes each one under a resource lock, recording the outcome in the ledger and a daily report file. Stops cleanly on SIGINT or SIGTERM.",
	RunE:    runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workerPoll {
		cfg.Worker.WatchEnabled = false
	}

	w, err := worker.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "shutting down")
		cancel()
	}()

	fmt.Printf("gridlock worker %s watching %s\n", cfg.AgentID, cfg.Workspace)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

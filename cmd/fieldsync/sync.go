package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/delivery"
	"github.com/fieldsync/fieldsync/internal/engine"
	"github.com/fieldsync/fieldsync/internal/pipeline"
	"github.com/fieldsync/fieldsync/internal/scheduler"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass now and exit",
	Long: `Drain the operation queue once, without starting the daemon.

Useful for cron-style setups and for verifying connectivity after a
configuration change. Exits non-zero if the pass could not run.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		logger := log.New(os.Stderr, "[fieldsync] ", log.LstdFlags)
		st, q, err := openDatabase(cfg, log.New(os.Stderr, "[queue] ", log.LstdFlags))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		pending, err := q.CountPending(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting pending operations: %v\n", err)
			os.Exit(1)
		}
		if pending == 0 {
			fmt.Println("Nothing to sync")
			return
		}

		provider := &pipeline.FileProvider{
			Path:    cfg.Remote.TokenFile,
			Command: cfg.Remote.TokenCommand,
			TTL:     cfg.Remote.TokenTTL,
		}

		var initial pipeline.Credential
		if cred, err := provider.Refresh(cmd.Context()); err == nil {
			initial = cred
		}

		pipe, err := pipeline.New(
			delivery.NewHTTPClient(cfg.Remote.BaseURL),
			provider,
			initial,
			&pipeline.Config{Logger: logger},
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		// No connectivity monitor: a one-shot sync just attempts
		// delivery and lets failures speak for themselves.
		eng, err := engine.New(engine.Options{
			Store:     st,
			Queue:     q,
			Deliverer: pipe,
			SchedulerConfig: &scheduler.Config{
				BatchSize:       cfg.Sync.BatchSize,
				TickInterval:    cfg.Sync.TickInterval,
				FollowUpDelay:   cfg.Sync.FollowUpDelay,
				DeliveryTimeout: cfg.Sync.DeliveryTimeout,
				BreakerCooldown: cfg.Sync.BreakerCooldown,
				Logger:          logger,
			},
			Logger: logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		if err := eng.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start engine: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Syncing %d pending operation(s)...\n", pending)
		start := time.Now()

		if err := eng.ManualSync(ctx); err != nil {
			_ = eng.Stop()
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}

		remaining, err := eng.PendingSyncCount(ctx)
		if err != nil {
			remaining = -1
		}
		_ = eng.Stop()

		elapsed := time.Since(start).Round(time.Millisecond)
		if remaining == 0 {
			fmt.Printf("Sync complete in %v\n", elapsed)
		} else {
			fmt.Printf("Sync pass finished in %v, %d operation(s) still pending\n", elapsed, remaining)
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

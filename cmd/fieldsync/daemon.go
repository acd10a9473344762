package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/delivery"
	"github.com/fieldsync/fieldsync/internal/engine"
	"github.com/fieldsync/fieldsync/internal/netmon"
	"github.com/fieldsync/fieldsync/internal/pipeline"
	"github.com/fieldsync/fieldsync/internal/scheduler"
	"github.com/fieldsync/fieldsync/internal/status"
	"github.com/fieldsync/fieldsync/internal/statusfeed"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the sync daemon (foreground)",
	Long: `Start the synchronization daemon in foreground mode.

The daemon will:
  1. Probe connectivity to the coordination API
  2. Drain queued operations in submission order when online
  3. Refresh expired credentials and retry transient failures
  4. Broadcast sync status over WebSocket (when the feed is enabled)

For production use, run under a process manager.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		logOut := logOutput(cfg)
		logger := log.New(logOut, "[fieldsync] ", log.LstdFlags)

		st, q, err := openDatabase(cfg, log.New(logOut, "[queue] ", log.LstdFlags))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		provider := &pipeline.FileProvider{
			Path:    cfg.Remote.TokenFile,
			Command: cfg.Remote.TokenCommand,
			TTL:     cfg.Remote.TokenTTL,
		}

		// Best effort: a failed initial load just means the first
		// delivery triggers a refresh.
		var initial pipeline.Credential
		if cred, err := provider.Refresh(context.Background()); err == nil {
			initial = cred
		} else {
			logger.Printf("Initial credential load failed, deferring to first sync: %v", err)
		}

		pipe, err := pipeline.New(
			delivery.NewHTTPClient(cfg.Remote.BaseURL),
			provider,
			initial,
			&pipeline.Config{Logger: log.New(logOut, "[pipeline] ", log.LstdFlags)},
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		monitor, err := netmon.New(&netmon.Config{
			Probe:         netmon.HTTPProbe(cfg.Network.ProbeURL, cfg.Network.ProbeTimeout),
			ProbeInterval: cfg.Network.ProbeInterval,
			StateFile:     cfg.Network.StateFile,
			Logger:        log.New(logOut, "[netmon] ", log.LstdFlags),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		eng, err := engine.New(engine.Options{
			Store:     st,
			Queue:     q,
			Deliverer: pipe,
			Monitor:   monitor,
			SchedulerConfig: &scheduler.Config{
				BatchSize:       cfg.Sync.BatchSize,
				TickInterval:    cfg.Sync.TickInterval,
				FollowUpDelay:   cfg.Sync.FollowUpDelay,
				DeliveryTimeout: cfg.Sync.DeliveryTimeout,
				BreakerCooldown: cfg.Sync.BreakerCooldown,
				Logger:          log.New(logOut, "[scheduler] ", log.LstdFlags),
			},
			Logger: logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		var feed *statusfeed.Server
		if cfg.Feed.Enabled {
			feed = statusfeed.NewServer(&statusfeed.Config{
				Port:   cfg.Feed.Port,
				Logger: log.New(logOut, "[statusfeed] ", log.LstdFlags),
			})
			if err := feed.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start status feed: %v\n", err)
				os.Exit(1)
			}
			eng.AddSyncStatusListener(func(snap status.Snapshot) {
				feed.BroadcastSnapshot(snap)
			})
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := eng.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start engine: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Sync daemon started\n")
		fmt.Printf("   Database: %s\n", cfg.Database)
		fmt.Printf("   Remote: %s\n", cfg.Remote.BaseURL)
		if cfg.Feed.Enabled {
			fmt.Printf("   Status feed: ws://localhost:%d/ws\n", cfg.Feed.Port)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := eng.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
		if feed != nil {
			if err := feed.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error stopping status feed: %v\n", err)
			}
		}

		fmt.Println("Sync daemon stopped")
	},
}

// logOutput returns the daemon log destination, rotating files when one
// is configured.
func logOutput(cfg *config.Config) io.Writer {
	if cfg.Log.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
	}
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

// fieldsync is the offline-first synchronization daemon and ops CLI for
// construction project interactions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first sync engine for project interactions",
	Long: `fieldsync keeps a local mirror of project interactions (RFIs,
submittals, change orders, punch items) and delivers local edits to the
coordination API when connectivity allows.

Edits land in the local SQLite database immediately and are queued for
delivery. A background scheduler drains the queue in submission order,
refreshing credentials and retrying transient failures along the way.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig reads configuration honoring --config.
func loadConfig() *config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default: ./fieldsync.yaml or ~/.fieldsync/fieldsync.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

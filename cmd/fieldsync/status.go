package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local database and queue status",
	Long: `Display the state of the local mirror and the operation queue.

Shows:
  - Database location and size
  - Mirrored interaction count
  - Pending, failed and synced operation counts`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		info, err := os.Stat(cfg.Database)
		if os.IsNotExist(err) {
			fmt.Printf("\nDatabase not initialized at %s\n", cfg.Database)
			fmt.Printf("Run 'fieldsync daemon' to create it\n\n")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking database: %v\n", err)
			os.Exit(1)
		}

		st, q, err := openDatabase(cfg, log.New(os.Stderr, "[queue] ", log.LstdFlags))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		interactions, err := st.Count()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting interactions: %v\n", err)
			os.Exit(1)
		}

		stats, err := q.GetStats(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue stats: %v\n", err)
			os.Exit(1)
		}

		size := info.Size()
		sizeStr := fmt.Sprintf("%d bytes", size)
		if size > 1024*1024 {
			sizeStr = fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
		} else if size > 1024 {
			sizeStr = fmt.Sprintf("%.1f KB", float64(size)/1024)
		}

		fmt.Printf("\nFieldSync Status\n\n")
		fmt.Printf("Database: %s\n", cfg.Database)
		fmt.Printf("Size: %s\n", sizeStr)
		fmt.Printf("Interactions: %d\n", interactions)
		fmt.Printf("Queue:\n")
		fmt.Printf("   Pending: %d\n", stats.Pending)
		fmt.Printf("   Failed: %d\n", stats.Failed)
		fmt.Printf("   Synced: %d\n", stats.Synced)
		fmt.Printf("Modified: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

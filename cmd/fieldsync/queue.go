package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the operation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List terminally failed operations",
	Long: `List operations that exhausted their retries or were rejected by
the remote API. Each entry shows the last recorded error so the problem
can be fixed before retrying.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		st, q, err := openDatabase(cfg, log.New(os.Stderr, "[queue] ", log.LstdFlags))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		failed, err := q.Failed(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing failed operations: %v\n", err)
			os.Exit(1)
		}

		if len(failed) == 0 {
			fmt.Println("No failed operations")
			return
		}

		fmt.Printf("\n%d failed operation(s)\n\n", len(failed))
		for _, op := range failed {
			fmt.Printf("%s  %s %s\n", op.ID, op.Action, op.Resource)
			fmt.Printf("   Queued: %s  Attempts: %d\n",
				op.Timestamp.Format(time.RFC3339), op.RetryCount)
			if op.LastError != "" {
				fmt.Printf("   Error: %s\n", op.LastError)
			}
			fmt.Println()
		}
		fmt.Println("Use 'fieldsync queue retry <id>' to requeue an operation")
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Requeue a failed operation (or all with --all)",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		all, _ := cmd.Flags().GetBool("all")

		if !all && len(args) != 1 {
			fmt.Fprintf(os.Stderr, "Error: provide an operation id or --all\n")
			os.Exit(1)
		}

		st, q, err := openDatabase(cfg, log.New(os.Stderr, "[queue] ", log.LstdFlags))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		if all {
			n, err := q.RetryAll(cmd.Context())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error requeuing operations: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Requeued %d operation(s)\n", n)
			return
		}

		if err := q.Retry(cmd.Context(), args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error requeuing %s: %v\n", args[0], err)
			os.Exit(1)
		}
		fmt.Printf("Requeued %s\n", args[0])
	},
}

var queuePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old synced operations from the queue",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		days, _ := cmd.Flags().GetInt("days")

		st, q, err := openDatabase(cfg, log.New(os.Stderr, "[queue] ", log.LstdFlags))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		n, err := q.PruneSynced(cmd.Context(), time.Duration(days)*24*time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error pruning queue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Pruned %d synced operation(s)\n", n)
	},
}

func init() {
	queueRetryCmd.Flags().Bool("all", false, "Requeue every failed operation")
	queuePruneCmd.Flags().Int("days", 7, "Prune synced operations older than this many days")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queuePruneCmd)
	rootCmd.AddCommand(queueCmd)
}

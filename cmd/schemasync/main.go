package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tiankongzhise/schemasync/internal/app"
)

var rootCmd = &cobra.Command{
	Use:   "schemasync",
	Short: "Reconcile a declared data model with a live database schema",
	Long:  `Compares a declared table model against the live structure of a PostgreSQL, MySQL, or SQLite database, reports every divergence, and can apply the corrective DDL to converge them.`,
}

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Report divergences without changing the database",
	RunE:  runDiff,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Converge the live schema toward the declared model",
	RunE:  runSync,
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List the tables visible on the live connection",
	RunE:  runTables,
}

var service = app.NewService()

var (
	configPath string
	modelPath  string
	verbose    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the database configuration file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	rootCmd.MarkPersistentFlagRequired("config")

	diffCmd.Flags().StringVar(&modelPath, "model", "", "Path to the declared model file")
	syncCmd.Flags().StringVar(&modelPath, "model", "", "Path to the declared model file")

	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(tablesCmd)

	cobra.OnInitialize(func() {
		rootCmd.SilenceUsage = true
		rootCmd.SilenceErrors = true
	})
}

func main() {
	// Optional; config values may reference ${VAR} entries from it.
	godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runDiff(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext()
	defer stop()

	mismatches, err := service.Diff(ctx, configPath, modelPath, verbose)
	if err != nil {
		return err
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("%d schema mismatches detected", len(mismatches))
	}
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext()
	defer stop()

	report, err := service.Sync(ctx, configPath, modelPath, verbose)
	if err != nil {
		return err
	}

	fmt.Printf("Applied: %d  Skipped: %d  Failed: %d\n", report.Applied(), report.Skipped(), report.Failed())
	if report.HasFailures() {
		return fmt.Errorf("%d operations failed", report.Failed())
	}
	return nil
}

func runTables(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext()
	defer stop()

	tables, err := service.Tables(ctx, configPath, verbose)
	if err != nil {
		return err
	}
	for _, name := range tables {
		fmt.Println(name)
	}
	return nil
}

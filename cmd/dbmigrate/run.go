package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dbmigrate/internal/config"
	"dbmigrate/internal/driver"
	"dbmigrate/internal/engine"
)

var (
	flagResume      bool
	flagTableFilter bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the migration plan",
	Long: `run migrates every configured table from the source to the target.
A SIGINT stops the run at the next batch boundary after re-enabling the
target's constraints; "run --resume" continues from the last acknowledged
batch of the most recent run.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, log, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		issues := config.ValidatePlan(plan)
		for _, issue := range issues {
			if issue.Severity == config.SeverityError {
				log.Error("configuration error", zap.String("path", issue.Path), zap.String("message", issue.Message))
			} else {
				log.Warn("configuration warning", zap.String("path", issue.Path), zap.String("message", issue.Message))
			}
		}
		if config.HasErrors(issues) {
			return fmt.Errorf(`configuration for migration %q is invalid; run "dbmigrate validate" for the full report`, plan.Name)
		}

		if err := driver.EnsureCredentials(&plan.Source, "source"); err != nil {
			return err
		}
		if err := driver.EnsureCredentials(&plan.Target, "target"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		timeout := time.Duration(plan.QueryTimeoutSeconds) * time.Second
		src, err := driver.OpenSource(ctx, plan.Source, timeout)
		if err != nil {
			return fmt.Errorf("connect to source: %w", err)
		}
		tgt, err := driver.OpenTarget(ctx, plan.Target, timeout)
		if err != nil {
			_ = src.Close()
			return fmt.Errorf("connect to target: %w", err)
		}

		// Run owns both connections from here on, including closing them
		// during teardown.
		runner := engine.Runner{
			Plan:         plan,
			Source:       src,
			Target:       tgt,
			Dir:          outputDir,
			Resume:       flagResume,
			IncludedOnly: flagTableFilter,
			Log:          log,
		}
		return runner.Run(ctx)
	},
}

func init() {
	runCmd.Flags().BoolVar(&flagResume, "resume", false, "continue the most recent run of this migration")
	runCmd.Flags().BoolVar(&flagTableFilter, "table-filter", false, "migrate only tables whose include flag is set")
	rootCmd.AddCommand(runCmd)
}

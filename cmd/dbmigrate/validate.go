package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"dbmigrate/internal/driver"
	"dbmigrate/internal/validate"
)

var flagSampleRows int

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Dry-run the migration plan without writing any rows",
	Long: `validate checks the plan's structure, probes both connections,
introspects every table against its mappings, and pushes a handful of
sample rows through the transformations. The findings are written to a
validation artefact; the exit status is non-zero when any error-level
finding exists.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, log, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		if err := driver.EnsureCredentials(&plan.Source, "source"); err != nil {
			return err
		}
		if err := driver.EnsureCredentials(&plan.Target, "target"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		v, path, err := validate.Run(ctx, validate.Options{
			Plan:       plan,
			Dir:        outputDir,
			SampleRows: flagSampleRows,
			Log:        log,
		})
		if err != nil {
			return err
		}
		fmt.Printf("validation report: %s\n", path)
		if !v.IsValid {
			return fmt.Errorf("migration %q is not valid: %d error(s), %d warning(s)",
				plan.Name, v.Summary.ErrorsFound, v.Summary.WarningsFound)
		}
		fmt.Printf("migration %q is valid: %d table(s), %d warning(s)\n",
			plan.Name, v.Summary.TablesValidated, v.Summary.WarningsFound)
		return nil
	},
}

func init() {
	validateCmd.Flags().IntVar(&flagSampleRows, "sample-rows", 0, "rows per table to push through the transformations (default 3)")
	rootCmd.AddCommand(validateCmd)
}

// Command dbmigrate moves relational data between heterogeneous databases
// according to an XML migration plan: it streams each configured table from
// the source in batches, applies the plan's column mappings and
// transformations, and writes the result to the target, leaving a trail of
// JSON status artefacts that a later invocation can resume from.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dbmigrate/internal/config"
	"dbmigrate/internal/metrics"
	"dbmigrate/internal/metrics/datadog"
	"dbmigrate/internal/metrics/prompush"

	_ "dbmigrate/internal/driver/all"
)

var (
	cfgPath        string
	globalCfgPath  string
	outputDir      string
	logLevel       string
	envFile        string
	metricsBackend string
	pushgatewayURL string
	datadogAddr    string
)

var rootCmd = &cobra.Command{
	Use:   "dbmigrate",
	Short: "Migrate relational data between heterogeneous databases",
	Long: `dbmigrate executes an XML migration plan against a source database
(SQL Server, Azure SQL, Oracle, MySQL or PostgreSQL) and a SQL Server or
Azure SQL target. Tables are migrated in the configured order, in resumable
batches, with row-level errors isolated into a row-errors artefact instead
of aborting the run.

Use "dbmigrate validate" for a dry run that checks the plan, the
connections and the schemas without writing a single target row.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgPath, "config", "c", "", "path to the master migration config (XML)")
	pf.StringVar(&globalCfgPath, "global-config", "", "path to the optional global config (environment, default log level)")
	pf.StringVarP(&outputDir, "output-dir", "o", "output", "directory for status artefacts")
	pf.StringVar(&logLevel, "log-level", "", "log level: Error, Warning, Info, Verbose or Debug")
	pf.StringVar(&envFile, "env-file", "", "optional .env file loaded before anything else")
	pf.StringVar(&metricsBackend, "metrics-backend", "", "metrics backend: pushgateway or datadog (default none)")
	pf.StringVar(&pushgatewayURL, "pushgateway-url", "", "Prometheus Pushgateway base URL for --metrics-backend=pushgateway")
	pf.StringVar(&datadogAddr, "datadog-addr", "127.0.0.1:8125", "DogStatsD address for --metrics-backend=datadog")
	_ = rootCmd.MarkPersistentFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dbmigrate:", err)
		os.Exit(1)
	}
}

// setup performs the work both subcommands share: environment file, global
// config, logger, plan loading and the metrics backend.
func setup() (*config.MigrationPlan, *zap.Logger, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	level := logLevel
	if globalCfgPath != "" {
		global, err := config.LoadGlobal(globalCfgPath)
		if err != nil {
			return nil, nil, err
		}
		if level == "" {
			level = global.DefaultLogLevel
		}
	}
	log, err := newLogger(level)
	if err != nil {
		return nil, nil, err
	}

	plan, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if err := installMetrics(plan); err != nil {
		return nil, nil, err
	}
	return plan, log, nil
}

// newLogger builds the process-wide logger from the configured level. The
// level names follow the config file's vocabulary rather than zap's; Verbose
// lowers the threshold to debug while keeping the production encoder, Debug
// switches to the development config for caller annotations.
func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "", "info":
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	case "warning":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "verbose":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log level %q (want Error, Warning, Info, Verbose or Debug)", level)
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func installMetrics(plan *config.MigrationPlan) error {
	switch strings.ToLower(metricsBackend) {
	case "", "none":
		return nil
	case "pushgateway":
		if pushgatewayURL == "" {
			return fmt.Errorf("--metrics-backend=pushgateway requires --pushgateway-url")
		}
		b, err := prompush.NewBackend("dbmigrate_"+plan.Name, pushgatewayURL)
		if err != nil {
			return err
		}
		metrics.SetBackend(b)
	case "datadog":
		b, err := datadog.NewBackend(datadog.Config{
			Addr:       datadogAddr,
			Namespace:  "dbmigrate.",
			GlobalTags: []string{"migration:" + plan.Name},
		})
		if err != nil {
			return err
		}
		metrics.SetBackend(b)
	default:
		return fmt.Errorf("unknown metrics backend %q (want pushgateway or datadog)", metricsBackend)
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/alexisbeaulieu97/pipeflow/internal/config"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/logging"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	dbDriver   string
	dbDSN      string
	workers    int
	natsURL    string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "pipeflow",
		Short:         "Pipeflow runs compiled pipeline plans",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to pipeflow.yaml")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format (text, json, console)")
	pf.StringVar(&flags.dbDriver, "db-driver", "", "Persistence driver (memory, sqlite, postgres)")
	pf.StringVar(&flags.dbDSN, "db-dsn", "", "Persistence data source name")
	pf.IntVar(&flags.workers, "workers", 0, "Worker pool size")
	pf.StringVar(&flags.natsURL, "nats-url", "", "NATS server for cross-process resume and events")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose logging")

	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newStatusCmd(flags))
	cmd.AddCommand(newAbortCmd(flags))
	cmd.AddCommand(newInterveneCmd(flags))
	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newVersionCmd())

	bindViper(cmd)
	return cmd
}

// bindViper lets PIPEFLOW_* environment variables fill flags the user did
// not set, e.g. PIPEFLOW_DB_DSN for --db-dsn.
func bindViper(cmd *cobra.Command) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("PIPEFLOW")
	v.AutomaticEnv()

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		var setErr error
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if f.Changed || !v.IsSet(f.Name) {
				return
			}
			val := fmt.Sprintf("%v", v.Get(f.Name))
			if val == "" {
				return
			}
			if err := f.Value.Set(val); err != nil && setErr == nil {
				setErr = fmt.Errorf("apply PIPEFLOW_%s: %w", strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_")), err)
			}
		})
		return setErr
	}
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	if flags.dbDriver != "" {
		cfg.Database.Driver = flags.dbDriver
	}
	if flags.dbDSN != "" {
		cfg.Database.DSN = flags.dbDSN
	}
	if flags.workers > 0 {
		cfg.Workers.Count = flags.workers
	}
	if flags.natsURL != "" {
		cfg.NATS.URL = flags.natsURL
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (ports.Logger, error) {
	return logging.NewFromFormat(cfg.Log.Format, logging.Options{
		Writer: os.Stderr,
		Level:  cfg.Log.Level,
		Layer:  "cli",
	})
}

// openApp loads configuration and builds the application context for a
// command.
func openApp(ctx context.Context, operation string, flags *rootFlags) (*AppContext, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, newCommandError(operation, "loading configuration", err, "Check the file passed with --config and any PIPEFLOW_* variables.")
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, newCommandError(operation, "creating logger", err, "Use one of text, json or console for --log-format.")
	}
	app, err := newAppContext(ctx, cfg, logger)
	if err != nil {
		return nil, newCommandError(operation, "starting engine", err, "Verify the database, NATS and governance settings.")
	}
	return app, nil
}

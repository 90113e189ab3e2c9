// Package cli is the casehawk command line: it runs the service and lets
// operators register evidence, request operations and inspect results.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/casehawk/internal/app"
	"github.com/telhawk-systems/casehawk/internal/config"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/repository"
)

var (
	cfgFile      string
	outputFormat string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "casehawk",
	Short: "Evidence indexing, rule scanning and IOC hunting",
	Long: `casehawk ingests evidence files into per-case search indices, scans them
with Sigma rules and hunts analyst-supplied indicators of compromise.

Run "casehawk serve" for the API and workers; the other commands talk to
the same database, search cluster and task queue directly.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat {
		case "table", "json", "yaml":
			return nil
		default:
			return fmt.Errorf("unknown output format %q (table, json, yaml)", outputFormat)
		}
	},
}

// Execute runs the command line. SIGINT and SIGTERM cancel the command's
// context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		Error("%v", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $CASEHAWK_CONFIG_DIR/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFile(cfgFile)
	}
	return config.Load()
}

// newLogger writes to stderr so command output stays parseable.
func newLogger(cfg *config.Config) *logging.Logger {
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	logger := logging.NewWithWriter(os.Stderr, logging.ParseLevel(level), cfg.Logging.Format)
	logging.SetDefault(logger)
	return logger
}

// openRepo connects only the database, for commands that need nothing else.
func openRepo(ctx context.Context) (repository.Repository, *config.Config, *logging.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := newLogger(cfg)
	repo, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	return repo, cfg, logger, nil
}

// openApp connects every store and builds the processing components.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, newLogger(cfg))
}

// target reads the mutually exclusive --file and --case flags.
func target(cmd *cobra.Command) (fileID, caseID int64, err error) {
	fileID, _ = cmd.Flags().GetInt64("file")
	caseID, _ = cmd.Flags().GetInt64("case")
	switch {
	case fileID > 0 && caseID > 0:
		return 0, 0, fmt.Errorf("--file and --case are mutually exclusive")
	case fileID <= 0 && caseID <= 0:
		return 0, 0, fmt.Errorf("one of --file or --case is required")
	}
	return fileID, caseID, nil
}

func addTargetFlags(cmd *cobra.Command) {
	cmd.Flags().Int64("file", 0, "file record id")
	cmd.Flags().Int64("case", 0, "case id")
}

func operationFlag(cmd *cobra.Command) (repository.Operation, error) {
	raw, _ := cmd.Flags().GetString("op")
	op := repository.Operation(raw)
	if !op.Valid() {
		names := make([]string, 0, len(repository.Operations))
		for _, o := range repository.Operations {
			names = append(names, string(o))
		}
		return "", fmt.Errorf("--op must be one of %s", strings.Join(names, ", "))
	}
	return op, nil
}

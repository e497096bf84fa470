// Package cmd provides the vigilant command line.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"vigilant/bootstrap"
	"vigilant/config"
	"vigilant/storage"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	configFile string
	outputJSON bool
	outputYAML bool
	noColor    bool
	quiet      bool
)

const (
	maxImportFileSize = 10 * 1024 * 1024
	defaultTimeout    = 2 * time.Minute
)

// NewRootCmd creates the vigilant command with all subcommands. Without a
// subcommand it runs the collector.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vigilant",
		Short: "Collect authentication logs over SSH and raise security alerts",
		Long: `vigilant polls authentication logs from remote hosts over SSH, detects
failed logins and other suspicious events, filters them through exceptions and
stores them as deduplicated alerts.

Run without a subcommand to start the collector.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&outputYAML, "yaml", false, "Output in YAML format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")
	rootCmd.MarkFlagsMutuallyExclusive("json", "yaml")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAlertsCmd())
	rootCmd.AddCommand(newExceptionsCmd())
	rootCmd.AddCommand(newServersCmd())

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the collector",
		Long:  "Start the collection scheduler, notifications and the HTTP API, and run until SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := bootstrap.NewApp(ctx, configFile)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()
	return nil
}

// cliEnv is what management commands operate on
type cliEnv struct {
	cfg    *config.Config
	logger *zap.SugaredLogger
	stores *bootstrap.StorageComponents
}

// openStore loads the configuration and opens the alert database without
// starting any service. Logging is limited to warnings.
func openStore() (*cliEnv, func(), error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	_, sugar, err := bootstrap.InitLogger("warn", cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}

	if err := bootstrap.EnsureDataDirectory(cfg.Storage.SQLitePath, sugar); err != nil {
		return nil, nil, err
	}
	sqlite, err := storage.NewSQLite(cfg.Storage.SQLitePath, sugar)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open alert store: %w\n%s", err, bootstrap.ClassifySQLiteError(err, cfg.Storage.SQLitePath))
	}

	env := &cliEnv{
		cfg:    cfg,
		logger: sugar,
		stores: &bootstrap.StorageComponents{
			SQLite:     sqlite,
			Alerts:     storage.NewSQLiteAlertStorage(sqlite, sugar),
			Exceptions: storage.NewSQLiteExceptionStorage(sqlite, sugar),
			Servers:    storage.NewSQLiteServerStorage(sqlite, sugar),
		},
	}
	cleanup := func() {
		_ = env.stores.Close()
		_ = sugar.Sync()
	}
	return env, cleanup, nil
}

// structured reports whether output should be JSON or YAML rather than a table
func structured() bool {
	return outputJSON || outputYAML
}

// outputStructured writes data as JSON or YAML depending on the flags
func outputStructured(w io.Writer, data interface{}) error {
	if outputYAML {
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(data); err != nil {
			return err
		}
		return encoder.Close()
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// say prints a colored status line unless --quiet or structured output is on
func say(w io.Writer, c *color.Color, format string, args ...interface{}) {
	if quiet || structured() {
		return
	}
	c.Fprintf(w, format+"\n", args...)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, defaultTimeout)
}

func openImportFile(path string) (io.ReadCloser, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot access file: %w", err)
	}
	if info.Size() > maxImportFileSize {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxImportFileSize)
	}
	return os.Open(path)
}

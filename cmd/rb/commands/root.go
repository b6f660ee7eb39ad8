package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rootbeer/rootbeer/pkg/config"
	"github.com/rootbeer/rootbeer/pkg/runner"
	"github.com/rootbeer/rootbeer/pkg/stores"
	"github.com/rootbeer/rootbeer/pkg/telemetry"
)

// defaultConfigFile is read when --config is not given and it exists.
const defaultConfigFile = "/etc/rootbeer/config.yaml"

var (
	// Global flags
	configPath  string
	verbose     bool
	jsonOutput  bool
	storeRoot   string
	noRootCheck bool
)

// app is the state shared by all subcommands of one invocation.
type app struct {
	version  string
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	a := &app{version: version, logger: log.Logger}
	rootCmd := newRootCommand(a, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)

	// Metrics and spans are flushed for failed commands too.
	if serr := a.shutdown(ctx); serr != nil {
		if err == nil {
			return serr
		}
		a.logger.Warn().Err(serr).Msg("Telemetry shutdown failed")
	}
	return err
}

func newRootCommand(a *app, commit, buildDate string) *cobra.Command {

	rootCmd := &cobra.Command{
		Use:   "rb",
		Short: "rootbeer - declarative host configuration",
		Long: `rootbeer applies a Starlark configuration script to the host.

Every successful apply records the scripts and reference files it used
as a numbered revision in the store, so the configuration that produced
the current state of the machine can always be read back.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", a.version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path (default "+defaultConfigFile+" when present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&storeRoot, "store-root", "", "revision store directory (overrides settings)")
	rootCmd.PersistentFlags().BoolVar(&noRootCheck, "no-root-check", false, "do not require euid 0 for store mutations")

	rootCmd.AddCommand(newApplyCommand(a))
	rootCmd.AddCommand(newStoreCommand(a))
	rootCmd.AddCommand(newPolicyCommand(a))

	return rootCmd
}

// setup loads settings and builds telemetry before any subcommand runs.
func (a *app) setup(cmd *cobra.Command) error {
	path := configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to stat %s: %w", defaultConfigFile, err)
		}
	}

	settings, err := config.LoadSettings(path)
	if err != nil {
		return err
	}
	if storeRoot != "" {
		settings.StoreRoot = storeRoot
	}
	switch {
	case verbose:
		settings.LogLevel = "debug"
	case os.Getenv("LOG_LEVEL") != "":
		settings.LogLevel = os.Getenv("LOG_LEVEL")
	}
	a.settings = settings

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = a.version
	tcfg.Logging.Level = settings.LogLevel
	tcfg.Logging.Format = settings.LogFormat
	tcfg.Tracing.Exporter = settings.Tracing.Exporter
	tcfg.Tracing.Endpoint = settings.Tracing.Endpoint
	tcfg.Tracing.SamplingRate = settings.Tracing.SamplingRate
	if settings.MetricsFile != "" {
		tcfg.Metrics.Enabled = true
		tcfg.Metrics.TextfilePath = settings.MetricsFile
	}

	tel, err := telemetry.NewTelemetry(cmd.Context(), tcfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.tel = tel
	a.logger = tel.Logger.Zerolog()

	zerolog.SetGlobalLevel(telemetry.ParseLevel(settings.LogLevel))
	log.Logger = a.logger
	cmd.SetContext(tel.WithContext(cmd.Context()))

	a.logger.Debug().Str("config", path).Str("store_root", settings.StoreRoot).Msg("Settings loaded")
	return nil
}

func (a *app) shutdown(ctx context.Context) error {
	if a.tel == nil {
		return nil
	}
	return a.tel.Shutdown(context.WithoutCancel(ctx))
}

func (a *app) requireRoot() bool {
	return !noRootCheck
}

// newRunner builds a runner for the working directory.
func (a *app) newRunner(ctx context.Context) (*runner.Runner, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	return runner.New(ctx, runner.Config{
		Settings:    a.settings,
		RequireRoot: a.requireRoot(),
		WorkDir:     wd,
	})
}

func (a *app) newStore(ctx context.Context) (*stores.FileStore, error) {
	return stores.NewFileStore(stores.Config{
		Root:        a.settings.StoreRoot,
		RequireRoot: a.requireRoot(),
		Logger:      telemetry.FromContext(ctx).Zerolog(),
	})
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

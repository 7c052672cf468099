// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/safesurf/internal/config"
	"github.com/xkilldash9x/safesurf/internal/journal"
	"github.com/xkilldash9x/safesurf/internal/observability"
)

// app carries what the subcommands share once PersistentPreRunE has run.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Interface
	logger  *zap.Logger

	// openJournal is swapped in tests.
	openJournal func(ctx context.Context, databaseURL string, logger *zap.Logger) (*journal.Journal, func(), error)
}

func newApp() *app {
	return &app{
		v:           viper.New(),
		openJournal: journal.Open,
	}
}

// NewRootCmd builds the full command tree with its own configuration state.
func NewRootCmd() *cobra.Command {
	return newRootCmd(newApp())
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   config.AppName,
		Short: "SafeSurf checks every page you open and tells you whether it is safe.",
		Long: `SafeSurf drives a Chromium browser, asks the SafeSurf backend to classify
every page you navigate to and shows the verdict on the page itself, with
optional spoken narration.`,
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: a.preRun,
	}
	root.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml, then $XDG_CONFIG_HOME/safesurf/config.yaml)")
	root.PersistentFlags().String("backend-url", "", "base URL of the SafeSurf backend")

	root.AddCommand(
		newWatchCmd(a),
		newCheckCmd(a),
		newAuthCmd(a),
		newHistoryCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI with a signal-aware context from main.
func Execute(ctx context.Context) error {
	err := NewRootCmd().ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Debug("Command execution failed", zap.Error(err))
	}
	observability.Sync()
	return err
}

// preRun loads configuration and the logger before any subcommand runs.
func (a *app) preRun(cmd *cobra.Command, _ []string) error {
	if err := a.initializeConfig(); err != nil {
		return err
	}

	cfg, err := config.NewConfigFromViper(a.v)
	if err != nil {
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: config.AppName})
		return err
	}
	if err := applyFlagOverrides(cmd, cfg); err != nil {
		observability.InitializeLogger(cfg.Logger())
		return err
	}
	observability.InitializeLogger(cfg.Logger())

	a.cfg = cfg
	a.logger = observability.GetLogger()
	a.logger.Debug("Starting safesurf", zap.String("version", Version), zap.String("command", cmd.Name()))
	return nil
}

// applyFlagOverrides copies explicitly set flags over the loaded configuration
// and validates the result again. Flags a command does not define are skipped.
func applyFlagOverrides(cmd *cobra.Command, cfg config.Interface) error {
	flags := cmd.Flags()
	changed := false

	if flags.Changed("backend-url") {
		u, err := flags.GetString("backend-url")
		if err != nil {
			return err
		}
		cfg.SetBackendBaseURL(u)
		changed = true
	}
	if flags.Changed("remote-url") {
		u, err := flags.GetString("remote-url")
		if err != nil {
			return err
		}
		cfg.SetBrowserRemoteURL(u)
		changed = true
	}
	if flags.Changed("headless") {
		h, err := flags.GetBool("headless")
		if err != nil {
			return err
		}
		cfg.SetBrowserHeadless(h)
		changed = true
	}

	if !changed {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flag value: %w", err)
	}
	return nil
}

// initializeConfig reads the config file and SAFESURF_* environment variables.
func (a *app) initializeConfig() error {
	config.SetDefaults(a.v)

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		for _, p := range config.SearchPaths() {
			a.v.AddConfigPath(p)
		}
		a.v.SetConfigName("config")
		a.v.SetConfigType("yaml")
	}

	a.v.SetEnvPrefix(config.AppName)
	a.v.SetEnvKeyReplacer(config.EnvKeyReplacer())
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment only.
	}
	return nil
}

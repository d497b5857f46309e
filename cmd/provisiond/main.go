// Command provisiond runs the provisioning control plane and manages its
// object graph.
//
// Logging:
//   - The base logger is built here from --log-format and the log levels
//     in settings (overridden by --log-level)
//   - It is passed to every component via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own "component" attribute
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"provisiond/cmd/provisiond/cli"
	"provisiond/internal/config"
	"provisiond/internal/home"
	"provisiond/internal/logging"
	"provisiond/internal/orchestrator"
)

var version = "dev"

func main() {
	if err := newRootCmd(os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the global flags and what is derived from them. Settings and
// the logger are built on first use, so "version" and "init" work without
// a valid settings file.
type app struct {
	homeFlag  string
	backend   string
	logLevel  string
	logFormat string
	stderr    io.Writer

	once     sync.Once
	err      error
	home     home.Dir
	settings *config.Settings
	logger   *slog.Logger
}

func newRootCmd(stderr io.Writer) *cobra.Command {
	a := &app{stderr: stderr}
	root := &cobra.Command{
		Use:          "provisiond",
		Short:        "Network provisioning control plane",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.homeFlag, "home", "", "home directory (default: platform config dir, or $PROVISIOND_HOME)")
	pf.StringVar(&a.backend, "backend", "", "persistence backend: file, sqlite, badger or memory (overrides settings)")
	pf.StringVar(&a.logLevel, "log-level", "", "default log level: debug, info, warn or error (overrides settings)")
	pf.StringVar(&a.logFormat, "log-format", "text", "log format: text or json")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(
		newServerCmd(a),
		newSyncCmd(a),
		newCheckCmd(a),
		newInitCmd(a),
		versionCmd,
	)
	root.AddCommand(cli.NewItemCommands(a.open)...)
	return root
}

func resolveHome(flag string) (home.Dir, error) {
	if flag != "" {
		return home.New(flag), nil
	}
	return home.Default()
}

func (a *app) setup() error {
	a.once.Do(func() { a.err = a.load() })
	return a.err
}

func (a *app) load() error {
	hd, err := resolveHome(a.homeFlag)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	s, err := config.Load(hd.SettingsPath())
	if err != nil {
		return err
	}
	if a.backend != "" {
		s.Backend = a.backend
	}
	if a.logLevel != "" {
		s.LogLevel = a.logLevel
	}
	logger, err := newLogger(a.stderr, a.logFormat, s)
	if err != nil {
		return err
	}
	a.home, a.settings, a.logger = hd, s, logger
	return nil
}

// newLogger builds the process logger. Per-component levels come from
// settings.log_levels.
func newLogger(w io.Writer, format string, s *config.Settings) (*slog.Logger, error) {
	base, err := logging.NewBaseHandler(w, format)
	if err != nil {
		return nil, err
	}
	def, err := logging.ParseLevel(s.LogLevel)
	if err != nil {
		return nil, err
	}
	h := logging.NewComponentFilterHandler(base, def)
	for comp, lv := range s.LogLevels {
		level, err := logging.ParseLevel(lv)
		if err != nil {
			return nil, fmt.Errorf("log level for %s: %w", comp, err)
		}
		h.SetLevel(comp, level)
	}
	return slog.New(h), nil
}

// open builds and loads an orchestrator for one command.
func (a *app) open(ctx context.Context) (*orchestrator.Orchestrator, error) {
	if err := a.setup(); err != nil {
		return nil, err
	}
	if err := a.home.EnsureExists(); err != nil {
		return nil, err
	}
	o, err := orchestrator.New(a.settings, a.home, buildFactories(a.logger))
	if err != nil {
		return nil, err
	}
	if err := o.Load(ctx); err != nil {
		return nil, errors.Join(err, o.Close())
	}
	return o, nil
}

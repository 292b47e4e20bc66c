package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jward/sapling"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

// errReported is returned once an error has been written in the selected
// output format so main doesn't print it twice.
var errReported = errors.New("error already reported")

// app carries the state shared by every command of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "sapling",
		Short: "Incremental Python source analysis",
		Long: `Sapling keeps parse trees and analyses of a Python project current while files
are edited, added and removed, and answers completion, signature and module
queries from them. All line and column numbers are 0-based.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(a.v, a.cfgFile, configDir(args))
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: .sapling.yaml in the target directory or $HOME)")
	flags.String("format", "json", "output format: json|text")
	flags.String("db", "", "SQLite path for analysis state (default: temporary, removed on exit)")
	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.Int("parse-workers", 1, "number of parse workers")
	flags.StringSlice("exclude", nil, "doublestar patterns skipped while crawling")
	flags.Bool("implicit-project", false, "treat a file's own directory as its search root")
	flags.String("indent-severity", sapling.SeverityWarning, "severity of inconsistent indentation: ignore|warning|error")
	flags.StringSlice("task-tokens", nil, "comment markers reported as tasks (default: TODO,FIXME,HACK,XXX)")
	bindFlags(a.v, flags, "format", "db", "log-level", "parse-workers", "exclude", "implicit-project", "indent-severity", "task-tokens")

	root.AddCommand(a.analyzeCmd(), a.serveCmd(), a.watchCmd(), a.modulesCmd(), a.membersCmd())
	return root
}

// configDir is the directory searched for .sapling.yaml: the first
// existing argument's directory, else the working directory.
func configDir(args []string) string {
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			continue
		}
		if info.IsDir() {
			return arg
		}
		return filepath.Dir(arg)
	}
	return "."
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

// newEngine builds an Engine from the loaded configuration.
func (a *app) newEngine(extra ...sapling.Option) (*sapling.Engine, error) {
	opts := []sapling.Option{
		sapling.WithLogger(a.logger),
		sapling.WithParseWorkers(a.cfg.ParseWorkers),
		sapling.WithExcludes(a.cfg.Exclude...),
		sapling.WithSettings(a.cfg.settings()),
	}
	if a.cfg.DB != "" {
		if err := os.MkdirAll(filepath.Dir(a.cfg.DB), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", filepath.Dir(a.cfg.DB), err)
		}
		opts = append(opts, sapling.WithDatabase(a.cfg.DB))
	}
	e, err := sapling.New(append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	return e, nil
}

// loadTargets registers each argument by kind and waits until the engine
// has parsed and analyzed everything reachable from them.
func loadTargets(ctx context.Context, e *sapling.Engine, args []string) error {
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return fmt.Errorf("resolving path %q: %w", arg, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("target not found: %s", abs)
		}
		switch {
		case info.IsDir():
			err = e.AddDirectory(abs)
		case strings.EqualFold(filepath.Ext(abs), ".zip"):
			err = e.AddArchive(abs)
		default:
			_, err = e.AddFile(abs, "")
		}
		if err != nil {
			return err
		}
	}
	return e.WaitForIdle(ctx)
}

// signalContext ends on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"typegraph/internal/config"
	"typegraph/internal/logging"
)

// app holds what the root command resolves before any subcommand runs.
type app struct {
	configPath string
	workDir    string
	logLevel   string
	logFormat  string

	stdout io.Writer
	stderr io.Writer

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 for configuration errors and 1 for everything else.
func exitCode(err error) int {
	if errors.Is(err, config.ErrConfig) {
		return 2
	}
	return 1
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "typegraph",
		Short:         "Chunk, enrich and reassemble TypeScript signature graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.load()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&a.workDir, "workdir", "", "directory holding *.signatures.json and run state (env WORK_DIR)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug|info|warn|error (env LOG_LEVEL)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "text|json (env LOG_FORMAT)")

	root.AddCommand(
		runCmd(a),
		packCmd(a),
		enrichCmd(a),
		reassembleCmd(a),
		inspectCmd(a),
		libsCmd(a),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.workDir != "" {
		cfg.WorkDir = a.workDir
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return &config.Error{Key: "LOG_LEVEL", Msg: err.Error()}
	}
	a.cfg = cfg
	a.logger = logging.New(a.stderr, level, cfg.Log.Format)
	slog.SetDefault(a.logger)
	return nil
}

// Package cmd implements the rlmchat command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/charmbracelet/fang"
	"github.com/rand/rlmchat/internal/app"
	"github.com/rand/rlmchat/internal/config"
	"github.com/rand/rlmchat/internal/docs"
	"github.com/rand/rlmchat/internal/logging"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// cli holds state shared by the commands of one invocation.
type cli struct {
	configPath string
	debug      bool
	logFile    string
	otel       bool

	cfg      *config.Config
	logger   *slog.Logger
	cleanups []func() error
}

// Execute runs the command line with os.Args. Errors are printed by fang.
func Execute(ctx context.Context) error {
	c := &cli{}
	defer c.close()
	return fang.Execute(ctx, c.rootCmd(), fang.WithVersion(Version))
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rlmchat",
		Short: "Answer questions about large documents with recursive language models",
		Long: heredoc.Doc(`
			rlmchat answers questions about documents too large for one prompt.

			The model never sees the whole document. It writes Starlark code that
			inspects the document held in a sandbox, and it can hand pieces of the
			document to recursive sub-queries.
		`),
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "Config file (default: ./.rlmchat.yaml, then the user config)")
	flags.BoolVar(&c.debug, "debug", false, "Enable debug logging")
	flags.StringVar(&c.logFile, "log-file", "", "Also write JSON logs to this file")
	flags.BoolVar(&c.otel, "otel", false, "Print OpenTelemetry spans to stderr")

	root.AddCommand(
		c.askCmd(),
		c.summarizeCmd(),
		c.traceCmd(),
		c.configCmd(),
		c.docsCmd(),
		c.logsCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logFile != "" {
		cfg.Log.File = c.logFile
	}
	c.cfg = cfg

	// An unknown level is reported by Validate; logging falls back to info
	// so that config validate can still run.
	logCfg := cfg.Log
	_, levelErr := logging.ParseLevel(logCfg.Level)
	if levelErr != nil {
		logCfg.Level = "info"
	}
	logger, closer, err := logging.Setup(logCfg, c.debug, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	c.logger = logger
	c.cleanups = append(c.cleanups, closer.Close)
	slog.SetDefault(logger)
	if levelErr != nil {
		logger.Warn("using log level info", "error", levelErr)
	}

	if c.otel {
		shutdown, err := app.SetupTracing(cmd.ErrOrStderr(), Version)
		if err != nil {
			return err
		}
		c.cleanups = append(c.cleanups, func() error {
			return shutdown(context.Background())
		})
	}
	return nil
}

func (c *cli) close() error {
	var errs []error
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		errs = append(errs, c.cleanups[i]())
	}
	c.cleanups = nil
	return errors.Join(errs...)
}

// newApp validates the configuration and builds the engine.
func (c *cli) newApp(progress io.Writer) (*app.App, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return app.New(c.cfg, app.Options{Progress: progress, Logger: c.logger})
}

// readInput returns the document text from --file, --doc or stdin, in that
// order of preference.
func readInput(cmd *cobra.Command, a *app.App, file, doc string) (string, error) {
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read input: %w", err)
		}
		return string(data), nil
	case doc != "" && docs.IsPattern(doc):
		return a.Docs.LoadGlob(cmd.Context(), doc)
	case doc != "":
		return a.Docs.Load(cmd.Context(), doc)
	}

	in := cmd.InOrStdin()
	if isTerminal(in) {
		return "", nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

// isTerminal reports whether v is an *os.File attached to a terminal, or a
// file that cannot be inspected.
func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err != nil || info.Mode()&os.ModeCharDevice != 0
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

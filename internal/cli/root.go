// Package cli implements the seqtx command line tool.
package cli

import (
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"seqtx"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Backend    string
	DSN        string
	RedisAddr  string
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the seqtx CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "seqtx",
		Short: "seqtx - sequential transactions coordinator",
		Long: `Inspect and drive per-series transaction chains.

Every command opens the backend named by the config file or the --backend
flag, runs one coordinator operation and exits. The memory backend lives only
for the duration of one command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "", "store backend (memory|mysql|postgres|redis), overrides config")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "mysql or postgres DSN, overrides config")
	cmd.PersistentFlags().StringVar(&opts.RedisAddr, "redis-addr", "", "redis address, overrides config")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewStartCommand(opts))
	cmd.AddCommand(NewFinishCommand(opts))
	cmd.AddCommand(NewAbortCommand(opts))
	cmd.AddCommand(NewRenewCommand(opts))
	cmd.AddCommand(NewReclaimCommand(opts))
	cmd.AddCommand(NewIsSuccessfulCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewListRecentCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewSeriesCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewClearAllCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// loadConfig reads the config file and applies flag overrides.
func (o *RootOptions) loadConfig() (*Config, error) {
	cfg, err := LoadConfig(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.Backend != "" {
		cfg.Backend = o.Backend
	}
	if o.DSN != "" {
		switch cfg.Backend {
		case BackendMySQL:
			cfg.MySQL.DSN = o.DSN
		case BackendPostgres:
			cfg.Postgres.DSN = o.DSN
		}
	}
	if o.RedisAddr != "" {
		cfg.Redis.Addr = o.RedisAddr
	}
	if o.Verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// run opens a runtime for the duration of fn and maps its error to an exit code.
func (o *RootOptions) run(cmd *cobra.Command, fn func(rt *Runtime, out *OutputFormatter) error) error {
	out := o.formatter(cmd)

	cfg, err := o.loadConfig()
	if err != nil {
		return out.Failure(ExitCommandError, err)
	}
	out.VerboseLog("backend: %s", cfg.Backend)

	rt, err := Open(cmd.Context(), cfg)
	if err != nil {
		return out.Failure(ExitCommandError, err)
	}
	defer rt.Close()

	if err := fn(rt, out); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return err
		}
		return out.Failure(exitCodeFor(err), err)
	}
	return nil
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, seqtx.ErrUnavailable),
		errors.Is(err, seqtx.ErrStoreOperationFailed),
		errors.Is(err, seqtx.ErrInvalidConfig):
		return ExitCommandError
	default:
		return ExitFailure
	}
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <series>",
		Short: "Print the chain of a series without compacting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(rt *Runtime, out *OutputFormatter) error {
				records, err := rt.Coordinator.List(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return out.Success(records)
			})
		},
	}
}

// NewListRecentCommand creates the list-recent command.
func NewListRecentCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list-recent <series>",
		Short: "Compact a series and print what remains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(rt *Runtime, out *OutputFormatter) error {
				records, err := rt.Coordinator.ListRecent(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return out.Success(records)
			})
		},
	}
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact <series>...",
		Short: "Compact one or more series",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(rt *Runtime, out *OutputFormatter) error {
				remaining := make(map[string]int, len(args))
				for _, series := range args {
					records, err := rt.Coordinator.Compact(cmd.Context(), series)
					if err != nil {
						return fmt.Errorf("compact %s: %w", series, err)
					}
					remaining[series] = len(records)
					out.VerboseLog("%s: %d records remain", series, len(records))
				}
				if out.Format == "json" {
					return out.Success(remaining)
				}
				for _, series := range args {
					if err := out.Success(fmt.Sprintf("%s\t%d", series, remaining[series])); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

// NewSeriesCommand creates the series command.
func NewSeriesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "series",
		Short: "List every series the store holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(rt *Runtime, out *OutputFormatter) error {
				series, err := rt.Coordinator.ListSeries(cmd.Context())
				if err != nil {
					return err
				}
				return out.Success(series)
			})
		},
	}
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <series>",
		Short: "Delete every record of a series",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(rt *Runtime, out *OutputFormatter) error {
				if err := rt.Coordinator.Clear(cmd.Context(), args[0]); err != nil {
					return err
				}
				return out.Success(fmt.Sprintf("cleared %s", args[0]))
			})
		},
	}
}

// NewClearAllCommand creates the clear-all command.
func NewClearAllCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear-all",
		Short: "Delete every record of every series",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return NewExitError(ExitCommandError, "clear-all deletes everything; pass --yes to confirm")
			}
			return rootOpts.run(cmd, func(rt *Runtime, out *OutputFormatter) error {
				if err := rt.Coordinator.ClearAll(cmd.Context()); err != nil {
					return err
				}
				return out.Success("cleared all series")
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")

	return cmd
}

package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"seqtx"
)

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		previous      string
		processor     string
		startPos      string
		endPos        string
		timeout       time.Duration
		detail        string
		maxInProgress int
		maxRetrying   int
	)

	cmd := &cobra.Command{
		Use:   "start <series> <tx-id>",
		Short: "Append an IN_PROGRESS transaction to a series",
		Long: `Append a new transaction after --previous, which must be the current
tail ("" for an empty series). Exits with code 3 when a concurrency ceiling
declines the start.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(rt *Runtime, out *OutputFormatter) error {
				if processor == "" {
					processor = uuid.NewString()
					out.VerboseLog("generated processor id %s", processor)
				}
				req := seqtx.StartRequest{
					TransactionID: args[1],
					ProcessorID:   processor,
					StartPosition: startPos,
					EndPosition:   endPos,
				}
				if timeout > 0 {
					req.Timeout = time.Now().Add(timeout)
				}
				if detail != "" {
					req.Detail = []byte(detail)
				}

				rec, err := rt.Coordinator.Start(cmd.Context(), args[0], previous, req, maxInProgress, maxRetrying)
				if err != nil {
					return err
				}
				if rec == nil {
					if err := out.Success("declined"); err != nil {
						return err
					}
					declined := NewExitError(ExitDeclined, "start declined")
					declined.reported = true
					return declined
				}
				return out.Success(rec)
			})
		},
	}

	cmd.Flags().StringVar(&previous, "previous", "", "transaction id of the current tail")
	cmd.Flags().StringVarP(&processor, "processor", "p", "", "owner id (default: random UUID)")
	cmd.Flags().StringVar(&startPos, "start-pos", "", "start position of the covered range")
	cmd.Flags().StringVar(&endPos, "end-pos", "", "end position; leave empty for an open range")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "claim duration (default: coordinator default timeout)")
	cmd.Flags().StringVar(&detail, "detail", "", "opaque detail stored with the record")
	cmd.Flags().IntVar(&maxInProgress, "max-in-progress", 0, "decline when this many records are IN_PROGRESS (0: no limit)")
	cmd.Flags().IntVar(&maxRetrying, "max-retrying", 0, "decline when this many records are TIMED_OUT (0: no limit)")

	return cmd
}

// NewFinishCommand creates the finish command.
func NewFinishCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		processor string
		endPos    string
	)

	cmd := &cobra.Command{
		Use:   "finish <series> <tx-id>",
		Short: "Mark an owned transaction SUCCEEDED",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(rt *Runtime, out *OutputFormatter) error {
				if err := rt.Coordinator.Finish(cmd.Context(), args[0], processor, args[1], endPos); err != nil {
					return err
				}
				return out.Success(fmt.Sprintf("finished %s/%s", args[0], args[1]))
			})
		},
	}

	cmd.Flags().StringVarP(&processor, "processor", "p", "", "owner id")
	cmd.Flags().StringVar(&endPos, "end-pos", "", "end position, used when the range is open")
	_ = cmd.MarkFlagRequired("processor")

	return cmd
}

// NewAbortCommand creates the abort command.
func NewAbortCommand(rootOpts *RootOptions) *cobra.Command {
	var processor string

	cmd := &cobra.Command{
		Use:   "abort <series> <tx-id>",
		Short: "Mark an owned transaction FAILED",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(rt *Runtime, out *OutputFormatter) error {
				if err := rt.Coordinator.Abort(cmd.Context(), args[0], processor, args[1]); err != nil {
					return err
				}
				return out.Success(fmt.Sprintf("aborted %s/%s", args[0], args[1]))
			})
		},
	}

	cmd.Flags().StringVarP(&processor, "processor", "p", "", "owner id")
	_ = cmd.MarkFlagRequired("processor")

	return cmd
}

// NewRenewCommand creates the renew command.
func NewRenewCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		processor string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "renew <series> <tx-id>",
		Short: "Extend the claim of an owned IN_PROGRESS transaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(rt *Runtime, out *OutputFormatter) error {
				deadline := time.Now().Add(timeout)
				if err := rt.Coordinator.RenewTimeout(cmd.Context(), args[0], processor, args[1], deadline); err != nil {
					return err
				}
				return out.Success(fmt.Sprintf("renewed %s/%s until %s", args[0], args[1], formatTime(deadline)))
			})
		},
	}

	cmd.Flags().StringVarP(&processor, "processor", "p", "", "owner id")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "new claim duration from now")
	_ = cmd.MarkFlagRequired("processor")

	return cmd
}

// NewReclaimCommand creates the reclaim command.
func NewReclaimCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		processor string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "reclaim <series> <tx-id>",
		Short: "Take over a TIMED_OUT transaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(rt *Runtime, out *OutputFormatter) error {
				if processor == "" {
					processor = uuid.NewString()
				}
				deadline := time.Now().Add(timeout)
				if err := rt.Coordinator.Reclaim(cmd.Context(), args[0], processor, args[1], deadline); err != nil {
					return err
				}
				return out.Success(fmt.Sprintf("reclaimed %s/%s as %s", args[0], args[1], processor))
			})
		},
	}

	cmd.Flags().StringVarP(&processor, "processor", "p", "", "new owner id (default: random UUID)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "claim duration from now")

	return cmd
}

// NewIsSuccessfulCommand creates the is-successful command.
func NewIsSuccessfulCommand(rootOpts *RootOptions) *cobra.Command {
	var asOfBefore string

	cmd := &cobra.Command{
		Use:   "is-successful <series> <tx-id>",
		Short: "Report whether a transaction is known to have SUCCEEDED",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var bound time.Time
			if asOfBefore != "" {
				t, err := time.Parse(time.RFC3339, asOfBefore)
				if err != nil {
					return rootOpts.formatter(cmd).Failure(ExitCommandError,
						fmt.Errorf("%w: --as-of-before: %v", seqtx.ErrInvalidRequest, err))
				}
				bound = t
			}

			return rootOpts.run(cmd, func(rt *Runtime, out *OutputFormatter) error {
				ok, err := rt.Coordinator.IsSuccessful(cmd.Context(), args[0], args[1], bound)
				if err != nil {
					return err
				}
				return out.Success(ok)
			})
		},
	}

	cmd.Flags().StringVar(&asOfBefore, "as-of-before", "", "only count successes finished before this RFC3339 time")

	return cmd
}

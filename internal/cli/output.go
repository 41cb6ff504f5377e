package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"seqtx"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The coordinator rejected the operation
	ExitCommandError = 2 // Bad flags, unreadable config, unreachable store
	ExitDeclined     = 3 // Start was declined by a concurrency ceiling
)

// ExitError is an error carrying a process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error

	// reported is set once the formatter has written the error.
	reported bool
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// IsReported reports whether err was already written by an OutputFormatter.
func IsReported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.reported
}

// errorCode names a coordinator error for machine-readable output.
func errorCode(err error) string {
	switch {
	case errors.Is(err, seqtx.ErrDuplicateTransactionID):
		return "DUPLICATE_ID"
	case errors.Is(err, seqtx.ErrNoSuchTransaction):
		return "NO_SUCH_TRANSACTION"
	case errors.Is(err, seqtx.ErrNotOwning):
		return "NOT_OWNING"
	case errors.Is(err, seqtx.ErrIllegalState):
		return "ILLEGAL_STATE"
	case errors.Is(err, seqtx.ErrCorruption):
		return "CORRUPTION"
	case errors.Is(err, seqtx.ErrVersionConflict):
		return "CONFLICT"
	case errors.Is(err, seqtx.ErrCircuitOpen), errors.Is(err, seqtx.ErrUnavailable):
		return "UNAVAILABLE"
	case errors.Is(err, seqtx.ErrInvalidConfig), errors.Is(err, seqtx.ErrInvalidRequest):
		return "INVALID"
	default:
		return "ERROR"
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success outputs a result. In text mode records are rendered as a table.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}

	switch v := data.(type) {
	case []seqtx.Record:
		return writeRecords(f.Writer, v)
	case *seqtx.Record:
		return writeRecords(f.Writer, []seqtx.Record{*v})
	case []string:
		for _, s := range v {
			fmt.Fprintln(f.Writer, s)
		}
		return nil
	default:
		fmt.Fprintln(f.Writer, data)
		return nil
	}
}

// Failure reports err and converts it into an ExitError.
func (f *OutputFormatter) Failure(code int, err error) error {
	msg := err.Error()
	if f.Format == "json" {
		_ = json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: errorCode(err), Message: msg},
		})
	} else {
		fmt.Fprintf(f.errWriter(), "Error [%s]: %s\n", errorCode(err), msg)
	}
	exitErr := WrapExitError(code, errorCode(err), err)
	exitErr.reported = true
	return exitErr
}

// VerboseLog writes a diagnostic line to ErrWriter when verbose output is on.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.errWriter(), format+"\n", args...)
}

func (f *OutputFormatter) errWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

func writeRecords(w io.Writer, records []seqtx.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TX\tPREV\tSTATE\tFLAGS\tRANGE\tOWNER\tTIMEOUT\tFINISHED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s..%s\t%s\t%s\t%s\n",
			r.TransactionID, dash(r.PreviousTransactionID), r.State, flags(r),
			r.StartPosition, r.EndPosition, dash(r.ProcessorID),
			formatTime(r.Timeout), formatTime(r.FinishedAt))
	}
	return tw.Flush()
}

func flags(r seqtx.Record) string {
	switch {
	case r.First && r.Last:
		return "first,last"
	case r.First:
		return "first"
	case r.Last:
		return "last"
	default:
		return "-"
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

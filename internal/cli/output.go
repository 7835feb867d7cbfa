package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/abhs/internal/config"
	"github.com/roach88/abhs/internal/script"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Scenario failures, no script found, server error
	ExitCommandError = 2 // Bad config, unusable paths, listener bind failure
)

// Error codes reported in CLIError.Code. Config errors use the config
// package's codes.
const (
	ErrCodeGeneric    = "E_GENERIC"
	ErrCodeNoScript   = "E_NO_SCRIPT"
	ErrCodeResolve    = "E_RESOLVE"
	ErrCodeTestFailed = "E_TEST_FAILED"
)

// ExitError carries the process exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
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

// NewExitError creates an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches an exit code to err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the exit code carried by err, ExitFailure otherwise.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// CLIResponse is the JSON envelope written in --format json.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error half of CLIResponse. Details holds one of the
// *Details types below when the failure has a known shape.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ConfigDetails describes a configuration that failed to load.
type ConfigDetails struct {
	Path  string `json:"path,omitempty"`
	Cause string `json:"cause,omitempty"`
}

// CatalogDetails describes a failed XBVR request. Status is zero when the
// catalog never answered.
type CatalogDetails struct {
	Op          string `json:"op"`
	URL         string `json:"url"`
	Status      int    `json:"status,omitempty"`
	Unreachable bool   `json:"unreachable"`
}

// ScriptDetails describes a script that was found but could not be used.
type ScriptDetails struct {
	Location string `json:"location"`
	Cause    string `json:"cause,omitempty"`
}

// describeError picks the response code, message and details for err.
// fallback is the code for errors of no known shape.
func describeError(err error, fallback string) (code, message string, details any) {
	var (
		le  *config.LoadError
		ise *script.InvalidScriptError
		ce  *script.CatalogError
	)
	switch {
	case errors.As(err, &le):
		return le.Code, le.Message, ConfigDetails{Path: le.Path, Cause: causeText(le.Err)}
	case errors.As(err, &ise):
		return fallback, err.Error(), ScriptDetails{Location: ise.Location, Cause: causeText(ise.Err)}
	case errors.As(err, &ce):
		return fallback, err.Error(), CatalogDetails{
			Op:          ce.Op,
			URL:         ce.URL,
			Status:      ce.StatusCode,
			Unreachable: ce.StatusCode == 0,
		}
	}
	return fallback, err.Error(), nil
}

func causeText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// OutputFormatter writes command results as JSON envelopes or plain text.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; defaults to Writer
	Verbose   bool
}

// Success writes data.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error writes an error. Text output shows details only with --verbose.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if !f.Verbose || details == nil {
		return nil
	}
	if s, ok := details.(string); ok {
		fmt.Fprintf(f.Writer, "Details: %s\n", s)
		return nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return err
	}
	fmt.Fprintf(f.Writer, "Details: %s\n", data)
	return nil
}

// Fail reports err and returns it wrapped with exitCode, so a command can
// end with `return formatter.Fail(...)`.
func (f *OutputFormatter) Fail(exitCode int, fallback, message string, err error) error {
	code, msg, details := describeError(err, fallback)
	_ = f.Error(code, msg, details)
	return WrapExitError(exitCode, message, err)
}

// VerboseLog writes a diagnostic line to ErrWriter when verbose, keeping
// JSON on Writer intact.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

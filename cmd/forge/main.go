// Command forge analyzes a project and generates its agent configuration.
//
// Usage:
//
//	forge forge ./my-service
//	forge status <run_id>
//	FORGE_AUTH_MODE=jwt FORGE_JWT_SECRET=... forge serve
package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageError(format string, args ...any) error {
	return &exitError{code: exitUsage, err: fmt.Errorf(format, args...)}
}

// errRunFailed reports a run that ended FAILED. The summary is already printed.
var errRunFailed = &exitError{code: exitFailure}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

func main() {
	cmd := newRootCmd()
	err := cmd.Execute()
	if err != nil && err != errRunFailed {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

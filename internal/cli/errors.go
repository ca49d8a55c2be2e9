package cli

import (
	"errors"
	"fmt"
)

// ExitError carries a specific process exit code through the kong run
// path. Needed because attach failures must exit 2, distinguishable
// from the generic 1.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps a run error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// usageError reports a configuration mistake on stderr and returns it
// for the non-zero exit. These are never retried.
func usageError(g *Globals, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	fmt.Fprintf(g.Stderr, "Error: %v\n", err)
	return err
}

package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// SpawnError reports a process that could not be started.
type SpawnError struct {
	Reason string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn failed (%s): %v", e.Reason, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

func classifyStartError(err error) string {
	var execErr *exec.Error
	if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
		return "command_not_found"
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && (errors.Is(pathErr.Err, exec.ErrNotFound) || errors.Is(pathErr.Err, os.ErrNotExist)) {
		return "command_not_found"
	}

	return "start_failed"
}

package apkpatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	osexec "os/exec"
	"strings"

	"github.com/jmgilman/go/exec"
)

// Installer hands a finished archive to the platform install flow.
type Installer interface {
	Install(ctx context.Context, path string) error
}

// CommandInstaller runs an external command with the archive path as the
// last argument.
type CommandInstaller struct {
	Command []string

	// Executor runs the command. Nil uses exec.New().
	Executor exec.Executor
}

// Install returns ErrInstallUnavailable when the command is not configured
// or cannot be found. A failing command yields an error carrying its
// stderr.
func (c CommandInstaller) Install(ctx context.Context, path string) error {
	if len(c.Command) == 0 {
		return ErrInstallUnavailable
	}
	executor := c.Executor
	if executor == nil {
		executor = exec.New()
	}

	args := append(append([]string{}, c.Command...), path)
	_, err := executor.WithContext(ctx).WithInheritEnv().Run(args...)
	if err != nil {
		return mapInstallError(c.Command[0], err)
	}
	return nil
}

// mapInstallError distinguishes a command that could not start from one
// that failed.
func mapInstallError(name string, err error) error {
	if errors.Is(err, osexec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrInstallUnavailable, err)
	}
	var execErr *exec.ExecError
	if errors.As(err, &execErr) {
		if stderr := strings.TrimSpace(execErr.Stderr); stderr != "" {
			return fmt.Errorf("%s failed with exit code %d: %s", name, execErr.ExitCode, stderr)
		}
		return fmt.Errorf("%s failed with exit code %d: %w", name, execErr.ExitCode, execErr.Err)
	}
	return fmt.Errorf("%s failed: %w", name, err)
}

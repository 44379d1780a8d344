// Package syscmd runs the host utilities the arbiter drives (setfacl,
// getfacl, chmod, nvidia-smi, kill) behind a small interface so tests can
// script their output.
package syscmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"pkt.systems/pslog"
)

// Runner executes a command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExitError reports a command that ran but failed.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Exec runs commands with os/exec.
type Exec struct {
	Logger pslog.Logger
}

// Run executes name with args. A non-zero exit yields *ExitError carrying
// the trimmed stderr.
func (e Exec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if e.Logger != nil {
		e.Logger.Trace("syscmd.run", "command", name, "args", args)
	}
	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), &ExitError{
			Command: Join(name, args...),
			Code:    exitErr.ExitCode(),
			Stderr:  strings.TrimSpace(stderr.String()),
		}
	}
	return nil, fmt.Errorf("%s: %w", Join(name, args...), err)
}

// Sudo prefixes the command with sudo when enabled.
func Sudo(enabled bool, name string, args ...string) (string, []string) {
	if !enabled {
		return name, args
	}
	return "sudo", append([]string{name}, args...)
}

// Join renders a command line for logs and errors.
func Join(name string, args ...string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

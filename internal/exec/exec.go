// Package exec runs external programs with optional stdin and captured output.
package exec

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	pkgerrors "github.com/mrizaln/madbfs-sub001/pkg/errors"
	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

// Command describes one program invocation.
type Command struct {
	// Args[0] is the program, looked up in PATH.
	Args []string
	// Stdin is written to the process and then closed.
	Stdin []byte
	// Check turns a non-zero exit status into an EXIT_STATUS error.
	Check bool
	// MergeErr appends stderr to the returned output.
	MergeErr bool
	// Env is added to the current environment.
	Env []string
}

// Executor runs commands. Default uses real processes; tests substitute fakes.
type Executor interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
	Start(ctx context.Context, cmd Command) (*Process, error)
}

// Default is the process-backed Executor.
var Default Executor = processExecutor{}

// Run executes cmd with the Default executor.
func Run(ctx context.Context, cmd Command) ([]byte, error) {
	return Default.Run(ctx, cmd)
}

type processExecutor struct{}

func (processExecutor) Run(ctx context.Context, cmd Command) ([]byte, error) {
	c, err := build(ctx, cmd)
	if err != nil {
		return nil, err
	}

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, spawnError(cmd, err)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, spawnError(cmd, err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, spawnError(cmd, err)
	}

	if err := c.Start(); err != nil {
		return nil, spawnError(cmd, err)
	}

	var out, errOut bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		defer stdin.Close()
		if len(cmd.Stdin) == 0 {
			return nil
		}
		if _, err := stdin.Write(cmd.Stdin); err != nil && !isPipeClosed(err) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		_, err := io.Copy(&out, stdout)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&errOut, stderr)
		return err
	})

	ioErr := g.Wait()
	waitErr := c.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, contextError(cmd, ctxErr)
	}

	if ioErr != nil {
		return nil, pkgerrors.NewError(pkgerrors.ErrCodeBrokenPipe, "failed to transfer process data").
			WithComponent("exec").
			WithOperation(program(cmd)).
			WithCause(ioErr)
	}

	if cmd.MergeErr {
		out.Write(errOut.Bytes())
	}

	if waitErr != nil {
		var exitErr *osexec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, spawnError(cmd, waitErr)
		}
		if cmd.Check {
			return out.Bytes(), ExitError(cmd, exitErr.ExitCode(), errOut.String(), out.String())
		}
	}

	return out.Bytes(), nil
}

func (processExecutor) Start(ctx context.Context, cmd Command) (*Process, error) {
	c, err := build(ctx, cmd)
	if err != nil {
		return nil, err
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, spawnError(cmd, err)
	}
	p := &Process{cmd: cmd, proc: c, Stdout: stdout}
	c.Stderr = &p.stderr
	if len(cmd.Stdin) > 0 {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}

	if err := c.Start(); err != nil {
		return nil, spawnError(cmd, err)
	}
	return p, nil
}

// Process is a running command whose stdout is consumed incrementally.
type Process struct {
	cmd    Command
	proc   *osexec.Cmd
	stderr bytes.Buffer

	// Stdout must be drained (or abandoned) before Wait.
	Stdout io.ReadCloser
}

// Wait reaps the process. With Check set, a non-zero exit status becomes
// an EXIT_STATUS error carrying stderr.
func (p *Process) Wait() error {
	err := p.proc.Wait()
	if err == nil {
		return nil
	}
	var exitErr *osexec.ExitError
	if !errors.As(err, &exitErr) {
		return spawnError(p.cmd, err)
	}
	if p.cmd.Check {
		return ExitError(p.cmd, exitErr.ExitCode(), p.stderr.String(), "")
	}
	return nil
}

// Stderr returns the error output collected so far. Complete only after Wait.
func (p *Process) Stderr() string {
	return p.stderr.String()
}

// Kill terminates the process early; Wait must still be called.
func (p *Process) Kill() {
	if p.proc.Process != nil {
		_ = p.proc.Process.Kill()
	}
}

func build(ctx context.Context, cmd Command) (*osexec.Cmd, error) {
	if len(cmd.Args) == 0 {
		return nil, pkgerrors.NewError(pkgerrors.ErrCodeInvalidArgument, "empty command").
			WithComponent("exec")
	}

	utils.Component("exec").Debug("spawn", zap.Strings("args", cmd.Args), zap.Int("stdin", len(cmd.Stdin)))

	c := osexec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	return c, nil
}

// ExitError builds the EXIT_STATUS error for a failed command. The message
// is trimmed stderr, falling back to stdout when stderr is empty.
func ExitError(cmd Command, code int, stderr, stdout string) *pkgerrors.Error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = strings.TrimSpace(stdout)
	}
	return pkgerrors.Newf(pkgerrors.ErrCodeExitStatus, "%s exited with status %d", program(cmd), code).
		WithComponent("exec").
		WithOperation(program(cmd)).
		WithDetail("exit_code", code).
		WithDetail("stderr", msg)
}

// Stderr extracts the stderr text recorded in an EXIT_STATUS error.
func Stderr(err error) (string, bool) {
	e, ok := pkgerrors.As(err)
	if !ok || e.Code != pkgerrors.ErrCodeExitStatus {
		return "", false
	}
	s, ok := e.Details["stderr"].(string)
	return s, ok
}

func spawnError(cmd Command, err error) *pkgerrors.Error {
	return pkgerrors.Newf(pkgerrors.ErrCodeSpawnFailed, "failed to spawn %s", program(cmd)).
		WithComponent("exec").
		WithOperation(program(cmd)).
		WithCause(err)
}

func contextError(cmd Command, err error) *pkgerrors.Error {
	code := pkgerrors.ErrCodeIOError
	if errors.Is(err, context.DeadlineExceeded) {
		code = pkgerrors.ErrCodeTimeout
	}
	return pkgerrors.Newf(code, "%s interrupted", program(cmd)).
		WithComponent("exec").
		WithOperation(program(cmd)).
		WithCause(err)
}

func program(cmd Command) string {
	if len(cmd.Args) == 0 {
		return ""
	}
	return cmd.Args[0]
}

func isPipeClosed(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

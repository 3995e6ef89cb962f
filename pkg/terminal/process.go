package terminal

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// SpawnSpec describes an interactive process inside a sandbox
type SpawnSpec struct {
	Command []string
	Dir     string
	Env     []string
	Cols    uint16
	Rows    uint16
}

// Process is a running interactive shell. Reads return its terminal output.
type Process interface {
	io.ReadWriter
	Resize(cols, rows uint16) error

	// Wait blocks until exit and returns the exit code
	Wait() (int, error)
	Kill() error
	Close() error
}

type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// PTYSpawner starts processes attached to a pseudo-terminal
type PTYSpawner struct{}

func (PTYSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("empty shell command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The shell outlives the request that opened it
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: spec.Cols, Rows: spec.Rows})
	if err != nil {
		return nil, err
	}
	return &ptyProcess{cmd: cmd, pty: f}, nil
}

type ptyProcess struct {
	cmd *exec.Cmd
	pty *os.File
}

func (p *ptyProcess) Read(b []byte) (int, error) {
	return p.pty.Read(b)
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.pty.Write(b)
}

func (p *ptyProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.pty, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *ptyProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (p *ptyProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *ptyProcess) Close() error {
	return p.pty.Close()
}

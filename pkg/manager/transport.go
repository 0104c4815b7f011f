package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// Process is a running ssh client.
type Process interface {
	io.ReadWriter
	// Wait blocks until the process exits and returns its exit code. A
	// process killed by a signal reports -1.
	Wait() (int, error)
	Kill() error
	Close() error
}

// Transport starts the ssh client. The launcher never talks to a network
// directly; authentication happens inside the spawned client.
type Transport interface {
	Start(ctx context.Context, argv, env []string) (Process, error)
}

// PTYTransport runs ssh under a pseudo terminal so remote prompts and full
// screen programs behave as in a real terminal.
type PTYTransport struct {
	// SizeFrom seeds the PTY size; usually os.Stdout.
	SizeFrom *os.File
}

func (t PTYTransport) Start(_ context.Context, argv, env []string) (Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("pty start: %w", err)
	}

	// Without an explicit size some wrappers leave the remote side at 0x0.
	if f := t.SizeFrom; f != nil && term.IsTerminal(int(f.Fd())) {
		if cols, rows, sizeErr := term.GetSize(int(f.Fd())); sizeErr == nil && rows > 0 && cols > 0 {
			_ = pty.Setsize(ptmx, &pty.Winsize{
				Rows: uint16(rows),
				Cols: uint16(cols),
			})
		}
	}
	return &ptyProcess{cmd: cmd, ptmx: ptmx}, nil
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

func (p *ptyProcess) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *ptyProcess) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

// PTY exposes the master side for resize propagation.
func (p *ptyProcess) PTY() *os.File { return p.ptmx }

func (p *ptyProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), nil
	}
	return -1, err
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

func (p *ptyProcess) Close() error { return p.ptmx.Close() }

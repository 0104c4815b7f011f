//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// startPTYResizeWatcher keeps the session PTY at the size of our terminal.
// The goroutine ends when the PTY is closed and a resize fails.
func startPTYResizeWatcher(ptmx *os.File) {
	if ptmx == nil {
		return
	}

	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)

	go func() {
		defer signal.Stop(winchCh)
		for range winchCh {
			fd := int(os.Stdout.Fd())
			if !term.IsTerminal(fd) {
				continue
			}
			cols, rows, err := term.GetSize(fd)
			if err != nil || rows <= 0 || cols <= 0 {
				continue
			}
			if err := pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
				return
			}
		}
	}()
}

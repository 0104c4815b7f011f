package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/term"

	"ssh-bootstrap/pkg/manager"
)

// enterRawMode puts stdin in raw mode so keystrokes (including Ctrl-C) reach
// the remote side. The returned restore func is safe to call more than once.
func enterRawMode() func() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	flushTTYInput()
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}
	}
	// Ensure cursor is visible.
	_, _ = fmt.Fprint(os.Stdout, "\033[?25h\033[0m")

	var once sync.Once
	return func() {
		once.Do(func() { _ = term.Restore(fd, oldState) })
	}
}

// closeOnSignal closes the session when the terminal goes away or the
// process is asked to stop.
func closeOnSignal(s *manager.Session) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			_ = s.Close()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

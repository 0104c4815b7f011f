//go:build !windows

package main

import (
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// flushTTYInput drops unread terminal input (for example OSC/DSR replies
// from the terminal emulator) so it is not forwarded to the remote shell as
// typed characters.
func flushTTYInput() {
	tty, err := os.OpenFile("/dev/tty", os.O_RDONLY, 0)
	if err != nil {
		return
	}
	defer func() { _ = tty.Close() }()

	fd := int(tty.Fd())

	// tcflush(fd, TCIFLUSH); TCFLSH is 0x540B on Linux and Darwin.
	const TCFLSH = 0x540B
	_, _, _ = unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(TCFLSH), uintptr(unix.TCIFLUSH))

	// Replies can land right after the flush; drain briefly.
	_ = unix.SetNonblock(fd, true)
	defer func() { _ = unix.SetNonblock(fd, false) }()

	deadline := time.Now().Add(200 * time.Millisecond)
	buf := make([]byte, 512)
	for time.Now().Before(deadline) {
		n, _ := unix.Read(fd, buf)
		if n <= 0 {
			break
		}
		deadline = time.Now().Add(75 * time.Millisecond)
	}
}

func execReplace(path string, argv []string) error {
	return syscall.Exec(path, argv, os.Environ())
}

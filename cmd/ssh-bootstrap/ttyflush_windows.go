//go:build windows

package main

import (
	"os"
	"os/exec"
)

func flushTTYInput() {}

// execReplace runs the command as a child; Windows has no exec(2).
func execReplace(path string, argv []string) error {
	cmd := exec.Command(path, argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return &exitError{code: ee.ExitCode()}
		}
		return err
	}
	return nil
}

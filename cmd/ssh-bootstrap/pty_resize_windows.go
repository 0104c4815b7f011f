//go:build windows

package main

import "os"

// startPTYResizeWatcher is a no-op: Windows has no SIGWINCH.
func startPTYResizeWatcher(_ *os.File) {}

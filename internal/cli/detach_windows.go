//go:build windows

package cli

import "os/exec"

func setDetachAttrs(cmd *exec.Cmd) {}

// Detached mode relies on Setsid; on Windows we run in the foreground.
func detachSupported() bool { return false }

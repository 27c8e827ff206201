//go:build windows

package local

import "os/exec"

// groupProcess keeps the default kill on cancellation. WaitDelay still
// bounds how long leftover children can hold the output pipes.
func groupProcess(cmd *exec.Cmd) {}

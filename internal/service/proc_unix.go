//go:build !windows

package service

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own group so dev servers that fork
// watchers and workers are signalled together.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGTERM)
}

func kill(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		// group already gone or never formed; fall back to the leader
		return cmd.Process.Signal(sig)
	}
	return nil
}

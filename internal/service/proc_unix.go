//go:build unix

package service

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the shell and everything it spawns into a new
// process group, so a kill reaches the tool and not only the shell.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return forceKill(cmd.Process.Pid)
	}
}

func terminate(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

func forceKill(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

func signalGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// KillGroup terminates the process group of pid, which may belong to
// another sweeper process.
func KillGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return terminate(pid)
}

// Privileged reports whether raw socket scans (-sS, -sU, -O) are possible.
func Privileged() bool {
	return unix.Geteuid() == 0
}

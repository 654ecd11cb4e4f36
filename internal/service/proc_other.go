//go:build !unix

package service

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
}

func terminate(pid int) error {
	return forceKill(pid)
}

func forceKill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	err = p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func KillGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return terminate(pid)
}

func Privileged() bool {
	return false
}

// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

//go:build unix

package simfleet

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

func newSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGTERM)
}

func killGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}

// signalGroup signals the process group led by p (negative pid). Children
// that move to their own group are not reached.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	err := syscall.Kill(-p.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal %v to group %d: %w", sig, p.Pid, os.ErrProcessDone)
	}
	return err
}

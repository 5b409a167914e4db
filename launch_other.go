// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

//go:build !unix

package simfleet

import (
	"os"
	"syscall"
)

func newSysProcAttr() *syscall.SysProcAttr {
	return nil
}

// Without process groups there is no graceful signal to send, so terminating
// is the same as killing.
func terminateGroup(p *os.Process) error {
	return p.Kill()
}

func killGroup(p *os.Process) error {
	return p.Kill()
}

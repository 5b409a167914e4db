// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package simfleet

import (
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
)

// Process roles used in LaunchSpec.Role and in log fields.
const (
	RoleSimulator = "simulator"
	RoleCollector = "collector"
	RoleMerge     = "merge"
)

// LaunchSpec is the single declarative description of a child process. The
// simulator, collector and merge step are all started from one.
type LaunchSpec struct {
	Role string
	Path string
	Args []string
	// Env holds overrides applied on top of the orchestrator's environment.
	Env    map[string]string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Environ returns the child environment: the current environment with Env
// applied. Overrides are emitted in key order so that the result is stable.
func (s LaunchSpec) Environ() []string {
	base := os.Environ()
	env := make([]string, 0, len(base)+len(s.Env))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, overridden := s.Env[k]; overridden {
			continue
		}
		env = append(env, kv)
	}
	for _, k := range slices.Sorted(maps.Keys(s.Env)) {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

func (s LaunchSpec) String() string {
	return strings.Join(append([]string{s.Path}, s.Args...), " ")
}

// Process is a live child process handle.
//
// Terminate and Kill return an error wrapping [os.ErrProcessDone] once the
// process has exited; callers treat that as success.
type Process interface {
	Pid() int
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// ExitCode is valid once Done is closed. It is -1 for a process
	// terminated by a signal.
	ExitCode() int
	Terminate() error
	Kill() error
}

// A Launcher starts processes described by a LaunchSpec.
type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}

// ExecLauncher starts real operating system processes. Each child is placed
// in its own process group so that signals reach wrapper scripts and the
// programs they start.
type ExecLauncher struct{}

func (ExecLauncher) Launch(spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Environ()
	cmd.Dir = spec.Dir
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = newSysProcAttr()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrSpawn, spec.Role, spec.Path, err)
	}
	p := &execProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
}

func (p *execProcess) wait() {
	defer close(p.done)
	_ = p.cmd.Wait()
	p.exitCode = -1
	if ps := p.cmd.ProcessState; ps != nil {
		p.exitCode = ps.ExitCode()
	}
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitCode() int {
	<-p.done
	return p.exitCode
}

func (p *execProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) Terminate() error {
	if p.exited() {
		return os.ErrProcessDone
	}
	return terminateGroup(p.cmd.Process)
}

func (p *execProcess) Kill() error {
	if p.exited() {
		return os.ErrProcessDone
	}
	return killGroup(p.cmd.Process)
}

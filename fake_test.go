// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package simfleet

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProcess is a Process whose lifetime is driven by the test.
type fakeProcess struct {
	pid  int
	spec LaunchSpec

	// ignoreTerm makes Terminate a no-op, so only Kill ends the process.
	ignoreTerm bool

	done         chan struct{}
	once         sync.Once
	code         int
	terminations atomic.Int32
	kills        atomic.Int32
}

func newFakeProcess(pid int, spec LaunchSpec) *fakeProcess {
	return &fakeProcess{pid: pid, spec: spec, done: make(chan struct{})}
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.code = code
		close(p.done)
	})
}

func (p *fakeProcess) exitAfter(d time.Duration, code int) {
	go func() {
		time.Sleep(d)
		p.exit(code)
	}()
}

func (p *fakeProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() int {
	<-p.done
	return p.code
}

func (p *fakeProcess) Terminate() error {
	if p.exited() {
		return os.ErrProcessDone
	}
	p.terminations.Add(1)
	if !p.ignoreTerm {
		p.exit(-1)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	if p.exited() {
		return os.ErrProcessDone
	}
	p.kills.Add(1)
	p.exit(-1)
	return nil
}

// behavior sets up a freshly launched fake. Returning an error makes the
// launch fail.
type behavior func(p *fakeProcess) error

// runsUntilStopped is the default simulator behavior.
func runsUntilStopped(*fakeProcess) error { return nil }

func exitsWith(d time.Duration, code int) behavior {
	return func(p *fakeProcess) error {
		p.exitAfter(d, code)
		return nil
	}
}

func failsToSpawn(*fakeProcess) error {
	return errors.New("exec format error")
}

// fakeLauncher records every launch and applies a per-role behavior.
type fakeLauncher struct {
	mu       sync.Mutex
	nextPid  int
	launched []*fakeProcess
	roles    map[string]behavior
	// override, when set, is consulted before roles.
	override func(spec LaunchSpec) behavior
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		nextPid: 1000,
		roles: map[string]behavior{
			RoleSimulator: runsUntilStopped,
			RoleCollector: exitsWith(time.Millisecond, 0),
			RoleMerge:     exitsWith(0, 0),
		},
	}
}

func (l *fakeLauncher) setRole(role string, b behavior) *fakeLauncher {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roles[role] = b
	return l
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	l.nextPid++
	p := newFakeProcess(l.nextPid, spec)
	b := l.roles[spec.Role]
	if l.override != nil {
		if ob := l.override(spec); ob != nil {
			b = ob
		}
	}
	l.mu.Unlock()

	if b != nil {
		if err := b(p); err != nil {
			return nil, err
		}
	}
	l.mu.Lock()
	l.launched = append(l.launched, p)
	l.mu.Unlock()
	return p, nil
}

func (l *fakeLauncher) byRole(role string) []*fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ps []*fakeProcess
	for _, p := range l.launched {
		if p.spec.Role == role {
			ps = append(ps, p)
		}
	}
	return ps
}

func (l *fakeLauncher) count(role string) int {
	return len(l.byRole(role))
}

// testSupervisorConfig returns settings with short delays and all paths
// under a per-test directory.
func testSupervisorConfig(t *testing.T) SupervisorConfig {
	dir := t.TempDir()
	cfg := DefaultSupervisorConfig()
	cfg.SimulatorDir = filepath.Join(dir, "sim")
	cfg.TeacherCheckpoint = "teacher.th"
	cfg.OutDataPath = filepath.Join(dir, "data")
	cfg.TempRoot = dir
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.WarmUp = time.Millisecond
	cfg.CollectorTimeout = 5 * time.Second
	cfg.GracePeriod = 50 * time.Millisecond
	cfg.Ports.SlotsPerDevice = 2
	return cfg
}

func testJobs(n int) []JobSpec {
	jobs := make([]JobSpec, n)
	for i := range jobs {
		jobs[i] = JobSpec{
			Name:       "job-" + strconv.Itoa(i),
			Checkpoint: "ckpt/" + strconv.Itoa(i) + ".pth",
		}
	}
	return jobs
}

func argValue(args []string, flag string) (string, bool) {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

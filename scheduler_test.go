// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package simfleet

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testConfig(t *testing.T, devices ...int) Config {
	cfg := DefaultConfig()
	cfg.Devices = devices
	cfg.MaxJitter = 0
	cfg.Supervisor = testSupervisorConfig(t)
	return cfg
}

func newTestScheduler(t *testing.T, cfg Config, l *fakeLauncher, logger *zap.Logger) *Scheduler {
	s, err := NewScheduler(cfg, Runtime{Launcher: l, Logger: logger})
	require.NoError(t, err)
	return s
}

func TestScheduler_AllJobsSucceed(t *testing.T) {
	chk := require.New(t)
	cfg := testConfig(t, 0, 1)
	l := newFakeLauncher().setRole(RoleCollector, exitsWith(20*time.Millisecond, 0))
	s := newTestScheduler(t, cfg, l, zap.NewNop())
	jobs := testJobs(4)

	report, err := s.Run(context.Background(), jobs)
	chk.NoError(err)
	chk.Equal(4, report.Dispatches)
	chk.Equal(4, report.Succeeded)
	chk.Zero(report.Requeued)
	chk.Empty(report.Pending)
	chk.Len(report.Slots, 4)
	chk.Equal(4, l.count(RoleMerge))

	sims := l.byRole(RoleSimulator)
	chk.Len(sims, 4)
	for _, sim := range sims {
		chk.True(sim.exited())
		chk.Equal(int32(1), sim.terminations.Load())
	}

	merged := make(map[string]bool)
	for _, m := range l.byRole(RoleMerge) {
		merged[m.spec.Args[len(m.spec.Args)-1]] = true
	}
	chk.Len(merged, 4)
	chk.Eventually(func() bool { return s.Registry().Live() == 0 }, time.Second, time.Millisecond)
}

func TestScheduler_ConcurrentSlotsUseDisjointPorts(t *testing.T) {
	chk := require.New(t)
	cfg := testConfig(t, 0, 1)
	var mu sync.Mutex
	live := make(map[string]bool)
	clash := false
	l := newFakeLauncher()
	l.override = func(spec LaunchSpec) behavior {
		if spec.Role != RoleCollector {
			return nil
		}
		port := spec.Env["CARLA_WORLD_PORT"]
		mu.Lock()
		if live[port] {
			clash = true
		}
		live[port] = true
		mu.Unlock()
		return func(p *fakeProcess) error {
			go func() {
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				delete(live, port)
				mu.Unlock()
				p.exit(0)
			}()
			return nil
		}
	}
	s := newTestScheduler(t, cfg, l, zap.NewNop())

	report, err := s.Run(context.Background(), testJobs(12))
	chk.NoError(err)
	chk.Equal(12, report.Succeeded)
	mu.Lock()
	defer mu.Unlock()
	chk.False(clash)
}

func TestScheduler_FailingJobRetriedUntilCanceled(t *testing.T) {
	chk := require.New(t)
	cfg := testConfig(t, 0)
	cfg.Supervisor.Ports.SlotsPerDevice = 1
	l := newFakeLauncher().setRole(RoleCollector, exitsWith(0, 1))
	s := newTestScheduler(t, cfg, l, zap.NewNop())
	job := testJobs(1)[0]

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		report Report
		err    error
	}
	rc := make(chan result, 1)
	go func() {
		r, err := s.Run(ctx, []JobSpec{job})
		rc <- result{r, err}
	}()

	chk.Eventually(func() bool { return l.count(RoleCollector) >= 3 }, 5*time.Second, time.Millisecond)
	cancel()
	res := <-rc
	chk.ErrorIs(res.err, context.Canceled)
	chk.GreaterOrEqual(res.report.Dispatches, 3)
	chk.GreaterOrEqual(res.report.Requeued, 2)
	chk.Zero(res.report.Succeeded)
	chk.Zero(l.count(RoleMerge))
	chk.Equal([]JobSpec{job}, res.report.Pending)
	for _, p := range l.launched {
		chk.True(p.exited(), "%s left running", p.spec.Role)
	}
}

func TestScheduler_CancelStopsLiveProcesses(t *testing.T) {
	chk := require.New(t)
	cfg := testConfig(t, 0)
	l := newFakeLauncher().setRole(RoleCollector, runsUntilStopped)
	s := newTestScheduler(t, cfg, l, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := s.Run(ctx, testJobs(2))
		errc <- err
	}()
	chk.Eventually(func() bool { return l.count(RoleCollector) == 2 }, 5*time.Second, time.Millisecond)
	cancel()
	chk.ErrorIs(<-errc, context.Canceled)
	chk.Len(l.byRole(RoleSimulator), 2)
	for _, p := range l.launched {
		chk.True(p.exited(), "%s left running", p.spec.Role)
	}
	chk.Eventually(func() bool { return s.Registry().Live() == 0 }, time.Second, time.Millisecond)
}

func TestScheduler_SpawnFailureDegradesFleet(t *testing.T) {
	chk := require.New(t)
	cfg := testConfig(t, 0, 1)
	l := newFakeLauncher()
	l.override = func(spec LaunchSpec) behavior {
		if spec.Role == RoleSimulator && spec.Env["SDL_HINT_CUDA_DEVICE"] == "1" {
			return failsToSpawn
		}
		return nil
	}
	core, logs := observer.New(zap.ErrorLevel)
	s := newTestScheduler(t, cfg, l, zap.New(core))

	report, err := s.Run(context.Background(), testJobs(6))
	chk.ErrorIs(err, ErrSpawn)
	chk.NotErrorIs(err, context.Canceled)
	chk.Equal(6, report.Succeeded)
	chk.Empty(report.Pending)
	for _, sim := range l.byRole(RoleSimulator) {
		chk.Equal("0", sim.spec.Env["SDL_HINT_CUDA_DEVICE"])
	}
	chk.Equal(2, logs.FilterMessage("slot aborting, fleet continues without it").Len())
	for _, sr := range report.Slots {
		if sr.Slot.DeviceID == 1 {
			chk.ErrorIs(sr.Err, ErrSpawn)
			chk.True(strings.HasPrefix(sr.Err.Error(), "slot 1."+strconv.Itoa(sr.Slot.SlotIndex)))
		} else {
			chk.NoError(sr.Err)
		}
	}
}

func TestScheduler_ConsensusPicksUpLateRequeue(t *testing.T) {
	chk := require.New(t)
	cfg := testConfig(t, 0)
	l := newFakeLauncher()
	var mu sync.Mutex
	failed := false
	l.override = func(spec LaunchSpec) behavior {
		if spec.Role != RoleCollector {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if !failed {
			failed = true
			// Fail late so that the other slot has already found the
			// queue empty.
			return exitsWith(30*time.Millisecond, 1)
		}
		return nil
	}
	s := newTestScheduler(t, cfg, l, zap.NewNop())

	report, err := s.Run(context.Background(), testJobs(2))
	chk.NoError(err)
	chk.Equal(2, report.Succeeded)
	chk.Equal(1, report.Requeued)
	chk.Equal(3, report.Dispatches)
}

func TestScheduler_EagerDrainStillCompletes(t *testing.T) {
	chk := require.New(t)
	cfg := testConfig(t, 0)
	cfg.Drain = DrainEager
	l := newFakeLauncher().setRole(RoleCollector, exitsWith(0, 1))
	var mu sync.Mutex
	failures := 0
	l.override = func(spec LaunchSpec) behavior {
		if spec.Role != RoleCollector {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		failures++
		if failures <= 2 {
			return nil
		}
		return exitsWith(0, 0)
	}
	s := newTestScheduler(t, cfg, l, zap.NewNop())

	report, err := s.Run(context.Background(), testJobs(1))
	chk.NoError(err)
	chk.Equal(1, report.Succeeded)
	chk.Equal(3, report.Dispatches)
	chk.Empty(report.Pending)
}

func TestConfig_Validate(t *testing.T) {
	chk := require.New(t)
	chk.NoError(testConfig(t, 0, 1).Validate())

	for name, mutate := range map[string]func(*Config){
		"no devices": func(c *Config) { c.Devices = nil },
		"negative":   func(c *Config) { c.Devices = []int{-1} },
		"duplicate":  func(c *Config) { c.Devices = []int{0, 0} },
		"jitter":     func(c *Config) { c.MaxJitter = -time.Second },
		"attempts":   func(c *Config) { c.MaxAttempts = -1 },
		"supervisor": func(c *Config) { c.Supervisor.SamplesPerJob = 0 },
	} {
		cfg := testConfig(t, 0)
		mutate(&cfg)
		chk.ErrorIs(cfg.Validate(), ErrInvalidConfig, name)
	}

	_, err := NewScheduler(Config{}, Runtime{})
	chk.ErrorIs(err, ErrInvalidConfig)
}

func TestConfig_Slots(t *testing.T) {
	cfg := testConfig(t, 3, 1)
	require.Equal(t, []SlotIdentity{
		{DeviceID: 3, SlotIndex: 0},
		{DeviceID: 3, SlotIndex: 1},
		{DeviceID: 1, SlotIndex: 0},
		{DeviceID: 1, SlotIndex: 1},
	}, cfg.Slots())
}

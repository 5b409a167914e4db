// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package simfleet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/petenewcomb/simfleet/internal/telemetry"
	"go.uber.org/zap"
)

const (
	DefaultWarmUp           = 15 * time.Second
	DefaultCollectorTimeout = 10 * time.Minute
	DefaultSimulatorBinary  = "CarlaUE4/Binaries/Linux/CarlaUE4-Linux-Shipping"

	readinessPollInterval = 500 * time.Millisecond
)

// ErrSetup wraps failures to prepare a dispatch that are not specific to the
// job, such as an unwritable log directory. Like ErrSpawn it aborts the slot.
const ErrSetup = constError("job setup failed")

// ErrSimulatorExited is reported when the simulator is already gone by the
// time the collector would be started.
const ErrSimulatorExited = constError("simulator exited during warm-up")

// SupervisorConfig describes how to run one job.
type SupervisorConfig struct {
	Mode CollectMode

	// SimulatorDir is the simulator installation root. SimulatorBinary is
	// resolved against it unless absolute.
	SimulatorDir    string
	SimulatorBinary string
	ResX, ResY      int

	// TeacherCheckpoint is the reference model passed with -t.
	TeacherCheckpoint string
	// OutDataPath is the dataset root; each job merges into
	// OutDataPath/<job name>.
	OutDataPath string
	// TempRoot holds the per-dispatch scratch directories. Empty means the
	// system default.
	TempRoot string
	LogDir   string

	SamplesPerJob int

	// CollectorCommand is the argv prefix before the collect subcommand, for
	// instance a virtual display wrapper followed by the collector CLI.
	CollectorCommand []string
	// MergeCommand is the argv prefix of the merge step; the scratch and
	// final directories are appended.
	MergeCommand []string

	// WarmUp is the guaranteed minimum wait between starting the simulator
	// and starting the collector.
	WarmUp time.Duration
	// ReadinessTimeout, when positive, enables a TCP probe of the world port
	// after WarmUp, for at most this long.
	ReadinessTimeout time.Duration
	CollectorTimeout time.Duration
	GracePeriod      time.Duration

	Ports PortConfig
}

// DefaultSupervisorConfig returns the settings used by the original fleet.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Mode:             CollectIntervention,
		SimulatorBinary:  DefaultSimulatorBinary,
		ResX:             800,
		ResY:             600,
		LogDir:           "logs",
		SamplesPerJob:    1,
		CollectorCommand: []string{"xvfb-run", "--auto-servernum", "intervention-learning"},
		MergeCommand:     []string{"../merge-datasets.sh"},
		WarmUp:           DefaultWarmUp,
		CollectorTimeout: DefaultCollectorTimeout,
		GracePeriod:      DefaultGracePeriod,
		Ports: PortConfig{
			BasePort:       DefaultBasePort,
			Stride:         DefaultPortStride,
			SlotsPerDevice: 1,
		},
	}
}

// Validate checks the settings that Execute relies on.
func (c SupervisorConfig) Validate() error {
	if _, err := ParseCollectMode(string(c.Mode)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if len(c.CollectorCommand) == 0 {
		return fmt.Errorf("%w: collector command is empty", ErrInvalidConfig)
	}
	if len(c.MergeCommand) == 0 {
		return fmt.Errorf("%w: merge command is empty", ErrInvalidConfig)
	}
	if c.SamplesPerJob < 1 {
		return fmt.Errorf("%w: samples per job must be at least 1", ErrInvalidConfig)
	}
	if c.Mode != CollectStudent && c.TeacherCheckpoint == "" {
		return fmt.Errorf("%w: %s collection needs a teacher checkpoint", ErrInvalidConfig, c.Mode)
	}
	return c.Ports.Validate()
}

// Runtime carries the collaborators shared by every slot. Zero fields get
// defaults: real processes, the real clock, zap.L() and no telemetry.
type Runtime struct {
	Launcher  Launcher
	Clock     clockwork.Clock
	Logger    *zap.Logger
	Registry  *Registry
	Telemetry *telemetry.Recorder
}

func (rt Runtime) withDefaults() Runtime {
	if rt.Launcher == nil {
		rt.Launcher = ExecLauncher{}
	}
	if rt.Clock == nil {
		rt.Clock = clockwork.NewRealClock()
	}
	if rt.Logger == nil {
		rt.Logger = zap.L()
	}
	if rt.Registry == nil {
		rt.Registry = NewRegistry()
	}
	return rt
}

// Supervisor runs jobs through the simulator, collector and merge processes.
// It is safe for concurrent use by several slots.
type Supervisor struct {
	cfg SupervisorConfig
	rt  Runtime
}

func NewSupervisor(cfg SupervisorConfig, rt Runtime) *Supervisor {
	return &Supervisor{cfg: cfg, rt: rt.withDefaults()}
}

// Result describes one Execute call.
type Result struct {
	Job     JobSpec
	Slot    SlotIdentity
	LogPath string

	Collector Outcome
	// Merge is nil unless the merge step was started.
	Merge *Outcome

	// Err is set when the dispatch could not run as intended. It wraps
	// ErrSpawn or ErrSetup for failures that should abort the slot.
	Err error
}

// Succeeded reports whether the collector and the merge step both exited
// with status zero.
func (r Result) Succeeded() bool {
	return r.Err == nil && r.Collector.Success() && r.Merge != nil && r.Merge.Success()
}

// MergeFailed reports whether the collector succeeded but the merge did not.
func (r Result) MergeFailed() bool {
	return r.Collector.Success() && r.Merge != nil && !r.Merge.Success()
}

// Label is a short classification used in logs and metrics.
func (r Result) Label() string {
	switch {
	case r.Succeeded():
		return "success"
	case r.Err != nil && (errors.Is(r.Err, ErrSpawn) || errors.Is(r.Err, ErrSetup)):
		return "setup-failed"
	case r.Err != nil && errors.Is(r.Err, ErrSimulatorExited):
		return "simulator-exited"
	case r.MergeFailed():
		return "merge-failed"
	case r.Collector.Kind == OutcomeTimedOut:
		return "timed-out"
	case r.Collector.Kind == OutcomeCanceled:
		return "canceled"
	default:
		return "collector-failed"
	}
}

// Failure summarizes why the dispatch did not succeed, or returns nil.
func (r Result) Failure() error {
	switch {
	case r.Succeeded():
		return nil
	case r.Err != nil:
		return r.Err
	case r.MergeFailed():
		return fmt.Errorf("%w: %v", ErrMergeFailed, *r.Merge)
	default:
		return fmt.Errorf("collector %v", r.Collector)
	}
}

// LogPath returns the log artifact path for a dispatch started at t.
func (s *Supervisor) LogPath(slot SlotIdentity, t time.Time) string {
	name := fmt.Sprintf("log-%s-device-%d-slot-%d.out",
		t.UTC().Format("20060102T150405.000000000"), slot.DeviceID, slot.SlotIndex)
	return filepath.Join(s.cfg.LogDir, name)
}

// Execute runs job once on slot. It always stops the processes it started
// before returning, and removes the scratch directory.
func (s *Supervisor) Execute(ctx context.Context, job JobSpec, slot SlotIdentity) Result {
	res := Result{
		Job:       job,
		Slot:      slot,
		Collector: Outcome{Kind: OutcomeNotRun, ExitCode: -1},
	}
	res.LogPath = s.LogPath(slot, s.rt.Clock.Now())
	logger := s.rt.Logger.With(
		zap.Stringer("slot", slot),
		zap.String("job", job.Name),
		zap.String("log", res.LogPath))

	if err := os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrSetup, err)
		return res
	}
	logFile, err := os.OpenFile(res.LogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrSetup, err)
		return res
	}
	defer logFile.Close()

	ports := AllocatePorts(slot, s.cfg.Ports)
	logger.Info("handling job",
		zap.String("checkpoint", job.Checkpoint),
		zap.Int("tm_port", ports.TMPort),
		zap.Int("world_port", ports.WorldPort))

	sim, err := s.start(slot, s.simulatorSpec(slot, ports, logFile))
	if err != nil {
		res.Err = err
		return res
	}
	defer s.stop(RoleSimulator, sim, logger)
	logger.Info("spawned simulator", zap.Int("pid", sim.Pid()))

	if err := s.warmUp(ctx, sim, ports, logger); err != nil {
		if ctx.Err() != nil {
			res.Collector.Kind = OutcomeCanceled
		} else {
			res.Err = err
		}
		return res
	}

	tempDir, err := os.MkdirTemp(s.cfg.TempRoot, "collect-")
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrSetup, err)
		return res
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			logger.Warn("failed to remove scratch directory", zap.String("dir", tempDir), zap.Error(err))
		}
	}()

	collector, err := s.start(slot, s.collectorSpec(job, slot, ports, tempDir, logFile))
	if err != nil {
		res.Err = err
		return res
	}
	logger.Info("spawned collector", zap.Int("pid", collector.Pid()))
	res.Collector, _ = telemetry.Step(ctx, s.rt.Telemetry, logger, "collect", func(ctx context.Context) (Outcome, error) {
		o := s.runToCompletion(ctx, RoleCollector, collector, s.cfg.CollectorTimeout, logger)
		return o, outcomeError(RoleCollector, o)
	})
	if !res.Collector.Success() {
		return res
	}

	final := filepath.Join(s.cfg.OutDataPath, job.Name)
	merge, err := s.start(slot, s.mergeSpec(tempDir, final, logFile))
	if err != nil {
		res.Err = err
		return res
	}
	logger.Info("spawned data merging", zap.Int("pid", merge.Pid()), zap.String("dest", final))
	mo, _ := telemetry.Step(ctx, s.rt.Telemetry, logger, "merge", func(ctx context.Context) (Outcome, error) {
		o := s.runToCompletion(ctx, RoleMerge, merge, 0, logger)
		return o, outcomeError(RoleMerge, o)
	})
	res.Merge = &mo
	return res
}

func outcomeError(role string, o Outcome) error {
	if o.Success() {
		return nil
	}
	return fmt.Errorf("%s %v", role, o)
}

// start launches spec and registers the process under slot.
func (s *Supervisor) start(slot SlotIdentity, spec LaunchSpec) (Process, error) {
	p, err := s.rt.Launcher.Launch(spec)
	if err != nil {
		if !errors.Is(err, ErrSpawn) {
			err = fmt.Errorf("%w: %s: %w", ErrSpawn, spec.Role, err)
		}
		return nil, err
	}
	remove := s.rt.Registry.Add(slot, spec.Role, p)
	go func() {
		<-p.Done()
		remove()
	}()
	return p, nil
}

// stop runs the two-phase shutdown on p. It ignores cancellation of the
// dispatch context so that cleanup always completes.
func (s *Supervisor) stop(role string, p Process, logger *zap.Logger) {
	if err := shutdown(context.Background(), s.rt.Clock, p, s.cfg.GracePeriod); err != nil {
		logger.Error("failed to stop process", zap.String("role", role), zap.Int("pid", p.Pid()), zap.Error(err))
		return
	}
	logger.Debug("stopped process", zap.String("role", role), zap.Int("pid", p.Pid()))
}

// runToCompletion waits for p and shuts it down if it times out or the
// dispatch is canceled.
func (s *Supervisor) runToCompletion(ctx context.Context, role string, p Process, timeout time.Duration, logger *zap.Logger) Outcome {
	o := awaitExit(ctx, s.rt.Clock, p, timeout)
	switch o.Kind {
	case OutcomeTimedOut:
		logger.Warn("process timed out, killing", zap.String("role", role), zap.Int("pid", p.Pid()), zap.Duration("timeout", timeout))
		s.stop(role, p, logger)
	case OutcomeCanceled:
		logger.Warn("dispatch canceled, killing", zap.String("role", role), zap.Int("pid", p.Pid()))
		s.stop(role, p, logger)
	}
	return o
}

// warmUp waits the guaranteed minimum delay and then, if configured, probes
// the simulator's world port.
func (s *Supervisor) warmUp(ctx context.Context, sim Process, ports PortAssignment, logger *zap.Logger) error {
	_, err := telemetry.Step(ctx, s.rt.Telemetry, logger, "warm-up", func(ctx context.Context) (struct{}, error) {
		select {
		case <-s.rt.Clock.After(s.cfg.WarmUp):
		case <-sim.Done():
			return struct{}{}, fmt.Errorf("%w: status %d", ErrSimulatorExited, sim.ExitCode())
		case <-ctx.Done():
			return struct{}{}, ctx.Err()
		}
		if s.cfg.ReadinessTimeout > 0 {
			addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(ports.WorldPort))
			if err := s.probe(ctx, sim, addr); err != nil {
				if ctx.Err() != nil || errors.Is(err, ErrSimulatorExited) {
					return struct{}{}, err
				}
				logger.Warn("simulator readiness probe failed, continuing", zap.String("addr", addr), zap.Error(err))
			}
		}
		return struct{}{}, nil
	})
	return err
}

func (s *Supervisor) probe(ctx context.Context, sim Process, addr string) error {
	give := s.rt.Clock.After(s.cfg.ReadinessTimeout)
	var dialer net.Dialer
	for {
		dctx, cancel := context.WithTimeout(ctx, readinessPollInterval)
		conn, err := dialer.DialContext(dctx, "tcp", addr)
		cancel()
		if err == nil {
			return conn.Close()
		}
		select {
		case <-sim.Done():
			return fmt.Errorf("%w: status %d", ErrSimulatorExited, sim.ExitCode())
		case <-give:
			return fmt.Errorf("no answer on %s after %v: %w", addr, s.cfg.ReadinessTimeout, err)
		case <-ctx.Done():
			return ctx.Err()
		case <-s.rt.Clock.After(readinessPollInterval):
		}
	}
}

func (s *Supervisor) simulatorSpec(slot SlotIdentity, ports PortAssignment, log *os.File) LaunchSpec {
	bin := s.cfg.SimulatorBinary
	if !filepath.IsAbs(bin) {
		bin = filepath.Join(s.cfg.SimulatorDir, bin)
	}
	return LaunchSpec{
		Role: RoleSimulator,
		Path: bin,
		Args: []string{
			"-opengl",
			"-nosound",
			fmt.Sprintf("-ResX=%d", s.cfg.ResX),
			fmt.Sprintf("-ResY=%d", s.cfg.ResY),
			"-windowed",
			fmt.Sprintf("-carla-world-port=%d", ports.WorldPort),
		},
		Env: map[string]string{
			"DISPLAY":              "",
			"SDL_HINT_CUDA_DEVICE": strconv.Itoa(slot.DeviceID),
			"UE4_PROJECT_ROOT":     s.cfg.SimulatorDir,
		},
		Stdout: log,
		Stderr: log,
	}
}

// CollectorArgs returns the collector argv after CollectorCommand.
func (s *Supervisor) CollectorArgs(job JobSpec, dataDir string) []string {
	args := []string{s.cfg.Mode.Subcommand()}
	switch s.cfg.Mode {
	case CollectTeacher:
		args = append(args, "-t", job.Checkpoint)
	case CollectStudent:
		args = append(args, "-s", job.Checkpoint)
	case CollectIntervention:
		args = append(args, "-s", job.Checkpoint, "-t", s.cfg.TeacherCheckpoint)
	}
	args = append(args, "-n", strconv.Itoa(s.cfg.SamplesPerJob), "-d", dataDir)
	if job.Town != "" {
		args = append(args, "--town", job.Town)
	}
	if job.Weather != "" {
		args = append(args, "--weather", job.Weather)
	}
	return args
}

func (s *Supervisor) collectorSpec(job JobSpec, slot SlotIdentity, ports PortAssignment, dataDir string, log *os.File) LaunchSpec {
	cmd := s.cfg.CollectorCommand
	return LaunchSpec{
		Role: RoleCollector,
		Path: cmd[0],
		Args: append(append([]string(nil), cmd[1:]...), s.CollectorArgs(job, dataDir)...),
		Env: map[string]string{
			"CUDA_VISIBLE_DEVICES":       strconv.Itoa(slot.DeviceID),
			"CARLA_TRAFFIC_MANAGER_PORT": strconv.Itoa(ports.TMPort),
			"CARLA_WORLD_PORT":           strconv.Itoa(ports.WorldPort),
		},
		Stdout: log,
		Stderr: log,
	}
}

func (s *Supervisor) mergeSpec(tempDir, final string, log *os.File) LaunchSpec {
	cmd := s.cfg.MergeCommand
	return LaunchSpec{
		Role:   RoleMerge,
		Path:   cmd[0],
		Args:   append(append([]string(nil), cmd[1:]...), tempDir, final),
		Stdout: log,
		Stderr: log,
	}
}

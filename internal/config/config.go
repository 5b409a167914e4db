// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

// Package config reads fleet descriptions from YAML or JSON files and maps
// them onto simfleet types.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/petenewcomb/simfleet"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string such as "15s" or "10m".
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// CheckpointSet is one directory of numbered student checkpoints.
type CheckpointSet struct {
	Dir     string `yaml:"dir" json:"dir"`
	Numbers []int  `yaml:"numbers" json:"numbers"`
}

type Resolution struct {
	X int `yaml:"x" json:"x"`
	Y int `yaml:"y" json:"y"`
}

// ReadinessProbe enables polling the simulator's world port after the warm-up
// delay. A zero Timeout disables it.
type ReadinessProbe struct {
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// Config is the on-disk description of a fleet and its job list.
type Config struct {
	Devices        []int `yaml:"devices" json:"devices"`
	SlotsPerDevice int   `yaml:"slots_per_device" json:"slots_per_device"`
	BasePort       int   `yaml:"base_port" json:"base_port"`
	PortStride     int   `yaml:"port_stride" json:"port_stride"`

	SimulatorDir    string     `yaml:"simulator_dir" json:"simulator_dir"`
	SimulatorBinary string     `yaml:"simulator_binary" json:"simulator_binary"`
	Resolution      Resolution `yaml:"resolution" json:"resolution"`

	TeacherCheckpoint string `yaml:"teacher_checkpoint" json:"teacher_checkpoint"`
	OutDataPath       string `yaml:"out_data_path" json:"out_data_path"`
	TempDir           string `yaml:"temp_dir" json:"temp_dir"`
	LogDir            string `yaml:"log_dir" json:"log_dir"`

	CollectType            string          `yaml:"collect_type" json:"collect_type"`
	StudentCheckpointsPath string          `yaml:"student_checkpoints_path" json:"student_checkpoints_path"`
	StudentCheckpoints     []CheckpointSet `yaml:"student_checkpoints" json:"student_checkpoints"`
	EpisodesPerCheckpoint  int             `yaml:"episodes_per_checkpoint" json:"episodes_per_checkpoint"`
	Towns                  []string        `yaml:"towns" json:"towns"`
	Weathers               []string        `yaml:"weathers" json:"weathers"`
	SamplesPerJob          int             `yaml:"samples_per_job" json:"samples_per_job"`

	WarmUp           Duration       `yaml:"warm_up" json:"warm_up"`
	ReadinessProbe   ReadinessProbe `yaml:"readiness_probe" json:"readiness_probe"`
	CollectorTimeout Duration       `yaml:"collector_timeout" json:"collector_timeout"`
	GracePeriod      Duration       `yaml:"grace_period" json:"grace_period"`
	MaxJitter        Duration       `yaml:"max_jitter" json:"max_jitter"`
	MaxAttempts      int            `yaml:"max_attempts" json:"max_attempts"`
	// Drain is "consensus" (the default) or "eager".
	Drain string `yaml:"drain" json:"drain"`

	CollectorCommand []string `yaml:"collector_command" json:"collector_command"`
	MergeCommand     []string `yaml:"merge_command" json:"merge_command"`
}

// Default returns the settings of a single-device, four-slot fleet collecting
// intervention data in two towns.
func Default() Config {
	sup := simfleet.DefaultSupervisorConfig()
	return Config{
		Devices:                []int{0},
		SlotsPerDevice:         4,
		BasePort:               simfleet.DefaultBasePort,
		PortStride:             simfleet.DefaultPortStride,
		SimulatorDir:           "~/carla/CARLA_0.9.10.1_RSS",
		SimulatorBinary:        sup.SimulatorBinary,
		Resolution:             Resolution{X: sup.ResX, Y: sup.ResY},
		TeacherCheckpoint:      "~/checkpoints/lbc-birdview/model-128.th",
		OutDataPath:            "~/datasets",
		TempDir:                "~/datasets/temp",
		LogDir:                 sup.LogDir,
		CollectType:            string(simfleet.CollectIntervention),
		StudentCheckpointsPath: "~/checkpoints",
		EpisodesPerCheckpoint:  30,
		Towns:                  []string{"Town01", "Town02"},
		Weathers:               []string{"ClearNoon"},
		SamplesPerJob:          sup.SamplesPerJob,
		WarmUp:                 Duration(sup.WarmUp),
		CollectorTimeout:       Duration(sup.CollectorTimeout),
		GracePeriod:            Duration(sup.GracePeriod),
		MaxJitter:              Duration(simfleet.DefaultMaxJitter),
		Drain:                  "consensus",
		CollectorCommand:       sup.CollectorCommand,
		MergeCommand:           sup.MergeCommand,
	}
}

// Load reads the file at path over Default. Files ending in .json are
// decoded as JSON; anything else as YAML. A leading "~/" in path settings is
// replaced by the user's home directory.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".json"))
}

// Parse decodes data over Default and validates the result.
func Parse(data []byte, useJSON bool) (Config, error) {
	c := Default()
	var err error
	if useJSON {
		err = json.Unmarshal(data, &c)
	} else {
		err = yaml.Unmarshal(data, &c)
	}
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", simfleet.ErrInvalidConfig, err)
	}
	if err := c.expandHome(); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) expandHome() error {
	paths := []*string{
		&c.SimulatorDir, &c.TeacherCheckpoint, &c.OutDataPath,
		&c.TempDir, &c.LogDir, &c.StudentCheckpointsPath,
	}
	var home string
	for _, p := range paths {
		if *p != "~" && !strings.HasPrefix(*p, "~/") {
			continue
		}
		if home == "" {
			h, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("expanding %q: %w", *p, err)
			}
			home = h
		}
		*p = filepath.Join(home, strings.TrimPrefix(*p, "~"))
	}
	return nil
}

// Validate checks the whole configuration, including the job list it
// describes.
func (c Config) Validate() error {
	sc, err := c.Scheduler()
	if err != nil {
		return err
	}
	if err := sc.Validate(); err != nil {
		return err
	}
	if c.EpisodesPerCheckpoint < 1 {
		return fmt.Errorf("%w: episodes_per_checkpoint must be at least 1", simfleet.ErrInvalidConfig)
	}
	if sc.Supervisor.Mode != simfleet.CollectTeacher && len(c.Catalog().Dirs) == 0 {
		return fmt.Errorf("%w: %s collection needs student_checkpoints", simfleet.ErrInvalidConfig, sc.Supervisor.Mode)
	}
	return nil
}

// Scheduler maps the file onto scheduler settings.
func (c Config) Scheduler() (simfleet.Config, error) {
	mode, err := simfleet.ParseCollectMode(c.CollectType)
	if err != nil {
		return simfleet.Config{}, fmt.Errorf("%w: collect_type: %w", simfleet.ErrInvalidConfig, err)
	}
	var drain simfleet.DrainPolicy
	switch strings.ToLower(c.Drain) {
	case "", "consensus":
		drain = simfleet.DrainConsensus
	case "eager":
		drain = simfleet.DrainEager
	default:
		return simfleet.Config{}, fmt.Errorf("%w: drain must be consensus or eager, not %q", simfleet.ErrInvalidConfig, c.Drain)
	}

	sup := simfleet.DefaultSupervisorConfig()
	sup.Mode = mode
	sup.SimulatorDir = c.SimulatorDir
	if c.SimulatorBinary != "" {
		sup.SimulatorBinary = c.SimulatorBinary
	}
	sup.ResX, sup.ResY = c.Resolution.X, c.Resolution.Y
	sup.TeacherCheckpoint = c.TeacherCheckpoint
	sup.OutDataPath = c.OutDataPath
	sup.TempRoot = c.TempDir
	sup.LogDir = c.LogDir
	sup.SamplesPerJob = c.SamplesPerJob
	sup.CollectorCommand = c.CollectorCommand
	sup.MergeCommand = c.MergeCommand
	sup.WarmUp = time.Duration(c.WarmUp)
	sup.ReadinessTimeout = time.Duration(c.ReadinessProbe.Timeout)
	sup.CollectorTimeout = time.Duration(c.CollectorTimeout)
	sup.GracePeriod = time.Duration(c.GracePeriod)
	sup.Ports = simfleet.PortConfig{
		BasePort:       c.BasePort,
		Stride:         c.PortStride,
		SlotsPerDevice: c.SlotsPerDevice,
	}

	return simfleet.Config{
		Devices:     c.Devices,
		MaxJitter:   time.Duration(c.MaxJitter),
		MaxAttempts: c.MaxAttempts,
		Drain:       drain,
		Supervisor:  sup,
	}, nil
}

// Catalog returns the student checkpoint catalog.
func (c Config) Catalog() simfleet.Catalog {
	cat := simfleet.Catalog{Root: c.StudentCheckpointsPath}
	for _, s := range c.StudentCheckpoints {
		cat.Dirs = append(cat.Dirs, simfleet.CheckpointDir{Dir: s.Dir, Numbers: s.Numbers})
	}
	return cat
}

// Jobs expands the job list, stamping names with now.
func (c Config) Jobs(now time.Time) ([]simfleet.JobSpec, error) {
	mode, err := simfleet.ParseCollectMode(c.CollectType)
	if err != nil {
		return nil, fmt.Errorf("%w: collect_type: %w", simfleet.ErrInvalidConfig, err)
	}
	return simfleet.Expand(simfleet.Expansion{
		Mode:              mode,
		TeacherCheckpoint: c.TeacherCheckpoint,
		Catalog:           c.Catalog(),
		Episodes:          c.EpisodesPerCheckpoint,
		Towns:             c.Towns,
		Weathers:          c.Weathers,
		Now:               now,
	})
}

// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package simfleet

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// CheckpointDir names a directory of numbered checkpoints, each stored as
// <Root>/<Dir>/<n>.pth.
type CheckpointDir struct {
	Dir     string
	Numbers []int
}

// Catalog is the set of student checkpoints to collect with.
type Catalog struct {
	Root string
	Dirs []CheckpointDir
}

// Checkpoints returns the checkpoint paths in catalog order, paired with the
// name fragment identifying each one.
func (c Catalog) Checkpoints() (paths, names []string) {
	for _, d := range c.Dirs {
		for _, n := range d.Numbers {
			paths = append(paths, filepath.Join(c.Root, d.Dir, strconv.Itoa(n)+".pth"))
			names = append(names, d.Dir+"-"+strconv.Itoa(n))
		}
	}
	return paths, names
}

// Expansion describes how to build the job list of a run.
type Expansion struct {
	Mode              CollectMode
	TeacherCheckpoint string
	Catalog           Catalog
	Episodes          int
	// Towns and Weathers multiply the job list. Empty means a single job
	// with the collector's own default.
	Towns    []string
	Weathers []string
	// Now stamps the job names.
	Now time.Time
}

// Expand returns one job per checkpoint, episode, town and weather, in that
// nesting order. Teacher collection uses the teacher checkpoint only.
func Expand(e Expansion) ([]JobSpec, error) {
	if e.Episodes < 1 {
		return nil, fmt.Errorf("%w: episodes per checkpoint must be at least 1", ErrInvalidConfig)
	}
	stamp := e.Now.Format("2006-01-02T15:04:05")

	var paths, names []string
	switch e.Mode {
	case CollectTeacher:
		if e.TeacherCheckpoint == "" {
			return nil, fmt.Errorf("%w: teacher collection needs a teacher checkpoint", ErrInvalidConfig)
		}
		paths, names = []string{e.TeacherCheckpoint}, []string{""}
	case CollectStudent, CollectIntervention:
		paths, names = e.Catalog.Checkpoints()
		if len(paths) == 0 {
			return nil, fmt.Errorf("%w: %s collection needs student checkpoints", ErrInvalidConfig, e.Mode)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollectMode, e.Mode)
	}

	towns := orBlank(e.Towns)
	weathers := orBlank(e.Weathers)
	jobs := make([]JobSpec, 0, len(paths)*e.Episodes*len(towns)*len(weathers))
	for i, path := range paths {
		parts := []string{stamp, string(e.Mode)}
		if names[i] != "" {
			parts = append(parts, names[i])
		}
		prefix := strings.Join(parts, "-")
		for ep := range e.Episodes {
			for _, town := range towns {
				for _, weather := range weathers {
					jobs = append(jobs, JobSpec{
						Name:       jobName(prefix, ep, town, weather),
						Checkpoint: path,
						Town:       town,
						Weather:    weather,
					})
				}
			}
		}
	}
	return jobs, nil
}

func orBlank(s []string) []string {
	if len(s) == 0 {
		return []string{""}
	}
	return s
}

// jobName makes every job of an expansion distinct, since each one merges
// into its own dataset directory.
func jobName(prefix string, episode int, town, weather string) string {
	name := prefix + "-e" + strconv.Itoa(episode)
	if town != "" {
		name += "-" + town
	}
	if weather != "" {
		name += "-" + weather
	}
	return name
}

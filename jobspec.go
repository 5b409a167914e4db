// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package simfleet

import (
	"fmt"
	"strings"
)

// JobSpec is one unit of work: a checkpoint and scenario to run through the
// simulator and collector. JobSpecs are plain comparable values; a requeued
// job is the same value that was popped.
type JobSpec struct {
	// Name identifies the dataset directory the job merges into.
	Name       string
	Checkpoint string
	Town       string
	Weather    string
}

func (j JobSpec) String() string {
	return j.Name
}

// SlotIdentity names one worker lane on one accelerator. It is fixed for the
// lifetime of the worker.
type SlotIdentity struct {
	DeviceID  int
	SlotIndex int
}

func (s SlotIdentity) String() string {
	return fmt.Sprintf("%d.%d", s.DeviceID, s.SlotIndex)
}

// CollectMode selects the collector subcommand.
type CollectMode string

const (
	CollectTeacher      CollectMode = "teacher"
	CollectStudent      CollectMode = "student"
	CollectIntervention CollectMode = "intervention"
)

// ParseCollectMode accepts the mode names case-insensitively.
func ParseCollectMode(s string) (CollectMode, error) {
	switch m := CollectMode(strings.ToLower(strings.TrimSpace(s))); m {
	case CollectTeacher, CollectStudent, CollectIntervention:
		return m, nil
	default:
		return "", fmt.Errorf("%w %q: must be one of teacher, student, intervention", ErrUnknownCollectMode, s)
	}
}

// Subcommand returns the collector subcommand for the mode.
func (m CollectMode) Subcommand() string {
	return "collect-" + string(m)
}

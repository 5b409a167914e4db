// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package estimate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRun_NoJitterNoFailures(t *testing.T) {
	chk := require.New(t)
	est, err := Run(Config{
		Slots: 4,
		Jobs:  10,
		Timings: Timings{
			WarmUp:  15 * time.Second,
			Collect: 5 * time.Minute,
			Merge:   45 * time.Second,
		},
	})
	chk.NoError(err)
	per := 15*time.Second + 5*time.Minute + 45*time.Second
	chk.Equal(10, est.Dispatches)
	chk.Equal(10, est.Succeeded)
	chk.Zero(est.Abandoned)
	// Ten jobs on four slots take three rounds.
	chk.Equal(3*per, est.Makespan)
	chk.Equal(10*per, est.Busy)
	chk.Equal(4, est.MaxConcurrency)
	chk.InDelta(10.0/12.0, est.Utilization(4), 1e-9)
}

func TestRun_Empty(t *testing.T) {
	chk := require.New(t)
	est, err := Run(Config{Slots: 2})
	chk.NoError(err)
	chk.Zero(est.Dispatches)
	chk.Zero(est.Makespan)
	chk.Zero(est.Utilization(2))
}

func TestRun_AbandonsUnderAttemptLimit(t *testing.T) {
	chk := require.New(t)
	est, err := Run(Config{
		Slots:       2,
		Jobs:        3,
		Timings:     Timings{Collect: time.Minute},
		FailureRate: 1,
		MaxAttempts: 2,
	})
	chk.NoError(err)
	chk.Equal(6, est.Dispatches)
	chk.Equal(3, est.Abandoned)
	chk.Zero(est.Succeeded)
}

func TestConfig_Validate(t *testing.T) {
	chk := require.New(t)
	chk.Error(Config{Slots: 0}.Validate())
	chk.Error(Config{Slots: 1, Jobs: -1}.Validate())
	chk.Error(Config{Slots: 1, FailureRate: 1.5}.Validate())
	chk.Error(Config{Slots: 1, FailureRate: 1}.Validate())
	chk.Error(Config{Slots: 1, Timings: Timings{WarmUp: -time.Second}}.Validate())
	chk.NoError(Config{Slots: 1, FailureRate: 1, MaxAttempts: 1}.Validate())
}

func TestRun_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := Config{
			Slots: rapid.IntRange(1, 16).Draw(t, "slots"),
			Jobs:  rapid.IntRange(0, 200).Draw(t, "jobs"),
			Timings: Timings{
				MaxJitter: time.Duration(rapid.IntRange(0, 15).Draw(t, "jitter")) * time.Second,
				WarmUp:    time.Duration(rapid.IntRange(0, 30).Draw(t, "warmUp")) * time.Second,
				Collect:   time.Duration(rapid.IntRange(1, 600).Draw(t, "collect")) * time.Second,
				Merge:     time.Duration(rapid.IntRange(0, 60).Draw(t, "merge")) * time.Second,
			},
			FailureRate: float64(rapid.IntRange(0, 90).Draw(t, "failurePercent")) / 100,
			MaxAttempts: rapid.IntRange(0, 5).Draw(t, "maxAttempts"),
			Seed:        rapid.Uint64().Draw(t, "seed"),
		}
		est, err := Run(c)
		require.NoError(t, err)

		// Every job ends exactly once.
		require.Equal(t, c.Jobs, est.Succeeded+est.Abandoned)
		require.GreaterOrEqual(t, est.Dispatches, c.Jobs)
		if c.FailureRate == 0 {
			require.Equal(t, c.Jobs, est.Dispatches)
		}
		if c.MaxAttempts > 0 {
			require.LessOrEqual(t, est.Dispatches, c.Jobs*c.MaxAttempts)
		}
		require.LessOrEqual(t, est.MaxConcurrency, c.Slots)

		// The fleet can never beat perfect packing of the busy time, nor be
		// slower than running every dispatch back to back.
		if est.Dispatches > 0 {
			require.GreaterOrEqual(t, est.Makespan*time.Duration(c.Slots), est.Busy)
			require.LessOrEqual(t, est.Makespan, est.Busy)
		}

		again, err := Run(c)
		require.NoError(t, err)
		require.Equal(t, est, again)
	})
}

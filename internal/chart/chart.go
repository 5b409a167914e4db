// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

// Package chart draws capacity planning charts from fleet estimates.
package chart

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strconv"

	"github.com/petenewcomb/simfleet/internal/estimate"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/brewer"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Series is one estimated makespan curve. X is the slot count and Y the
// makespan in hours.
type Series struct {
	Label  string
	Points plotter.XYs
}

// Sweep estimates base once per slot count from 1 to maxSlots and once per
// failure rate, replacing the corresponding fields of base.
func Sweep(base estimate.Config, maxSlots int, failureRates []float64) ([]Series, error) {
	if maxSlots < 1 {
		return nil, errors.New("maxSlots must be at least 1")
	}
	series := make([]Series, 0, len(failureRates))
	for _, rate := range failureRates {
		s := Series{
			Label:  fmt.Sprintf("%.0f%% failures", 100*rate),
			Points: make(plotter.XYs, maxSlots),
		}
		for i := range s.Points {
			c := base
			c.Slots = i + 1
			c.FailureRate = rate
			est, err := estimate.Run(c)
			if err != nil {
				return nil, fmt.Errorf("%s with %d slots: %w", s.Label, c.Slots, err)
			}
			s.Points[i].X = float64(c.Slots)
			s.Points[i].Y = est.Makespan.Hours()
		}
		series = append(series, s)
	}
	return series, nil
}

// Makespan plots series as lines against slot count.
func Makespan(title string, series []Series) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "slots"
	p.Y.Label.Text = "makespan (hours)"

	grey := color.Gray{128}
	p.Title.TextStyle.Color = grey
	p.X.Color = grey
	p.Y.Color = grey
	p.X.Label.TextStyle.Color = grey
	p.Y.Label.TextStyle.Color = grey
	p.X.Tick.Color = grey
	p.Y.Tick.Color = grey
	p.X.Tick.Label.Color = grey
	p.Y.Tick.Label.Color = grey
	p.Legend.TextStyle.Color = grey
	p.Legend.Top = true
	p.Legend.Padding = 1 * vg.Millimeter
	p.BackgroundColor = color.Transparent
	p.Y.Min = 0

	// Qualitative brewer palettes start at three colors.
	palette, err := brewer.GetPalette(brewer.TypeQualitative, "Dark2", max(3, len(series)))
	if err != nil {
		return nil, err
	}
	colors := palette.Colors()

	var maxSlots int
	for i, s := range series {
		maxSlots = max(maxSlots, s.Points.Len())
		line, points, err := plotter.NewLinePoints(s.Points)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Label, err)
		}
		line.Color = colors[i%len(colors)]
		points.Color = line.Color
		p.Add(line, points)
		p.Legend.Add(s.Label, line, points)
	}

	ticks := make([]plot.Tick, maxSlots)
	for i := range ticks {
		ticks[i] = plot.Tick{Value: float64(i + 1), Label: strconv.Itoa(i + 1)}
	}
	p.X.Tick.Marker = plot.ConstantTicks(ticks)
	return p, nil
}

// Save writes p to path, creating its directory. The file extension picks the
// image format.
func Save(p *plot.Plot, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return p.Save(9*vg.Inch, 6*vg.Inch, path)
}

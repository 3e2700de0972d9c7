// Package profile holds the interval-valued performance profiles the
// platform selector forecasts from.
package profile

import (
	"fmt"
	"math"
)

// MinMax is a [Min, Max] uncertainty range.
type MinMax struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Point returns the degenerate interval [v, v].
func Point(v float64) MinMax {
	return MinMax{Min: v, Max: v}
}

// Add returns the interval sum m + o.
func (m MinMax) Add(o MinMax) MinMax {
	return MinMax{Min: m.Min + o.Min, Max: m.Max + o.Max}
}

// AddScaled returns m + f*o.
func (m MinMax) AddScaled(f float64, o MinMax) MinMax {
	return MinMax{Min: m.Min + f*o.Min, Max: m.Max + f*o.Max}
}

// Scale returns f*m.
func (m MinMax) Scale(f float64) MinMax {
	return MinMax{Min: f * m.Min, Max: f * m.Max}
}

// Widen returns the smallest interval containing m and v.
func (m MinMax) Widen(v float64) MinMax {
	return MinMax{Min: math.Min(m.Min, v), Max: math.Max(m.Max, v)}
}

// Average returns the interval midpoint.
func (m MinMax) Average() float64 {
	return (m.Min + m.Max) / 2
}

func (m MinMax) String() string {
	return fmt.Sprintf("[%g, %g]", m.Min, m.Max)
}

// Range accumulates observations into a MinMax. The zero Range has seen
// nothing.
type Range struct {
	interval MinMax
	samples  int
}

// Observe widens the range to include v.
func (r *Range) Observe(v float64) {
	if r.samples == 0 {
		r.interval = Point(v)
	} else {
		r.interval = r.interval.Widen(v)
	}
	r.samples++
}

// Seed replaces the range with a prior interval that the first observation
// overrides.
func (r *Range) Seed(m MinMax) {
	r.interval = m
	r.samples = 0
}

// Interval returns the accumulated interval.
func (r *Range) Interval() MinMax { return r.interval }

// Samples returns how many observations were made.
func (r *Range) Samples() int { return r.samples }

// Restore sets the range to a previously persisted aggregate.
func (r *Range) Restore(m MinMax, samples int) {
	r.interval = m
	r.samples = samples
}

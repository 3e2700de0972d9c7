package platform

import (
	"fmt"

	"github.com/seantiz/anvil/internal/profile"
)

// Scale factors applied on top of the configured weights so that time
// (milliseconds), energy (millijoules) and economic cost (currency units)
// contribute comparable magnitudes.
const (
	timeScale     = 1_000
	energyScale   = 1
	economicScale = 1_000_000_000
)

// Weights sets how much each forecast dimension counts in a Score.
type Weights struct {
	Time     float64 `yaml:"time" json:"time"`
	Energy   float64 `yaml:"energy" json:"energy"`
	Economic float64 `yaml:"economic" json:"economic"`
}

// DefaultWeights weighs time and energy and ignores economic cost.
func DefaultWeights() Weights {
	return Weights{Time: 1, Energy: 1, Economic: 0}
}

// Score is an execution forecast: one interval per dimension and their
// weighted combination.
type Score struct {
	Time     profile.MinMax `json:"time"`
	Energy   profile.MinMax `json:"energy"`
	Economic profile.MinMax `json:"economic"`
	Value    profile.MinMax `json:"value"`
}

// NewScore combines the three forecasts with w.
func NewScore(w Weights, time, energy, economic profile.MinMax) *Score {
	var v profile.MinMax
	v = v.AddScaled(w.Time*timeScale, time)
	v = v.AddScaled(w.Energy*energyScale, energy)
	v = v.AddScaled(w.Economic*economicScale, economic)
	return &Score{Time: time, Energy: energy, Economic: economic, Value: v}
}

// Better reports whether s predicts a strictly cheaper execution than o.
// A nil score is never better, and any score is better than nil.
func (s *Score) Better(o *Score) bool {
	if s == nil {
		return false
	}
	if o == nil {
		return true
	}
	return s.Value.Average() < o.Value.Average()
}

func (s *Score) String() string {
	if s == nil {
		return "no forecast"
	}
	return fmt.Sprintf("time %s energy %s cost %s => %g", s.Time, s.Energy, s.Economic, s.Value.Average())
}

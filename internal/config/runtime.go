package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/anvil/internal/analyser"
	"github.com/seantiz/anvil/internal/platform"
	"github.com/seantiz/anvil/internal/platform/cpu"
	"github.com/seantiz/anvil/internal/platform/remote"
	"github.com/seantiz/anvil/internal/profile"
)

// DefaultCPUName names the local pool when the runtime file does not.
const DefaultCPUName = "cpu"

// ErrInvalidRuntime wraps every validation failure of a runtime file.
var ErrInvalidRuntime = errors.New("invalid runtime configuration")

// CPUPool configures the local CPU pool.
type CPUPool struct {
	Name       string `yaml:"name"`
	cpu.Config `yaml:",inline"`
}

// RemotePool configures one remote resource pool.
type RemotePool struct {
	Name          string `yaml:"name"`
	remote.Config `yaml:",inline"`
	// LatencyMS is the simulated round trip of the in-process offloader.
	LatencyMS int `yaml:"latency_ms"`
}

// Runtime is the YAML runtime file: graph, scoring, platforms and priors.
type Runtime struct {
	BlockSize int                 `yaml:"block_size"`
	Weights   platform.Weights    `yaml:"weights"`
	CPU       CPUPool             `yaml:"cpu"`
	Remote    []RemotePool        `yaml:"remote"`
	Placement *platform.Placement `yaml:"placement"`
	// Profiles seeds implementation profiles, keyed by implementation name
	// ("<signature>#<impl>").
	Profiles map[string]profile.Default `yaml:"profiles"`
}

// DefaultRuntime returns the configuration used without a runtime file.
func DefaultRuntime() Runtime {
	return Runtime{
		BlockSize: analyser.DefaultBlockSize,
		Weights:   platform.DefaultWeights(),
		CPU: CPUPool{
			Name:   DefaultCPUName,
			Config: cpu.Config{Workers: cpu.DefaultWorkers, PowerMW: cpu.DefaultPowerMW},
		},
	}
}

// LoadRuntime reads the runtime file at path. An empty path yields the
// defaults.
func LoadRuntime(path string) (Runtime, error) {
	if path == "" {
		return DefaultRuntime(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Runtime{}, fmt.Errorf("read runtime file: %w", err)
	}
	rt, err := ParseRuntime(raw)
	if err != nil {
		return Runtime{}, fmt.Errorf("%s: %w", path, err)
	}
	return rt, nil
}

// ParseRuntime decodes a runtime file over the defaults and validates it.
// Unknown keys are rejected.
func ParseRuntime(raw []byte) (Runtime, error) {
	rt := DefaultRuntime()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&rt); err != nil && !errors.Is(err, io.EOF) {
		return Runtime{}, fmt.Errorf("decode runtime: %w", err)
	}
	if err := rt.Validate(); err != nil {
		return Runtime{}, err
	}
	return rt, nil
}

// Validate checks the runtime for values no platform could work with.
func (rt *Runtime) Validate() error {
	if rt.BlockSize <= 0 {
		return fmt.Errorf("%w: block_size must be positive, got %d", ErrInvalidRuntime, rt.BlockSize)
	}
	w := rt.Weights
	if w.Time < 0 || w.Energy < 0 || w.Economic < 0 {
		return fmt.Errorf("%w: weights must not be negative", ErrInvalidRuntime)
	}
	if rt.CPU.Name == "" {
		rt.CPU.Name = DefaultCPUName
	}
	names := map[string]bool{rt.CPU.Name: true}
	for i, pool := range rt.Remote {
		if pool.Name == "" {
			return fmt.Errorf("%w: remote pool %d has no name", ErrInvalidRuntime, i)
		}
		if names[pool.Name] {
			return fmt.Errorf("%w: platform name %q used twice", ErrInvalidRuntime, pool.Name)
		}
		names[pool.Name] = true
		if len(pool.Nodes) == 0 {
			return fmt.Errorf("%w: remote pool %q has no nodes", ErrInvalidRuntime, pool.Name)
		}
		switch pool.Policy {
		case "", remote.PolicyRoundRobin, remote.PolicyDataLocality:
		default:
			return fmt.Errorf("%w: remote pool %q: unknown policy %q", ErrInvalidRuntime, pool.Name, pool.Policy)
		}
	}
	if rt.Placement != nil {
		for id, name := range rt.Placement.Pins {
			if !names[name] {
				return fmt.Errorf("%w: task %d pinned to unknown platform %q", ErrInvalidRuntime, id, name)
			}
		}
		if d := rt.Placement.Default; d != "" && !names[d] {
			return fmt.Errorf("%w: default placement on unknown platform %q", ErrInvalidRuntime, d)
		}
	}
	return nil
}

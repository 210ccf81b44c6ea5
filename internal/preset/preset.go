// Package preset loads training presets: TOML files describing the problem,
// the algorithm, the agent parameters and the inspectors of a run.
package preset

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Hiestaa/RLViz/internal/protocol"
)

// Component is a named, parameterized part of a run.
type Component struct {
	Name   string         `toml:"name"`
	Params map[string]any `toml:"params"`
}

// Preset describes one training run.
type Preset struct {
	Problem    Component      `toml:"problem"`
	Algorithm  Component      `toml:"algorithm"`
	Agent      map[string]any `toml:"agent"`
	Inspectors []Component    `toml:"inspectors"`
}

// Load reads and validates a preset file.
func Load(path string) (*Preset, error) {
	var p Preset
	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return nil, fmt.Errorf("failed to parse preset %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in preset %s: %s", path, strings.Join(keys, ", "))
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid preset %s: %w", path, err)
	}
	return &p, nil
}

// Validate checks the required fields.
func (p *Preset) Validate() error {
	var errs []string
	if p.Problem.Name == "" {
		errs = append(errs, "problem.name is required")
	}
	if p.Algorithm.Name == "" {
		errs = append(errs, "algorithm.name is required")
	}
	for i, insp := range p.Inspectors {
		if insp.Name == "" {
			errs = append(errs, fmt.Sprintf("inspectors[%d].name is required", i))
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ProblemParams returns the problem parameters.
func (p *Preset) ProblemParams() protocol.Params {
	return protocol.Params(p.Problem.Params).Clone()
}

// AlgorithmParams returns the algorithm parameters.
func (p *Preset) AlgorithmParams() protocol.Params {
	return protocol.Params(p.Algorithm.Params).Clone()
}

// AgentParams returns the agent parameters.
func (p *Preset) AgentParams() protocol.Params {
	return protocol.Params(p.Agent).Clone()
}

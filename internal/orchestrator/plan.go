package orchestrator

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan is an ordered list of operations produced by a planner.
type Plan struct {
	ID      string `yaml:"id"`
	Network string `yaml:"network"`
	Sender  string `yaml:"sender"`
	Steps   []Step `yaml:"steps"`
}

// Step is one operation of a plan.
type Step struct {
	Kind string `yaml:"kind"`
	// Network overrides the plan network for this step.
	Network     string         `yaml:"network,omitempty"`
	Params      map[string]any `yaml:"params,omitempty"`
	Description string         `yaml:"description,omitempty"`
}

// Target returns the network the step runs on.
func (s Step) Target(p *Plan) string {
	if s.Network != "" {
		return s.Network
	}
	return p.Network
}

// Validate checks the plan shape. Producers validate step parameters.
func (p *Plan) Validate() error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, errors.New("plan id is required"))
	}
	if len(p.Steps) == 0 {
		errs = append(errs, errors.New("plan has no steps"))
	}
	for i, s := range p.Steps {
		if s.Kind == "" {
			errs = append(errs, fmt.Errorf("step %d: kind is required", i))
		}
		if s.Target(p) == "" {
			errs = append(errs, fmt.Errorf("step %d: no network", i))
		}
	}
	return errors.Join(errs...)
}

// LoadPlan reads a YAML plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %w", path, err)
	}
	return &p, nil
}

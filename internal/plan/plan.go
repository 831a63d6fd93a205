// Package plan parses plan documents and turns them into persisted runs with
// queued steps. YAML and JSON inputs both parse through the same decoder.
package plan

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/benfinklea/nofx/internal/runs"
)

// Step is one planned unit of work.
type Step struct {
	Name   string    `yaml:"name" json:"name"`
	Tool   string    `yaml:"tool" json:"tool"`
	Inputs runs.JSON `yaml:"inputs" json:"inputs"`
}

// Plan is a submitted plan document.
type Plan struct {
	Goal      string    `yaml:"goal" json:"goal"`
	ProjectID string    `yaml:"projectId" json:"projectId"`
	Steps     []Step    `yaml:"steps" json:"steps"`
	Metadata  runs.JSON `yaml:"metadata" json:"metadata"`
}

// Parse decodes a plan from YAML or JSON bytes and validates it.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, runs.ValidationError{Field: "plan", Reason: fmt.Sprintf("not parseable: %v", err)}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the structural requirements of a plan.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return runs.ValidationError{Field: "steps", Reason: "plan has no steps"}
	}
	seen := make(map[string]struct{}, len(p.Steps))
	for i, s := range p.Steps {
		if s.Name == "" {
			return runs.ValidationError{Field: fmt.Sprintf("steps[%d].name", i), Reason: "must not be empty"}
		}
		if s.Tool == "" {
			return runs.ValidationError{Field: fmt.Sprintf("steps[%d].tool", i), Reason: "must not be empty"}
		}
		if _, dup := seen[s.Name]; dup {
			return runs.ValidationError{Field: fmt.Sprintf("steps[%d].name", i), Reason: fmt.Sprintf("duplicate step name %q", s.Name)}
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// document renders the plan as the JSON tree stored on the run row.
func (p *Plan) document() runs.JSON {
	steps := make([]any, 0, len(p.Steps))
	for _, s := range p.Steps {
		step := runs.JSON{"name": s.Name, "tool": s.Tool}
		if s.Inputs != nil {
			step["inputs"] = normalizeTree(s.Inputs).(runs.JSON)
		}
		steps = append(steps, step)
	}
	doc := runs.JSON{"goal": p.Goal, "steps": steps}
	if p.Metadata != nil {
		doc["metadata"] = normalizeTree(p.Metadata)
	}
	return doc
}

// normalizeTree rewrites yaml.v3's map[any]any nodes (produced by anchors
// and merge keys) into string-keyed maps so the tree round-trips as JSON.
func normalizeTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(runs.JSON, len(t))
		for k, val := range t {
			out[k] = normalizeTree(val)
		}
		return out
	case map[any]any:
		out := make(runs.JSON, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeTree(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeTree(t[i])
		}
		return t
	default:
		return v
	}
}

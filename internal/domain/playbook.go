package domain

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Step action types dispatched by the engine. "http" and "postgres" are
// executor capabilities; "playbook" and "iterator" are handled by the broker.
const (
	StepTypeHTTP     = "http"
	StepTypePostgres = "postgres"
	StepTypePlaybook = "playbook"
	StepTypeIterator = "iterator"
	StepTypeNoop     = "noop"
)

const (
	LoopSequential = "sequential"
	LoopParallel   = "parallel"
)

const StartStepName = "start"

// Playbook is the parsed workflow tree, indexed by step name. The YAML
// surface syntax itself is a collaborator concern; this is its parsed form.
type Playbook struct {
	Name       string         `yaml:"name" json:"name"`
	Path       string         `yaml:"path" json:"path"`
	Version    string         `yaml:"version" json:"version"`
	Workload   map[string]any `yaml:"workload" json:"workload"`
	ReturnStep string         `yaml:"return_step" json:"return_step,omitempty"`
	Steps      []*Step        `yaml:"steps" json:"steps"`

	byName map[string]*Step
}

// Step is one node of the playbook graph. The header (name, when, next, save,
// auth) is shared; the body varies by Type.
type Step struct {
	Name string         `yaml:"step" json:"step"`
	Type string         `yaml:"type" json:"type,omitempty"`
	When string         `yaml:"when" json:"when,omitempty"`
	With map[string]any `yaml:"with" json:"with,omitempty"`

	// Auth maps a local alias to a credential name in the store.
	Auth map[string]string `yaml:"auth" json:"auth,omitempty"`
	Save *SaveSpec         `yaml:"save" json:"save,omitempty"`
	Next []Edge            `yaml:"next" json:"next,omitempty"`

	// Sub-playbook body (Type == playbook).
	Path    string `yaml:"path" json:"path,omitempty"`
	Version string `yaml:"version" json:"version,omitempty"`

	// Iterator body (Type == iterator).
	Loop *LoopSpec `yaml:"loop" json:"loop,omitempty"`

	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Priority       int    `yaml:"priority" json:"priority,omitempty"`
	MaxAttempts    int    `yaml:"max_attempts" json:"max_attempts,omitempty"`
	Pool           string `yaml:"pool" json:"pool,omitempty"`
}

// Edge is one outbound transition. An empty When is an unconditional edge.
type Edge struct {
	Step string `yaml:"step" json:"step"`
	When string `yaml:"when" json:"when,omitempty"`
}

// LoopSpec configures iterator fan-out.
type LoopSpec struct {
	Collection        string `yaml:"collection" json:"collection"`
	Element           string `yaml:"element" json:"element"`
	Index             string `yaml:"index" json:"index,omitempty"`
	Mode              string `yaml:"mode" json:"mode,omitempty"`
	Body              *Step  `yaml:"body" json:"body"`
	ReturnStep        string `yaml:"return_step" json:"return_step,omitempty"`
	ContinueOnFailure *bool  `yaml:"continue_on_failure" json:"continue_on_failure,omitempty"`
}

func (l *LoopSpec) EffectiveMode() string {
	if l == nil || strings.TrimSpace(l.Mode) == "" {
		return LoopParallel
	}
	return l.Mode
}

func (l *LoopSpec) StopOnFailure() bool {
	return l != nil && l.ContinueOnFailure != nil && !*l.ContinueOnFailure
}

// SaveSpec persists a step's result into the execution workload blob under
// Key, after the completion event is emitted.
type SaveSpec struct {
	Key string `yaml:"key" json:"key"`
}

// ParsePlaybook decodes stored catalog content into a playbook tree and
// validates its graph.
func ParsePlaybook(content []byte) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal(content, &pb); err != nil {
		return nil, fmt.Errorf("decode playbook: %w", err)
	}
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	return &pb, nil
}

func (p *Playbook) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("playbook %q has no steps", p.Name)
	}
	p.byName = make(map[string]*Step, len(p.Steps))
	for _, s := range p.Steps {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("playbook %q: step missing name", p.Name)
		}
		if _, dup := p.byName[s.Name]; dup {
			return fmt.Errorf("playbook %q: duplicate step %q", p.Name, s.Name)
		}
		p.byName[s.Name] = s
	}
	if p.Start() == nil {
		return fmt.Errorf("playbook %q: missing start step", p.Name)
	}
	for _, s := range p.Steps {
		for _, e := range s.Next {
			if _, ok := p.byName[e.Step]; !ok {
				return fmt.Errorf("playbook %q: step %q targets unknown step %q", p.Name, s.Name, e.Step)
			}
		}
		if s.Type == StepTypeIterator {
			if s.Loop == nil || s.Loop.Body == nil {
				return fmt.Errorf("playbook %q: iterator %q missing loop body", p.Name, s.Name)
			}
			if strings.TrimSpace(s.Loop.Collection) == "" {
				return fmt.Errorf("playbook %q: iterator %q missing collection", p.Name, s.Name)
			}
		}
		if s.Type == StepTypePlaybook && strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("playbook %q: sub-playbook %q missing path", p.Name, s.Name)
		}
	}
	return nil
}

// Step returns the step by name, or nil.
func (p *Playbook) Step(name string) *Step {
	if p.byName == nil {
		_ = p.Validate()
	}
	return p.byName[name]
}

// Start returns the step named "start", or nil. Validate rejects playbooks
// without one, so the entry point never depends on declaration order.
func (p *Playbook) Start() *Step {
	if p.byName != nil {
		return p.byName[StartStepName]
	}
	for _, s := range p.Steps {
		if s.Name == StartStepName {
			return s
		}
	}
	return nil
}

// Leaves returns the steps with no outbound edges. An execution is complete
// when every reached leaf is complete.
func (p *Playbook) Leaves() []*Step {
	var out []*Step
	for _, s := range p.Steps {
		if len(s.Next) == 0 {
			out = append(out, s)
		}
	}
	return out
}

// Sources returns, per step name, the names of steps with an edge targeting
// it. Used by the broker's dependency rule.
func (p *Playbook) Sources() map[string][]string {
	out := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		for _, e := range s.Next {
			out[e.Step] = append(out[e.Step], s.Name)
		}
	}
	return out
}

// EdgeBetween returns the edge from -> to, or nil.
func (p *Playbook) EdgeBetween(from, to string) *Edge {
	s := p.Step(from)
	if s == nil {
		return nil
	}
	for i := range s.Next {
		if s.Next[i].Step == to {
			return &s.Next[i]
		}
	}
	return nil
}

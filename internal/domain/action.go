package domain

import "encoding/json"

// ActionSpec is the resolved action carried on a queue row: type, rendered
// configuration, credential references, and loop coordinates when the job is
// one iteration of an iterator. Serialized opaquely as jsonb.
type ActionSpec struct {
	Type           string            `json:"type"`
	Config         map[string]any    `json:"config,omitempty"`
	Auth           map[string]string `json:"auth,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`

	LoopStep  string `json:"loop_step,omitempty"`
	LoopIndex *int   `json:"loop_index,omitempty"`

	SaveKey string `json:"save_key,omitempty"`
}

func (a *ActionSpec) Marshal() []byte {
	b, _ := json.Marshal(a)
	return b
}

func UnmarshalActionSpec(raw []byte) (*ActionSpec, error) {
	var a ActionSpec
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// IsLoopIteration reports whether this job is one fan-out iteration.
func (a *ActionSpec) IsLoopIteration() bool {
	return a.LoopStep != "" && a.LoopIndex != nil
}

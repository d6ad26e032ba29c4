package render

// Scope is the variable environment: an ordered stack of frames queried
// closest-first (workload at the root, step results above it, loop bindings
// on top). Scopes are immutable; Push returns a child.
type Scope struct {
	frames []map[string]any
}

func NewScope(frames ...map[string]any) *Scope {
	s := &Scope{}
	for _, f := range frames {
		if f != nil {
			s.frames = append(s.frames, f)
		}
	}
	return s
}

func (s *Scope) Push(frame map[string]any) *Scope {
	if frame == nil {
		return s
	}
	child := &Scope{frames: make([]map[string]any, 0, len(s.frames)+1)}
	child.frames = append(child.frames, s.frames...)
	child.frames = append(child.frames, frame)
	return child
}

// Lookup resolves a name, closest frame winning.
func (s *Scope) Lookup(name string) (any, bool) {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if v, ok := s.frames[i][name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Flatten merges frames root-to-leaf into one map for template execution.
func (s *Scope) Flatten() map[string]any {
	out := map[string]any{}
	for _, f := range s.frames {
		for k, v := range f {
			out[k] = v
		}
	}
	return out
}

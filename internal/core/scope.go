// internal/core/scope.go
package core

import "sort"

// Scope - tracks tensors created inside a computation and releases them
// on Close, except the ones marked with Keep.
//
//	s := core.NewScope()
//	defer s.Close()
//	tmp := s.Track(a.Clone())
//	return s.Keep(result)
type Scope struct {
	tracked []*Tensor
	kept    map[*Tensor]struct{}
}

func NewScope() *Scope {
	return &Scope{kept: make(map[*Tensor]struct{})}
}

// Track registers t for release at Close and returns it.
func (s *Scope) Track(t *Tensor) *Tensor {
	if t != nil {
		s.tracked = append(s.tracked, t)
	}
	return t
}

// TrackMap registers every tensor of m.
func (s *Scope) TrackMap(m TensorMap) TensorMap {
	for _, t := range m {
		s.Track(t)
	}
	return m
}

// Keep lets t outlive the scope.
func (s *Scope) Keep(t *Tensor) *Tensor {
	if t != nil {
		s.kept[t] = struct{}{}
	}
	return t
}

func (s *Scope) Close() {
	for _, t := range s.tracked {
		if _, ok := s.kept[t]; ok {
			continue
		}
		t.Dispose()
	}
	s.tracked = nil
	s.kept = make(map[*Tensor]struct{})
}

// TensorMap - named tensors, e.g. layer activations or Gram matrices
type TensorMap map[string]*Tensor

func (m TensorMap) Dispose() {
	for name, t := range m {
		t.Dispose()
		delete(m, name)
	}
}

func (m TensorMap) Clone() TensorMap {
	c := make(TensorMap, len(m))
	for name, t := range m {
		c[name] = t.Clone()
	}
	return c
}

// Names returns the keys in sorted order.
func (m TensorMap) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

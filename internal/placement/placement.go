// Package placement positions floating dialogs next to the pointer and
// keeps track of their stacking order.
package placement

import "sync"

// Place returns the top-left corner for a panel of size w x h opened at the
// pointer (px, py). The panel grows left of the pointer unless that would
// cross minX, and grows downward unless fewer than h units remain above
// maxY. A zero size is allowed for a panel that has not been measured yet.
func Place(w, h, px, py, maxY, minX float64) (x, y float64) {
	if px-w < minX {
		x = px
	} else {
		x = px - w
	}
	if maxY-py < h {
		y = py - h
	} else {
		y = py
	}
	return x, y
}

// Stack assigns z-indexes to open dialogs so the most recently raised one is
// on top.
type Stack struct {
	mu sync.Mutex
	z  map[string]int
}

// NewStack creates an empty Stack.
func NewStack() *Stack {
	return &Stack{z: make(map[string]int)}
}

// Raise puts dialog id on top and returns its z-index. The first dialog
// gets 1.
func (s *Stack) Raise(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	top := 0
	for other, z := range s.z {
		if other != id && z > top {
			top = z
		}
	}
	if cur, ok := s.z[id]; ok && cur > top {
		return cur
	}
	s.z[id] = top + 1
	return top + 1
}

// Remove forgets dialog id.
func (s *Stack) Remove(id string) {
	s.mu.Lock()
	delete(s.z, id)
	s.mu.Unlock()
}

// Top returns the id of the topmost dialog, or "" when none is open.
func (s *Stack) Top() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	top, best := "", 0
	for id, z := range s.z {
		if z > best || (z == best && id < top) {
			top, best = id, z
		}
	}
	return top
}

// Z returns the z-index of dialog id, or 0 if it is not open.
func (s *Stack) Z(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.z[id]
}

package state

import (
	"sort"
)

// Snapshot is an immutable, id-indexed, insertion-ordered set of shapes.
// Two snapshots are the same document revision only if they are the same
// pointer; equal contents in different snapshots are still compared by value.
type Snapshot struct {
	shapes []Shape
	index  map[string]int
}

var emptySnapshot = &Snapshot{index: map[string]int{}}

// Empty returns the shared empty snapshot.
func Empty() *Snapshot {
	return emptySnapshot
}

// NewSnapshot builds a snapshot from shapes. Later duplicates of an id
// replace earlier ones in place.
func NewSnapshot(shapes []Shape) *Snapshot {
	s := &Snapshot{
		shapes: make([]Shape, 0, len(shapes)),
		index:  make(map[string]int, len(shapes)),
	}
	for _, sh := range shapes {
		if i, ok := s.index[sh.ID]; ok {
			s.shapes[i] = sh
			continue
		}
		s.index[sh.ID] = len(s.shapes)
		s.shapes = append(s.shapes, sh)
	}
	return s
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.shapes)
}

func (s *Snapshot) Get(id string) (Shape, bool) {
	if s == nil {
		return Shape{}, false
	}
	i, ok := s.index[id]
	if !ok {
		return Shape{}, false
	}
	return s.shapes[i], true
}

func (s *Snapshot) Has(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.index[id]
	return ok
}

// Shapes returns a copy of the shapes in insertion order.
func (s *Snapshot) Shapes() []Shape {
	if s == nil {
		return nil
	}
	out := make([]Shape, len(s.shapes))
	copy(out, s.shapes)
	return out
}

// Each calls fn for every shape in insertion order without copying.
func (s *Snapshot) Each(fn func(Shape)) {
	if s == nil {
		return
	}
	for _, sh := range s.shapes {
		fn(sh)
	}
}

// IDs returns shape ids in insertion order.
func (s *Snapshot) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, len(s.shapes))
	for i, sh := range s.shapes {
		ids[i] = sh.ID
	}
	return ids
}

// Ordered returns shapes in render order: ascending zIndex, ties broken by
// insertion order.
func (s *Snapshot) Ordered() []Shape {
	out := s.Shapes()
	sort.SliceStable(out, func(i, j int) bool { return out[i].ZIndex < out[j].ZIndex })
	return out
}

// MaxZ returns the highest zIndex in the snapshot, or 0 when empty.
func (s *Snapshot) MaxZ() int64 {
	var z int64
	for i, sh := range s.shapes {
		if i == 0 || sh.ZIndex > z {
			z = sh.ZIndex
		}
	}
	return z
}

// MinZ returns the lowest zIndex in the snapshot, or 0 when empty.
func (s *Snapshot) MinZ() int64 {
	var z int64
	for i, sh := range s.shapes {
		if i == 0 || sh.ZIndex < z {
			z = sh.ZIndex
		}
	}
	return z
}

// Builder derives a new snapshot from a base without touching the base.
type Builder struct {
	shapes  []Shape
	index   map[string]int
	removed map[string]struct{}
}

func (s *Snapshot) Builder() *Builder {
	b := &Builder{
		shapes:  s.Shapes(),
		index:   make(map[string]int, s.Len()),
		removed: map[string]struct{}{},
	}
	for i, sh := range b.shapes {
		b.index[sh.ID] = i
	}
	return b
}

func (b *Builder) Get(id string) (Shape, bool) {
	if _, gone := b.removed[id]; gone {
		return Shape{}, false
	}
	i, ok := b.index[id]
	if !ok {
		return Shape{}, false
	}
	return b.shapes[i], true
}

// Put inserts or replaces a shape. Replacements keep their position.
func (b *Builder) Put(sh Shape) {
	delete(b.removed, sh.ID)
	if i, ok := b.index[sh.ID]; ok {
		b.shapes[i] = sh
		return
	}
	b.index[sh.ID] = len(b.shapes)
	b.shapes = append(b.shapes, sh)
}

func (b *Builder) Remove(id string) bool {
	if _, ok := b.Get(id); !ok {
		return false
	}
	b.removed[id] = struct{}{}
	return true
}

func (b *Builder) Each(fn func(Shape)) {
	for _, sh := range b.shapes {
		if _, gone := b.removed[sh.ID]; gone {
			continue
		}
		fn(sh)
	}
}

func (b *Builder) Build() *Snapshot {
	out := &Snapshot{
		shapes: make([]Shape, 0, len(b.shapes)-len(b.removed)),
		index:  make(map[string]int, len(b.shapes)),
	}
	b.Each(func(sh Shape) {
		out.index[sh.ID] = len(out.shapes)
		out.shapes = append(out.shapes, sh)
	})
	return out
}

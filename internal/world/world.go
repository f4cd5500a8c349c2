package world

import "sort"

// Tag names a component kind attached to an entity. Tags are stable across
// runs and peers; they key both live component storage and snapshot fields.
type Tag string

// Handle addresses an entity slot in the arena. The generation distinguishes
// a recycled slot from the entity that previously occupied it, so a handle
// held across a despawn can never alias the new occupant.
type Handle struct {
	Index      uint32 `json:"index"`
	Generation uint32 `json:"generation"`
}

// NilHandle is the zero handle. It never resolves to a live entity.
var NilHandle = Handle{}

type slot struct {
	generation uint32
	alive      bool
	components map[Tag]any
}

// World is the live, mutable simulation state. Entities are arena slots with
// ad-hoc components keyed by tag. The world knows nothing about rollback;
// tracking is layered on top by the identity map and reconciler.
type World struct {
	slots []slot
	free  []uint32
	alive int
}

func New() *World {
	return &World{}
}

// Spawn creates a new live entity and returns its handle.
func (w *World) Spawn() Handle {
	if w == nil {
		return NilHandle
	}
	var index uint32
	if n := len(w.free); n > 0 {
		index = w.free[n-1]
		w.free = w.free[:n-1]
	} else {
		w.slots = append(w.slots, slot{})
		index = uint32(len(w.slots) - 1)
	}
	s := &w.slots[index]
	s.generation++
	s.alive = true
	s.components = make(map[Tag]any)
	w.alive++
	return Handle{Index: index, Generation: s.generation}
}

// Despawn destroys the entity behind the handle. It reports false when the
// handle is stale or was never live.
func (w *World) Despawn(h Handle) bool {
	s := w.lookup(h)
	if s == nil {
		return false
	}
	s.alive = false
	s.components = nil
	w.free = append(w.free, h.Index)
	w.alive--
	return true
}

// Alive reports whether the handle still addresses a live entity.
func (w *World) Alive(h Handle) bool {
	return w.lookup(h) != nil
}

// Set attaches or overwrites a component. It reports false for stale handles.
func (w *World) Set(h Handle, tag Tag, value any) bool {
	s := w.lookup(h)
	if s == nil || tag == "" {
		return false
	}
	s.components[tag] = value
	return true
}

// Get returns the component value for the tag, if present.
func (w *World) Get(h Handle, tag Tag) (any, bool) {
	s := w.lookup(h)
	if s == nil {
		return nil, false
	}
	value, ok := s.components[tag]
	return value, ok
}

// Has reports whether the entity carries the tagged component.
func (w *World) Has(h Handle, tag Tag) bool {
	_, ok := w.Get(h, tag)
	return ok
}

// Remove detaches the tagged component, reporting whether it was present.
func (w *World) Remove(h Handle, tag Tag) bool {
	s := w.lookup(h)
	if s == nil {
		return false
	}
	if _, ok := s.components[tag]; !ok {
		return false
	}
	delete(s.components, tag)
	return true
}

// Tags lists the entity's component tags in sorted order so iteration is
// deterministic across runs.
func (w *World) Tags(h Handle) []Tag {
	s := w.lookup(h)
	if s == nil || len(s.components) == 0 {
		return nil
	}
	tags := make([]Tag, 0, len(s.components))
	for tag := range s.components {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Count reports the number of live entities.
func (w *World) Count() int {
	if w == nil {
		return 0
	}
	return w.alive
}

func (w *World) lookup(h Handle) *slot {
	if w == nil || h.Generation == 0 || int(h.Index) >= len(w.slots) {
		return nil
	}
	s := &w.slots[h.Index]
	if !s.alive || s.generation != h.Generation {
		return nil
	}
	return s
}

// Component fetches a typed component value. The second return is false when
// the component is absent or holds a different type.
func Component[T any](w *World, h Handle, tag Tag) (T, bool) {
	var zero T
	value, ok := w.Get(h, tag)
	if !ok {
		return zero, false
	}
	typed, ok := value.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

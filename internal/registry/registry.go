package registry

import (
	"errors"
	"fmt"

	"framelock/netcode/internal/world"
)

var (
	// ErrDuplicateRegistration reports a tag registered twice. Registration
	// happens during setup, so this is a programming error.
	ErrDuplicateRegistration = errors.New("registry: duplicate registration")
	// ErrUnregisteredType reports an operation against a tag that was never
	// registered. Callers must not treat this as "field absent".
	ErrUnregisteredType = errors.New("registry: unregistered type")
	// ErrTypeMismatch reports a boxed value whose concrete type does not
	// match the registration. Object-level, never fatal to a frame.
	ErrTypeMismatch = errors.New("registry: type mismatch")
)

// Ops is the type-erased operation table stored per tag. All functions are
// required; the typed registration helper fills them in.
type Ops struct {
	// Extract reads the field from a live entity. present=false means the
	// entity does not carry the field; an error means the live value is
	// corrupt (wrong concrete type).
	Extract func(w *world.World, h world.Handle) (value any, present bool, err error)
	// Apply writes a boxed value onto a live entity, creating the field if
	// absent and overwriting if present.
	Apply func(w *world.World, h world.Handle, value any) error
	// Remove drops the field from a live entity. Removing an absent field
	// is a no-op.
	Remove func(w *world.World, h world.Handle) error
	// Clone deep-copies a boxed value so snapshots own their contents.
	Clone func(value any) (any, error)
	// Encode produces the canonical byte form used for checksums.
	Encode func(value any) ([]byte, error)
}

func (o Ops) complete() bool {
	return o.Extract != nil && o.Apply != nil && o.Remove != nil && o.Clone != nil && o.Encode != nil
}

// Registry maps component tags to their operation tables. Registration order
// is preserved and is the iteration order for capture and restore, keeping
// both deterministic across runs and peers.
type Registry struct {
	ops  map[world.Tag]Ops
	tags []world.Tag
}

func New() *Registry {
	return &Registry{ops: make(map[world.Tag]Ops)}
}

// Register installs the operation table for a tag. Registering the same tag
// twice fails with ErrDuplicateRegistration.
func (r *Registry) Register(tag world.Tag, ops Ops) error {
	if r == nil {
		return errors.New("registry: nil registry")
	}
	if tag == "" {
		return errors.New("registry: empty tag")
	}
	if !ops.complete() {
		return fmt.Errorf("registry: incomplete ops for tag %q", tag)
	}
	if _, exists := r.ops[tag]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateRegistration, tag)
	}
	r.ops[tag] = ops
	r.tags = append(r.tags, tag)
	return nil
}

// Registered reports whether the tag has an operation table.
func (r *Registry) Registered(tag world.Tag) bool {
	if r == nil {
		return false
	}
	_, ok := r.ops[tag]
	return ok
}

// Tags returns all registered tags in registration order.
func (r *Registry) Tags() []world.Tag {
	if r == nil || len(r.tags) == 0 {
		return nil
	}
	tags := make([]world.Tag, len(r.tags))
	copy(tags, r.tags)
	return tags
}

// Extract reads the tagged field from a live entity.
func (r *Registry) Extract(tag world.Tag, w *world.World, h world.Handle) (any, bool, error) {
	ops, err := r.lookup(tag)
	if err != nil {
		return nil, false, err
	}
	return ops.Extract(w, h)
}

// Apply writes a boxed value onto a live entity.
func (r *Registry) Apply(tag world.Tag, w *world.World, h world.Handle, value any) error {
	ops, err := r.lookup(tag)
	if err != nil {
		return err
	}
	return ops.Apply(w, h, value)
}

// Remove drops the tagged field from a live entity.
func (r *Registry) Remove(tag world.Tag, w *world.World, h world.Handle) error {
	ops, err := r.lookup(tag)
	if err != nil {
		return err
	}
	return ops.Remove(w, h)
}

// Clone deep-copies a boxed value.
func (r *Registry) Clone(tag world.Tag, value any) (any, error) {
	ops, err := r.lookup(tag)
	if err != nil {
		return nil, err
	}
	return ops.Clone(value)
}

// Encode produces the canonical byte form of a boxed value.
func (r *Registry) Encode(tag world.Tag, value any) ([]byte, error) {
	ops, err := r.lookup(tag)
	if err != nil {
		return nil, err
	}
	return ops.Encode(value)
}

func (r *Registry) lookup(tag world.Tag) (Ops, error) {
	if r == nil {
		return Ops{}, errors.New("registry: nil registry")
	}
	ops, ok := r.ops[tag]
	if !ok {
		return Ops{}, fmt.Errorf("%w: %q", ErrUnregisteredType, tag)
	}
	return ops, nil
}

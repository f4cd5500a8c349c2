package registry

import (
	"encoding/json"
	"fmt"

	"framelock/netcode/internal/world"
)

// ComponentOption tunes a typed component registration.
type ComponentOption[T any] func(*componentConfig[T])

type componentConfig[T any] struct {
	clone func(T) T
}

// WithClone overrides the copy used when snapshotting values of T. Plain
// value types copy by assignment; types holding slices or maps must supply a
// deep copy or snapshots will alias live state.
func WithClone[T any](clone func(T) T) ComponentOption[T] {
	return func(cfg *componentConfig[T]) {
		cfg.clone = clone
	}
}

// RegisterComponent wires a tag against the world's component storage for a
// concrete type. The erased operation table it installs is type-checked here,
// once, so runtime mismatches can only come from corrupted live state and are
// reported as ErrTypeMismatch.
//
// The canonical encoding is JSON: struct fields encode in declaration order
// and map keys sorted, so equal values always produce equal checksum bytes.
func RegisterComponent[T any](r *Registry, tag world.Tag, opts ...ComponentOption[T]) error {
	cfg := componentConfig[T]{
		clone: func(v T) T { return v },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	ops := Ops{
		Extract: func(w *world.World, h world.Handle) (any, bool, error) {
			raw, ok := w.Get(h, tag)
			if !ok {
				return nil, false, nil
			}
			typed, ok := raw.(T)
			if !ok {
				return nil, false, fmt.Errorf("%w: tag %q holds %T, want %T", ErrTypeMismatch, tag, raw, typed)
			}
			return typed, true, nil
		},
		Apply: func(w *world.World, h world.Handle, value any) error {
			typed, ok := value.(T)
			if !ok {
				return fmt.Errorf("%w: tag %q given %T, want %T", ErrTypeMismatch, tag, value, typed)
			}
			if !w.Set(h, tag, cfg.clone(typed)) {
				return fmt.Errorf("registry: apply %q to dead handle %v", tag, h)
			}
			return nil
		},
		Remove: func(w *world.World, h world.Handle) error {
			if !w.Alive(h) {
				return fmt.Errorf("registry: remove %q from dead handle %v", tag, h)
			}
			w.Remove(h, tag)
			return nil
		},
		Clone: func(value any) (any, error) {
			typed, ok := value.(T)
			if !ok {
				return nil, fmt.Errorf("%w: tag %q given %T, want %T", ErrTypeMismatch, tag, value, typed)
			}
			return cfg.clone(typed), nil
		},
		Encode: func(value any) ([]byte, error) {
			typed, ok := value.(T)
			if !ok {
				return nil, fmt.Errorf("%w: tag %q given %T, want %T", ErrTypeMismatch, tag, value, typed)
			}
			data, err := json.Marshal(typed)
			if err != nil {
				return nil, fmt.Errorf("registry: encode %q: %w", tag, err)
			}
			return data, nil
		},
	}
	return r.Register(tag, ops)
}

package identity

import (
	"errors"
	"fmt"

	"framelock/netcode/internal/world"
)

// RollbackID is the stable logical identity of a rollback-tracked object.
// IDs are allocated once, strictly increasing, and never reused, no matter
// how many times the underlying entity is destroyed and recreated.
type RollbackID uint64

var (
	// ErrAlreadyBound reports a bind against an id that currently points at
	// a different live handle.
	ErrAlreadyBound = errors.New("identity: id already bound")
	// ErrUnknownID reports a bind for an id that was never allocated.
	ErrUnknownID = errors.New("identity: unknown id")
	// ErrHandleInUse reports a handle already bound under another id; two
	// logical identities can never share one entity.
	ErrHandleInUse = errors.New("identity: handle already bound")
)

type binding struct {
	handle     world.Handle
	generation uint64
	bound      bool
}

// Map relates RollbackIDs to live world handles. It owns no entities; the
// reconciler and the game layer keep it in sync with spawns and despawns.
// Each unbind bumps the id's generation so a handle captured before a destroy
// is provably stale against the current binding.
type Map struct {
	next     RollbackID
	bindings map[RollbackID]*binding
	order    []RollbackID
	byHandle map[world.Handle]RollbackID
}

func NewMap() *Map {
	return &Map{
		next:     1,
		bindings: make(map[RollbackID]*binding),
		byHandle: make(map[world.Handle]RollbackID),
	}
}

// Allocate hands out the next RollbackID. IDs stay allocated forever; they
// are what snapshots key on.
func (m *Map) Allocate() RollbackID {
	if m == nil {
		return 0
	}
	id := m.next
	m.next++
	m.bindings[id] = &binding{}
	m.order = append(m.order, id)
	return id
}

// Bind associates an allocated id with a live handle. Rebinding the same
// handle is a no-op; binding while attached to a different handle fails with
// ErrAlreadyBound.
func (m *Map) Bind(id RollbackID, h world.Handle) error {
	if m == nil {
		return errors.New("identity: nil map")
	}
	b, ok := m.bindings[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	if b.bound {
		if b.handle == h {
			return nil
		}
		return fmt.Errorf("%w: id %d bound to %v", ErrAlreadyBound, id, b.handle)
	}
	if owner, taken := m.byHandle[h]; taken && owner != id {
		return fmt.Errorf("%w: handle %v owned by id %d", ErrHandleInUse, h, owner)
	}
	b.handle = h
	b.bound = true
	m.byHandle[h] = id
	return nil
}

// Resolve returns the current live handle for an id. Absent means the object
// does not exist live right now and must be recreated on restore.
func (m *Map) Resolve(id RollbackID) (world.Handle, bool) {
	if m == nil {
		return world.NilHandle, false
	}
	b, ok := m.bindings[id]
	if !ok || !b.bound {
		return world.NilHandle, false
	}
	return b.handle, true
}

// Lookup returns the id bound to a live handle, if any.
func (m *Map) Lookup(h world.Handle) (RollbackID, bool) {
	if m == nil {
		return 0, false
	}
	id, ok := m.byHandle[h]
	return id, ok
}

// Unbind detaches an id from its destroyed handle and bumps the generation.
// The id stays allocated and may be rebound to a recreated entity.
func (m *Map) Unbind(id RollbackID) bool {
	if m == nil {
		return false
	}
	b, ok := m.bindings[id]
	if !ok || !b.bound {
		return false
	}
	delete(m.byHandle, b.handle)
	b.handle = world.NilHandle
	b.bound = false
	b.generation++
	return true
}

// Generation reports how many times the id has been detached. A handle
// captured under an older generation can never alias the current binding.
func (m *Map) Generation(id RollbackID) uint64 {
	if m == nil {
		return 0
	}
	b, ok := m.bindings[id]
	if !ok {
		return 0
	}
	return b.generation
}

// AllIDs returns every id ever allocated, in allocation order. The order is
// the deterministic iteration order for capture and restore.
func (m *Map) AllIDs() []RollbackID {
	if m == nil || len(m.order) == 0 {
		return nil
	}
	ids := make([]RollbackID, len(m.order))
	copy(ids, m.order)
	return ids
}

// Len reports the number of allocated ids.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.order)
}

// Bound reports the number of ids currently attached to a live handle.
func (m *Map) Bound() int {
	if m == nil {
		return 0
	}
	return len(m.byHandle)
}

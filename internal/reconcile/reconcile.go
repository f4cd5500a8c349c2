package reconcile

import (
	"errors"
	"fmt"
	"time"

	"framelock/netcode/internal/identity"
	"framelock/netcode/internal/registry"
	"framelock/netcode/internal/snapshot"
	"framelock/netcode/internal/telemetry"
	"framelock/netcode/internal/world"
)

const (
	objectErrorsMetricKey    = "reconcile_object_errors_total"
	entitiesCreatedMetricKey = "reconcile_entities_created_total"
	entitiesRemovedMetricKey = "reconcile_entities_destroyed_total"
	fieldsAppliedMetricKey   = "reconcile_fields_applied_total"
	fieldsRemovedMetricKey   = "reconcile_fields_removed_total"
	trackedEntitiesMetricKey = "reconcile_tracked_entities"
)

// Deps carries the shared infrastructure dependencies for the engine.
type Deps struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Clock   func() time.Time
}

// Stats summarizes one restore pass. ObjectErrors counts per-object failures
// that were logged and skipped without failing the frame.
type Stats struct {
	Created      int
	Destroyed    int
	Applied      int
	Removed      int
	ObjectErrors int
}

// Engine captures tracked world state into snapshots and restores snapshots
// back into the live world. It is the only writer of the identity map during
// request execution.
type Engine struct {
	world    *world.World
	registry *registry.Registry
	ids      *identity.Map
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	clock    func() time.Time
}

func New(w *world.World, r *registry.Registry, ids *identity.Map, deps Deps) (*Engine, error) {
	if w == nil || r == nil || ids == nil {
		return nil, errors.New("reconcile: world, registry and identity map are required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		world:    w,
		registry: r,
		ids:      ids,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		clock:    clock,
	}, nil
}

// IdentityMap exposes the engine's identity relation for read-side callers.
func (e *Engine) IdentityMap() *identity.Map {
	if e == nil {
		return nil
	}
	return e.ids
}

// World exposes the live world the engine reconciles against.
func (e *Engine) World() *world.World {
	if e == nil {
		return nil
	}
	return e.world
}

// Track marks a live entity rollback-tracked: allocates its RollbackID and
// binds it. Called by the game layer at entity creation, before any session
// request touches the entity.
func (e *Engine) Track(h world.Handle) (identity.RollbackID, error) {
	if e == nil {
		return 0, errors.New("reconcile: nil engine")
	}
	if !e.world.Alive(h) {
		return 0, fmt.Errorf("reconcile: cannot track dead handle %v", h)
	}
	if id, ok := e.ids.Lookup(h); ok {
		return id, nil
	}
	id := e.ids.Allocate()
	if err := e.ids.Bind(id, h); err != nil {
		return 0, err
	}
	e.storeTrackedGauge()
	return id, nil
}

// Untrack detaches the id from a despawned entity. Called by the game layer
// when it destroys a tracked entity outside of a restore.
func (e *Engine) Untrack(id identity.RollbackID) {
	if e == nil {
		return
	}
	e.ids.Unbind(id)
	e.storeTrackedGauge()
}

// Capture snapshots every currently-live tracked entity's registered fields.
// Ids and tags are visited in their stable orders so the capture, and the
// checksum it produces, are deterministic.
func (e *Engine) Capture(frame uint64) (*snapshot.WorldSnapshot, error) {
	if e == nil {
		return nil, errors.New("reconcile: nil engine")
	}
	builder := snapshot.NewBuilder(frame)
	tags := e.registry.Tags()

	for _, id := range e.ids.AllIDs() {
		handle, ok := e.ids.Resolve(id)
		if !ok {
			continue
		}
		builder.AddEntity(id)
		for _, tag := range tags {
			value, present, err := e.registry.Extract(tag, e.world, handle)
			if err != nil {
				if isConfiguration(err) {
					return nil, err
				}
				e.objectError("capture", id, tag, err)
				continue
			}
			if !present {
				continue
			}
			cloned, err := e.registry.Clone(tag, value)
			if err != nil {
				e.objectError("capture", id, tag, err)
				continue
			}
			encoded, err := e.registry.Encode(tag, cloned)
			if err != nil {
				e.objectError("capture", id, tag, err)
				continue
			}
			builder.AddField(id, tag, cloned, encoded)
		}
	}
	return builder.Finish(e.clock()), nil
}

// Restore makes the live world's tracked state exactly match the target
// snapshot: extra tracked entities are destroyed, missing ones recreated
// under their original RollbackID, and every registered field is overwritten
// or removed so the result is bit-for-bit the captured state. Untracked
// entities and unregistered fields are never touched.
func (e *Engine) Restore(target *snapshot.WorldSnapshot) (Stats, error) {
	var stats Stats
	if e == nil {
		return stats, errors.New("reconcile: nil engine")
	}
	if target == nil {
		return stats, errors.New("reconcile: nil snapshot")
	}
	tags := e.registry.Tags()

	// Destroy entities that exist now but were absent at the target frame.
	for _, id := range e.ids.AllIDs() {
		if target.Contains(id) {
			continue
		}
		handle, ok := e.ids.Resolve(id)
		if !ok {
			continue
		}
		if e.world.Despawn(handle) {
			stats.Destroyed++
		} else {
			e.objectError("restore", id, "", fmt.Errorf("despawn failed for handle %v", handle))
			stats.ObjectErrors++
		}
		e.ids.Unbind(id)
	}

	// Recreate entities present at the target frame but destroyed since.
	// They get fresh handles; the RollbackID is what stays stable.
	for _, id := range target.IDs {
		if _, ok := e.ids.Resolve(id); ok {
			continue
		}
		handle := e.world.Spawn()
		if err := e.ids.Bind(id, handle); err != nil {
			e.world.Despawn(handle)
			e.objectError("restore", id, "", err)
			stats.ObjectErrors++
			continue
		}
		stats.Created++
	}

	// Overwrite every registered field from the snapshot; remove live
	// fields the snapshot does not carry. The snapshot is authoritative,
	// including for fields attached after the captured frame.
	for _, id := range target.IDs {
		handle, ok := e.ids.Resolve(id)
		if !ok {
			e.objectError("restore", id, "", errors.New("id not resolvable after recreate"))
			stats.ObjectErrors++
			continue
		}
		for _, tag := range tags {
			stored, has := target.Field(id, tag)
			if has {
				value, err := e.registry.Clone(tag, stored)
				if err != nil {
					e.objectError("restore", id, tag, err)
					stats.ObjectErrors++
					continue
				}
				if err := e.registry.Apply(tag, e.world, handle, value); err != nil {
					e.objectError("restore", id, tag, err)
					stats.ObjectErrors++
					continue
				}
				stats.Applied++
				continue
			}
			if e.world.Has(handle, tag) {
				if err := e.registry.Remove(tag, e.world, handle); err != nil {
					e.objectError("restore", id, tag, err)
					stats.ObjectErrors++
					continue
				}
				stats.Removed++
			}
		}
	}

	e.recordRestore(stats)
	e.storeTrackedGauge()
	return stats, nil
}

func (e *Engine) objectError(phase string, id identity.RollbackID, tag world.Tag, err error) {
	if e.metrics != nil {
		e.metrics.Add(objectErrorsMetricKey, 1)
	}
	if e.logger == nil {
		return
	}
	if tag == "" {
		e.logger.Printf("[reconcile] %s skipping object id=%d: %v", phase, id, err)
		return
	}
	e.logger.Printf("[reconcile] %s skipping field id=%d tag=%s: %v", phase, id, tag, err)
}

func (e *Engine) recordRestore(stats Stats) {
	if e.metrics == nil {
		return
	}
	if stats.Created > 0 {
		e.metrics.Add(entitiesCreatedMetricKey, uint64(stats.Created))
	}
	if stats.Destroyed > 0 {
		e.metrics.Add(entitiesRemovedMetricKey, uint64(stats.Destroyed))
	}
	if stats.Applied > 0 {
		e.metrics.Add(fieldsAppliedMetricKey, uint64(stats.Applied))
	}
	if stats.Removed > 0 {
		e.metrics.Add(fieldsRemovedMetricKey, uint64(stats.Removed))
	}
}

func (e *Engine) storeTrackedGauge() {
	if e.metrics == nil {
		return
	}
	e.metrics.Store(trackedEntitiesMetricKey, uint64(e.ids.Bound()))
}

func isConfiguration(err error) bool {
	return errors.Is(err, registry.ErrUnregisteredType) || errors.Is(err, registry.ErrDuplicateRegistration)
}

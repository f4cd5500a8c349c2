package reconcile

import (
	"testing"
	"time"

	"framelock/netcode/internal/identity"
	"framelock/netcode/internal/registry"
	"framelock/netcode/internal/telemetry"
	"framelock/netcode/internal/world"
)

type health struct {
	HP int `json:"hp"`
}

type velocity struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func newTestEngine(t *testing.T) (*Engine, *world.World, *registry.Registry) {
	t.Helper()
	w := world.New()
	reg := registry.New()
	if err := registry.RegisterComponent[health](reg, "health"); err != nil {
		t.Fatalf("register health: %v", err)
	}
	if err := registry.RegisterComponent[velocity](reg, "velocity"); err != nil {
		t.Fatalf("register velocity: %v", err)
	}
	ids := identity.NewMap()
	engine, err := New(w, reg, ids, Deps{Metrics: telemetry.NewCounters(), Clock: func() time.Time { return time.Unix(0, 0) }})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, w, reg
}

func mustTrack(t *testing.T, e *Engine, h world.Handle) identity.RollbackID {
	t.Helper()
	id, err := e.Track(h)
	if err != nil {
		t.Fatalf("track %v: %v", h, err)
	}
	return id
}

func TestCaptureRestoreRoundTrip(t *testing.T) {
	engine, w, _ := newTestEngine(t)

	h1 := w.Spawn()
	w.Set(h1, "health", health{HP: 5})
	w.Set(h1, "velocity", velocity{X: 1, Y: 2})
	id1 := mustTrack(t, engine, h1)

	h2 := w.Spawn()
	w.Set(h2, "health", health{HP: 7})
	id2 := mustTrack(t, engine, h2)

	snap, err := engine.Capture(10)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if snap.Frame != 10 {
		t.Fatalf("snapshot frame = %d, want 10", snap.Frame)
	}
	if !snap.Contains(id1) || !snap.Contains(id2) {
		t.Fatalf("snapshot missing tracked entities: %v", snap.IDs)
	}

	// Mutate one entity and destroy the other, then restore frame 10.
	w.Set(h1, "health", health{HP: 99})
	w.Despawn(h2)
	engine.Untrack(id2)

	stats, err := engine.Restore(snap)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if stats.Created != 1 {
		t.Fatalf("created = %d, want 1", stats.Created)
	}
	if stats.ObjectErrors != 0 {
		t.Fatalf("object errors = %d, want 0", stats.ObjectErrors)
	}

	got1, _ := world.Component[health](w, h1, "health")
	if got1.HP != 5 {
		t.Fatalf("entity 1 health = %d, want 5", got1.HP)
	}

	newH2, ok := engine.IdentityMap().Resolve(id2)
	if !ok {
		t.Fatalf("id %d not rebound after restore", id2)
	}
	if newH2 == h2 {
		t.Fatalf("recreated entity reused stale handle %v", h2)
	}
	got2, present := world.Component[health](w, newH2, "health")
	if !present || got2.HP != 7 {
		t.Fatalf("recreated entity health = %+v present=%v, want HP 7", got2, present)
	}
	if id := mustTrack(t, engine, newH2); id != id2 {
		t.Fatalf("recreated entity id = %d, want %d", id, id2)
	}
}

func TestRestoreIsIdempotent(t *testing.T) {
	engine, w, _ := newTestEngine(t)

	h := w.Spawn()
	w.Set(h, "health", health{HP: 40})
	mustTrack(t, engine, h)

	snap, err := engine.Capture(3)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if _, err := engine.Restore(snap); err != nil {
		t.Fatalf("first restore: %v", err)
	}
	if _, err := engine.Restore(snap); err != nil {
		t.Fatalf("second restore: %v", err)
	}

	after, err := engine.Capture(3)
	if err != nil {
		t.Fatalf("recapture: %v", err)
	}
	if after.Checksum != snap.Checksum {
		t.Fatalf("checksum drifted across restores: %#x != %#x", after.Checksum, snap.Checksum)
	}
}

func TestRestoreRemovesFieldsAddedSinceCapture(t *testing.T) {
	engine, w, _ := newTestEngine(t)

	h := w.Spawn()
	w.Set(h, "health", health{HP: 10})
	mustTrack(t, engine, h)

	snap, err := engine.Capture(1)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	w.Set(h, "velocity", velocity{X: 9})

	stats, err := engine.Restore(snap)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if stats.Removed != 1 {
		t.Fatalf("removed = %d, want 1", stats.Removed)
	}
	if w.Has(h, "velocity") {
		t.Fatalf("velocity survived restore to a frame before it existed")
	}
}

func TestRestoreStaleHandleCountsObjectErrorOnly(t *testing.T) {
	engine, w, _ := newTestEngine(t)

	h1 := w.Spawn()
	w.Set(h1, "health", health{HP: 3})
	mustTrack(t, engine, h1)

	snap, err := engine.Capture(4)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	// Tracked after the capture and despawned without Untrack, so restore
	// sees a binding whose handle is already dead.
	h2 := w.Spawn()
	id2 := mustTrack(t, engine, h2)
	w.Despawn(h2)

	stats, err := engine.Restore(snap)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if stats.Destroyed != 0 {
		t.Fatalf("destroyed = %d, want 0 for a failed despawn", stats.Destroyed)
	}
	if stats.ObjectErrors != 1 {
		t.Fatalf("object errors = %d, want 1", stats.ObjectErrors)
	}
	if _, ok := engine.IdentityMap().Resolve(id2); ok {
		t.Fatalf("stale binding survived restore")
	}
}

func TestRestoreLeavesUntrackedEntitiesAlone(t *testing.T) {
	engine, w, _ := newTestEngine(t)

	tracked := w.Spawn()
	w.Set(tracked, "health", health{HP: 1})
	mustTrack(t, engine, tracked)

	bystander := w.Spawn()
	w.Set(bystander, "health", health{HP: 1000})

	snap, err := engine.Capture(0)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if snap.Contains(0) {
		t.Fatalf("snapshot captured an unallocated id")
	}
	if len(snap.IDs) != 1 {
		t.Fatalf("snapshot holds %d entities, want 1", len(snap.IDs))
	}

	w.Set(bystander, "health", health{HP: 1234})
	if _, err := engine.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, _ := world.Component[health](w, bystander, "health")
	if got.HP != 1234 {
		t.Fatalf("untracked entity was touched: health = %d", got.HP)
	}
}

func TestRestoredValuesDoNotAliasLiveState(t *testing.T) {
	engine, w, _ := newTestEngine(t)

	h := w.Spawn()
	w.Set(h, "health", health{HP: 50})
	mustTrack(t, engine, h)

	snap, err := engine.Capture(2)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if _, err := engine.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	w.Set(h, "health", health{HP: -1})
	if _, err := engine.Restore(snap); err != nil {
		t.Fatalf("second restore: %v", err)
	}
	got, _ := world.Component[health](w, h, "health")
	if got.HP != 50 {
		t.Fatalf("snapshot value mutated by earlier restore: health = %d", got.HP)
	}
}

func TestTrackIsIdempotentAndUntrackFrees(t *testing.T) {
	engine, w, _ := newTestEngine(t)

	h := w.Spawn()
	first := mustTrack(t, engine, h)
	second := mustTrack(t, engine, h)
	if first != second {
		t.Fatalf("double track allocated a second id: %d != %d", first, second)
	}

	w.Despawn(h)
	engine.Untrack(first)
	if _, ok := engine.IdentityMap().Resolve(first); ok {
		t.Fatalf("id %d still resolvable after untrack", first)
	}
}

func TestCaptureOrderIndependentChecksum(t *testing.T) {
	build := func(order []int) uint64 {
		engine, w, _ := newTestEngine(t)
		handles := make([]world.Handle, 3)
		for i := range handles {
			handles[i] = w.Spawn()
		}
		for _, i := range order {
			w.Set(handles[i], "health", health{HP: i * 10})
			mustTrack(t, engine, handles[i])
		}
		snap, err := engine.Capture(5)
		if err != nil {
			t.Fatalf("capture: %v", err)
		}
		return snap.Checksum
	}

	// Different tracking orders allot different ids, so only identical
	// id-to-value assignments must agree.
	a := build([]int{0, 1, 2})
	b := build([]int{0, 1, 2})
	if a != b {
		t.Fatalf("identical worlds disagree on checksum: %#x != %#x", a, b)
	}
}

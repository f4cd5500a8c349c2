package session

import (
	"errors"
	"testing"

	"framelock/netcode/internal/identity"
	"framelock/netcode/internal/reconcile"
	"framelock/netcode/internal/registry"
	"framelock/netcode/internal/snapshot"
	"framelock/netcode/internal/telemetry"
	"framelock/netcode/internal/world"
)

type counter struct {
	Value int `json:"value"`
}

// scriptedSession feeds pre-baked request lists tick by tick.
type scriptedSession struct {
	script    [][]Request
	pollErrs  []error
	events    []Event
	confirmed map[uint64]uint64
	ahead     int
	polls     int
}

func (s *scriptedSession) Poll() ([]Request, error) {
	idx := s.polls
	s.polls++
	if idx < len(s.pollErrs) && s.pollErrs[idx] != nil {
		return nil, s.pollErrs[idx]
	}
	if idx < len(s.script) {
		return s.script[idx], nil
	}
	return nil, nil
}

func (s *scriptedSession) ConfirmFrame(frame uint64, checksum uint64) {
	if s.confirmed == nil {
		s.confirmed = make(map[uint64]uint64)
	}
	s.confirmed[frame] = checksum
}

func (s *scriptedSession) Events() []Event {
	drained := s.events
	s.events = nil
	return drained
}

func (s *scriptedSession) FramesAhead() int { return s.ahead }

type harness struct {
	world  *world.World
	engine *reconcile.Engine
	store  *snapshot.Store
	handle world.Handle
	id     identity.RollbackID
	steps  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	w := world.New()
	reg := registry.New()
	if err := registry.RegisterComponent[counter](reg, "counter"); err != nil {
		t.Fatalf("register: %v", err)
	}
	engine, err := reconcile.New(w, reg, identity.NewMap(), reconcile.Deps{Metrics: telemetry.NewCounters()})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	h := &harness{
		world:  w,
		engine: engine,
		store:  snapshot.NewStore(8, telemetry.NewCounters()),
	}
	h.handle = w.Spawn()
	w.Set(h.handle, "counter", counter{})
	h.id, err = engine.Track(h.handle)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	return h
}

// step increments the tracked counter by the first input byte.
func (h *harness) step(frame uint64, inputs []PlayerInput) {
	h.steps++
	delta := 1
	if len(inputs) > 0 && len(inputs[0].Payload) > 0 {
		delta = int(inputs[0].Payload[0])
	}
	handle, _ := h.engine.IdentityMap().Resolve(h.id)
	current, _ := world.Component[counter](h.world, handle, "counter")
	h.world.Set(handle, "counter", counter{Value: current.Value + delta})
}

func (h *harness) value(t *testing.T) int {
	t.Helper()
	handle, ok := h.engine.IdentityMap().Resolve(h.id)
	if !ok {
		t.Fatalf("tracked id %d not resolvable", h.id)
	}
	got, _ := world.Component[counter](h.world, handle, "counter")
	return got.Value
}

func newTestDriver(t *testing.T, h *harness, sess Session) *Driver {
	t.Helper()
	driver, err := NewDriver(sess, h.engine, h.store, h.step, Config{}, Hooks{}, Deps{Metrics: telemetry.NewCounters()})
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	return driver
}

func TestDriverExecutesRequestsInOrder(t *testing.T) {
	h := newHarness(t)
	sess := &scriptedSession{script: [][]Request{
		{
			{Kind: RequestSave, Frame: 0},
			{Kind: RequestAdvance, Frame: 0},
			{Kind: RequestSave, Frame: 1},
			{Kind: RequestAdvance, Frame: 1},
		},
		{
			{Kind: RequestLoad, Frame: 1},
			{Kind: RequestAdvance, Frame: 1},
		},
	}}
	driver := newTestDriver(t, h, sess)

	result, err := driver.Tick()
	if err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if result.Saves != 2 || result.Advances != 2 {
		t.Fatalf("tick 1 result = %+v", result)
	}
	if driver.Frame() != 2 || h.value(t) != 2 {
		t.Fatalf("frame=%d value=%d after tick 1", driver.Frame(), h.value(t))
	}

	// Second tick rolls back to frame 1 and re-advances once.
	if _, err := driver.Tick(); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if driver.Frame() != 2 {
		t.Fatalf("frame = %d after rollback tick, want 2", driver.Frame())
	}
	if h.value(t) != 2 {
		t.Fatalf("value = %d after rollback replay, want 2", h.value(t))
	}
	if len(sess.confirmed) != 2 {
		t.Fatalf("confirmed %d frames, want 2", len(sess.confirmed))
	}
	if driver.State() != StateRunning {
		t.Fatalf("state = %s, want %s", driver.State(), StateRunning)
	}
}

func TestDriverSaveFrameMismatchIsFatal(t *testing.T) {
	h := newHarness(t)
	sess := &scriptedSession{script: [][]Request{
		{{Kind: RequestSave, Frame: 7}},
	}}
	driver := newTestDriver(t, h, sess)

	_, err := driver.Tick()
	var mismatch *FrameMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want FrameMismatchError", err)
	}
	if !IsFatal(err) {
		t.Fatalf("frame mismatch not classified fatal")
	}
	if driver.State() != StateDisconnected {
		t.Fatalf("state = %s, want %s", driver.State(), StateDisconnected)
	}
	if _, err := driver.Tick(); err == nil {
		t.Fatalf("tick after fatal error succeeded")
	}
}

func TestDriverAdvanceFrameMismatchIsFatal(t *testing.T) {
	h := newHarness(t)
	sess := &scriptedSession{script: [][]Request{
		{{Kind: RequestAdvance, Frame: 4}},
	}}
	driver := newTestDriver(t, h, sess)

	_, err := driver.Tick()
	var mismatch *FrameMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want FrameMismatchError", err)
	}
	if mismatch.Requested != 4 || mismatch.Current != 0 {
		t.Fatalf("mismatch = %+v", mismatch)
	}
	if h.value(t) != 0 {
		t.Fatalf("misframed advance ran the step function")
	}
	if driver.State() != StateDisconnected {
		t.Fatalf("state = %s, want %s", driver.State(), StateDisconnected)
	}
}

func TestDriverMissingSnapshotIsFatal(t *testing.T) {
	h := newHarness(t)
	sess := &scriptedSession{script: [][]Request{
		{{Kind: RequestLoad, Frame: 3}},
	}}
	driver := newTestDriver(t, h, sess)

	_, err := driver.Tick()
	if !errors.Is(err, snapshot.ErrSnapshotNotFound) {
		t.Fatalf("err = %v, want ErrSnapshotNotFound", err)
	}
	if !IsFatal(err) {
		t.Fatalf("missing snapshot not classified fatal")
	}
	if driver.State() != StateDisconnected {
		t.Fatalf("state = %s, want %s", driver.State(), StateDisconnected)
	}
}

func TestDriverPredictionThresholdSkipsTick(t *testing.T) {
	h := newHarness(t)
	sess := &scriptedSession{pollErrs: []error{ErrPredictionThreshold}}
	driver := newTestDriver(t, h, sess)

	result, err := driver.Tick()
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !result.Skipped {
		t.Fatalf("tick not marked skipped")
	}
	if driver.Frame() != 0 || h.steps != 0 {
		t.Fatalf("skipped tick advanced: frame=%d steps=%d", driver.Frame(), h.steps)
	}
}

func TestDriverDisconnectEventTerminates(t *testing.T) {
	h := newHarness(t)
	sess := &scriptedSession{events: []Event{{Kind: EventPlayerDisconnected, Player: 1}}}
	var seen []Event
	driver, err := NewDriver(sess, h.engine, h.store, h.step, Config{}, Hooks{
		OnEvent: func(ev Event) { seen = append(seen, ev) },
	}, Deps{})
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}

	if _, err := driver.Tick(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
	if driver.State() != StateDisconnected {
		t.Fatalf("state = %s, want %s", driver.State(), StateDisconnected)
	}
	if len(seen) != 1 || seen[0].Kind != EventPlayerDisconnected {
		t.Fatalf("hook saw %+v", seen)
	}
}

func TestErrorClassification(t *testing.T) {
	if !IsConfiguration(registry.ErrUnregisteredType) {
		t.Fatalf("unregistered type not a configuration error")
	}
	if !IsConfiguration(registry.ErrDuplicateRegistration) {
		t.Fatalf("duplicate registration not a configuration error")
	}
	if IsFatal(errors.New("transient")) {
		t.Fatalf("arbitrary error classified fatal")
	}
	if IsFatal(nil) || IsConfiguration(nil) {
		t.Fatalf("nil error misclassified")
	}
}

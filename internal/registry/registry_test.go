package registry

import (
	"errors"
	"testing"

	"framelock/netcode/internal/world"
)

type health struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := New()
	if err := RegisterComponent[health](r, "health"); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	err := RegisterComponent[health](r, "health")
	if !errors.Is(err, ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration, got %v", err)
	}
}

func TestUnregisteredTypeIsError(t *testing.T) {
	r := New()
	w := world.New()
	h := w.Spawn()

	if _, _, err := r.Extract("ghost", w, h); !errors.Is(err, ErrUnregisteredType) {
		t.Fatalf("extract of unregistered tag must fail, got %v", err)
	}
	if err := r.Apply("ghost", w, h, 1); !errors.Is(err, ErrUnregisteredType) {
		t.Fatalf("apply of unregistered tag must fail, got %v", err)
	}
	if err := r.Remove("ghost", w, h); !errors.Is(err, ErrUnregisteredType) {
		t.Fatalf("remove of unregistered tag must fail, got %v", err)
	}
}

func TestExtractApplyRoundTrip(t *testing.T) {
	r := New()
	w := world.New()
	h := w.Spawn()
	if err := RegisterComponent[health](r, "health"); err != nil {
		t.Fatalf("registration failed: %v", err)
	}

	if _, present, err := r.Extract("health", w, h); err != nil || present {
		t.Fatalf("expected absent field, got present=%v err=%v", present, err)
	}

	if err := r.Apply("health", w, h, health{Current: 5, Max: 10}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	value, present, err := r.Extract("health", w, h)
	if err != nil || !present {
		t.Fatalf("expected present field, got present=%v err=%v", present, err)
	}
	if got := value.(health); got.Current != 5 || got.Max != 10 {
		t.Fatalf("unexpected value after round trip: %+v", got)
	}

	if err := r.Remove("health", w, h); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, present, _ := r.Extract("health", w, h); present {
		t.Fatalf("field should be absent after remove")
	}
}

func TestApplyTypeMismatch(t *testing.T) {
	r := New()
	w := world.New()
	h := w.Spawn()
	if err := RegisterComponent[health](r, "health"); err != nil {
		t.Fatalf("registration failed: %v", err)
	}
	if err := r.Apply("health", w, h, "not-a-health"); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestExtractCorruptLiveValue(t *testing.T) {
	r := New()
	w := world.New()
	h := w.Spawn()
	if err := RegisterComponent[health](r, "health"); err != nil {
		t.Fatalf("registration failed: %v", err)
	}
	// Bypass the registry and plant a value of the wrong type.
	w.Set(h, "health", 3.14)
	if _, _, err := r.Extract("health", w, h); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch for corrupt live value, got %v", err)
	}
}

func TestTagsPreserveRegistrationOrder(t *testing.T) {
	r := New()
	for _, tag := range []world.Tag{"zeta", "alpha", "mid"} {
		if err := RegisterComponent[int](r, tag); err != nil {
			t.Fatalf("registration of %q failed: %v", tag, err)
		}
	}
	tags := r.Tags()
	expected := []world.Tag{"zeta", "alpha", "mid"}
	for i, tag := range expected {
		if tags[i] != tag {
			t.Fatalf("expected tag %q at position %d, got %q", tag, i, tags[i])
		}
	}
}

func TestWithCloneCopiesReferences(t *testing.T) {
	type inventory struct {
		Items []string `json:"items"`
	}
	r := New()
	err := RegisterComponent[inventory](r, "inventory", WithClone(func(v inventory) inventory {
		return inventory{Items: append([]string(nil), v.Items...)}
	}))
	if err != nil {
		t.Fatalf("registration failed: %v", err)
	}

	original := inventory{Items: []string{"sword"}}
	cloned, err := r.Clone("inventory", original)
	if err != nil {
		t.Fatalf("clone failed: %v", err)
	}
	original.Items[0] = "mutated"
	if cloned.(inventory).Items[0] != "sword" {
		t.Fatalf("clone must not alias the original slice")
	}
}

package snapshot

import (
	"errors"
	"fmt"
)

const (
	storeOccupancyMetricKey = "snapshot_store_occupancy"
	storeOverwriteMetricKey = "snapshot_store_overwrites_total"
)

var (
	// ErrSnapshotNotFound reports a load for a frame whose slot holds a
	// different frame or was never written. With correct save/load cadence
	// this indicates a protocol desync, not a recoverable miss.
	ErrSnapshotNotFound = errors.New("snapshot: not found")
	// ErrNilSnapshot reports a save of a nil snapshot, an internal bug.
	ErrNilSnapshot = errors.New("snapshot: nil snapshot")
)

type storeMetrics interface {
	Add(string, uint64)
	Store(string, uint64)
}

type slot struct {
	frame    uint64
	snap     *WorldSnapshot
	occupied bool
}

// Store is the fixed ring of per-frame snapshots, addressed by frame modulo
// capacity. Capacity must cover the maximum rollback window plus the frames
// in flight around it; saving frame F+capacity reclaims the slot that held F.
type Store struct {
	slots   []slot
	metrics storeMetrics
}

// NewStore builds a ring with the provided capacity. Sessions size it as
// rollback window + 2.
func NewStore(capacity int, metrics storeMetrics) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		slots:   make([]slot, capacity),
		metrics: metrics,
	}
}

// Capacity reports the number of ring slots.
func (s *Store) Capacity() int {
	if s == nil {
		return 0
	}
	return len(s.slots)
}

// Save writes a snapshot into its ring slot, overwriting whatever frame the
// slot previously held.
func (s *Store) Save(snap *WorldSnapshot) error {
	if s == nil || len(s.slots) == 0 {
		return errors.New("snapshot: nil store")
	}
	if snap == nil {
		return ErrNilSnapshot
	}
	pos := snap.Frame % uint64(len(s.slots))
	if s.slots[pos].occupied && s.slots[pos].frame != snap.Frame {
		s.record(storeOverwriteMetricKey, 1)
	}
	s.slots[pos] = slot{frame: snap.Frame, snap: snap, occupied: true}
	s.storeOccupancy()
	return nil
}

// Load fetches the snapshot for a frame. The slot's stored frame must match
// exactly; anything else is a stale read and fails with ErrSnapshotNotFound.
func (s *Store) Load(frame uint64) (*WorldSnapshot, error) {
	if s == nil || len(s.slots) == 0 {
		return nil, errors.New("snapshot: nil store")
	}
	pos := frame % uint64(len(s.slots))
	st := s.slots[pos]
	if !st.occupied || st.frame != frame {
		return nil, fmt.Errorf("%w: frame %d", ErrSnapshotNotFound, frame)
	}
	return st.snap, nil
}

// Reset clears every slot. Called on session (re)start.
func (s *Store) Reset() {
	if s == nil {
		return
	}
	for i := range s.slots {
		s.slots[i] = slot{}
	}
	s.storeOccupancy()
}

// Window reports how many slots are occupied and the oldest and newest
// stored frames, zero values when empty.
func (s *Store) Window() (size int, oldest, newest uint64) {
	if s == nil {
		return 0, 0, 0
	}
	first := true
	for _, st := range s.slots {
		if !st.occupied {
			continue
		}
		size++
		if first {
			oldest, newest = st.frame, st.frame
			first = false
			continue
		}
		if st.frame < oldest {
			oldest = st.frame
		}
		if st.frame > newest {
			newest = st.frame
		}
	}
	return size, oldest, newest
}

func (s *Store) record(key string, delta uint64) {
	if s.metrics == nil {
		return
	}
	s.metrics.Add(key, delta)
}

func (s *Store) storeOccupancy() {
	if s.metrics == nil {
		return
	}
	size, _, _ := s.Window()
	s.metrics.Store(storeOccupancyMetricKey, uint64(size))
}

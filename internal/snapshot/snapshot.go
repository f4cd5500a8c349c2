package snapshot

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"

	"framelock/netcode/internal/identity"
	"framelock/netcode/internal/world"
)

// Field is one captured component value: the boxed deep copy applied on
// restore plus the hash contribution used for the snapshot checksum.
type Field struct {
	Value any
	Sum   uint64
}

// WorldSnapshot is the immutable per-frame capture of every tracked id's
// registered fields. Built once by the capture path, read-only afterwards.
// Absence of a tag in an id's field set means the object did not carry that
// field at this frame.
type WorldSnapshot struct {
	Frame      uint64
	IDs        []identity.RollbackID
	Fields     map[identity.RollbackID]map[world.Tag]Field
	Checksum   uint64
	RecordedAt time.Time
}

// Field returns the captured value for an id/tag pair.
func (s *WorldSnapshot) Field(id identity.RollbackID, tag world.Tag) (any, bool) {
	if s == nil {
		return nil, false
	}
	fields, ok := s.Fields[id]
	if !ok {
		return nil, false
	}
	f, ok := fields[tag]
	if !ok {
		return nil, false
	}
	return f.Value, true
}

// Contains reports whether the id was present at the captured frame.
func (s *WorldSnapshot) Contains(id identity.RollbackID) bool {
	if s == nil {
		return false
	}
	_, ok := s.Fields[id]
	return ok
}

// Builder assembles a WorldSnapshot. The checksum is an order-insensitive
// wrapping sum of per-field hashes plus a per-id presence hash, so two
// captures of equal state always agree regardless of assembly order.
type Builder struct {
	frame    uint64
	ids      []identity.RollbackID
	fields   map[identity.RollbackID]map[world.Tag]Field
	checksum uint64
}

func NewBuilder(frame uint64) *Builder {
	return &Builder{
		frame:  frame,
		fields: make(map[identity.RollbackID]map[world.Tag]Field),
	}
}

// AddEntity records a tracked id as present at this frame. Ids must be added
// in a deterministic order; the reconciler feeds them in allocation order.
func (b *Builder) AddEntity(id identity.RollbackID) {
	if b == nil {
		return
	}
	if _, ok := b.fields[id]; ok {
		return
	}
	b.ids = append(b.ids, id)
	b.fields[id] = make(map[world.Tag]Field)
	b.checksum += hashID(id)
}

// AddField records a captured value for an id added via AddEntity. The value
// must already be a private deep copy; encoded is its canonical byte form.
func (b *Builder) AddField(id identity.RollbackID, tag world.Tag, value any, encoded []byte) {
	if b == nil {
		return
	}
	fields, ok := b.fields[id]
	if !ok {
		return
	}
	sum := HashField(tag, encoded)
	fields[tag] = Field{Value: value, Sum: sum}
	b.checksum += sum
}

// Finish seals the snapshot.
func (b *Builder) Finish(recordedAt time.Time) *WorldSnapshot {
	if b == nil {
		return nil
	}
	return &WorldSnapshot{
		Frame:      b.frame,
		IDs:        b.ids,
		Fields:     b.fields,
		Checksum:   b.checksum,
		RecordedAt: recordedAt,
	}
}

// HashField hashes one encoded field value under its tag.
func HashField(tag world.Tag, encoded []byte) uint64 {
	d := xxhash.New()
	d.WriteString(string(tag))
	d.Write([]byte{0})
	d.Write(encoded)
	return d.Sum64()
}

func hashID(id identity.RollbackID) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	d := xxhash.New()
	d.WriteString("rollback-id")
	d.Write([]byte{0})
	d.Write(buf[:])
	return d.Sum64()
}

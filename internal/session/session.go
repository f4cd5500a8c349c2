package session

import (
	"errors"
	"fmt"

	"framelock/netcode/internal/registry"
	"framelock/netcode/internal/snapshot"
)

// RequestKind labels one entry in the ordered request list a session hands
// the driver each tick.
type RequestKind string

const (
	RequestSave    RequestKind = "save"
	RequestLoad    RequestKind = "load"
	RequestAdvance RequestKind = "advance"
)

// PlayerInput carries one player's input bytes for one frame. Payload is an
// opaque blob the game layer encodes and decodes.
type PlayerInput struct {
	Player  int    `json:"player"`
	Frame   uint64 `json:"frame"`
	Payload []byte `json:"payload,omitempty"`
}

// Request is one step of the per-tick request list. The driver executes
// requests strictly in list order: a Load fully restores before any
// following Advance runs.
type Request struct {
	Kind   RequestKind
	Frame  uint64
	Inputs []PlayerInput
}

// EventKind labels session lifecycle notifications surfaced to the game layer.
type EventKind string

const (
	EventSynchronizing      EventKind = "synchronizing"
	EventSynchronized       EventKind = "synchronized"
	EventPlayerDisconnected EventKind = "player_disconnected"
	EventDesyncDetected     EventKind = "desync_detected"
)

// Event is a session notification. Checksum fields are populated only for
// desync events.
type Event struct {
	Kind           EventKind
	Player         int
	Frame          uint64
	LocalChecksum  uint64
	RemoteChecksum uint64
}

// Session is the external synchronization protocol the driver polls. All
// methods are called from the driver's goroutine only.
type Session interface {
	// Poll returns the ordered request list for this tick. Returning
	// ErrPredictionThreshold skips the tick without advancing.
	Poll() ([]Request, error)
	// ConfirmFrame reports the checksum produced by a completed Save.
	ConfirmFrame(frame uint64, checksum uint64)
	// Events drains pending lifecycle notifications.
	Events() []Event
	// FramesAhead reports how far the local simulation runs ahead of the
	// slowest peer; positive values ask the loop to slow down.
	FramesAhead() int
}

// ErrPredictionThreshold reports that the session ran out of prediction
// window and the current tick must be skipped, not aborted.
var ErrPredictionThreshold = errors.New("session: prediction threshold reached")

// ErrSessionClosed reports a terminally disconnected session.
var ErrSessionClosed = errors.New("session: closed")

// FrameMismatchError reports a Save request whose frame does not match the
// driver's current frame. The request cadence is broken, so the session is
// unrecoverable.
type FrameMismatchError struct {
	Requested uint64
	Current   uint64
}

func (e *FrameMismatchError) Error() string {
	return fmt.Sprintf("session: save requested for frame %d but driver is at frame %d", e.Requested, e.Current)
}

// IsFatal reports whether err must abort the session: missing snapshots and
// broken request cadence indicate an engine or protocol bug, not a
// recoverable condition.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var mismatch *FrameMismatchError
	return errors.Is(err, snapshot.ErrSnapshotNotFound) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.As(err, &mismatch)
}

// IsConfiguration reports whether err is a registration-class user error
// that should surface at setup rather than mid-session.
func IsConfiguration(err error) bool {
	return errors.Is(err, registry.ErrDuplicateRegistration) ||
		errors.Is(err, registry.ErrUnregisteredType)
}

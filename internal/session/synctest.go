package session

// SyncTestConfig tunes the self-checking session. CheckDistance is how many
// frames back each tick rolls back and re-simulates.
type SyncTestConfig struct {
	Players       int
	CheckDistance int
}

// SyncTestSession exercises the rollback machinery without a network peer:
// every tick it rolls back CheckDistance frames, replays them with the same
// inputs, and compares the re-simulated checksums against the originals. Any
// mismatch means the simulation is not deterministic and is reported as a
// desync.
type SyncTestSession struct {
	config    SyncTestConfig
	frame     uint64
	inputs    map[uint64][]PlayerInput
	checksums map[uint64]uint64
	events    []Event
	started   bool
}

func NewSyncTestSession(cfg SyncTestConfig) *SyncTestSession {
	if cfg.Players <= 0 {
		cfg.Players = 1
	}
	if cfg.CheckDistance <= 0 {
		cfg.CheckDistance = 2
	}
	return &SyncTestSession{
		config:    cfg,
		inputs:    make(map[uint64][]PlayerInput),
		checksums: make(map[uint64]uint64),
	}
}

// AddLocalInput stages one player's input for the upcoming frame. Call once
// per player per tick, before the driver polls.
func (s *SyncTestSession) AddLocalInput(player int, payload []byte) {
	if s == nil {
		return
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.inputs[s.frame] = append(s.inputs[s.frame], PlayerInput{Player: player, Frame: s.frame, Payload: buf})
}

// Poll emits the self-check request list for the current frame: save the
// current state, roll back CheckDistance frames, re-simulate them with the
// recorded inputs (saving each intermediate frame so its checksum is
// re-reported), then advance the new frame.
func (s *SyncTestSession) Poll() ([]Request, error) {
	if s == nil {
		return nil, ErrSessionClosed
	}
	if !s.started {
		s.started = true
		s.events = append(s.events, Event{Kind: EventSynchronized, Frame: s.frame})
	}
	f := s.frame
	distance := uint64(s.config.CheckDistance)

	requests := []Request{{Kind: RequestSave, Frame: f}}
	if f >= distance && distance > 0 {
		requests = append(requests, Request{Kind: RequestLoad, Frame: f - distance})
		for i := f - distance; i < f; i++ {
			requests = append(requests,
				Request{Kind: RequestAdvance, Frame: i, Inputs: s.inputs[i]},
				Request{Kind: RequestSave, Frame: i + 1},
			)
		}
	}
	requests = append(requests, Request{Kind: RequestAdvance, Frame: f, Inputs: s.inputs[f]})

	s.frame = f + 1
	s.prune()
	return requests, nil
}

// ConfirmFrame records the checksum for a saved frame. A frame whose
// re-simulated checksum differs from the first recording raises a desync
// event.
func (s *SyncTestSession) ConfirmFrame(frame uint64, checksum uint64) {
	if s == nil {
		return
	}
	previous, seen := s.checksums[frame]
	if !seen {
		s.checksums[frame] = checksum
		return
	}
	if previous != checksum {
		s.events = append(s.events, Event{
			Kind:           EventDesyncDetected,
			Frame:          frame,
			LocalChecksum:  previous,
			RemoteChecksum: checksum,
		})
		s.checksums[frame] = checksum
	}
}

// Events drains pending notifications.
func (s *SyncTestSession) Events() []Event {
	if s == nil || len(s.events) == 0 {
		return nil
	}
	drained := s.events
	s.events = nil
	return drained
}

// FramesAhead always reports zero: there is no peer to outpace.
func (s *SyncTestSession) FramesAhead() int { return 0 }

func (s *SyncTestSession) prune() {
	distance := uint64(s.config.CheckDistance)
	if s.frame <= distance+1 {
		return
	}
	horizon := s.frame - distance - 1
	for frame := range s.inputs {
		if frame < horizon {
			delete(s.inputs, frame)
		}
	}
	for frame := range s.checksums {
		if frame < horizon {
			delete(s.checksums, frame)
		}
	}
}

var _ Session = (*SyncTestSession)(nil)

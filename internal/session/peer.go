package session

import (
	"bytes"
	"fmt"
	"sort"
)

// Message kinds exchanged between peers.
const (
	MessageInput    = "input"
	MessageChecksum = "checksum"
	MessageBye      = "bye"
)

// Message is the wire unit exchanged between two peer sessions.
type Message struct {
	Kind     string `json:"kind"`
	Player   int    `json:"player"`
	Frame    uint64 `json:"frame"`
	Payload  []byte `json:"payload,omitempty"`
	Checksum uint64 `json:"checksum,omitempty"`
}

// Transport moves messages between two peers. Send must not block on the
// remote peer; Drain returns everything received since the last call.
type Transport interface {
	Send(Message) error
	Drain() []Message
	Close() error
}

// PeerConfig tunes a two-player session. MaxPrediction bounds how many
// frames the local simulation may run past the last confirmed remote input.
type PeerConfig struct {
	LocalPlayer   int
	RemotePlayer  int
	MaxPrediction int
	CheckInterval uint64
}

// PeerSession synchronizes a two-player simulation over a Transport. Remote
// inputs that have not arrived yet are predicted by repeating the last known
// input; when the real input disagrees with the prediction, the next Poll
// emits a rollback to the first mispredicted frame followed by a replay with
// the corrected inputs.
//
// All methods are driver-goroutine only; the Transport handles its own
// synchronization.
type PeerSession struct {
	config    PeerConfig
	transport Transport

	frame        uint64
	confirmed    int64 // highest frame with contiguous remote input, -1 before any
	localInputs  map[uint64][]byte
	remoteInputs map[uint64][]byte
	predicted    map[uint64][]byte
	checksums    map[uint64]uint64
	pendingLocal map[uint64]struct{} // checkpoint frames not yet sent to the peer
	remoteChecks map[uint64]uint64   // remote checksums awaiting a final local frame

	firstIncorrect int64 // earliest mispredicted frame pending rollback, -1 when clean
	lastRemote     []byte
	synchronized   bool
	announced      bool
	closed         bool
	events         []Event
}

func NewPeerSession(transport Transport, cfg PeerConfig) (*PeerSession, error) {
	if transport == nil {
		return nil, fmt.Errorf("session: transport is required")
	}
	if cfg.MaxPrediction <= 0 {
		cfg.MaxPrediction = 8
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30
	}
	if cfg.LocalPlayer == cfg.RemotePlayer {
		return nil, fmt.Errorf("session: local and remote player ids must differ")
	}
	return &PeerSession{
		config:         cfg,
		transport:      transport,
		confirmed:      -1,
		firstIncorrect: -1,
		localInputs:    make(map[uint64][]byte),
		remoteInputs:   make(map[uint64][]byte),
		predicted:      make(map[uint64][]byte),
		checksums:      make(map[uint64]uint64),
		pendingLocal:   make(map[uint64]struct{}),
		remoteChecks:   make(map[uint64]uint64),
	}, nil
}

// AddLocalInput stages the local player's input for the upcoming frame and
// sends it to the remote peer. Once an input is staged for a frame it is
// final: re-staging while the session is stalled would contradict the bytes
// the peer already consumed.
func (s *PeerSession) AddLocalInput(payload []byte) error {
	if s == nil || s.closed {
		return ErrSessionClosed
	}
	if _, staged := s.localInputs[s.frame]; staged {
		return nil
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.localInputs[s.frame] = buf
	return s.transport.Send(Message{
		Kind:    MessageInput,
		Player:  s.config.LocalPlayer,
		Frame:   s.frame,
		Payload: buf,
	})
}

// Poll ingests remote traffic, decides whether a rollback is needed, and
// emits the request list for the current frame.
func (s *PeerSession) Poll() ([]Request, error) {
	if s == nil {
		return nil, ErrSessionClosed
	}
	s.receive()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if !s.synchronized {
		if !s.announced {
			s.announced = true
			s.events = append(s.events, Event{Kind: EventSynchronizing})
		}
		return nil, nil
	}
	if s.frame > uint64(s.confirmed)+uint64(s.config.MaxPrediction) {
		return nil, ErrPredictionThreshold
	}

	f := s.frame
	var requests []Request
	if s.firstIncorrect >= 0 && uint64(s.firstIncorrect) < f {
		target := uint64(s.firstIncorrect)
		// Checksums above the rollback target were computed from the wrong
		// inputs; the replay re-records them.
		for frame := range s.checksums {
			if frame > target {
				delete(s.checksums, frame)
			}
		}
		requests = append(requests, Request{Kind: RequestLoad, Frame: target})
		for i := target; i < f; i++ {
			requests = append(requests,
				Request{Kind: RequestAdvance, Frame: i, Inputs: s.inputsAt(i)},
				Request{Kind: RequestSave, Frame: i + 1},
			)
		}
		s.firstIncorrect = -1
	} else {
		requests = append(requests, Request{Kind: RequestSave, Frame: f})
	}
	requests = append(requests, Request{Kind: RequestAdvance, Frame: f, Inputs: s.inputsAt(f)})

	s.frame = f + 1
	s.prune()
	return requests, nil
}

// ConfirmFrame records the checksum for a saved frame. Checkpoint frames are
// cross-checked with the remote peer, but only once final: a checksum
// computed from predicted inputs would flag a desync that the pending
// correction is about to erase.
func (s *PeerSession) ConfirmFrame(frame uint64, checksum uint64) {
	if s == nil {
		return
	}
	s.checksums[frame] = checksum
	if frame > 0 && frame%s.config.CheckInterval == 0 {
		s.pendingLocal[frame] = struct{}{}
	}
	s.flushChecks()
}

// frameFinal reports whether the state saved at frame can no longer change:
// every input below it is confirmed and no pending rollback reaches below it.
func (s *PeerSession) frameFinal(frame uint64) bool {
	if s.confirmed+1 < int64(frame) {
		return false
	}
	return s.firstIncorrect < 0 || uint64(s.firstIncorrect) >= frame
}

// flushChecks sends queued local checkpoint checksums and compares buffered
// remote ones as their frames become final.
func (s *PeerSession) flushChecks() {
	for frame := range s.pendingLocal {
		checksum, saved := s.checksums[frame]
		if s.closed || !saved || !s.frameFinal(frame) {
			continue
		}
		_ = s.transport.Send(Message{
			Kind:     MessageChecksum,
			Player:   s.config.LocalPlayer,
			Frame:    frame,
			Checksum: checksum,
		})
		delete(s.pendingLocal, frame)
	}
	for frame, remote := range s.remoteChecks {
		local, saved := s.checksums[frame]
		if !saved || !s.frameFinal(frame) {
			continue
		}
		if local != remote {
			s.events = append(s.events, Event{
				Kind:           EventDesyncDetected,
				Frame:          frame,
				LocalChecksum:  local,
				RemoteChecksum: remote,
			})
		}
		delete(s.remoteChecks, frame)
	}
}

// Events drains pending notifications.
func (s *PeerSession) Events() []Event {
	if s == nil || len(s.events) == 0 {
		return nil
	}
	drained := s.events
	s.events = nil
	return drained
}

// FramesAhead reports how far the local frame has run past confirmed remote
// input beyond half the prediction window. The driver slows down while this
// is positive so a lagging peer can catch up.
func (s *PeerSession) FramesAhead() int {
	if s == nil || !s.synchronized {
		return 0
	}
	ahead := int(int64(s.frame) - (s.confirmed + 1))
	slack := s.config.MaxPrediction / 2
	if ahead > slack {
		return ahead - slack
	}
	return 0
}

// Close notifies the remote peer and tears the session down.
func (s *PeerSession) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	_ = s.transport.Send(Message{Kind: MessageBye, Player: s.config.LocalPlayer})
	return s.transport.Close()
}

func (s *PeerSession) receive() {
	for _, msg := range s.transport.Drain() {
		switch msg.Kind {
		case MessageInput:
			if msg.Player != s.config.RemotePlayer {
				continue
			}
			s.acceptRemoteInput(msg)
		case MessageChecksum:
			if msg.Frame > 0 {
				s.remoteChecks[msg.Frame] = msg.Checksum
			}
		case MessageBye:
			s.closed = true
			s.events = append(s.events, Event{Kind: EventPlayerDisconnected, Player: msg.Player, Frame: s.frame})
		}
	}
	s.flushChecks()
}

func (s *PeerSession) acceptRemoteInput(msg Message) {
	if _, seen := s.remoteInputs[msg.Frame]; seen {
		return
	}
	buf := make([]byte, len(msg.Payload))
	copy(buf, msg.Payload)
	s.remoteInputs[msg.Frame] = buf

	if !s.synchronized {
		s.synchronized = true
		s.events = append(s.events, Event{Kind: EventSynchronized, Frame: s.frame})
	}
	if guess, predicted := s.predicted[msg.Frame]; predicted && !bytes.Equal(guess, buf) {
		if s.firstIncorrect < 0 || int64(msg.Frame) < s.firstIncorrect {
			s.firstIncorrect = int64(msg.Frame)
		}
	}
	delete(s.predicted, msg.Frame)

	for {
		next := uint64(s.confirmed + 1)
		if _, ok := s.remoteInputs[next]; !ok {
			break
		}
		s.confirmed = int64(next)
		s.lastRemote = s.remoteInputs[next]
	}
}

// inputsAt assembles both players' inputs for a frame, predicting the remote
// input by repetition when the real one has not arrived.
func (s *PeerSession) inputsAt(frame uint64) []PlayerInput {
	remote, ok := s.remoteInputs[frame]
	if !ok {
		remote = s.lastRemote
		guess := make([]byte, len(remote))
		copy(guess, remote)
		s.predicted[frame] = guess
	}
	inputs := []PlayerInput{
		{Player: s.config.LocalPlayer, Frame: frame, Payload: s.localInputs[frame]},
		{Player: s.config.RemotePlayer, Frame: frame, Payload: remote},
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Player < inputs[j].Player })
	return inputs
}

func (s *PeerSession) prune() {
	window := uint64(s.config.MaxPrediction) + 2
	if s.frame <= window {
		return
	}
	horizon := s.frame - window
	if s.confirmed >= 0 && uint64(s.confirmed) < horizon {
		horizon = uint64(s.confirmed)
	}
	for frame := range s.localInputs {
		if frame < horizon {
			delete(s.localInputs, frame)
		}
	}
	for frame := range s.remoteInputs {
		if frame < horizon {
			delete(s.remoteInputs, frame)
		}
	}
	for frame := range s.checksums {
		if frame < horizon {
			delete(s.checksums, frame)
		}
	}
	for frame := range s.remoteChecks {
		if frame < horizon {
			delete(s.remoteChecks, frame)
		}
	}
	for frame := range s.pendingLocal {
		if frame < horizon {
			delete(s.pendingLocal, frame)
		}
	}
}

var _ Session = (*PeerSession)(nil)

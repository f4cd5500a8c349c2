package ws

import (
	"encoding/json"
	nethttp "net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"framelock/netcode/internal/session"
	"framelock/netcode/internal/telemetry"
)

const (
	roomsMetricKey       = "ws_relay_rooms"
	connectionsMetricKey = "ws_relay_connections"
	forwardedMetricKey   = "ws_relay_forwarded_total"
	rejectedMetricKey    = "ws_relay_rejected_total"
)

const roomCapacity = 2

// RelayConfig tunes the pairing relay.
type RelayConfig struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// Relay pairs two peers per room and forwards their traffic verbatim. It
// never inspects message contents except to fabricate a bye when a member
// drops without sending one.
type Relay struct {
	upgrader websocket.Upgrader
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	name string

	mu      sync.Mutex
	members map[string]*member
}

type member struct {
	id     string
	socket *websocket.Conn

	writeMu sync.Mutex
}

func NewRelay(cfg RelayConfig) *Relay {
	return &Relay{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		rooms:   make(map[string]*room),
	}
}

// Handle upgrades the request and joins the caller to the room named by the
// `room` query parameter.
func (rl *Relay) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	roomName := r.URL.Query().Get("room")
	if roomName == "" {
		nethttp.Error(w, "missing room", nethttp.StatusBadRequest)
		return
	}

	socket, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.printf("[relay] upgrade failed for room %s: %v", roomName, err)
		return
	}

	m := &member{id: uuid.NewString(), socket: socket}
	rm, ok := rl.join(roomName, m)
	if !ok {
		rl.count(rejectedMetricKey, 1)
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "room full")
		socket.WriteMessage(websocket.CloseMessage, message)
		socket.Close()
		return
	}
	rl.printf("[relay] member=%s joined room=%s", m.id, roomName)
	rl.pump(rm, m)
}

func (rl *Relay) join(name string, m *member) (*room, bool) {
	rl.mu.Lock()
	rm, ok := rl.rooms[name]
	if !ok {
		rm = &room{name: name, members: make(map[string]*member)}
		rl.rooms[name] = rm
	}
	rl.mu.Unlock()

	rm.mu.Lock()
	if len(rm.members) >= roomCapacity {
		rm.mu.Unlock()
		return nil, false
	}
	rm.members[m.id] = m
	rm.mu.Unlock()
	rl.storeGauges()
	return rm, true
}

func (rl *Relay) pump(rm *room, m *member) {
	defer rl.leave(rm, m)
	for {
		kind, payload, err := m.socket.ReadMessage()
		if err != nil {
			return
		}
		for _, other := range rm.partners(m) {
			other.writeMu.Lock()
			err := other.socket.WriteMessage(kind, payload)
			other.writeMu.Unlock()
			if err != nil {
				rl.printf("[relay] forward failed room=%s member=%s: %v", rm.name, other.id, err)
				continue
			}
			rl.count(forwardedMetricKey, 1)
		}
	}
}

func (rl *Relay) leave(rm *room, m *member) {
	rm.mu.Lock()
	delete(rm.members, m.id)
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	m.socket.Close()

	// A vanished partner reads as a disconnect on the other side.
	for _, other := range rm.partners(m) {
		bye := session.Message{Kind: session.MessageBye}
		if data, err := json.Marshal(bye); err == nil {
			other.writeMu.Lock()
			_ = other.socket.WriteMessage(websocket.TextMessage, data)
			other.writeMu.Unlock()
		}
	}

	if empty {
		rl.mu.Lock()
		if current, ok := rl.rooms[rm.name]; ok && current == rm {
			delete(rl.rooms, rm.name)
		}
		rl.mu.Unlock()
	}
	rl.storeGauges()
	rl.printf("[relay] member=%s left room=%s", m.id, rm.name)
}

func (rm *room) partners(m *member) []*member {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	others := make([]*member, 0, roomCapacity-1)
	for id, other := range rm.members {
		if id != m.id {
			others = append(others, other)
		}
	}
	return others
}

func (rl *Relay) storeGauges() {
	if rl.metrics == nil {
		return
	}
	rl.mu.Lock()
	rooms := len(rl.rooms)
	connections := 0
	for _, rm := range rl.rooms {
		rm.mu.Lock()
		connections += len(rm.members)
		rm.mu.Unlock()
	}
	rl.mu.Unlock()
	rl.metrics.Store(roomsMetricKey, uint64(rooms))
	rl.metrics.Store(connectionsMetricKey, uint64(connections))
}

func (rl *Relay) count(key string, delta uint64) {
	if rl.metrics != nil {
		rl.metrics.Add(key, delta)
	}
}

func (rl *Relay) printf(format string, args ...any) {
	if rl.logger != nil {
		rl.logger.Printf(format, args...)
	}
}

package app

import (
	"fmt"

	"framelock/netcode/internal/identity"
	"framelock/netcode/internal/reconcile"
	"framelock/netcode/internal/registry"
	"framelock/netcode/internal/session"
	"framelock/netcode/internal/world"
)

// Position is the demo simulation's tracked state. Integer coordinates keep
// the step bit-exact across peers.
type Position struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

// Energy accumulates per frame and drains on movement, exercising a second
// registered component.
type Energy struct {
	Value int32 `json:"value"`
}

const (
	positionTag world.Tag = "position"
	energyTag   world.Tag = "energy"
)

// EncodeInput packs a movement intent into the wire payload.
func EncodeInput(dx, dy int8) []byte {
	return []byte{byte(dx), byte(dy)}
}

// DecodeInput unpacks a movement intent; anything malformed reads as idle.
func DecodeInput(payload []byte) (int8, int8) {
	if len(payload) < 2 {
		return 0, 0
	}
	return int8(payload[0]), int8(payload[1])
}

// Game is the demo simulation layered on the rollback engine: one tracked
// entity per player, moved by that player's inputs.
type Game struct {
	world   *world.World
	engine  *reconcile.Engine
	players []identity.RollbackID
}

// NewGame registers the demo components and spawns one tracked entity per
// player.
func NewGame(w *world.World, reg *registry.Registry, engine *reconcile.Engine, players int) (*Game, error) {
	if players <= 0 {
		players = 1
	}
	if err := registry.RegisterComponent[Position](reg, positionTag); err != nil {
		return nil, fmt.Errorf("register position: %w", err)
	}
	if err := registry.RegisterComponent[Energy](reg, energyTag); err != nil {
		return nil, fmt.Errorf("register energy: %w", err)
	}

	g := &Game{world: w, engine: engine}
	for p := 0; p < players; p++ {
		handle := w.Spawn()
		w.Set(handle, positionTag, Position{X: int32(p) * 100})
		w.Set(handle, energyTag, Energy{})
		id, err := engine.Track(handle)
		if err != nil {
			return nil, fmt.Errorf("track player %d: %w", p, err)
		}
		g.players = append(g.players, id)
	}
	return g, nil
}

// Step advances every player's entity by one frame. It is deterministic:
// the same frame and inputs always produce the same state.
func (g *Game) Step(frame uint64, inputs []session.PlayerInput) {
	if g == nil {
		return
	}
	for _, in := range inputs {
		if in.Player < 0 || in.Player >= len(g.players) {
			continue
		}
		handle, ok := g.engine.IdentityMap().Resolve(g.players[in.Player])
		if !ok {
			continue
		}
		dx, dy := DecodeInput(in.Payload)

		pos, _ := world.Component[Position](g.world, handle, positionTag)
		pos.X += int32(dx)
		pos.Y += int32(dy)
		g.world.Set(handle, positionTag, pos)

		energy, _ := world.Component[Energy](g.world, handle, energyTag)
		energy.Value++
		if dx != 0 || dy != 0 {
			energy.Value -= 2
		}
		g.world.Set(handle, energyTag, energy)
	}
}

// DemoInput produces a deterministic input pattern for unattended runs.
func DemoInput(player int, frame uint64) []byte {
	dx := int8(frame%3) - 1
	dy := int8((frame+uint64(player))%3) - 1
	return EncodeInput(dx, dy)
}

// PlayerID returns the RollbackID backing a player's entity.
func (g *Game) PlayerID(player int) (identity.RollbackID, bool) {
	if g == nil || player < 0 || player >= len(g.players) {
		return 0, false
	}
	return g.players[player], true
}

// Package gamehost demultiplexes the fixed game port into per-room game
// loops.
//
// Rooms are keyed in a routing table by room id; each bound instance has its
// own lock, so two rooms' games never contend. The tick loop drives every
// live instance at a fixed interval and broadcasts resulting deltas to the
// attached connections.
package gamehost

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/louisbranch/gamehall/internal/errors"
	"github.com/louisbranch/gamehall/internal/game"
	"github.com/louisbranch/gamehall/internal/handoff"
	"github.com/louisbranch/gamehall/internal/protocol"
)

// DefaultTickInterval drives live instances at 30 Hz.
const DefaultTickInterval = time.Second / 30

// TokenVerifier checks handoff tokens presented on bind and attach.
type TokenVerifier interface {
	Verify(token string) (handoff.Claims, error)
}

// RoomCloser is asked to transition a room to CLOSED when its instance ends.
type RoomCloser interface {
	Close(roomID string)
}

// Sender is the write side of an attached game connection.
type Sender interface {
	WriteMessage(protocol.Message) error
	Close() error
}

type boundInstance struct {
	mu sync.Mutex

	roomID    string
	game      game.Instance
	players   map[string]bool
	absent    map[string]bool
	conns     map[Sender]string // conn -> player id
	startedAt time.Time
}

func (b *boundInstance) broadcastLocked(msg protocol.Message) {
	for conn := range b.conns {
		if err := conn.WriteMessage(msg); err != nil {
			delete(b.conns, conn)
		}
	}
}

// Mux owns every live game instance and routes events into them.
type Mux struct {
	verifier TokenVerifier
	resolver game.Resolver
	closer   RoomCloser
	interval time.Duration

	mu        sync.RWMutex
	instances map[string]*boundInstance

	droppedTicks atomic.Int64
	clock        func() time.Time
}

// NewMux creates a multiplexer. closer may be nil and installed later with
// SetCloser; the room manager and the mux reference each other, so one of
// the two links is bound after construction.
func NewMux(verifier TokenVerifier, resolver game.Resolver, closer RoomCloser, interval time.Duration) (*Mux, error) {
	if verifier == nil {
		return nil, fmt.Errorf("token verifier is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("module resolver is required")
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Mux{
		verifier:  verifier,
		resolver:  resolver,
		closer:    closer,
		interval:  interval,
		instances: make(map[string]*boundInstance),
		clock:     time.Now,
	}, nil
}

// SetCloser installs the upstream room closer.
func (m *Mux) SetCloser(closer RoomCloser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closer = closer
}

// Bind verifies a handoff token and creates the room's game instance.
//
// Exactly one instance exists per room: binding an already-bound room fails
// without touching the live instance.
func (m *Mux) Bind(ctx context.Context, token string) error {
	claims, err := m.verifier.Verify(token)
	if err != nil {
		return err
	}

	module, err := m.resolver.Resolve(ctx, claims.Package, claims.Version)
	if err != nil {
		return fmt.Errorf("resolve module %q: %w", claims.Package, err)
	}
	instance, err := module.Init(claims.Players)
	if err != nil {
		return fmt.Errorf("init module %q: %w", claims.Package, err)
	}

	bound := &boundInstance{
		roomID:    claims.RoomID,
		game:      instance,
		players:   make(map[string]bool, len(claims.Players)),
		absent:    make(map[string]bool),
		conns:     make(map[Sender]string),
		startedAt: m.clock(),
	}
	for _, player := range claims.Players {
		bound.players[player] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[claims.RoomID]; ok {
		return fmt.Errorf("room %s is already bound", claims.RoomID)
	}
	m.instances[claims.RoomID] = bound
	return nil
}

// Attach joins a game-port connection to a live instance after verifying
// the presented handoff token names both the room and the player.
func (m *Mux) Attach(conn Sender, roomID, token, playerID string) error {
	claims, err := m.verifier.Verify(token)
	if err != nil {
		return err
	}
	if claims.RoomID != roomID {
		return apperrors.New(apperrors.CodeGameInvalidToken, "token was minted for a different room")
	}

	bound, err := m.lookup(roomID)
	if err != nil {
		return err
	}

	bound.mu.Lock()
	defer bound.mu.Unlock()
	if !bound.players[playerID] {
		return apperrors.New(apperrors.CodeGameNotAMember,
			fmt.Sprintf("player %q is not bound to room %s", playerID, roomID))
	}
	bound.conns[conn] = playerID
	delete(bound.absent, playerID)
	return nil
}

// Route applies one player event to the room's instance.
//
// Events from the same connection are applied in receipt order; identities
// outside the bind-time player list are rejected without touching state.
func (m *Mux) Route(playerID, roomID string, event json.RawMessage) (game.Outcome, error) {
	bound, err := m.lookup(roomID)
	if err != nil {
		return game.Outcome{}, err
	}

	bound.mu.Lock()
	defer bound.mu.Unlock()
	if !bound.players[playerID] {
		return game.Outcome{}, apperrors.New(apperrors.CodeGameNotAMember,
			fmt.Sprintf("player %q is not bound to room %s", playerID, roomID))
	}
	outcome, err := bound.game.ApplyEvent(playerID, event)
	if err != nil {
		return game.Outcome{}, fmt.Errorf("apply event in room %s: %w", roomID, err)
	}
	if outcome.Delta != nil {
		bound.broadcastLocked(eventMessage(roomID, outcome.Delta))
	}
	return outcome, nil
}

// Disconnect marks the connection's player absent in its instance. The
// module decides whether the game continues short-handed; if every player is
// gone the instance is destroyed and the room closed.
func (m *Mux) Disconnect(conn Sender) {
	m.mu.RLock()
	var bound *boundInstance
	var playerID string
	for _, candidate := range m.instances {
		candidate.mu.Lock()
		if player, ok := candidate.conns[conn]; ok {
			bound = candidate
			playerID = player
		}
		candidate.mu.Unlock()
		if bound != nil {
			break
		}
	}
	m.mu.RUnlock()
	if bound == nil {
		return
	}

	bound.mu.Lock()
	delete(bound.conns, conn)
	bound.absent[playerID] = true
	// Let the module observe the absence; it may finish or play on.
	notice, _ := json.Marshal(map[string]string{"system": "disconnect", "player": playerID})
	if _, err := bound.game.ApplyEvent(playerID, notice); err != nil {
		log.Printf("room %s: disconnect notice: %v", bound.roomID, err)
	}
	allGone := len(bound.absent) == len(bound.players)
	roomID := bound.roomID
	bound.mu.Unlock()

	if allGone {
		m.destroy(roomID, "all players disconnected")
	}
}

// DroppedTicks reports how many tick intervals were skipped under load.
func (m *Mux) DroppedTicks() int64 {
	return m.droppedTicks.Load()
}

// Live reports whether roomID has a bound instance.
func (m *Mux) Live(roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.instances[roomID]
	return ok
}

// Run drives the tick loop until ctx is cancelled.
//
// A missed interval is retried at most once before being skipped and
// counted, so a slow module slows only its own room's cadence rather than
// queueing unbounded backlog.
func (m *Mux) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		m.tickAll()

		// Catch up one missed interval, then drop the rest.
		select {
		case <-ticker.C:
			m.tickAll()
			select {
			case <-ticker.C:
				m.droppedTicks.Add(1)
			default:
			}
		default:
		}
	}
}

// TickOnce advances every live instance by one interval. Exposed for the
// run loop and deterministic tests.
func (m *Mux) TickOnce() {
	m.tickAll()
}

func (m *Mux) tickAll() {
	m.mu.RLock()
	snapshot := make([]*boundInstance, 0, len(m.instances))
	for _, bound := range m.instances {
		snapshot = append(snapshot, bound)
	}
	m.mu.RUnlock()

	for _, bound := range snapshot {
		bound.mu.Lock()
		outcome, err := bound.game.Tick(m.interval)
		if err != nil {
			log.Printf("room %s: tick: %v", bound.roomID, err)
		}
		if outcome.Delta != nil {
			bound.broadcastLocked(eventMessage(bound.roomID, outcome.Delta))
		}
		finished := bound.game.Finished()
		roomID := bound.roomID
		bound.mu.Unlock()

		if finished {
			m.destroy(roomID, "game finished")
		}
	}
}

func (m *Mux) destroy(roomID, reason string) {
	m.mu.Lock()
	bound, ok := m.instances[roomID]
	if ok {
		delete(m.instances, roomID)
	}
	closer := m.closer
	m.mu.Unlock()
	if !ok {
		return
	}

	bound.mu.Lock()
	notice, _ := json.Marshal(map[string]any{"system": "finished", "reason": reason})
	bound.broadcastLocked(eventMessage(roomID, notice))
	for conn := range bound.conns {
		delete(bound.conns, conn)
	}
	bound.mu.Unlock()

	log.Printf("room %s: instance destroyed (%s)", roomID, reason)
	if closer != nil {
		closer.Close(roomID)
	}
}

func (m *Mux) lookup(roomID string) (*boundInstance, error) {
	m.mu.RLock()
	bound, ok := m.instances[roomID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.CodeGameUnknownRoom,
			fmt.Sprintf("no live game instance for room %s", roomID))
	}
	return bound, nil
}

func eventMessage(roomID string, delta json.RawMessage) protocol.Message {
	payload, _ := json.Marshal(protocol.GameEventPayload{RoomID: roomID, Event: delta})
	return protocol.Message{Type: protocol.TypeGameEvent, Payload: payload}
}

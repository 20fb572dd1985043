// Package gametest provides a scripted in-memory game module for host tests.
package gametest

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/louisbranch/gamehall/internal/game"
)

// Module is a game.Module whose instances record every call and finish on
// demand.
type Module struct {
	mu        sync.Mutex
	instances []*Instance

	// InitErr, when set, makes Init fail.
	InitErr error
}

// Init creates a recording instance.
func (m *Module) Init(players []string) (game.Instance, error) {
	if m.InitErr != nil {
		return nil, m.InitErr
	}
	instance := &Instance{players: append([]string(nil), players...)}
	m.mu.Lock()
	m.instances = append(m.instances, instance)
	m.mu.Unlock()
	return instance, nil
}

// Instances returns every instance created so far.
func (m *Module) Instances() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Instance(nil), m.instances...)
}

// Instance records events and ticks.
type Instance struct {
	mu       sync.Mutex
	players  []string
	events   []RecordedEvent
	ticks    int
	finished bool

	// TickDelta, when non-nil, is returned from every Tick.
	TickDelta json.RawMessage
	// ApplyErr, when set, fails the next ApplyEvent.
	ApplyErr error
}

// RecordedEvent is one ApplyEvent call.
type RecordedEvent struct {
	PlayerID string
	Event    json.RawMessage
}

// ApplyEvent records the event and echoes it back as the delta.
func (i *Instance) ApplyEvent(playerID string, event json.RawMessage) (game.Outcome, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ApplyErr != nil {
		err := i.ApplyErr
		i.ApplyErr = nil
		return game.Outcome{}, err
	}
	i.events = append(i.events, RecordedEvent{PlayerID: playerID, Event: append(json.RawMessage(nil), event...)})
	delta, _ := json.Marshal(map[string]any{"player": playerID, "echo": json.RawMessage(event)})
	return game.Outcome{Delta: delta}, nil
}

// Tick counts the tick and returns the configured delta.
func (i *Instance) Tick(time.Duration) (game.Outcome, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ticks++
	return game.Outcome{Delta: i.TickDelta}, nil
}

// Finished reports the scripted finish flag.
func (i *Instance) Finished() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.finished
}

// Finish makes Finished report true from now on.
func (i *Instance) Finish() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.finished = true
}

// Players returns the player list the instance was bound with.
func (i *Instance) Players() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.players...)
}

// Events returns the recorded events in receipt order.
func (i *Instance) Events() []RecordedEvent {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]RecordedEvent(nil), i.events...)
}

// Ticks returns how many times Tick ran.
func (i *Instance) Ticks() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ticks
}

// EventStrings renders recorded events as "player:event" for assertions.
func (i *Instance) EventStrings() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.events))
	for n, e := range i.events {
		out[n] = fmt.Sprintf("%s:%s", e.PlayerID, string(e.Event))
	}
	return out
}

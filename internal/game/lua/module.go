// Package lua hosts game modules written as Lua scripts.
//
// A package payload is a Lua chunk defining four globals:
//
//	init(players)              -- players is an array of player ids
//	apply_event(player, event) -- event is a JSON string; may return a delta
//	tick(dt)                   -- dt in seconds; may return a delta
//	is_finished()              -- returns a boolean
//
// Deltas cross the boundary as JSON strings and are broadcast verbatim.
// Every Init gets its own lua.State, so instances are fully isolated and the
// server hosts new games without recompiling.
package lua

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Shopify/go-lua"
	"github.com/louisbranch/gamehall/internal/game"
)

var requiredGlobals = []string{"init", "apply_event", "tick", "is_finished"}

// LoadModule compiles source and returns a Module producing isolated
// instances of it. The chunk is run once in a scratch state to surface
// syntax errors and missing globals at upload/bind time instead of mid-game.
func LoadModule(name string, source []byte) (game.Module, error) {
	state := lua.NewState()
	lua.OpenLibraries(state)
	if err := lua.DoString(state, string(source)); err != nil {
		return nil, fmt.Errorf("load lua module %q: %w", name, err)
	}
	if err := checkGlobals(state, name); err != nil {
		return nil, err
	}
	return &module{name: name, source: string(source)}, nil
}

type module struct {
	name   string
	source string
}

// Init runs the chunk in a fresh state and calls its init global.
func (m *module) Init(players []string) (game.Instance, error) {
	state := lua.NewState()
	lua.OpenLibraries(state)
	if err := lua.DoString(state, m.source); err != nil {
		return nil, fmt.Errorf("run lua module %q: %w", m.name, err)
	}
	if err := checkGlobals(state, m.name); err != nil {
		return nil, err
	}

	state.Global("init")
	state.CreateTable(len(players), 0)
	for i, player := range players {
		state.PushString(player)
		state.RawSetInt(-2, i+1)
	}
	if err := state.ProtectedCall(1, 0, 0); err != nil {
		return nil, fmt.Errorf("init lua module %q: %w", m.name, err)
	}
	return &instance{name: m.name, state: state}, nil
}

type instance struct {
	mu    sync.Mutex
	name  string
	state *lua.State
}

// ApplyEvent forwards one player event to the script.
func (i *instance) ApplyEvent(playerID string, event json.RawMessage) (game.Outcome, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.state.Global("apply_event")
	i.state.PushString(playerID)
	i.state.PushString(string(event))
	if err := i.state.ProtectedCall(2, 1, 0); err != nil {
		return game.Outcome{}, fmt.Errorf("apply_event in %q: %w", i.name, err)
	}
	return i.popOutcome(), nil
}

// Tick advances the script by dt.
func (i *instance) Tick(dt time.Duration) (game.Outcome, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.state.Global("tick")
	i.state.PushNumber(dt.Seconds())
	if err := i.state.ProtectedCall(1, 1, 0); err != nil {
		return game.Outcome{}, fmt.Errorf("tick in %q: %w", i.name, err)
	}
	return i.popOutcome(), nil
}

// Finished asks the script whether the game is over. A script that errors
// here is treated as finished so a broken instance cannot tick forever.
func (i *instance) Finished() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.state.Global("is_finished")
	if err := i.state.ProtectedCall(0, 1, 0); err != nil {
		return true
	}
	finished := i.state.ToBoolean(-1)
	i.state.Pop(1)
	return finished
}

func (i *instance) popOutcome() game.Outcome {
	defer i.state.Pop(1)
	if i.state.IsNil(-1) {
		return game.Outcome{}
	}
	delta, ok := i.state.ToString(-1)
	if !ok || delta == "" {
		return game.Outcome{}
	}
	return game.Outcome{Delta: json.RawMessage(delta)}
}

func checkGlobals(state *lua.State, name string) error {
	for _, global := range requiredGlobals {
		state.Global(global)
		isFunction := state.IsFunction(-1)
		state.Pop(1)
		if !isFunction {
			return fmt.Errorf("lua module %q does not define %s", name, global)
		}
	}
	return nil
}

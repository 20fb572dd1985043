// Package game defines the contract every hostable game implements.
//
// The host never inspects game-specific state: a Module produces an opaque
// Instance, and the multiplexer only feeds it events and ticks and broadcasts
// whatever deltas come back. This indirection is what lets heterogeneous
// games share one hosting and protocol layer.
package game

import (
	"context"
	"encoding/json"
	"time"
)

// Outcome is the host-visible result of applying an event or a tick.
// A nil Delta means nothing to broadcast.
type Outcome struct {
	Delta json.RawMessage
}

// Instance is one room's live game. The multiplexer guarantees exclusive
// access: at most one ApplyEvent/Tick/Finished call runs at a time.
type Instance interface {
	// ApplyEvent applies one player event in receipt order.
	ApplyEvent(playerID string, event json.RawMessage) (Outcome, error)
	// Tick advances the game by dt.
	Tick(dt time.Duration) (Outcome, error)
	// Finished reports whether the game is over. A disconnected player is
	// reported to the instance as an event; the module decides whether the
	// game continues short-handed by keeping Finished false.
	Finished() bool
}

// Module creates instances for rooms bound to its package.
type Module interface {
	Init(players []string) (Instance, error)
}

// Resolver selects a Module by package name and version at bind time.
type Resolver interface {
	Resolve(ctx context.Context, name string, version int64) (Module, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, name string, version int64) (Module, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, name string, version int64) (Module, error) {
	return f(ctx, name, version)
}

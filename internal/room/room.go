// Package room owns room lifecycle, membership, and the create/join/leave/
// start state machine.
package room

import "time"

// State is the lifecycle state of a room.
type State int

const (
	// StateWaiting accepts joins and can be started by the owner.
	StateWaiting State = iota
	// StateInGame has a live game instance bound to it.
	StateInGame
	// StateClosed is terminal.
	StateClosed
)

// String returns the wire representation of the state.
func (s State) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateInGame:
		return "IN_GAME"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Member is a non-owning reference to a joined session.
type Member struct {
	SessionID   string
	UserID      string
	DisplayName string
}

// Summary is the listing view of a room.
type Summary struct {
	ID        string    `json:"id"`
	Package   string    `json:"package"`
	Version   int64     `json:"version"`
	Capacity  int       `json:"capacity"`
	Occupancy int       `json:"occupancy"`
	State     string    `json:"state"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

package room

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/louisbranch/gamehall/internal/errors"
	"github.com/louisbranch/gamehall/internal/platform/id"
)

// Binder hands a started room off to the game host multiplexer.
type Binder interface {
	Bind(ctx context.Context, token string) error
}

// TokenMinter mints the signed handoff token returned by Start.
type TokenMinter interface {
	Mint(roomID, pkg string, version int64, players []string) (string, error)
}

type liveRoom struct {
	mu sync.Mutex

	id        string
	pkg       string
	version   int64
	capacity  int
	state     State
	owner     string // session id; always a current member while state != CLOSED
	members   []Member
	createdAt time.Time
}

func (r *liveRoom) memberIndex(sessionID string) int {
	for i, m := range r.members {
		if m.SessionID == sessionID {
			return i
		}
	}
	return -1
}

func (r *liveRoom) summary() Summary {
	var owner string
	if i := r.memberIndex(r.owner); i >= 0 {
		owner = r.members[i].DisplayName
	}
	return Summary{
		ID:        r.id,
		Package:   r.pkg,
		Version:   r.version,
		Capacity:  r.capacity,
		Occupancy: len(r.members),
		State:     r.state.String(),
		Owner:     owner,
		CreatedAt: r.createdAt,
	}
}

// Manager owns all rooms. Membership and state are mutated under a per-room
// lock; listing takes the registry-wide lock only to snapshot room handles.
type Manager struct {
	binder Binder
	minter TokenMinter

	mu    sync.RWMutex
	rooms map[string]*liveRoom

	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewManager creates a room manager wired to a binder and token minter.
func NewManager(binder Binder, minter TokenMinter) (*Manager, error) {
	if binder == nil {
		return nil, fmt.Errorf("game binder is required")
	}
	if minter == nil {
		return nil, fmt.Errorf("token minter is required")
	}
	return &Manager{
		binder:      binder,
		minter:      minter,
		rooms:       make(map[string]*liveRoom),
		clock:       time.Now,
		idGenerator: id.NewID,
	}, nil
}

// Create opens a new WAITING room owned by owner. Capacity must be at least
// two players.
func (m *Manager) Create(owner Member, pkg string, version int64, capacity int) (Summary, error) {
	if capacity < 2 {
		return Summary{}, apperrors.New(apperrors.CodeRoomInvalidCapacity,
			fmt.Sprintf("capacity %d is below the two-player minimum", capacity))
	}
	roomID, err := m.idGenerator()
	if err != nil {
		return Summary{}, fmt.Errorf("generate room id: %w", err)
	}
	room := &liveRoom{
		id:        roomID,
		pkg:       pkg,
		version:   version,
		capacity:  capacity,
		state:     StateWaiting,
		owner:     owner.SessionID,
		members:   []Member{owner},
		createdAt: m.clock().UTC(),
	}

	m.mu.Lock()
	m.rooms[roomID] = room
	m.mu.Unlock()
	return room.summary(), nil
}

// Join admits session into the room if it is WAITING and has a free slot.
// Join requests are served in arrival order; when requests race for the last
// slot exactly one succeeds and the rest receive ROOM_FULL.
func (m *Manager) Join(roomID string, member Member) (Summary, error) {
	room, err := m.lookup(roomID)
	if err != nil {
		return Summary{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.state != StateWaiting {
		return Summary{}, apperrors.New(apperrors.CodeRoomNotJoinable,
			fmt.Sprintf("room %s is %s", roomID, room.state))
	}
	if room.memberIndex(member.SessionID) >= 0 {
		return room.summary(), nil
	}
	if len(room.members) >= room.capacity {
		return Summary{}, apperrors.New(apperrors.CodeRoomFull,
			fmt.Sprintf("room %s is full", roomID))
	}
	room.members = append(room.members, member)
	return room.summary(), nil
}

// Leave removes the session from the room. When the owner leaves, ownership
// transfers to the earliest remaining member; an emptied room closes.
func (m *Manager) Leave(roomID, sessionID string) error {
	room, err := m.lookup(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	if room.state == StateClosed {
		room.mu.Unlock()
		return nil
	}
	i := room.memberIndex(sessionID)
	if i < 0 {
		room.mu.Unlock()
		return apperrors.New(apperrors.CodeRoomNotAMember,
			fmt.Sprintf("session is not a member of room %s", roomID))
	}
	room.members = append(room.members[:i], room.members[i+1:]...)

	closed := false
	if len(room.members) == 0 {
		room.state = StateClosed
		closed = true
	} else if room.owner == sessionID {
		room.owner = room.members[0].SessionID
	}
	room.mu.Unlock()

	if closed {
		m.remove(roomID)
	}
	return nil
}

// Start transitions a WAITING room to IN_GAME and hands it off to the game
// host. Only the owner may start, and at least two members are required. On
// success the minted handoff token and the bound player list are returned.
func (m *Manager) Start(ctx context.Context, roomID, requesterSessionID string) (string, []Member, error) {
	room, err := m.lookup(roomID)
	if err != nil {
		return "", nil, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.state != StateWaiting {
		return "", nil, apperrors.New(apperrors.CodeRoomNotJoinable,
			fmt.Sprintf("room %s is %s", roomID, room.state))
	}
	if room.owner != requesterSessionID {
		return "", nil, apperrors.New(apperrors.CodeRoomNotOwner, "only the room owner may start the game")
	}
	if len(room.members) < 2 {
		return "", nil, apperrors.New(apperrors.CodeRoomInsufficientPlayers,
			fmt.Sprintf("room %s has %d of 2 required players", roomID, len(room.members)))
	}

	players := make([]string, len(room.members))
	for i, member := range room.members {
		players[i] = member.UserID
	}
	token, err := m.minter.Mint(room.id, room.pkg, room.version, players)
	if err != nil {
		return "", nil, fmt.Errorf("mint handoff token: %w", err)
	}

	room.state = StateInGame
	if err := m.binder.Bind(ctx, token); err != nil {
		room.state = StateWaiting
		return "", nil, fmt.Errorf("bind room to game host: %w", err)
	}

	members := make([]Member, len(room.members))
	copy(members, room.members)
	return token, members, nil
}

// Close transitions a room to CLOSED and removes it. Invoked by the game
// host when the bound instance finishes or aborts. Idempotent.
func (m *Manager) Close(roomID string) {
	room, err := m.lookup(roomID)
	if err != nil {
		return
	}
	room.mu.Lock()
	room.state = StateClosed
	room.mu.Unlock()
	m.remove(roomID)
}

// List returns a summary of every open room, newest first.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	rooms := make([]*liveRoom, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	summaries := make([]Summary, 0, len(rooms))
	for _, room := range rooms {
		room.mu.Lock()
		summaries = append(summaries, room.summary())
		room.mu.Unlock()
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries
}

// Members returns the current member list of a room.
func (m *Manager) Members(roomID string) ([]Member, error) {
	room, err := m.lookup(roomID)
	if err != nil {
		return nil, err
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	members := make([]Member, len(room.members))
	copy(members, room.members)
	return members, nil
}

func (m *Manager) lookup(roomID string) (*liveRoom, error) {
	m.mu.RLock()
	room, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.CodeRoomNotFound,
			fmt.Sprintf("room %s not found", roomID))
	}
	return room, nil
}

func (m *Manager) remove(roomID string) {
	m.mu.Lock()
	delete(m.rooms, roomID)
	m.mu.Unlock()
}

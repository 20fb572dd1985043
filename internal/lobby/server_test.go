package lobby

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/gamehall/internal/account"
	"github.com/louisbranch/gamehall/internal/handoff"
	"github.com/louisbranch/gamehall/internal/packages"
	pkgsqlite "github.com/louisbranch/gamehall/internal/packages/sqlite"
	"github.com/louisbranch/gamehall/internal/protocol"
	"github.com/louisbranch/gamehall/internal/room"
	"github.com/louisbranch/gamehall/internal/session"
)

type fakeDirectory struct {
	mu    sync.Mutex
	users map[string]account.User
	pass  map[string]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users: make(map[string]account.User),
		pass:  make(map[string]string),
	}
}

func (d *fakeDirectory) Verify(_ context.Context, username, password string) (account.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	user, ok := d.users[username]
	if !ok || d.pass[username] != password {
		return account.User{}, account.ErrInvalidCredentials
	}
	return user, nil
}

func (d *fakeDirectory) Register(_ context.Context, username, password, displayName string) (account.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[username]; ok {
		return account.User{}, account.ErrAlreadyExists
	}
	user := account.User{ID: "user-" + username, Username: username, DisplayName: displayName}
	d.users[username] = user
	d.pass[username] = password
	return user, nil
}

type recordingBinder struct {
	mu     sync.Mutex
	tokens []string
}

func (b *recordingBinder) Bind(_ context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = append(b.tokens, token)
	return nil
}

func (b *recordingBinder) bound() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tokens...)
}

type testLobby struct {
	addr      string
	directory *fakeDirectory
	binder    *recordingBinder
	rooms     *room.Manager
	sessions  *session.Registry
}

func startLobby(t *testing.T) *testLobby {
	t.Helper()

	directory := newFakeDirectory()
	sessions, err := session.NewRegistry(directory, nil)
	if err != nil {
		t.Fatalf("new session registry: %v", err)
	}
	signer, err := handoff.NewSigner([]byte("test-key"), time.Minute)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	binder := &recordingBinder{}
	rooms, err := room.NewManager(binder, signer)
	if err != nil {
		t.Fatalf("new room manager: %v", err)
	}
	index, err := pkgsqlite.Open(t.TempDir() + "/index.db")
	if err != nil {
		t.Fatalf("open package index: %v", err)
	}
	t.Cleanup(func() { index.Close() })
	registry, err := packages.NewRegistry(t.TempDir(), index)
	if err != nil {
		t.Fatalf("new package registry: %v", err)
	}

	server, err := NewServer(directory, sessions, rooms, registry, 33003)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.Serve(ctx, listener)

	return &testLobby{
		addr:      listener.Addr().String(),
		directory: directory,
		binder:    binder,
		rooms:     rooms,
		sessions:  sessions,
	}
}

type client struct {
	t    *testing.T
	conn *protocol.Conn
	raw  net.Conn
	seq  int
}

func (l *testLobby) dial(t *testing.T) *client {
	t.Helper()

	raw, err := net.Dial("tcp", l.addr)
	if err != nil {
		t.Fatalf("dial lobby: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	return &client{t: t, conn: protocol.NewConn(raw), raw: raw}
}

// request sends one message and returns the reply bearing its correlation
// id, buffering any pushes that arrive in between.
func (c *client) request(msgType protocol.Type, payload any) protocol.Message {
	c.t.Helper()

	c.seq++
	correlationID := fmt.Sprintf("req-%d", c.seq)
	msg := protocol.Message{Type: msgType, CorrelationID: correlationID}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			c.t.Fatalf("marshal payload: %v", err)
		}
		msg.Payload = body
	}
	if err := c.conn.WriteMessage(msg); err != nil {
		c.t.Fatalf("write %s: %v", msgType, err)
	}
	for {
		reply, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("read %s reply: %v", msgType, err)
		}
		if reply.CorrelationID == correlationID {
			return reply
		}
	}
}

func (c *client) mustOK(msgType protocol.Type, payload any) protocol.Message {
	c.t.Helper()

	reply := c.request(msgType, payload)
	if reply.Type != protocol.TypeOK {
		c.t.Fatalf("%s reply = %s (%s), want OK", msgType, reply.Type, reply.Payload)
	}
	return reply
}

func (c *client) mustFail(msgType protocol.Type, payload any, code string) {
	c.t.Helper()

	reply := c.request(msgType, payload)
	if reply.Type != protocol.TypeError {
		c.t.Fatalf("%s reply = %s, want ERROR", msgType, reply.Type)
	}
	var errPayload protocol.ErrorPayload
	if err := json.Unmarshal(reply.Payload, &errPayload); err != nil {
		c.t.Fatalf("unmarshal error payload: %v", err)
	}
	if errPayload.Code != code {
		c.t.Fatalf("%s error code = %q, want %q", msgType, errPayload.Code, code)
	}
}

func (c *client) login(username, password string) protocol.SessionPayload {
	c.t.Helper()

	reply := c.mustOK(protocol.TypeLogin, protocol.LoginPayload{Username: username, Password: password})
	var sess protocol.SessionPayload
	if err := json.Unmarshal(reply.Payload, &sess); err != nil {
		c.t.Fatalf("unmarshal session payload: %v", err)
	}
	return sess
}

func registerUser(t *testing.T, l *testLobby, username string) {
	t.Helper()
	if _, err := l.directory.Register(context.Background(), username, "hunter2", "Player "+username); err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
}

func TestLoginAndRegisterFlow(t *testing.T) {
	t.Parallel()

	l := startLobby(t)
	c := l.dial(t)

	c.mustFail(protocol.TypeLogin, protocol.LoginPayload{Username: "ghost", Password: "nope"},
		"AUTH_INVALID_CREDENTIALS")

	c.mustOK(protocol.TypeRegister, protocol.LoginPayload{
		Username: "alice", Password: "hunter2", DisplayName: "Alice",
	})
	c.mustFail(protocol.TypeRegister, protocol.LoginPayload{
		Username: "alice", Password: "other", DisplayName: "Imposter",
	}, "AUTH_USER_EXISTS")

	sess := c.login("alice", "hunter2")
	if sess.SessionID == "" || sess.DisplayName != "Alice" {
		t.Fatalf("unexpected session payload %+v", sess)
	}

	c.mustFail(protocol.TypeLogin, protocol.LoginPayload{Username: "alice", Password: "hunter2"},
		"AUTH_ALREADY_AUTHENTICATED")
}

func TestRoomOperationsRequireAuth(t *testing.T) {
	t.Parallel()

	l := startLobby(t)
	c := l.dial(t)

	c.mustFail(protocol.TypeCreateRoom, protocol.CreateRoomPayload{Package: "clicker", Capacity: 2},
		"AUTH_REQUIRED")
	c.mustFail(protocol.TypeListRooms, nil, "AUTH_REQUIRED")
	c.mustFail(protocol.TypeUploadGame, protocol.UploadPayload{Name: "clicker"}, "AUTH_REQUIRED")
}

func TestPackageUploadDownloadRoundTrip(t *testing.T) {
	t.Parallel()

	l := startLobby(t)
	registerUser(t, l, "alice")
	c := l.dial(t)
	c.login("alice", "hunter2")

	blob := []byte("print('game script')")
	checksum := packages.Checksum(blob)

	// The blob frame rides immediately behind the announcement.
	c.seq++
	announce, _ := json.Marshal(protocol.UploadPayload{Name: "clicker", Checksum: checksum, Size: int64(len(blob))})
	if err := c.conn.WriteMessage(protocol.Message{
		Type:          protocol.TypeUploadGame,
		CorrelationID: "upload-1",
		Payload:       announce,
	}); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	if err := c.conn.WriteBlob(blob); err != nil {
		t.Fatalf("write blob: %v", err)
	}
	reply, err := c.conn.ReadMessage()
	if err != nil {
		t.Fatalf("read upload reply: %v", err)
	}
	if reply.Type != protocol.TypeOK {
		t.Fatalf("upload reply = %s (%s), want OK", reply.Type, reply.Payload)
	}
	var uploaded protocol.GameInfo
	if err := json.Unmarshal(reply.Payload, &uploaded); err != nil {
		t.Fatalf("unmarshal upload reply: %v", err)
	}
	if uploaded.Version != 1 {
		t.Fatalf("uploaded version = %d, want 1", uploaded.Version)
	}

	listReply := c.mustOK(protocol.TypeListGames, nil)
	var list protocol.GameListPayload
	if err := json.Unmarshal(listReply.Payload, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Games) != 1 || list.Games[0].Name != "clicker" {
		t.Fatalf("unexpected listing %+v", list.Games)
	}

	dlReply := c.mustOK(protocol.TypeDownloadGame, protocol.DownloadPayload{Name: "clicker"})
	var info protocol.GameInfo
	if err := json.Unmarshal(dlReply.Payload, &info); err != nil {
		t.Fatalf("unmarshal download info: %v", err)
	}
	if info.Checksum != checksum {
		t.Fatalf("download checksum = %q, want %q", info.Checksum, checksum)
	}
	payload, err := c.conn.ReadBlob()
	if err != nil {
		t.Fatalf("read download blob: %v", err)
	}
	if string(payload) != string(blob) {
		t.Fatalf("downloaded %q, want %q", payload, blob)
	}

	c.mustFail(protocol.TypeDownloadGame, protocol.DownloadPayload{Name: "missing"},
		"PACKAGE_NOT_FOUND")
}

func TestRoomLifecycleOverTheWire(t *testing.T) {
	t.Parallel()

	l := startLobby(t)
	registerUser(t, l, "alice")
	registerUser(t, l, "bob")

	owner := l.dial(t)
	owner.login("alice", "hunter2")
	member := l.dial(t)
	member.login("bob", "hunter2")

	createReply := owner.mustOK(protocol.TypeCreateRoom, protocol.CreateRoomPayload{
		Package: "clicker", Version: 1, Capacity: 2,
	})
	var created room.Summary
	if err := json.Unmarshal(createReply.Payload, &created); err != nil {
		t.Fatalf("unmarshal create reply: %v", err)
	}
	if created.State != "WAITING" || created.Occupancy != 1 {
		t.Fatalf("unexpected room %+v", created)
	}

	member.mustOK(protocol.TypeJoinRoom, protocol.RoomPayload{RoomID: created.ID})
	member.mustFail(protocol.TypeStartGame, protocol.RoomPayload{RoomID: created.ID}, "ROOM_NOT_OWNER")

	startReply := owner.mustOK(protocol.TypeStartGame, protocol.RoomPayload{RoomID: created.ID})
	var ownerNotice protocol.StartNotice
	if err := json.Unmarshal(startReply.Payload, &ownerNotice); err != nil {
		t.Fatalf("unmarshal start reply: %v", err)
	}
	if ownerNotice.Token == "" || ownerNotice.GamePort != 33003 {
		t.Fatalf("unexpected start notice %+v", ownerNotice)
	}
	if len(ownerNotice.Players) != 2 {
		t.Fatalf("players = %v, want 2 entries", ownerNotice.Players)
	}

	// The non-owner receives the same token as a push.
	push, err := member.conn.ReadMessage()
	if err != nil {
		t.Fatalf("read push: %v", err)
	}
	if push.Type != protocol.TypeStartGame {
		t.Fatalf("push type = %s, want START_GAME", push.Type)
	}
	var memberNotice protocol.StartNotice
	if err := json.Unmarshal(push.Payload, &memberNotice); err != nil {
		t.Fatalf("unmarshal push: %v", err)
	}
	if memberNotice.Token != ownerNotice.Token {
		t.Fatal("push token differs from owner token")
	}

	if bound := l.binder.bound(); len(bound) != 1 || bound[0] != ownerNotice.Token {
		t.Fatalf("binder saw %v, want the minted token", bound)
	}

	owner.mustFail(protocol.TypeJoinRoom, protocol.RoomPayload{RoomID: "nope"}, "ROOM_NOT_FOUND")
}

func TestMalformedFrameDropsOnlyItsConnection(t *testing.T) {
	t.Parallel()

	l := startLobby(t)
	registerUser(t, l, "alice")

	healthy := l.dial(t)
	healthy.login("alice", "hunter2")

	vandal := l.dial(t)
	frame := make([]byte, 4+7)
	binary.BigEndian.PutUint32(frame, 7)
	copy(frame[4:], "not-json")
	if _, err := vandal.raw.Write(frame[:4+7]); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	reply, err := vandal.conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if reply.Type != protocol.TypeError {
		t.Fatalf("got %s, want ERROR", reply.Type)
	}
	var errPayload protocol.ErrorPayload
	if err := json.Unmarshal(reply.Payload, &errPayload); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if errPayload.Code != "PROTOCOL_MALFORMED_FRAME" {
		t.Fatalf("code = %q, want PROTOCOL_MALFORMED_FRAME", errPayload.Code)
	}
	if _, err := vandal.conn.ReadMessage(); err == nil {
		t.Fatal("vandal connection should be closed")
	}

	// The healthy connection is untouched.
	healthy.mustOK(protocol.TypeHeartbeat, nil)
}

func TestSessionHoldsAtMostOneRoom(t *testing.T) {
	t.Parallel()

	l := startLobby(t)
	registerUser(t, l, "alice")
	registerUser(t, l, "bob")

	alice := l.dial(t)
	alice.login("alice", "hunter2")
	bob := l.dial(t)
	bob.login("bob", "hunter2")

	createReply := alice.mustOK(protocol.TypeCreateRoom, protocol.CreateRoomPayload{
		Package: "clicker", Capacity: 2,
	})
	var aliceRoom room.Summary
	if err := json.Unmarshal(createReply.Payload, &aliceRoom); err != nil {
		t.Fatalf("unmarshal create reply: %v", err)
	}
	createReply = bob.mustOK(protocol.TypeCreateRoom, protocol.CreateRoomPayload{
		Package: "clicker", Capacity: 2,
	})
	var bobRoom room.Summary
	if err := json.Unmarshal(createReply.Payload, &bobRoom); err != nil {
		t.Fatalf("unmarshal create reply: %v", err)
	}

	// While alice still holds her room she can neither open a second one
	// nor slip into bob's.
	alice.mustFail(protocol.TypeCreateRoom, protocol.CreateRoomPayload{
		Package: "clicker", Capacity: 2,
	}, "ROOM_ALREADY_IN_ROOM")
	alice.mustFail(protocol.TypeJoinRoom, protocol.RoomPayload{RoomID: bobRoom.ID},
		"ROOM_ALREADY_IN_ROOM")

	// Rejoining the room she already holds stays idempotent.
	alice.mustOK(protocol.TypeJoinRoom, protocol.RoomPayload{RoomID: aliceRoom.ID})

	alice.mustOK(protocol.TypeLeaveRoom, protocol.RoomPayload{RoomID: aliceRoom.ID})
	alice.mustOK(protocol.TypeJoinRoom, protocol.RoomPayload{RoomID: bobRoom.ID})

	// Her abandoned room closed when she left it, so no roster anywhere
	// still carries her.
	if rooms := l.rooms.List(); len(rooms) != 1 || rooms[0].ID != bobRoom.ID {
		t.Fatalf("open rooms = %+v, want only %s", rooms, bobRoom.ID)
	}

	alice.raw.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		members, err := l.rooms.Members(bobRoom.ID)
		if err != nil {
			t.Fatalf("members: %v", err)
		}
		if len(members) == 1 && members[0].UserID == "user-bob" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("room %s still holds %+v after disconnect", bobRoom.ID, members)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rooms := l.rooms.List(); len(rooms) != 1 || rooms[0].Occupancy != 1 {
		t.Fatalf("open rooms after disconnect = %+v, want %s with one member", rooms, bobRoom.ID)
	}
}

func TestClosedRoomDoesNotBlockNewRooms(t *testing.T) {
	t.Parallel()

	l := startLobby(t)
	registerUser(t, l, "alice")

	alice := l.dial(t)
	alice.login("alice", "hunter2")

	createReply := alice.mustOK(protocol.TypeCreateRoom, protocol.CreateRoomPayload{
		Package: "clicker", Capacity: 2,
	})
	var created room.Summary
	if err := json.Unmarshal(createReply.Payload, &created); err != nil {
		t.Fatalf("unmarshal create reply: %v", err)
	}

	// The game host closes rooms behind the lobby's back once an instance
	// finishes. A pointer to the gone room must not pin the session.
	l.rooms.Close(created.ID)

	alice.mustOK(protocol.TypeCreateRoom, protocol.CreateRoomPayload{
		Package: "clicker", Capacity: 2,
	})
}

func TestDisconnectReleasesRoomSlot(t *testing.T) {
	t.Parallel()

	l := startLobby(t)
	registerUser(t, l, "alice")
	registerUser(t, l, "bob")

	owner := l.dial(t)
	owner.login("alice", "hunter2")
	member := l.dial(t)
	member.login("bob", "hunter2")

	createReply := owner.mustOK(protocol.TypeCreateRoom, protocol.CreateRoomPayload{
		Package: "clicker", Capacity: 2,
	})
	var created room.Summary
	if err := json.Unmarshal(createReply.Payload, &created); err != nil {
		t.Fatalf("unmarshal create reply: %v", err)
	}
	member.mustOK(protocol.TypeJoinRoom, protocol.RoomPayload{RoomID: created.ID})

	member.raw.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		members, err := l.rooms.Members(created.ID)
		if err != nil {
			t.Fatalf("members: %v", err)
		}
		if len(members) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("room still has %d members after disconnect", len(members))
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The freed slot is usable again.
	again := l.dial(t)
	again.login("bob", "hunter2")
	again.mustOK(protocol.TypeJoinRoom, protocol.RoomPayload{RoomID: created.ID})
}

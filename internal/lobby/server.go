// Package lobby serves the control-plane port: authentication, package
// transfer, and room management.
//
// Each connection gets one goroutine running a read loop. Replies echo the
// request's correlation id; failures surface as ERROR frames carrying a
// stable code. A malformed frame drops its own connection and nothing else.
package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/gamehall/internal/account"
	apperrors "github.com/louisbranch/gamehall/internal/errors"
	"github.com/louisbranch/gamehall/internal/packages"
	"github.com/louisbranch/gamehall/internal/protocol"
	"github.com/louisbranch/gamehall/internal/room"
	"github.com/louisbranch/gamehall/internal/session"
)

// Server handles lobby-port connections.
type Server struct {
	directory account.Directory
	sessions  *session.Registry
	rooms     *room.Manager
	registry  *packages.Registry
	gamePort  int
	tracer    trace.Tracer
}

// NewServer wires the lobby surface. gamePort is advertised to clients in
// start notices so they know where to carry the handoff token.
func NewServer(directory account.Directory, sessions *session.Registry, rooms *room.Manager, registry *packages.Registry, gamePort int) (*Server, error) {
	if directory == nil {
		return nil, fmt.Errorf("account directory is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if rooms == nil {
		return nil, fmt.Errorf("room manager is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("package registry is required")
	}

	server := &Server{
		directory: directory,
		sessions:  sessions,
		rooms:     rooms,
		registry:  registry,
		gamePort:  gamePort,
		tracer:    otel.Tracer("gamehall/lobby"),
	}
	// A dying session releases its room slot before it is unmapped, so the
	// roster a disconnected player held opens up immediately.
	sessions.OnTerminate(func(s *session.Session) {
		if roomID := s.RoomID(); roomID != "" {
			if err := rooms.Leave(roomID, s.ID); err != nil && !apperrors.HasCode(err, apperrors.CodeRoomNotFound) {
				log.Printf("release room %s for session %s: %v", roomID, s.ID, err)
			}
		}
	})
	return server, nil
}

// Serve accepts lobby connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		raw, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept lobby connection: %w", err)
		}
		go s.handle(ctx, protocol.NewConn(raw))
	}
}

func (s *Server) handle(ctx context.Context, conn *protocol.Conn) {
	defer conn.Close()
	defer s.sessions.Terminate(conn)

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if code := apperrors.CodeOf(err); code != apperrors.CodeUnknown {
				// Framing violation: tell the peer why, then drop it.
				s.writeError(conn, "", err)
				log.Printf("lobby %s: dropping connection: %v", conn.RemoteAddr(), err)
			}
			return
		}
		s.sessions.Touch(conn)
		s.dispatch(ctx, conn, msg)
	}
}

func (s *Server) dispatch(ctx context.Context, conn *protocol.Conn, msg protocol.Message) {
	ctx, span := s.tracer.Start(ctx, "lobby."+string(msg.Type),
		trace.WithAttributes(attribute.String("lobby.message_type", string(msg.Type))))
	defer span.End()

	var err error
	switch msg.Type {
	case protocol.TypeLogin:
		err = s.handleLogin(ctx, conn, msg)
	case protocol.TypeRegister:
		err = s.handleRegister(ctx, conn, msg)
	case protocol.TypeListGames:
		err = s.handleListGames(ctx, conn, msg)
	case protocol.TypeListRooms:
		err = s.handleListRooms(conn, msg)
	case protocol.TypeCreateRoom:
		err = s.handleCreateRoom(conn, msg)
	case protocol.TypeJoinRoom:
		err = s.handleJoinRoom(conn, msg)
	case protocol.TypeLeaveRoom:
		err = s.handleLeaveRoom(conn, msg)
	case protocol.TypeStartGame:
		err = s.handleStartGame(ctx, conn, msg)
	case protocol.TypeUploadGame:
		err = s.handleUpload(ctx, conn, msg)
	case protocol.TypeDownloadGame:
		err = s.handleDownload(ctx, conn, msg)
	case protocol.TypeHeartbeat:
		err = s.writeOK(conn, msg.CorrelationID, nil)
	default:
		err = apperrors.New(apperrors.CodeProtocolUnexpectedMessage,
			fmt.Sprintf("message type %s is not valid on the lobby port", msg.Type))
	}
	if err != nil {
		span.RecordError(err)
		s.writeError(conn, msg.CorrelationID, err)
	}
}

func (s *Server) handleLogin(ctx context.Context, conn *protocol.Conn, msg protocol.Message) error {
	var payload protocol.LoginPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return apperrors.New(apperrors.CodeProtocolMalformedPayload, "LOGIN payload is not valid JSON")
	}
	sess, err := s.sessions.Authenticate(ctx, conn, payload.Username, payload.Password)
	if err != nil {
		return err
	}
	log.Printf("lobby %s: user %s logged in", conn.RemoteAddr(), sess.Username)
	return s.writeOK(conn, msg.CorrelationID, protocol.SessionPayload{
		SessionID:   sess.ID,
		UserID:      sess.UserID,
		Username:    sess.Username,
		DisplayName: sess.DisplayName,
	})
}

func (s *Server) handleRegister(ctx context.Context, conn *protocol.Conn, msg protocol.Message) error {
	var payload protocol.LoginPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return apperrors.New(apperrors.CodeProtocolMalformedPayload, "REGISTER payload is not valid JSON")
	}
	user, err := s.directory.Register(ctx, payload.Username, payload.Password, payload.DisplayName)
	if err != nil {
		if errors.Is(err, account.ErrAlreadyExists) {
			return apperrors.New(apperrors.CodeAuthUserExists,
				fmt.Sprintf("username %q is taken", payload.Username))
		}
		return err
	}
	return s.writeOK(conn, msg.CorrelationID, protocol.SessionPayload{
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
	})
}

func (s *Server) handleListGames(ctx context.Context, conn *protocol.Conn, msg protocol.Message) error {
	if _, err := s.requireSession(conn); err != nil {
		return err
	}
	infos, err := s.registry.List(ctx)
	if err != nil {
		return err
	}
	games := make([]protocol.GameInfo, len(infos))
	for i, info := range infos {
		games[i] = gameInfo(info)
	}
	return s.writeOK(conn, msg.CorrelationID, protocol.GameListPayload{Games: games})
}

func (s *Server) handleListRooms(conn *protocol.Conn, msg protocol.Message) error {
	if _, err := s.requireSession(conn); err != nil {
		return err
	}
	return s.writeOK(conn, msg.CorrelationID, struct {
		Rooms []room.Summary `json:"rooms"`
	}{Rooms: s.rooms.List()})
}

func (s *Server) handleCreateRoom(conn *protocol.Conn, msg protocol.Message) error {
	sess, err := s.requireSession(conn)
	if err != nil {
		return err
	}
	var payload protocol.CreateRoomPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return apperrors.New(apperrors.CodeProtocolMalformedPayload, "CREATE_ROOM payload is not valid JSON")
	}
	if err := s.requireNoRoom(sess, ""); err != nil {
		return err
	}
	summary, err := s.rooms.Create(memberOf(sess), payload.Package, payload.Version, payload.Capacity)
	if err != nil {
		return err
	}
	sess.SetRoom(summary.ID)
	return s.writeOK(conn, msg.CorrelationID, summary)
}

func (s *Server) handleJoinRoom(conn *protocol.Conn, msg protocol.Message) error {
	sess, err := s.requireSession(conn)
	if err != nil {
		return err
	}
	var payload protocol.RoomPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return apperrors.New(apperrors.CodeProtocolMalformedPayload, "JOIN_ROOM payload is not valid JSON")
	}
	if err := s.requireNoRoom(sess, payload.RoomID); err != nil {
		return err
	}
	summary, err := s.rooms.Join(payload.RoomID, memberOf(sess))
	if err != nil {
		return err
	}
	sess.SetRoom(summary.ID)
	return s.writeOK(conn, msg.CorrelationID, summary)
}

func (s *Server) handleLeaveRoom(conn *protocol.Conn, msg protocol.Message) error {
	sess, err := s.requireSession(conn)
	if err != nil {
		return err
	}
	var payload protocol.RoomPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return apperrors.New(apperrors.CodeProtocolMalformedPayload, "LEAVE_ROOM payload is not valid JSON")
	}
	if err := s.rooms.Leave(payload.RoomID, sess.ID); err != nil {
		return err
	}
	if sess.RoomID() == payload.RoomID {
		sess.SetRoom("")
	}
	return s.writeOK(conn, msg.CorrelationID, nil)
}

func (s *Server) handleStartGame(ctx context.Context, conn *protocol.Conn, msg protocol.Message) error {
	sess, err := s.requireSession(conn)
	if err != nil {
		return err
	}
	var payload protocol.RoomPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return apperrors.New(apperrors.CodeProtocolMalformedPayload, "START_GAME payload is not valid JSON")
	}
	token, members, err := s.rooms.Start(ctx, payload.RoomID, sess.ID)
	if err != nil {
		return err
	}

	players := make([]string, len(members))
	for i, member := range members {
		players[i] = member.UserID
	}
	notice := protocol.StartNotice{
		RoomID:   payload.RoomID,
		GamePort: s.gamePort,
		Token:    token,
		Players:  players,
	}
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal start notice: %w", err)
	}

	// The owner's reply doubles as their notice; everyone else gets a push.
	for _, member := range members {
		if member.SessionID == sess.ID {
			continue
		}
		target, ok := s.sessions.LookupUser(member.UserID)
		if !ok {
			continue
		}
		if err := target.Send(protocol.Message{Type: protocol.TypeStartGame, Payload: body}); err != nil {
			log.Printf("lobby: start notice for room %s to %s: %v", payload.RoomID, member.UserID, err)
		}
	}
	return s.writeOK(conn, msg.CorrelationID, notice)
}

func (s *Server) handleUpload(ctx context.Context, conn *protocol.Conn, msg protocol.Message) error {
	if _, err := s.requireSession(conn); err != nil {
		return err
	}
	var payload protocol.UploadPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return apperrors.New(apperrors.CodeProtocolMalformedPayload, "UPLOAD_GAME payload is not valid JSON")
	}
	blob, err := conn.ReadBlob()
	if err != nil {
		return fmt.Errorf("read package blob: %w", err)
	}
	version, err := s.registry.Upload(ctx, payload.Name, blob, payload.Checksum)
	if err != nil {
		return err
	}
	log.Printf("lobby: package %s v%d uploaded (%d bytes)", payload.Name, version, len(blob))
	return s.writeOK(conn, msg.CorrelationID, protocol.GameInfo{
		Name:     payload.Name,
		Version:  version,
		Size:     int64(len(blob)),
		Checksum: payload.Checksum,
	})
}

func (s *Server) handleDownload(ctx context.Context, conn *protocol.Conn, msg protocol.Message) error {
	if _, err := s.requireSession(conn); err != nil {
		return err
	}
	var payload protocol.DownloadPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return apperrors.New(apperrors.CodeProtocolMalformedPayload, "DOWNLOAD_GAME payload is not valid JSON")
	}
	info, blob, err := s.registry.Fetch(ctx, payload.Name, payload.Version)
	if err != nil {
		return err
	}
	body, err := json.Marshal(gameInfo(info))
	if err != nil {
		return fmt.Errorf("marshal download reply: %w", err)
	}
	// Announce and blob go out as one unit so a concurrent push (start
	// notice, game broadcast) cannot be read as package bytes.
	return conn.WriteMessageWithBlob(protocol.Message{
		Type:          protocol.TypeOK,
		CorrelationID: msg.CorrelationID,
		Payload:       body,
	}, blob)
}

// requireNoRoom rejects entering a room while the session still holds a
// different one. A session has a single current-room slot; letting it move
// without leaving would strand its membership in the old roster. Rejoining
// the room the session already holds is allowed.
func (s *Server) requireNoRoom(sess *session.Session, next string) error {
	current := sess.RoomID()
	if current == "" || current == next {
		return nil
	}
	// The room may have closed after the game finished; a pointer to a
	// gone room does not block the session.
	if _, err := s.rooms.Members(current); apperrors.HasCode(err, apperrors.CodeRoomNotFound) {
		sess.SetRoom("")
		return nil
	}
	return apperrors.New(apperrors.CodeRoomAlreadyInRoom,
		fmt.Sprintf("leave room %s first", current))
}

func (s *Server) requireSession(conn *protocol.Conn) (*session.Session, error) {
	sess, ok := s.sessions.Lookup(conn)
	if !ok {
		return nil, apperrors.New(apperrors.CodeAuthRequired, "log in first")
	}
	return sess, nil
}

func (s *Server) writeOK(conn *protocol.Conn, correlationID string, payload any) error {
	msg := protocol.Message{Type: protocol.TypeOK, CorrelationID: correlationID}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal reply: %w", err)
		}
		msg.Payload = body
	}
	return conn.WriteMessage(msg)
}

func (s *Server) writeError(conn *protocol.Conn, correlationID string, err error) {
	body, _ := json.Marshal(protocol.ErrorPayload{
		Code:    string(apperrors.CodeOf(err)),
		Message: err.Error(),
	})
	if writeErr := conn.WriteMessage(protocol.Message{
		Type:          protocol.TypeError,
		CorrelationID: correlationID,
		Payload:       body,
	}); writeErr != nil {
		log.Printf("lobby %s: write error frame: %v", conn.RemoteAddr(), writeErr)
	}
}

func memberOf(sess *session.Session) room.Member {
	return room.Member{
		SessionID:   sess.ID,
		UserID:      sess.UserID,
		DisplayName: sess.DisplayName,
	}
}

func gameInfo(info packages.Info) protocol.GameInfo {
	return protocol.GameInfo{
		Name:       info.Name,
		Version:    info.Version,
		Size:       info.Size,
		Checksum:   info.Checksum,
		UploadedAt: info.UploadedAt,
	}
}

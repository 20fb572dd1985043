package gamehost

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"

	apperrors "github.com/louisbranch/gamehall/internal/errors"
	"github.com/louisbranch/gamehall/internal/protocol"
)

// Serve accepts game-port connections until ctx is cancelled.
//
// Each connection must open with JOIN_ROOM carrying a room id, a handoff
// token and the attaching player id; everything after that is GAME_EVENT
// traffic for that room.
func (m *Mux) Serve(ctx context.Context, listener net.Listener) error {
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
			return fmt.Errorf("accept game connection: %w", err)
		}
		go m.handle(protocol.NewConn(raw))
	}
}

func (m *Mux) handle(conn *protocol.Conn) {
	defer conn.Close()
	defer m.Disconnect(conn)

	playerID, roomID, err := m.attachFirst(conn)
	if err != nil {
		writeError(conn, "", err)
		return
	}

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msg.Type {
		case protocol.TypeGameEvent:
			var payload protocol.GameEventPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				writeError(conn, msg.CorrelationID,
					apperrors.New(apperrors.CodeProtocolMalformedPayload, "GAME_EVENT payload is not valid JSON"))
				continue
			}
			target := payload.RoomID
			if target == "" {
				target = roomID
			}
			if _, err := m.Route(playerID, target, payload.Event); err != nil {
				writeError(conn, msg.CorrelationID, err)
			}
		case protocol.TypeHeartbeat:
			conn.WriteMessage(protocol.Message{Type: protocol.TypeOK, CorrelationID: msg.CorrelationID})
		default:
			writeError(conn, msg.CorrelationID,
				apperrors.New(apperrors.CodeProtocolUnexpectedMessage,
					fmt.Sprintf("message type %s is not valid on the game port", msg.Type)))
		}
	}
}

func (m *Mux) attachFirst(conn *protocol.Conn) (playerID, roomID string, err error) {
	msg, err := conn.ReadMessage()
	if err != nil {
		return "", "", err
	}
	if msg.Type != protocol.TypeJoinRoom {
		return "", "", apperrors.New(apperrors.CodeProtocolUnexpectedMessage,
			"game connections must open with JOIN_ROOM")
	}
	var payload protocol.GameJoinPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return "", "", apperrors.New(apperrors.CodeProtocolMalformedPayload, "JOIN_ROOM payload is not valid JSON")
	}
	if err := m.Attach(conn, payload.RoomID, payload.Token, payload.PlayerID); err != nil {
		return "", "", err
	}
	if err := conn.WriteMessage(protocol.Message{Type: protocol.TypeOK, CorrelationID: msg.CorrelationID}); err != nil {
		return "", "", err
	}
	log.Printf("room %s: player %s attached from %s", payload.RoomID, payload.PlayerID, conn.RemoteAddr())
	return payload.PlayerID, payload.RoomID, nil
}

func writeError(conn *protocol.Conn, correlationID string, err error) {
	payload, _ := json.Marshal(protocol.ErrorPayload{
		Code:    string(apperrors.CodeOf(err)),
		Message: err.Error(),
	})
	conn.WriteMessage(protocol.Message{
		Type:          protocol.TypeError,
		CorrelationID: correlationID,
		Payload:       payload,
	})
}

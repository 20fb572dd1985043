// Package protocol frames and parses the platform wire format.
//
// Every frame is a 4-byte big-endian length prefix followed by the frame
// body. Control frames carry a JSON-encoded Message; blob frames carry raw
// bytes (package payloads) and always follow the control frame announcing
// them. Requests that expect a reply carry a correlation id echoed in the
// response so one connection can multiplex lobby and game traffic.
package protocol

import (
	"encoding/json"
	"time"
)

// Type identifies a message kind on the wire.
type Type string

const (
	TypeLogin        Type = "LOGIN"
	TypeRegister     Type = "REGISTER"
	TypeListGames    Type = "LIST_GAMES"
	TypeListRooms    Type = "LIST_ROOMS"
	TypeCreateRoom   Type = "CREATE_ROOM"
	TypeJoinRoom     Type = "JOIN_ROOM"
	TypeLeaveRoom    Type = "LEAVE_ROOM"
	TypeStartGame    Type = "START_GAME"
	TypeGameEvent    Type = "GAME_EVENT"
	TypeUploadGame   Type = "UPLOAD_GAME"
	TypeDownloadGame Type = "DOWNLOAD_GAME"
	TypeHeartbeat    Type = "HEARTBEAT"
	TypeError        Type = "ERROR"
	TypeOK           Type = "OK"
)

// IsValid reports whether the message type is part of the wire contract.
func (t Type) IsValid() bool {
	switch t {
	case TypeLogin, TypeRegister, TypeListGames, TypeListRooms,
		TypeCreateRoom, TypeJoinRoom, TypeLeaveRoom, TypeStartGame,
		TypeGameEvent, TypeUploadGame, TypeDownloadGame, TypeHeartbeat,
		TypeError, TypeOK:
		return true
	default:
		return false
	}
}

// Message is one control frame body.
type Message struct {
	Type          Type            `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the payload of an ERROR message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// LoginPayload carries credentials for LOGIN and REGISTER.
type LoginPayload struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

// CreateRoomPayload carries CREATE_ROOM parameters.
type CreateRoomPayload struct {
	Package  string `json:"package"`
	Version  int64  `json:"version,omitempty"`
	Capacity int    `json:"capacity"`
}

// RoomPayload names a room for JOIN_ROOM, LEAVE_ROOM and START_GAME.
type RoomPayload struct {
	RoomID string `json:"room_id"`
}

// GameJoinPayload attaches a game-port connection to a live instance. The
// player id must appear in the token's player list.
type GameJoinPayload struct {
	RoomID   string `json:"room_id"`
	Token    string `json:"token"`
	PlayerID string `json:"player_id"`
}

// GameEventPayload routes one player event into a room's instance.
type GameEventPayload struct {
	RoomID string          `json:"room_id"`
	Event  json.RawMessage `json:"event"`
}

// UploadPayload announces a package blob frame that follows it.
type UploadPayload struct {
	Name     string `json:"name"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

// DownloadPayload requests a package; zero version means latest.
type DownloadPayload struct {
	Name    string `json:"name"`
	Version int64  `json:"version,omitempty"`
}

// SessionPayload describes the authenticated identity in LOGIN and
// REGISTER replies.
type SessionPayload struct {
	SessionID   string `json:"session_id,omitempty"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// GameInfo describes one package version in listings and transfer replies.
type GameInfo struct {
	Name       string    `json:"name"`
	Version    int64     `json:"version"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// GameListPayload is the LIST_GAMES reply.
type GameListPayload struct {
	Games []GameInfo `json:"games"`
}

// StartNotice is pushed to every room member when a game starts.
type StartNotice struct {
	RoomID   string   `json:"room_id"`
	GamePort int      `json:"game_port"`
	Token    string   `json:"token"`
	Players  []string `json:"players"`
}

// Package errors provides structured error codes shared by the lobby and
// game host surfaces. Codes are stable machine-readable strings carried in
// ERROR frames so clients can branch without parsing messages.
package errors

import "errors"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Protocol errors. A malformed or oversized frame drops the connection;
	// an unexpected message is reported and the connection stays open.
	CodeProtocolMalformedFrame    Code = "PROTOCOL_MALFORMED_FRAME"
	CodeProtocolFrameTooLarge     Code = "PROTOCOL_FRAME_TOO_LARGE"
	CodeProtocolUnexpectedMessage Code = "PROTOCOL_UNEXPECTED_MESSAGE"
	CodeProtocolMalformedPayload  Code = "PROTOCOL_MALFORMED_PAYLOAD"

	// Auth errors. Reported to the caller; the connection stays open.
	CodeAuthInvalidCredentials   Code = "AUTH_INVALID_CREDENTIALS"
	CodeAuthAlreadyAuthenticated Code = "AUTH_ALREADY_AUTHENTICATED"
	CodeAuthUserExists           Code = "AUTH_USER_EXISTS"
	CodeAuthSessionActive        Code = "AUTH_SESSION_ACTIVE"
	CodeAuthNotAllowed           Code = "AUTH_NOT_ALLOWED"
	CodeAuthRequired             Code = "AUTH_REQUIRED"

	// Room errors. Reported; no state change.
	CodeRoomFull                Code = "ROOM_FULL"
	CodeRoomNotJoinable         Code = "ROOM_NOT_JOINABLE"
	CodeRoomNotFound            Code = "ROOM_NOT_FOUND"
	CodeRoomNotOwner            Code = "ROOM_NOT_OWNER"
	CodeRoomInsufficientPlayers Code = "ROOM_INSUFFICIENT_PLAYERS"
	CodeRoomInvalidCapacity     Code = "ROOM_INVALID_CAPACITY"
	CodeRoomNotAMember          Code = "ROOM_NOT_A_MEMBER"
	CodeRoomAlreadyInRoom       Code = "ROOM_ALREADY_IN_ROOM"

	// Package errors. Reported; no partial write retained.
	CodePackageChecksumMismatch Code = "PACKAGE_CHECKSUM_MISMATCH"
	CodePackageNotFound         Code = "PACKAGE_NOT_FOUND"

	// Routing errors. Reported; other players' instances are unaffected.
	CodeGameUnknownRoom  Code = "GAME_UNKNOWN_ROOM"
	CodeGameNotAMember   Code = "GAME_NOT_A_MEMBER"
	CodeGameInvalidToken Code = "GAME_INVALID_TOKEN"
)

// Error pairs a code with an operator-readable message.
type Error struct {
	Code    Code
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf extracts the code from err, or CodeUnknown when err carries none.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnknown
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

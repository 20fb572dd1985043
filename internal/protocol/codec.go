package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/louisbranch/gamehall/internal/errors"
)

const (
	// MaxControlFrame caps JSON control frames.
	MaxControlFrame = 64 << 10
	// MaxBlobFrame caps raw package blob frames.
	MaxBlobFrame = 64 << 20

	headerLen = 4
)

// ErrIncomplete signals that the buffer does not yet hold a whole frame.
var ErrIncomplete = errors.New("incomplete frame")

// Encode serializes a control message into one length-prefixed frame.
func Encode(msg Message) ([]byte, error) {
	if !msg.Type.IsValid() {
		return nil, fmt.Errorf("encode message: invalid type %q", msg.Type)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if len(body) > MaxControlFrame {
		return nil, fmt.Errorf("encode message: body %d exceeds %d bytes", len(body), MaxControlFrame)
	}
	frame := make([]byte, headerLen+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[headerLen:], body)
	return frame, nil
}

// Decode parses one control message from the front of buf.
//
// It returns ErrIncomplete until buf holds a whole frame, and a coded
// protocol error for frames that can never become valid. On success n is the
// number of bytes consumed. Decode performs no I/O.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) < headerLen {
		return Message{}, 0, ErrIncomplete
	}
	length := binary.BigEndian.Uint32(buf)
	if length > MaxControlFrame {
		return Message{}, 0, apperrors.New(apperrors.CodeProtocolFrameTooLarge,
			fmt.Sprintf("control frame of %d bytes exceeds %d", length, MaxControlFrame))
	}
	if len(buf) < headerLen+int(length) {
		return Message{}, 0, ErrIncomplete
	}
	var msg Message
	if err := json.Unmarshal(buf[headerLen:headerLen+int(length)], &msg); err != nil {
		return Message{}, 0, apperrors.New(apperrors.CodeProtocolMalformedFrame, "frame body is not valid JSON")
	}
	if !msg.Type.IsValid() {
		return Message{}, 0, apperrors.New(apperrors.CodeProtocolMalformedFrame,
			fmt.Sprintf("unknown message type %q", msg.Type))
	}
	return msg, headerLen + int(length), nil
}

// EncodeBlob frames raw bytes as one blob frame.
func EncodeBlob(payload []byte) ([]byte, error) {
	if len(payload) > MaxBlobFrame {
		return nil, fmt.Errorf("encode blob: %d exceeds %d bytes", len(payload), MaxBlobFrame)
	}
	frame := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerLen:], payload)
	return frame, nil
}

// DecodeBlob parses one blob frame from the front of buf.
func DecodeBlob(buf []byte) ([]byte, int, error) {
	if len(buf) < headerLen {
		return nil, 0, ErrIncomplete
	}
	length := binary.BigEndian.Uint32(buf)
	if length > MaxBlobFrame {
		return nil, 0, apperrors.New(apperrors.CodeProtocolFrameTooLarge,
			fmt.Sprintf("blob frame of %d bytes exceeds %d", length, MaxBlobFrame))
	}
	if len(buf) < headerLen+int(length) {
		return nil, 0, ErrIncomplete
	}
	payload := make([]byte, length)
	copy(payload, buf[headerLen:headerLen+int(length)])
	return payload, headerLen + int(length), nil
}

package protocol

import (
	"io"
	"net"
	"sync"
)

// Conn wraps a net.Conn with frame buffering and serialized writes.
//
// Reads block until a whole frame arrives or the connection fails; a decode
// error poisons only this connection. Writes from concurrent goroutines
// (request replies and tick broadcasts) are serialized by a mutex.
type Conn struct {
	raw net.Conn

	readMu sync.Mutex
	buf    []byte

	writeMu sync.Mutex
}

// NewConn wraps a network connection.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// ReadMessage blocks until one control message is available.
func (c *Conn) ReadMessage() (Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		msg, n, err := Decode(c.buf)
		if err == nil {
			c.buf = c.buf[n:]
			return msg, nil
		}
		if err != ErrIncomplete {
			return Message{}, err
		}
		if err := c.fill(); err != nil {
			return Message{}, err
		}
	}
}

// ReadBlob blocks until one raw blob frame is available.
func (c *Conn) ReadBlob() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		payload, n, err := DecodeBlob(c.buf)
		if err == nil {
			c.buf = c.buf[n:]
			return payload, nil
		}
		if err != ErrIncomplete {
			return nil, err
		}
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

// WriteMessage frames and writes one control message.
func (c *Conn) WriteMessage(msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

// WriteBlob frames and writes one raw blob.
func (c *Conn) WriteBlob(payload []byte) error {
	frame, err := EncodeBlob(payload)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

// WriteMessageWithBlob writes a control message and its blob as one unit.
// The write mutex is held across both frames, so a concurrent push can never
// land between the announcement and the payload bytes.
func (c *Conn) WriteMessageWithBlob(msg Message, payload []byte) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	blobFrame, err := EncodeBlob(payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.raw.Write(frame); err != nil {
		return err
	}
	_, err = c.raw.Write(blobFrame)
	return err
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	return c.raw.Close()
}

func (c *Conn) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.raw.Write(frame)
	return err
}

func (c *Conn) fill() error {
	chunk := make([]byte, 32<<10)
	n, err := c.raw.Read(chunk)
	if n > 0 {
		c.buf = append(c.buf, chunk[:n]...)
		return nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return err
}

package types

import (
	"bytes"
	"time"
)

// Direction tells which peer a websocket message is travelling to.
type Direction int

const (
	ToServer Direction = iota
	ToClient
)

func (d Direction) String() string {
	if d == ToClient {
		return "to-client"
	}
	return "to-server"
}

// WSMessage is a single message relayed over an upgraded connection.
type WSMessage struct {
	Direction Direction
	Binary    bool
	Payload   []byte
	Timestamp time.Time

	Unmangled *WSMessage
}

// NewWSMessage creates a message stamped with the current time.
func NewWSMessage(dir Direction, binary bool, payload []byte) *WSMessage {
	return &WSMessage{
		Direction: dir,
		Binary:    binary,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Clone returns an owned deep copy.
func (m *WSMessage) Clone() *WSMessage {
	if m == nil {
		return nil
	}
	c := *m
	c.Payload = bytes.Clone(m.Payload)
	c.Unmangled = m.Unmangled.Clone()
	return &c
}

// Eq compares direction, type and payload.
func (m *WSMessage) Eq(other *WSMessage) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.Direction == other.Direction &&
		m.Binary == other.Binary &&
		bytes.Equal(m.Payload, other.Payload)
}

// Package events defines the notifications raised by a connection and the
// bus that fans them out to subscribers.
package events

import (
	"time"

	"github.com/energizer-project/frostbite/internal/protocol"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connection lifecycle
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"

	// Traffic
	EventPacketReceived EventType = "packet_received"
	EventPacketSent     EventType = "packet_sent"
)

// Event is a single notification. Payload is one of the payload types
// below, or nil for connected/disconnected.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// PacketPayload carries the packet for sent/received events.
type PacketPayload struct {
	Packet *protocol.Packet
}

// ErrorPayload carries the cause of an error event.
type ErrorPayload struct {
	Err error
}

// ConnectionPayload describes the remote end for lifecycle events.
type ConnectionPayload struct {
	RemoteAddr string `json:"remote_addr"`
}

// Packet returns the packet of a sent/received event, or nil.
func (e Event) Packet() *protocol.Packet {
	if p, ok := e.Payload.(PacketPayload); ok {
		return p.Packet
	}
	return nil
}

// Err returns the cause of an error event, or nil.
func (e Event) Err() error {
	if p, ok := e.Payload.(ErrorPayload); ok {
		return p.Err
	}
	return nil
}

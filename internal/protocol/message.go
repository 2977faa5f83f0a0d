// Package protocol implements the replication protocol spoken between peers
// through the relay: state exchange on join, incremental updates in steady
// state, and an awareness side-channel for peer presence. It drives a
// transport.Conn and is unaware whether that connection encrypts.
package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Message types.
const (
	// TypeHello announces a newcomer: carries its full state and awareness.
	// Receivers merge the state and answer with TypeState.
	TypeHello = "hello"
	// TypeState is the catch-up reply to a hello: full state, no reply.
	TypeState = "state"
	// TypeUpdate carries one incremental document update.
	TypeUpdate = "update"
	// TypeAwareness carries a presence heartbeat or departure notice.
	TypeAwareness = "awareness"
)

// Awareness is one peer's presence entry.
type Awareness struct {
	ClientID string `msgpack:"id"`
	Left     bool   `msgpack:"l,omitempty"`
	At       int64  `msgpack:"at"`
}

// Message is the protocol envelope exchanged as a binary frame.
type Message struct {
	T         string     `msgpack:"t"`
	State     []byte     `msgpack:"s,omitempty"`
	Update    []byte     `msgpack:"u,omitempty"`
	Awareness *Awareness `msgpack:"aw,omitempty"`
}

// Encode serializes a message for the wire.
func Encode(m Message) ([]byte, error) {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.T, err)
	}
	return b, nil
}

// Decode parses a wire frame into a message.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("decode protocol message: %w", err)
	}
	return m, nil
}

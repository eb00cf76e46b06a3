// Package protocol defines the envelope and payloads exchanged over the control
// channel and over pool channels.
package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind is the closed set of message types.
type Kind string

// Control-channel kinds.
const (
	KindHandshake       Kind = "handshake"
	KindPing            Kind = "ping"
	KindPong            Kind = "pong"
	KindRefuse          Kind = "refuse"
	KindPresend         Kind = "presend"
	KindPresendReady    Kind = "presendReady"
	KindBenchmarkResult Kind = "benchmarkResult"
)

// Pool-channel kinds.
const (
	KindBenchmark     Kind = "benchmark"
	KindBenchmarkDone Kind = "benchmarkDone"
	KindAreYouReady   Kind = "areYouReady"
	KindIAmReady      Kind = "iAmReady"
	KindChunk         Kind = "chunk"
	KindDone          Kind = "done"
)

// ErrUnknownKind is returned for a message type outside the closed set.
var ErrUnknownKind = errors.New("unknown message type")

// IsControl reports whether k travels on the control channel.
func (k Kind) IsControl() bool {
	switch k {
	case KindHandshake, KindPing, KindPong, KindRefuse, KindPresend, KindPresendReady, KindBenchmarkResult:
		return true
	}
	return false
}

// IsPool reports whether k travels on a pool channel.
func (k Kind) IsPool() bool {
	switch k {
	case KindBenchmark, KindBenchmarkDone, KindAreYouReady, KindIAmReady, KindChunk, KindDone:
		return true
	}
	return false
}

// Message is the envelope for every message on every channel.
type Message struct {
	Type   Kind               `msgpack:"type"`
	Detail msgpack.RawMessage `msgpack:"detail,omitempty"`
}

// New creates a message of the given kind. A nil detail produces an empty body.
func New(kind Kind, detail any) (Message, error) {
	if detail == nil {
		return Message{Type: kind}, nil
	}
	b, err := msgpack.Marshal(detail)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s detail: %w", kind, err)
	}
	return Message{Type: kind, Detail: b}, nil
}

// Decode decodes the message detail into v.
func (m Message) Decode(v any) error {
	if len(m.Detail) == 0 {
		return fmt.Errorf("decode %s: empty detail", m.Type)
	}
	if err := msgpack.Unmarshal(m.Detail, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// Marshal encodes a message for the wire.
func Marshal(m Message) ([]byte, error) {
	return msgpack.Marshal(m)
}

// Encode builds and marshals a message in one step.
func Encode(kind Kind, detail any) ([]byte, error) {
	msg, err := New(kind, detail)
	if err != nil {
		return nil, err
	}
	return Marshal(msg)
}

// Parse decodes a wire message and rejects kinds outside the closed set.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if !msg.Type.IsControl() && !msg.Type.IsPool() {
		return &msg, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Type)
	}
	return &msg, nil
}

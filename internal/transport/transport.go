// Package transport is the boundary between the transfer engine and the
// peer-to-peer connection library.
package transport

import "errors"

var (
	// ErrNotOpen is returned by Send on a channel that is opening or closed.
	ErrNotOpen = errors.New("channel not open")
	// ErrPeerUnavailable is returned by Connect when the remote id is unknown.
	ErrPeerUnavailable = errors.New("peer unavailable")
)

// Channel is one reliable, ordered data channel to the remote peer.
// Messages on a channel arrive in order; nothing is ordered across channels.
type Channel interface {
	ID() string
	RemoteID() string
	Send(data []byte) error
	Close() error
	IsOpen() bool
	// SetHandler installs the event handler. Events that happened before a
	// handler was installed are replayed to it.
	SetHandler(h Handler)
}

// Handler receives channel events. Calls may come from any goroutine.
type Handler interface {
	HandleOpen(ch Channel)
	HandleMessage(ch Channel, data []byte)
	// HandleClose reports the channel is gone. failed is true when the
	// underlying connection failed rather than being closed cleanly.
	HandleClose(ch Channel, failed bool)
}

// Listener receives transport-wide events.
type Listener interface {
	// HandleIncoming delivers a channel opened by the remote peer.
	HandleIncoming(ch Channel)
	// HandleNetworkLost reports that the transport lost its signaling link.
	HandleNetworkLost(err error)
}

// Transport opens channels to peers addressed by opaque ids.
type Transport interface {
	LocalID() string
	Listen(l Listener)
	// Connect starts opening a channel to remoteID. The channel is returned
	// in the opening state; HandleOpen fires once it is usable.
	Connect(remoteID string) (Channel, error)
	Reconnect() error
	Close() error
}

// Package transporttest provides an in-process transport for tests.
package transporttest

import (
	"fmt"
	"sync"

	"github.com/BioHazard786/directdrop/internal/transport"
)

// Network links fake transports by id.
type Network struct {
	mu    sync.Mutex
	peers map[string]*Transport
	seq   int
}

func NewNetwork() *Network {
	return &Network{peers: make(map[string]*Transport)}
}

// Transport returns the transport registered as id, creating it if needed.
func (n *Network) Transport(id string) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.peers[id]; ok {
		return t
	}
	t := &Transport{net: n, id: id, AutoOpen: true}
	n.peers[id] = t
	return t
}

func (n *Network) lookup(id string) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[id]
}

func (n *Network) nextID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	return fmt.Sprintf("ch-%d", n.seq)
}

// Transport is a fake transport. Channels it creates are linked pairs.
type Transport struct {
	net *Network
	id  string

	// AutoOpen opens both ends as soon as Connect is called.
	AutoOpen bool
	// ReconnectErr is returned by Reconnect.
	ReconnectErr error

	mu         sync.Mutex
	listener   transport.Listener
	connected  []*Channel
	reconnects int
	closed     bool
}

func (t *Transport) LocalID() string { return t.id }

func (t *Transport) Listen(l transport.Listener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

func (t *Transport) Connect(remoteID string) (transport.Channel, error) {
	remote := t.net.lookup(remoteID)
	if remote == nil {
		return nil, transport.ErrPeerUnavailable
	}

	id := t.net.nextID()
	local := &Channel{id: id, remoteID: remoteID}
	far := &Channel{id: id, remoteID: t.id}
	local.peer, far.peer = far, local

	t.mu.Lock()
	t.connected = append(t.connected, local)
	t.mu.Unlock()

	remote.mu.Lock()
	l := remote.listener
	remote.mu.Unlock()
	if l != nil {
		l.HandleIncoming(far)
	}

	if t.AutoOpen {
		far.Open()
		local.Open()
	}
	return local, nil
}

// Connected returns the channels this transport opened, oldest first.
func (t *Transport) Connected() []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Channel(nil), t.connected...)
}

// LoseNetwork reports a network loss to the listener.
func (t *Transport) LoseNetwork(err error) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		l.HandleNetworkLost(err)
	}
}

func (t *Transport) Reconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reconnects++
	return t.ReconnectErr
}

// Reconnects returns how many times Reconnect was called.
func (t *Transport) Reconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnects
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

type state int

const (
	opening state = iota
	open
	closed
)

// Channel is one end of a linked fake channel pair.
type Channel struct {
	id       string
	remoteID string
	peer     *Channel

	mu      sync.Mutex
	state   state
	handler transport.Handler
	backlog [][]byte
	sent    [][]byte
	opened  bool
	failed  bool
}

func (c *Channel) ID() string       { return c.id }
func (c *Channel) RemoteID() string { return c.remoteID }

func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == open
}

func (c *Channel) SetHandler(h transport.Handler) {
	c.mu.Lock()
	c.handler = h
	st := c.state
	opened := c.opened
	backlog := c.backlog
	c.backlog = nil
	failed := c.failed
	c.mu.Unlock()

	if h == nil {
		return
	}
	if opened {
		h.HandleOpen(c)
	}
	for _, data := range backlog {
		h.HandleMessage(c, data)
	}
	if st == closed {
		h.HandleClose(c, failed)
	}
}

// Open moves this end to open and notifies its handler.
func (c *Channel) Open() {
	c.mu.Lock()
	if c.state != opening {
		c.mu.Unlock()
		return
	}
	c.state = open
	c.opened = true
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h.HandleOpen(c)
	}
}

func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	if c.state != open {
		c.mu.Unlock()
		return transport.ErrNotOpen
	}
	buf := append([]byte(nil), data...)
	c.sent = append(c.sent, buf)
	c.mu.Unlock()

	c.peer.deliver(buf)
	return nil
}

func (c *Channel) deliver(data []byte) {
	c.mu.Lock()
	if c.state == closed {
		c.mu.Unlock()
		return
	}
	h := c.handler
	if h == nil {
		c.backlog = append(c.backlog, data)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	h.HandleMessage(c, data)
}

// Sent returns a copy of every message sent from this end.
func (c *Channel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// Peer returns the other end of the pair.
func (c *Channel) Peer() *Channel {
	return c.peer
}

func (c *Channel) Close() error {
	c.shutdown(false)
	c.peer.shutdown(false)
	return nil
}

// Fail closes both ends as a failed connection.
func (c *Channel) Fail() {
	c.shutdown(true)
	c.peer.shutdown(true)
}

func (c *Channel) shutdown(failed bool) {
	c.mu.Lock()
	if c.state == closed {
		c.mu.Unlock()
		return
	}
	c.state = closed
	c.failed = failed
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h.HandleClose(c, failed)
	}
}

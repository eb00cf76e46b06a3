package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/BioHazard786/directdrop/internal/dns"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	registerWait   = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// ErrClientClosed is returned by Send after the connection is gone.
var ErrClientClosed = errors.New("signaling client closed")

// Client manages the WebSocket connection to the signaling hub.
type Client struct {
	conn      *websocket.Conn
	serverURL string
	peerID    string
	incoming  chan *Message
	outgoing  chan *Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new signaling client
func NewClient(serverURL string) *Client {
	return &Client{
		serverURL: serverURL,
		incoming:  make(chan *Message, 32),
		outgoing:  make(chan *Message, 32),
		done:      make(chan struct{}),
	}
}

// Connect dials the hub and registers as peerID. An empty peerID asks the
// hub to assign one. It returns the registered id.
func (c *Client) Connect(ctx context.Context, peerID string) (string, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}

	dialer := *websocket.DefaultDialer
	dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		resolvedIP, err := dns.Lookup(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("dns lookup failed: %w", err)
		}

		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort(resolvedIP, port))
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to connect: %w", err)
	}

	id, err := register(conn, peerID)
	if err != nil {
		conn.Close()
		return "", err
	}

	c.conn = conn
	c.peerID = id
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	return id, nil
}

// register runs the registration exchange before the pumps start.
func register(conn *websocket.Conn, peerID string) (string, error) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(&Message{Type: MessageTypeRegister, PeerID: peerID}); err != nil {
		return "", fmt.Errorf("send register: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(registerWait))
	var reply Message
	if err := conn.ReadJSON(&reply); err != nil {
		return "", fmt.Errorf("read register reply: %w", err)
	}

	switch reply.Type {
	case MessageTypeRegistered:
		return reply.PeerID, nil
	case MessageTypeError:
		var e ErrorPayload
		if err := reply.DecodePayload(&e); err != nil {
			return "", err
		}
		return "", &e
	default:
		return "", fmt.Errorf("unexpected register reply %q", reply.Type)
	}
}

// PeerID returns the id the hub registered this client under.
func (c *Client) PeerID() string {
	return c.peerID
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		select {
		case c.incoming <- &msg:
		case <-c.done:
			return
		}
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// Send queues a message for the hub.
func (c *Client) Send(msg *Message) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrClientClosed
	}
}

// Incoming returns the channel for receiving messages. It is closed when
// the connection ends.
func (c *Client) Incoming() <-chan *Message {
	return c.incoming
}

// Done is closed once the client is closed or the connection drops.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the WebSocket connection and cleans up resources.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

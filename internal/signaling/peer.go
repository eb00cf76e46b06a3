package signaling

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// peer is the hub side of one websocket connection.
type peer struct {
	hub  *Hub
	conn *websocket.Conn

	// id and gone are owned by the hub goroutine.
	id   string
	gone bool

	// send is a buffered channel for all outbound messages. It is closed by
	// the hub when the peer is dropped.
	send chan *Message
}

// readPump pumps messages from the websocket connection to the hub.
func (p *peer) readPump() {
	defer func() {
		p.hub.unregister <- p
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := p.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("Peer read failed", "error", err)
			}
			return
		}

		msg.sender = p
		msg.From = ""
		p.hub.inbound <- &msg
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case message, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := p.conn.WriteJSON(message); err != nil {
				slog.Debug("Peer write failed", "error", err)
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

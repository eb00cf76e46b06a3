package signaling

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Hub relays signals between registered peers. All peer state is owned by
// the goroutine running Run.
type Hub struct {
	peers map[string]*peer

	// unregister receives peers whose connection ended.
	unregister chan *peer

	// inbound receives every message read from any peer.
	inbound chan *Message
}

// NewHub creates a new Hub instance.
func NewHub() *Hub {
	return &Hub{
		peers:      make(map[string]*peer),
		unregister: make(chan *peer),
		inbound:    make(chan *Message),
	}
}

// Run processes hub events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for id, p := range h.peers {
				delete(h.peers, id)
				h.drop(p)
			}
			return

		case p := <-h.unregister:
			if p.id != "" && h.peers[p.id] == p {
				delete(h.peers, p.id)
				slog.Info("Peer unregistered", "peer", p.id)
			}
			h.drop(p)

		case msg := <-h.inbound:
			switch msg.Type {
			case MessageTypeRegister:
				h.handleRegister(msg)

			case MessageTypeSignal:
				h.handleSignal(msg)

			default:
				slog.Warn("Unknown message type", "type", msg.Type, "addr", msg.sender.conn.RemoteAddr())
				h.deliver(msg.sender, errorMessage(CodeBadRequest, "unknown message type"))
			}
		}
	}
}

func (h *Hub) handleRegister(msg *Message) {
	p := msg.sender
	if p.id != "" {
		h.deliver(p, errorMessage(CodeBadRequest, "already registered"))
		return
	}

	id := msg.PeerID
	if id == "" {
		id = newPeerID(func(id string) bool { _, ok := h.peers[id]; return ok })
	}

	// A reconnecting peer replaces its stale registration.
	if old, ok := h.peers[id]; ok {
		slog.Info("Replacing stale registration", "peer", id)
		old.id = ""
		h.drop(old)
	}

	p.id = id
	h.peers[id] = p
	slog.Info("Peer registered", "peer", id, "addr", p.conn.RemoteAddr())

	h.deliver(p, &Message{Type: MessageTypeRegistered, PeerID: id})
}

func (h *Hub) handleSignal(msg *Message) {
	p := msg.sender
	if p.id == "" {
		h.deliver(p, errorMessage(CodeNotRegistered, "register before signaling"))
		return
	}

	target, ok := h.peers[msg.To]
	if !ok {
		var sig SignalPayload
		_ = msg.DecodePayload(&sig)
		slog.Debug("Signal target unavailable", "from", p.id, "to", msg.To)

		reply, _ := NewMessage(MessageTypeError, ErrorPayload{
			Message:      "peer unavailable",
			Code:         CodePeerUnavailable,
			PeerID:       msg.To,
			ConnectionID: sig.ConnectionID,
		})
		h.deliver(p, reply)
		return
	}

	msg.From = p.id
	msg.sender = nil
	h.deliver(target, msg)
}

// deliver queues msg for p, dropping p if its buffer is full.
func (h *Hub) deliver(p *peer, msg *Message) {
	if p.gone {
		return
	}
	select {
	case p.send <- msg:
	default:
		slog.Warn("Peer send buffer full, dropping", "peer", p.id)
		if h.peers[p.id] == p {
			delete(h.peers, p.id)
		}
		h.drop(p)
	}
}

func (h *Hub) drop(p *peer) {
	if p.gone {
		return
	}
	p.gone = true
	close(p.send)
}

// Configure the websocket upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  maxMessageSize,
	WriteBufferSize: maxMessageSize,

	// Peers are CLI processes and browsers on arbitrary origins.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Failed to upgrade connection", "error", err)
		return
	}

	p := &peer{
		hub:  h,
		conn: conn,
		send: make(chan *Message, 256),
	}

	go p.writePump()
	go p.readPump()
}

// NewServeMux returns the hub's HTTP routes: the websocket endpoint at /ws
// and a health check at /health.
func NewServeMux(h *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthCheckHandler)
	mux.HandleFunc("/ws", h.ServeWS)
	return mux
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling server is healthy."))
}

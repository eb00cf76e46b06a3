package signaling

import "log/slog"

// Handler routes incoming signaling messages to callbacks.
type Handler struct {
	// OnSignal receives a relayed signal and the id of the peer that sent it.
	OnSignal func(from string, payload *SignalPayload)
	// OnError receives errors reported by the hub.
	OnError func(payload *ErrorPayload)
}

// Serve dispatches messages from c until its connection ends.
func (h Handler) Serve(c *Client) {
	for msg := range c.Incoming() {
		h.Dispatch(msg)
	}
}

// Dispatch routes a single message.
func (h Handler) Dispatch(msg *Message) {
	switch msg.Type {
	case MessageTypeSignal:
		h.handleSignal(msg)

	case MessageTypeError:
		h.handleError(msg)

	default:
		slog.Debug("Ignoring signaling message", "type", msg.Type)
	}
}

// handleSignal parses the WebRTC signaling payload and passes it on.
func (h Handler) handleSignal(msg *Message) {
	var payload SignalPayload
	if err := msg.DecodePayload(&payload); err != nil {
		slog.Warn("Failed to parse signal payload", "from", msg.From, "error", err)
		return
	}

	if h.OnSignal != nil {
		h.OnSignal(msg.From, &payload)
	}
}

// handleError parses the error payload and passes it on.
func (h Handler) handleError(msg *Message) {
	errPayload := ErrorPayload{Message: "unknown error from server"}
	if err := msg.DecodePayload(&errPayload); err != nil {
		slog.Warn("Failed to parse error payload", "error", err)
	}

	if h.OnError != nil {
		h.OnError(&errPayload)
	}
}

package signaling

import (
	"encoding/json"
	"fmt"
)

// Message represents all WebSocket messages between peers and the hub.
type Message struct {
	Type    string          `json:"type"`
	PeerID  string          `json:"peer_id,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// sender is the hub-side connection the message arrived on.
	sender *peer `json:"-"`
}

// Message type constants.
const (
	MessageTypeRegister = "register"
	MessageTypeSignal   = "signal"

	MessageTypeRegistered = "registered"
	MessageTypeError      = "error"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodePeerUnavailable = "peer-unavailable"
	CodeNotRegistered   = "not-registered"
	CodeBadRequest      = "bad-request"
)

// SignalPayload is the WebRTC signaling data (SDP offer/answer or ICE
// candidate) for one connection. ConnectionID names the data channel the
// signal belongs to, so many connections can share one signaling link.
type SignalPayload struct {
	ConnectionID string          `json:"connection_id"`
	Type         string          `json:"type,omitempty"`
	SDP          string          `json:"sdp,omitempty"`
	ICECandidate json.RawMessage `json:"ice_candidate,omitempty"`
}

// ErrorPayload represents error messages from the hub.
type ErrorPayload struct {
	Message      string `json:"error"`
	Code         string `json:"code,omitempty"`
	PeerID       string `json:"peer_id,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
}

func (e *ErrorPayload) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("signaling: %s (%s)", e.Message, e.Code)
	}
	return "signaling: " + e.Message
}

// NewMessage builds a message with a JSON-encoded payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	msg := &Message{Type: msgType}
	if payload == nil {
		return msg, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	msg.Payload = b
	return msg, nil
}

// NewSignal addresses a signal to peer to.
func NewSignal(to string, payload SignalPayload) (*Message, error) {
	msg, err := NewMessage(MessageTypeSignal, payload)
	if err != nil {
		return nil, err
	}
	msg.To = to
	return msg, nil
}

// DecodePayload decodes the message payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("decode %s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

func errorMessage(code, text string) *Message {
	msg, _ := NewMessage(MessageTypeError, ErrorPayload{Message: text, Code: code})
	return msg
}

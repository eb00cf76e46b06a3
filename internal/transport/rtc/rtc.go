// Package rtc implements transport.Transport on WebRTC data channels,
// signaled through the directdrop hub.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BioHazard786/directdrop/internal/config"
	"github.com/BioHazard786/directdrop/internal/signaling"
	"github.com/BioHazard786/directdrop/internal/transfer"
	"github.com/BioHazard786/directdrop/internal/transport"
	"github.com/BioHazard786/directdrop/internal/utils"
	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
)

// DialTimeout bounds one signaling connect and registration.
const DialTimeout = 10 * time.Second

// Config configures a Transport.
type Config struct {
	SignalingURL string
	// PeerID is the id to register; empty lets the hub pick one.
	PeerID     string
	ICEServers []pion.ICEServer
	ForceRelay bool
}

// ConfigFrom builds a transport config from the application config.
func ConfigFrom(cfg *config.Config) Config {
	iceServers := []pion.ICEServer{{URLs: cfg.GetSTUNServers()}}

	turnServers := cfg.GetTURNServers()
	if turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, pion.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	return Config{
		SignalingURL: cfg.WebSocketURL,
		PeerID:       cfg.PeerID,
		ICEServers:   iceServers,
		ForceRelay:   turnServers != nil && (cfg.ForceRelay || utils.ShouldForceRelay()),
	}
}

// Transport opens one PeerConnection per channel. Offers, answers and ICE
// candidates for every channel share a single signaling connection and are
// told apart by connection id.
type Transport struct {
	cfg Config

	mu       sync.Mutex
	client   *signaling.Client
	localID  string
	listener transport.Listener
	channels map[string]*Channel
	closed   bool
}

// Dial connects to the signaling hub and registers the local peer.
func Dial(ctx context.Context, cfg Config) (*Transport, error) {
	t := &Transport{cfg: cfg, channels: make(map[string]*Channel)}
	if err := t.connect(ctx, cfg.PeerID); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transport) connect(ctx context.Context, peerID string) error {
	client := signaling.NewClient(t.cfg.SignalingURL)
	id, err := client.Connect(ctx, peerID)
	if err != nil {
		return transfer.NewError("connect to server", err)
	}

	t.mu.Lock()
	old := t.client
	t.client = client
	t.localID = id
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}

	slog.Info("Registered with signaling server", "peer", id)
	go t.serve(client)
	return nil
}

// serve dispatches signals until client's connection ends.
func (t *Transport) serve(client *signaling.Client) {
	signaling.Handler{
		OnSignal: t.handleSignal,
		OnError:  t.handleError,
	}.Serve(client)

	t.mu.Lock()
	current := t.client == client && !t.closed
	l := t.listener
	t.mu.Unlock()

	if current && l != nil {
		slog.Warn("Lost connection to signaling server")
		l.HandleNetworkLost(transfer.ErrSignalingError)
	}
}

func (t *Transport) LocalID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localID
}

func (t *Transport) Listen(l transport.Listener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

// Connect creates an offer for a new data channel to remoteID.
func (t *Transport) Connect(remoteID string) (transport.Channel, error) {
	id := uuid.NewString()
	pc, err := t.newPeerConnection()
	if err != nil {
		return nil, transfer.NewError("create peer connection", err)
	}

	ch := newChannel(t, id, remoteID, pc)

	ordered := true
	dc, err := pc.CreateDataChannel(id, &pion.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, transfer.NewError("create data channel", err)
	}
	ch.attach(dc)

	if err := t.add(ch); err != nil {
		pc.Close()
		return nil, err
	}
	t.trickle(ch)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		ch.shutdown(true)
		return nil, transfer.NewError("create offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		ch.shutdown(true)
		return nil, transfer.NewError("set local description", err)
	}

	if err := t.signal(remoteID, signaling.SignalPayload{
		ConnectionID: id,
		Type:         offer.Type.String(),
		SDP:          offer.SDP,
	}); err != nil {
		ch.shutdown(true)
		return nil, transfer.NewError("send offer", err)
	}

	return ch, nil
}

// newPeerConnection centralizes ICE server configuration
func (t *Transport) newPeerConnection() (*pion.PeerConnection, error) {
	policy := pion.ICETransportPolicyAll
	if t.cfg.ForceRelay {
		policy = pion.ICETransportPolicyRelay
	}

	return pion.NewPeerConnection(pion.Configuration{
		ICEServers:         t.cfg.ICEServers,
		ICETransportPolicy: policy,
	})
}

// trickle forwards local ICE candidates for ch as they are gathered.
func (t *Transport) trickle(ch *Channel) {
	ch.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		ice, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		if err := t.signal(ch.remoteID, signaling.SignalPayload{
			ConnectionID: ch.id,
			ICECandidate: ice,
		}); err != nil {
			slog.Debug("Failed to send ICE candidate", "channel", ch.id, "error", err)
		}
	})
}

func (t *Transport) signal(to string, payload signaling.SignalPayload) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return signaling.ErrClientClosed
	}

	msg, err := signaling.NewSignal(to, payload)
	if err != nil {
		return err
	}
	return client.Send(msg)
}

// handleSignal processes incoming signaling messages (SDP and ICE candidates)
func (t *Transport) handleSignal(from string, payload *signaling.SignalPayload) {
	ch := t.lookup(payload.ConnectionID)

	if payload.SDP != "" {
		switch payload.Type {
		case "offer":
			if ch == nil {
				t.accept(from, payload)
				return
			}
		case "answer":
			if ch != nil && ch.remoteID == from {
				if err := ch.setRemote(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: payload.SDP}); err != nil {
					slog.Warn("Failed to apply answer", "channel", ch.id, "error", err)
					ch.shutdown(true)
				}
			}
			return
		default:
			slog.Warn("Unexpected signal type", "type", payload.Type, "from", from)
			return
		}
	}

	if len(payload.ICECandidate) > 0 && ch != nil && ch.remoteID == from {
		var ice pion.ICECandidateInit
		if err := json.Unmarshal(payload.ICECandidate, &ice); err != nil {
			slog.Warn("Failed to parse ICE candidate", "channel", ch.id, "error", err)
			return
		}
		if err := ch.addCandidate(ice); err != nil {
			slog.Debug("Failed to add ICE candidate", "channel", ch.id, "error", err)
		}
	}
}

// accept answers an offer for a channel opened by the remote peer.
func (t *Transport) accept(from string, payload *signaling.SignalPayload) {
	pc, err := t.newPeerConnection()
	if err != nil {
		slog.Error("Failed to create peer connection", "error", err)
		return
	}

	ch := newChannel(t, payload.ConnectionID, from, pc)
	pc.OnDataChannel(ch.attach)
	if err := t.add(ch); err != nil {
		pc.Close()
		return
	}
	t.trickle(ch)

	if err := ch.setRemote(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: payload.SDP}); err != nil {
		slog.Warn("Failed to apply offer", "channel", ch.id, "error", err)
		ch.shutdown(true)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err == nil {
		err = t.signal(from, signaling.SignalPayload{
			ConnectionID: ch.id,
			Type:         answer.Type.String(),
			SDP:          answer.SDP,
		})
	}
	if err != nil {
		slog.Warn("Failed to answer offer", "channel", ch.id, "error", err)
		ch.shutdown(true)
		return
	}

	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		l.HandleIncoming(ch)
	}
}

func (t *Transport) handleError(e *signaling.ErrorPayload) {
	slog.Warn("Signaling error", "code", e.Code, "error", e.Message)
	if e.Code != signaling.CodePeerUnavailable || e.ConnectionID == "" {
		return
	}
	if ch := t.lookup(e.ConnectionID); ch != nil {
		ch.shutdown(true)
	}
}

// Reconnect replaces the signaling connection, keeping the registered id.
// Established data channels are unaffected.
func (t *Transport) Reconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), DialTimeout)
	defer cancel()
	return t.connect(ctx, t.LocalID())
}

// Close shuts every channel and the signaling connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	client := t.client
	channels := make([]*Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		channels = append(channels, ch)
	}
	t.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(false)
	}
	if client != nil {
		client.Close()
	}
	return nil
}

func (t *Transport) add(ch *Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transfer.NewError("open channel", transfer.ErrConnectionFailed)
	}
	if _, ok := t.channels[ch.id]; ok {
		return fmt.Errorf("duplicate connection id %s", ch.id)
	}
	t.channels[ch.id] = ch
	return nil
}

func (t *Transport) lookup(id string) *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[id]
}

func (t *Transport) remove(id string) {
	t.mu.Lock()
	delete(t.channels, id)
	t.mu.Unlock()
}

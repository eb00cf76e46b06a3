package session

import (
	"log/slog"

	"github.com/BioHazard786/directdrop/internal/loop"
	"github.com/BioHazard786/directdrop/internal/protocol"
	"github.com/BioHazard786/directdrop/internal/transport"
)

// refusal sends one refuse message on a channel from an unexpected peer and
// closes it after the grace delay.
type refusal struct {
	s     *Session
	ch    transport.Channel
	sent  bool
	grace *loop.Task
}

func (s *Session) refuse(ch transport.Channel) {
	slog.Warn("Refusing second peer", "remote", ch.RemoteID(), "active", s.remoteID)
	r := &refusal{s: s, ch: ch}
	s.refused[ch.ID()] = r
	ch.SetHandler(transport.Serialized(s.loop, r))
}

func (r *refusal) HandleOpen(ch transport.Channel) {
	if r.sent {
		return
	}
	r.sent = true

	data, err := protocol.Encode(protocol.KindRefuse, nil)
	if err == nil {
		err = ch.Send(data)
	}
	if err != nil {
		slog.Debug("Failed to send refuse", "remote", ch.RemoteID(), "error", err)
	}
	r.grace = r.s.loop.After(RefuseGrace, func() { ch.Close() })
}

func (r *refusal) HandleMessage(transport.Channel, []byte) {}

func (r *refusal) HandleClose(ch transport.Channel, _ bool) {
	r.grace.Cancel()
	delete(r.s.refused, ch.ID())
}

func (r *refusal) stop() {
	r.grace.Cancel()
	r.ch.Close()
}

package rtc

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BioHazard786/directdrop/internal/transport"
	pion "github.com/pion/webrtc/v4"
)

// Backpressure on the data channel's send buffer.
const (
	highWaterMark = 2 << 20
	lowWaterMark  = 512 << 10
	drainTimeout  = 30 * time.Second
)

var (
	errClosed       = errors.New("channel closed")
	errDrainTimeout = errors.New("timed out waiting for buffered amount to drain")
)

type state int

const (
	opening state = iota
	open
	closed
)

// Channel is one ordered data channel on its own PeerConnection. Messages
// of any size are framed onto the data channel by a writer goroutine, so
// Send never blocks the caller.
type Channel struct {
	t        *Transport
	id       string
	remoteID string
	pc       *pion.PeerConnection

	wake chan struct{}
	low  chan struct{}
	done chan struct{}

	mu        sync.Mutex
	dc        *pion.DataChannel
	state     state
	opened    bool
	failed    bool
	handler   transport.Handler
	backlog   [][]byte
	remoteSet bool
	pending   []pion.ICECandidateInit
	queue     [][]byte
	sendSeq   uint32
	asm       assembler
}

func newChannel(t *Transport, id, remoteID string, pc *pion.PeerConnection) *Channel {
	c := &Channel{
		t:        t,
		id:       id,
		remoteID: remoteID,
		pc:       pc,
		wake:     make(chan struct{}, 1),
		low:      make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		slog.Debug("Peer connection state", "channel", id, "state", s.String())
		switch s {
		case pion.PeerConnectionStateFailed:
			c.shutdown(true)
		case pion.PeerConnectionStateClosed:
			c.shutdown(false)
		}
	})

	return c
}

func (c *Channel) ID() string       { return c.id }
func (c *Channel) RemoteID() string { return c.remoteID }

func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == open
}

// attach wires the data channel's callbacks to this channel.
func (c *Channel) attach(dc *pion.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(lowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case c.low <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(c.onOpen)
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		c.deliver(msg.Data)
	})
	dc.OnClose(func() {
		c.shutdown(false)
	})
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

func (c *Channel) onOpen() {
	c.mu.Lock()
	if c.state != opening {
		c.mu.Unlock()
		return
	}
	c.state = open
	c.opened = true
	h := c.handler
	dc := c.dc
	c.mu.Unlock()

	go c.writeLoop(dc)

	slog.Debug("Data channel open", "channel", c.id, "remote", c.remoteID)
	if h != nil {
		h.HandleOpen(c)
	}
}

func (c *Channel) deliver(frame []byte) {
	c.mu.Lock()
	if c.state == closed {
		c.mu.Unlock()
		return
	}
	data, whole, err := c.asm.push(frame)
	if err != nil || !whole {
		c.mu.Unlock()
		if err != nil {
			slog.Warn("Dropping malformed frame", "channel", c.id, "error", err)
		}
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

// Send queues data as one message. data must not be modified afterwards.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != open || c.dc == nil {
		return transport.ErrNotOpen
	}
	c.queue = append(c.queue, data)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// writeLoop drains the send queue until the channel closes.
func (c *Channel) writeLoop(dc *pion.DataChannel) {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			msg := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			seq := c.sendSeq
			c.sendSeq++
			c.mu.Unlock()

			err := eachFrame(seq, msg, maxFrame, func(frame []byte) error {
				return c.writeFrame(dc, frame)
			})
			if err == nil {
				continue
			}
			select {
			case <-c.done:
			default:
				slog.Warn("Failed to send on data channel", "channel", c.id, "error", err)
				c.shutdown(true)
			}
			return
		}
	}
}

// writeFrame sends one frame once the send buffer is below the high water
// mark.
func (c *Channel) writeFrame(dc *pion.DataChannel, frame []byte) error {
	for dc.BufferedAmount() >= highWaterMark {
		select {
		case <-c.low:
		case <-c.done:
			return errClosed
		case <-time.After(drainTimeout):
			return errDrainTimeout
		}
	}
	return dc.Send(frame)
}

func (c *Channel) Close() error {
	c.shutdown(false)
	return nil
}

// shutdown closes the channel once and reports it to the handler.
func (c *Channel) shutdown(failed bool) {
	c.mu.Lock()
	if c.state == closed {
		c.mu.Unlock()
		return
	}
	c.state = closed
	c.failed = failed
	c.queue = nil
	h := c.handler
	dc := c.dc
	c.mu.Unlock()

	close(c.done)

	c.t.remove(c.id)

	// pion fires its close callbacks synchronously from Close; run them off
	// the caller's goroutine.
	go func() {
		if dc != nil {
			dc.Close()
		}
		if err := c.pc.Close(); err != nil {
			slog.Debug("Failed to close peer connection", "channel", c.id, "error", err)
		}
	}()

	if h != nil {
		h.HandleClose(c, failed)
	}
}

// setRemote applies the remote description and flushes buffered candidates.
func (c *Channel) setRemote(desc pion.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ice := range pending {
		if err := c.pc.AddICECandidate(ice); err != nil {
			slog.Debug("Failed to add ICE candidate", "channel", c.id, "error", err)
		}
	}
	return nil
}

// addCandidate adds ice, buffering it until the remote description is set.
func (c *Channel) addCandidate(ice pion.ICECandidateInit) error {
	c.mu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, ice)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(ice)
}

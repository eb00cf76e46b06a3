package rtc

import (
	"encoding/binary"
	"errors"
	"log/slog"
)

// Data channel messages are capped well below the chunk size, so every
// message is cut into frames:
//
//	flags(1) | message seq(4, big endian) | body
//
// The last frame of a message carries finalFrame.
const (
	maxFrame    = 64 << 10
	frameHeader = 5
	finalFrame  = 1 << 0
)

var errShortFrame = errors.New("frame shorter than its header")

// eachFrame cuts msg into frames of at most size bytes and hands them to fn
// in order.
func eachFrame(seq uint32, msg []byte, size int, fn func(frame []byte) error) error {
	body := size - frameHeader
	for off := 0; ; off += body {
		end := min(off+body, len(msg))
		frame := make([]byte, frameHeader+end-off)
		if end == len(msg) {
			frame[0] = finalFrame
		}
		binary.BigEndian.PutUint32(frame[1:frameHeader], seq)
		copy(frame[frameHeader:], msg[off:end])

		if err := fn(frame); err != nil {
			return err
		}
		if end == len(msg) {
			return nil
		}
	}
}

// assembler joins frames back into messages. Frames of one message arrive
// in order and are never interleaved with another message's.
type assembler struct {
	seq     uint32
	partial []byte
	started bool
}

// push adds frame and returns the message once its final frame is in.
func (a *assembler) push(frame []byte) (msg []byte, done bool, err error) {
	if len(frame) < frameHeader {
		return nil, false, errShortFrame
	}
	seq := binary.BigEndian.Uint32(frame[1:frameHeader])
	if a.started && seq != a.seq {
		slog.Warn("Dropping incomplete message", "seq", a.seq, "bytes", len(a.partial))
		a.partial = nil
	}
	a.seq, a.started = seq, true
	a.partial = append(a.partial, frame[frameHeader:]...)

	if frame[0]&finalFrame == 0 {
		return nil, false, nil
	}
	msg, a.partial, a.started = a.partial, nil, false
	if msg == nil {
		msg = []byte{}
	}
	return msg, true, nil
}

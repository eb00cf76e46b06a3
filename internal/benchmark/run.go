package benchmark

import (
	"log/slog"
	"time"

	"github.com/BioHazard786/directdrop/internal/loop"
	"github.com/BioHazard786/directdrop/internal/protocol"
	"github.com/BioHazard786/directdrop/internal/transport"
)

// DefaultPayloadSize is the probe size sent on every channel.
const DefaultPayloadSize = 2 * 1024 * 1024

const (
	staggerLo = 50 * time.Millisecond
	staggerHi = 100 * time.Millisecond
)

// Config wires a run to its owner.
type Config struct {
	PayloadSize int
	// OnProgress receives the share of channels that have answered.
	OnProgress func(percent int)
	OnComplete func(Result)
	// Stagger spaces sends across channels. Defaults to 50-100 ms.
	Stagger func() time.Duration
}

// Run is one benchmark over the currently open pool channels. All methods
// must be called on the loop.
type Run struct {
	loop *loop.Loop
	cfg  Config

	start   time.Time
	total   int
	pending map[string]transport.Channel
	elapsed []time.Duration
	running bool

	timeout *loop.Task
	sends   []*loop.Task
}

// Start sends the probe on every channel and arms the global timeout.
func Start(l *loop.Loop, channels []transport.Channel, cfg Config) *Run {
	if cfg.PayloadSize <= 0 {
		cfg.PayloadSize = DefaultPayloadSize
	}
	if cfg.Stagger == nil {
		cfg.Stagger = func() time.Duration { return loop.Jitter(staggerLo, staggerHi) }
	}

	r := &Run{
		loop:    l,
		cfg:     cfg,
		start:   l.Now(),
		total:   len(channels),
		pending: make(map[string]transport.Channel, len(channels)),
		running: true,
	}
	if r.total == 0 {
		r.finish(true)
		return r
	}

	payload, err := protocol.Encode(protocol.KindBenchmark, protocol.Benchmark{Payload: make([]byte, cfg.PayloadSize)})
	if err != nil {
		slog.Error("Failed to encode benchmark payload", "error", err)
		r.finish(true)
		return r
	}

	slog.Info("Starting benchmark", "channels", r.total, "payload", cfg.PayloadSize)

	var delay time.Duration
	for _, ch := range channels {
		r.pending[ch.ID()] = ch
		r.sends = append(r.sends, l.After(delay, func() { r.send(ch, payload) }))
		delay += cfg.Stagger()
	}
	r.timeout = l.After(GlobalTimeout(cfg.PayloadSize), r.expire)
	return r
}

func (r *Run) send(ch transport.Channel, payload []byte) {
	if !r.running {
		return
	}
	if _, ok := r.pending[ch.ID()]; !ok {
		return
	}
	if err := ch.Send(payload); err != nil {
		slog.Warn("Benchmark send failed", "channel", ch.ID(), "error", err)
		r.ChannelLost(ch)
	}
}

// Running reports whether the run is still waiting for channels.
func (r *Run) Running() bool {
	return r != nil && r.running
}

// ChannelDone records that ch answered the probe.
func (r *Run) ChannelDone(ch transport.Channel) {
	if !r.running {
		return
	}
	if _, ok := r.pending[ch.ID()]; !ok {
		return
	}
	delete(r.pending, ch.ID())
	r.elapsed = append(r.elapsed, r.loop.Now().Sub(r.start))

	if r.cfg.OnProgress != nil {
		r.cfg.OnProgress(len(r.elapsed) * 100 / r.total)
	}
	if len(r.pending) == 0 {
		r.finish(false)
	}
}

// ChannelLost counts ch as unresponded.
func (r *Run) ChannelLost(ch transport.Channel) {
	if !r.running {
		return
	}
	if _, ok := r.pending[ch.ID()]; !ok {
		return
	}
	delete(r.pending, ch.ID())
	if len(r.pending) == 0 {
		r.finish(false)
	}
}

// Skip ends the run early. The outcome is the same as a timeout, but the
// pending channels are left open.
func (r *Run) Skip() {
	if !r.running {
		return
	}
	r.finish(true)
}

func (r *Run) expire() {
	if !r.running {
		return
	}
	slog.Warn("Benchmark timed out", "pending", len(r.pending))
	pending := r.pending
	r.finish(true)
	for _, ch := range pending {
		ch.Close()
	}
}

func (r *Run) finish(timedOut bool) {
	r.running = false
	r.timeout.Cancel()
	for _, t := range r.sends {
		t.Cancel()
	}

	var speed float64
	if responded := len(r.elapsed); responded > 0 {
		var sum time.Duration
		for _, e := range r.elapsed {
			sum += e
		}
		avg := sum.Seconds() / float64(responded)
		if avg > 0 {
			speed = toMB(int64(r.cfg.PayloadSize)*int64(responded)) / avg
		}
	}

	var failure float64 = 1
	if r.total > 0 {
		failure = float64(r.total-len(r.elapsed)) / float64(r.total)
	}

	res := NewResult(speed, failure, timedOut)
	r.pending = map[string]transport.Channel{}
	slog.Info("Benchmark finished", "speed", res.Speed, "failed", res.FailureFraction, "timedOut", res.TimedOut, "quality", res.Quality)

	if r.cfg.OnComplete != nil {
		r.cfg.OnComplete(res)
	}
}

// Reply answers an inbound probe on ch.
func Reply(ch transport.Channel) error {
	data, err := protocol.Encode(protocol.KindBenchmarkDone, nil)
	if err != nil {
		return err
	}
	return ch.Send(data)
}

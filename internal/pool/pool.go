// Package pool keeps a target number of data channels open to the remote
// peer, replaces failed ones and gates growth on the speed benchmark.
package pool

import (
	"log/slog"
	"time"

	"github.com/BioHazard786/directdrop/internal/benchmark"
	"github.com/BioHazard786/directdrop/internal/loop"
	"github.com/BioHazard786/directdrop/internal/protocol"
	"github.com/BioHazard786/directdrop/internal/transfer"
	"github.com/BioHazard786/directdrop/internal/transport"
)

const (
	DefaultWidth      = 12
	DefaultProbeWidth = 2
	// SettleDelay is how long a cleanly closed channel waits before it is
	// replaced, so the remote end finishes its own teardown first.
	SettleDelay = time.Second
	// MaxProtocolErrors is how many bad messages a channel may deliver
	// before it is closed.
	MaxProtocolErrors = 3
)

type memberState int

const (
	stateOpening memberState = iota
	stateOpen
)

type member struct {
	ch     transport.Channel
	state  memberState
	holds  int
	errors int
}

// Config sizes the pool.
type Config struct {
	Role          transfer.Role
	RemoteID      string
	Width         int
	ProbeWidth    int
	BenchmarkSize int
	SkipBenchmark bool
}

// Deps are the functions the pool calls into. Only Connect is required on
// the initiator side.
type Deps struct {
	Connect func(remoteID string) (transport.Channel, error)
	// OnMessage receives every pool message that is not part of the
	// benchmark. A returned error counts against the channel.
	OnMessage func(ch transport.Channel, msg *protocol.Message) error
	// OnIdle fires whenever a channel may have become available.
	OnIdle func()
	// OnClosed fires after an open channel leaves the pool.
	OnClosed     func(ch transport.Channel)
	OnConnecting func(opened, target int)
	// OnBenchmarkProgress receives the benchmark completion percentage.
	OnBenchmarkProgress func(percent int)
	// OnBenchmark fires once with the local or adopted result.
	OnBenchmark func(res benchmark.Result, local bool)
}

// Manager owns channel state for one session. All methods must be called on
// the loop.
type Manager struct {
	loop *loop.Loop
	cfg  Config
	deps Deps

	members map[string]*member
	idle    []string
	target  int

	bench  *benchmark.Run
	result *benchmark.Result

	settles []*loop.Task
	closed  bool
}

func New(l *loop.Loop, cfg Config, deps Deps) *Manager {
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.ProbeWidth <= 0 {
		cfg.ProbeWidth = DefaultProbeWidth
	}
	cfg.ProbeWidth = min(cfg.ProbeWidth, cfg.Width)

	return &Manager{
		loop:    l,
		cfg:     cfg,
		deps:    deps,
		members: make(map[string]*member),
		target:  cfg.ProbeWidth,
	}
}

// Target returns the current target width.
func (m *Manager) Target() int {
	return m.target
}

// Open returns the number of open channels.
func (m *Manager) Open() int {
	n := 0
	for _, mb := range m.members {
		if mb.state == stateOpen {
			n++
		}
	}
	return n
}

// Requested returns the number of channels that are still opening.
func (m *Manager) Requested() int {
	return len(m.members) - m.Open()
}

// Idle returns the number of open channels with nothing assigned.
func (m *Manager) Idle() int {
	return len(m.idle)
}

// Result returns the benchmark result once one exists.
func (m *Manager) Result() (benchmark.Result, bool) {
	if m.result == nil {
		return benchmark.Result{}, false
	}
	return *m.result, true
}

// Benchmarking reports whether a benchmark run is in progress.
func (m *Manager) Benchmarking() bool {
	return m.bench.Running()
}

// EnsureWidth opens channels until open plus requested reaches the target.
// Only the initiator opens channels, and never during a benchmark.
func (m *Manager) EnsureWidth() {
	if m.closed || m.cfg.Role != transfer.RoleInitiator || m.Benchmarking() {
		return
	}

	for need := m.target - len(m.members); need > 0; need-- {
		ch, err := m.deps.Connect(m.cfg.RemoteID)
		if err != nil {
			slog.Warn("Failed to open pool channel", "remote", m.cfg.RemoteID, "error", err)
			return
		}
		m.track(ch)
	}
}

// Adopt takes an inbound channel from the remote peer into the pool.
func (m *Manager) Adopt(ch transport.Channel) {
	if m.closed {
		ch.Close()
		return
	}
	m.track(ch)
}

func (m *Manager) track(ch transport.Channel) {
	m.members[ch.ID()] = &member{ch: ch, state: stateOpening}
	ch.SetHandler(transport.Serialized(m.loop, m))
}

// HandleOpen implements transport.Handler.
func (m *Manager) HandleOpen(ch transport.Channel) {
	mb, ok := m.members[ch.ID()]
	if !ok || mb.state != stateOpening {
		return
	}
	mb.state = stateOpen
	m.idle = append(m.idle, ch.ID())

	opened := m.Open()
	slog.Debug("Pool channel open", "channel", ch.ID(), "open", opened, "target", m.target)
	if m.deps.OnConnecting != nil {
		m.deps.OnConnecting(opened, m.target)
	}

	if m.cfg.Role == transfer.RoleInitiator && m.result == nil && m.bench == nil && opened >= m.cfg.ProbeWidth {
		m.startBenchmark()
		return
	}
	m.notifyIdle()
}

// HandleMessage implements transport.Handler.
func (m *Manager) HandleMessage(ch transport.Channel, data []byte) {
	mb, ok := m.members[ch.ID()]
	if !ok {
		return
	}

	msg, err := protocol.Parse(data)
	if err == nil && !msg.Type.IsPool() {
		err = protocol.ErrUnknownKind
	}
	if err != nil {
		m.protocolError(mb, err)
		return
	}

	switch msg.Type {
	case protocol.KindBenchmark:
		if m.cfg.Role == transfer.RoleInitiator {
			m.protocolError(mb, transfer.ErrUnexpectedSignal)
			return
		}
		if err := benchmark.Reply(ch); err != nil {
			slog.Warn("Failed to answer benchmark", "channel", ch.ID(), "error", err)
		}
	case protocol.KindBenchmarkDone:
		if m.Benchmarking() {
			m.bench.ChannelDone(ch)
		}
	default:
		if m.deps.OnMessage == nil {
			return
		}
		if err := m.deps.OnMessage(ch, msg); err != nil {
			m.protocolError(mb, err)
		}
	}
}

func (m *Manager) protocolError(mb *member, err error) {
	mb.errors++
	slog.Warn("Dropped pool message", "channel", mb.ch.ID(), "errors", mb.errors, "error", err)
	if mb.errors > MaxProtocolErrors {
		slog.Warn("Closing channel after repeated protocol errors", "channel", mb.ch.ID())
		mb.ch.Close()
	}
}

// HandleClose implements transport.Handler.
func (m *Manager) HandleClose(ch transport.Channel, failed bool) {
	mb, ok := m.members[ch.ID()]
	if !ok {
		return
	}
	delete(m.members, ch.ID())
	m.dropIdle(ch.ID())

	slog.Debug("Pool channel closed", "channel", ch.ID(), "failed", failed)

	if m.Benchmarking() {
		m.bench.ChannelLost(ch)
	}
	if mb.state == stateOpen && m.deps.OnClosed != nil {
		m.deps.OnClosed(ch)
	}
	if m.closed || m.cfg.Role != transfer.RoleInitiator {
		return
	}
	if failed {
		m.EnsureWidth()
		return
	}
	m.settles = append(m.settles, m.loop.After(SettleDelay, m.EnsureWidth))
}

func (m *Manager) dropIdle(id string) {
	for i, v := range m.idle {
		if v == id {
			m.idle = append(m.idle[:i], m.idle[i+1:]...)
			return
		}
	}
}

func (m *Manager) gated() bool {
	return m.closed || m.result == nil || m.Benchmarking()
}

// HasIdle reports whether Acquire would succeed.
func (m *Manager) HasIdle() bool {
	return !m.gated() && len(m.idle) > 0
}

// Acquire hands out the longest-idle channel, marking it busy.
func (m *Manager) Acquire() (transport.Channel, bool) {
	if !m.HasIdle() {
		return nil, false
	}
	id := m.idle[0]
	m.idle = m.idle[1:]
	mb := m.members[id]
	mb.holds++
	return mb.ch, true
}

// Reserve marks ch busy for a transfer the remote peer started on it.
func (m *Manager) Reserve(ch transport.Channel) bool {
	mb, ok := m.members[ch.ID()]
	if !ok || mb.state != stateOpen {
		return false
	}
	if mb.holds == 0 {
		m.dropIdle(ch.ID())
	}
	mb.holds++
	return true
}

// Release returns ch to the idle set once nothing holds it.
func (m *Manager) Release(ch transport.Channel) {
	mb, ok := m.members[ch.ID()]
	if !ok || mb.holds == 0 {
		return
	}
	mb.holds--
	if mb.holds == 0 {
		m.idle = append(m.idle, ch.ID())
		m.notifyIdle()
	}
}

func (m *Manager) notifyIdle() {
	if m.deps.OnIdle != nil && m.HasIdle() {
		m.deps.OnIdle()
	}
}

func (m *Manager) startBenchmark() {
	if m.cfg.SkipBenchmark {
		m.finishBenchmark(benchmark.NewResult(0, 0, true))
		return
	}

	var chans []transport.Channel
	for _, id := range m.idle {
		chans = append(chans, m.members[id].ch)
	}
	m.bench = benchmark.Start(m.loop, chans, benchmark.Config{
		PayloadSize: m.cfg.BenchmarkSize,
		OnProgress:  m.deps.OnBenchmarkProgress,
		OnComplete:  m.finishBenchmark,
	})
}

// SkipBenchmark ends a running benchmark early.
func (m *Manager) SkipBenchmark() {
	if m.Benchmarking() {
		m.bench.Skip()
	}
}

func (m *Manager) finishBenchmark(res benchmark.Result) {
	m.result = &res
	m.target = m.cfg.Width
	if m.closed {
		return
	}
	if m.deps.OnBenchmark != nil {
		m.deps.OnBenchmark(res, true)
	}
	m.EnsureWidth()
	m.notifyIdle()
}

// AdoptResult takes the benchmark result measured by the remote peer.
func (m *Manager) AdoptResult(res benchmark.Result) {
	if m.result != nil {
		return
	}
	m.result = &res
	if m.deps.OnBenchmark != nil {
		m.deps.OnBenchmark(res, false)
	}
	m.notifyIdle()
}

// ChunkTimeout returns the budget for a chunk of size bytes on its retry-th
// attempt.
func (m *Manager) ChunkTimeout(size int64, retry int) time.Duration {
	var speed float64
	if m.result != nil {
		speed = m.result.Speed
	}
	return benchmark.TimeoutFor(size, speed, retry, benchmark.Jitter())
}

// Close stops replacements and closes every channel.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.SkipBenchmark()
	for _, t := range m.settles {
		t.Cancel()
	}
	m.settles = nil

	members := m.members
	m.members = make(map[string]*member)
	m.idle = nil
	for _, mb := range members {
		mb.ch.Close()
	}
}

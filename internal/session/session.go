// Package session owns the control channel to the single remote peer and
// builds the pool and scheduler once the handshake completes.
package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BioHazard786/directdrop/internal/benchmark"
	"github.com/BioHazard786/directdrop/internal/chunkio"
	"github.com/BioHazard786/directdrop/internal/loop"
	"github.com/BioHazard786/directdrop/internal/pool"
	"github.com/BioHazard786/directdrop/internal/protocol"
	"github.com/BioHazard786/directdrop/internal/scheduler"
	"github.com/BioHazard786/directdrop/internal/store"
	"github.com/BioHazard786/directdrop/internal/transfer"
	"github.com/BioHazard786/directdrop/internal/transport"
	"github.com/google/uuid"
)

const (
	HeartbeatInterval = 5 * time.Second
	HeartbeatTimeout  = 15 * time.Second
	livenessCheck     = time.Second

	ReconnectAttempts = 5
	ReconnectInterval = 2 * time.Second

	// RefuseGrace keeps a refused channel open long enough for the refuse
	// message to arrive.
	RefuseGrace = 3 * time.Second
)

// State is the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateActive
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Config holds the session settings.
type Config struct {
	Device        protocol.DeviceInfo
	PoolWidth     int
	ProbeWidth    int
	BenchmarkSize int
	SkipBenchmark bool
	ChunkSize     int64
	MaxRetries    int
	Concurrency   int64
	Output        transfer.TransferOptions
	// Thumbnail renders previews of received images. Optional.
	Thumbnail func(path string) (string, error)
}

// Callbacks surface session events to the caller. All run on the loop.
type Callbacks struct {
	UpdateConnecting   func(isConnecting bool, progressLabel, statusText string)
	UpdateFileListRecv func(transfer.FilePatch)
	OnReceived         func(transfer.Artifact)
	OnPeer             func(protocol.DeviceInfo)
	OnBenchmark        func(benchmark.Result)
	// OnAdvisory fires when the measured network quality is poor.
	OnAdvisory func(benchmark.Result)
	// GoHome aborts the session. err says why.
	GoHome func(err error)
	// ReconnectExhausted asks whether to keep trying after the reconnect
	// budget is spent. decide may be called from any goroutine.
	ReconnectExhausted func(decide func(retry bool))
}

// Session is the single control relationship with one remote peer. Its
// methods must be called on the loop; use loop.Await from other goroutines.
type Session struct {
	loop      *loop.Loop
	transport transport.Transport
	store     store.Store
	cfg       Config
	cb        Callbacks

	role     transfer.Role
	state    State
	remoteID string
	control  transport.Channel
	peer     protocol.DeviceInfo
	lastBeat time.Time

	heartbeat *loop.Task
	liveness  *loop.Task
	retry     *loop.Task
	attempts  int
	retrying  bool

	refused map[string]*refusal
	early   []transport.Channel
	queued  []scheduler.Outbound

	workers *chunkio.Workers
	pool    *pool.Manager
	sched   *scheduler.Scheduler
}

func New(l *loop.Loop, t transport.Transport, st store.Store, cfg Config, cb Callbacks) *Session {
	if cfg.PoolWidth <= 0 {
		cfg.PoolWidth = pool.DefaultWidth
	}
	return &Session{
		loop:      l,
		transport: t,
		store:     st,
		cfg:       cfg,
		cb:        cb,
		refused:   make(map[string]*refusal),
	}
}

func (s *Session) State() State { return s.state }

func (s *Session) Role() transfer.Role { return s.role }

func (s *Session) RemoteID() string { return s.remoteID }

// Peer returns the remote device from its handshake.
func (s *Session) Peer() protocol.DeviceInfo { return s.peer }

// Pool returns the pool manager once the session is active.
func (s *Session) Pool() *pool.Manager { return s.pool }

// Open starts the session. With an empty remoteID the local peer is the
// initiator and waits for one inbound connection; otherwise it dials
// remoteID as the connector.
func (s *Session) Open(remoteID string) error {
	if s.state != StateIdle {
		return transfer.ErrSessionActive
	}
	if err := s.store.Clear(); err != nil {
		slog.Warn("Failed to clear chunk store", "error", err)
	}
	s.transport.Listen(transport.SerializedListener(s.loop, s))
	s.state = StateConnecting

	if remoteID == "" {
		s.role = transfer.RoleInitiator
		s.connecting(true, "", "Waiting for peer")
		slog.Info("Waiting for peer", "id", s.transport.LocalID())
		return nil
	}

	s.role = transfer.RoleConnector
	s.remoteID = remoteID
	s.connecting(true, "", "Connecting to peer")
	ch, err := s.transport.Connect(remoteID)
	if err != nil {
		s.state = StateClosed
		return transfer.WrapError("connect", transfer.ErrConnectionFailed, err.Error())
	}
	s.adoptControl(ch)
	return nil
}

func (s *Session) connecting(busy bool, label, status string) {
	if s.cb.UpdateConnecting != nil {
		s.cb.UpdateConnecting(busy, label, status)
	}
}

func (s *Session) adoptControl(ch transport.Channel) {
	s.control = ch
	s.remoteID = ch.RemoteID()
	ch.SetHandler(transport.Serialized(s.loop, controlHandler{s}))
}

// HandleIncoming implements transport.Listener. It is the admission policy
// for every channel the remote side opens.
func (s *Session) HandleIncoming(ch transport.Channel) {
	switch {
	case s.state == StateClosed || s.state == StateRejected || s.state == StateIdle:
		ch.Close()
	case s.control == nil:
		slog.Info("Peer connected", "remote", ch.RemoteID())
		s.adoptControl(ch)
		s.state = StateHandshaking
	case ch.RemoteID() == s.remoteID:
		if s.pool == nil {
			s.early = append(s.early, ch)
			return
		}
		s.pool.Adopt(ch)
	default:
		s.refuse(ch)
	}
}

// HandleNetworkLost implements transport.Listener.
func (s *Session) HandleNetworkLost(err error) {
	if s.state == StateClosed || s.state == StateRejected || s.retrying {
		return
	}
	slog.Warn("Lost signaling connection", "error", err)
	s.retrying = true
	s.attempts = 0
	s.connecting(true, "", "Reconnecting")
	s.attemptReconnect()
}

func (s *Session) attemptReconnect() {
	s.retry = nil
	s.attempts++
	attempt := s.attempts
	go func() {
		err := s.transport.Reconnect()
		s.loop.Post(func() { s.onReconnect(attempt, err) })
	}()
}

func (s *Session) onReconnect(attempt int, err error) {
	if !s.retrying || attempt != s.attempts {
		return
	}
	if err == nil {
		slog.Info("Reconnected to signaling server", "attempt", attempt)
		s.retrying = false
		s.connecting(false, "", "")
		return
	}

	slog.Warn("Reconnect failed", "attempt", attempt, "error", err)
	if attempt < ReconnectAttempts {
		s.retry = s.loop.After(ReconnectInterval, s.attemptReconnect)
		return
	}

	s.retrying = false
	if s.cb.ReconnectExhausted == nil {
		s.fail(StateClosed, transfer.ErrReconnectFailed)
		return
	}
	s.cb.ReconnectExhausted(func(retry bool) {
		s.loop.Post(func() {
			if s.state == StateClosed || s.state == StateRejected {
				return
			}
			if retry {
				s.HandleNetworkLost(err)
				return
			}
			s.fail(StateClosed, transfer.ErrReconnectFailed)
		})
	})
}

func (s *Session) send(kind protocol.Kind, detail any) error {
	if s.control == nil || !s.control.IsOpen() {
		return transfer.ErrChannelNotOpen
	}
	data, err := protocol.Encode(kind, detail)
	if err != nil {
		return err
	}
	return s.control.Send(data)
}

func (s *Session) handshake() protocol.Handshake {
	return protocol.Handshake{Device: s.cfg.Device, PoolWidth: s.cfg.PoolWidth}
}

func (s *Session) controlOpened() {
	s.state = StateHandshaking
	s.beat()
	s.liveness = s.loop.Every(livenessCheck, s.checkLiveness)
	s.connecting(true, "", "Handshaking")

	if s.role == transfer.RoleInitiator {
		if err := s.send(protocol.KindHandshake, s.handshake()); err != nil {
			slog.Error("Failed to send handshake", "error", err)
		}
	}
}

func (s *Session) handleControl(msg *protocol.Message) {
	switch msg.Type {
	case protocol.KindHandshake:
		var hs protocol.Handshake
		if err := msg.Decode(&hs); err != nil {
			slog.Warn("Bad handshake", "error", err)
			return
		}
		s.onHandshake(hs)
	case protocol.KindPing:
		s.beat()
		if err := s.send(protocol.KindPong, nil); err != nil {
			slog.Debug("Failed to answer ping", "error", err)
		}
	case protocol.KindPong:
		s.beat()
	case protocol.KindRefuse:
		slog.Warn("Peer refused the connection", "remote", s.remoteID)
		s.role = transfer.RoleRejectee
		s.fail(StateRejected, transfer.ErrRefused)
	case protocol.KindPresend:
		var p protocol.Presend
		if err := msg.Decode(&p); err != nil || s.sched == nil {
			slog.Warn("Dropped presend", "error", err)
			return
		}
		if err := s.sched.HandlePresend(p); err != nil {
			slog.Warn("Failed to accept file", "file", p.ID, "error", err)
		}
	case protocol.KindPresendReady:
		var r protocol.PresendReady
		if err := msg.Decode(&r); err != nil || s.sched == nil {
			slog.Warn("Dropped presendReady", "error", err)
			return
		}
		if err := s.sched.HandlePresendReady(r); err != nil {
			slog.Warn("Unexpected presendReady", "file", r.ID, "error", err)
		}
	case protocol.KindBenchmarkResult:
		var r protocol.BenchmarkResult
		if err := msg.Decode(&r); err != nil || s.pool == nil {
			slog.Warn("Dropped benchmark result", "error", err)
			return
		}
		s.pool.AdoptResult(benchmark.NewResult(r.Speed, r.FailureFraction, r.TimedOut))
	default:
		slog.Warn("Unexpected message on control channel", "type", msg.Type)
	}
}

func (s *Session) onHandshake(hs protocol.Handshake) {
	if s.state != StateHandshaking {
		slog.Debug("Ignoring repeated handshake", "state", s.state)
		return
	}
	s.peer = hs.Device
	if s.cb.OnPeer != nil {
		s.cb.OnPeer(hs.Device)
	}

	if s.role == transfer.RoleConnector {
		if hs.PoolWidth > 0 {
			s.cfg.PoolWidth = hs.PoolWidth
		}
		if err := s.send(protocol.KindHandshake, s.handshake()); err != nil {
			slog.Error("Failed to answer handshake", "error", err)
			return
		}
	}
	s.activate()
}

func (s *Session) activate() {
	s.state = StateActive
	slog.Info("Session active", "role", s.role, "remote", s.remoteID, "peer", s.peer.Name)

	if s.role == transfer.RoleInitiator {
		s.heartbeat = s.loop.Every(HeartbeatInterval, func() {
			if err := s.send(protocol.KindPing, nil); err != nil {
				slog.Debug("Failed to send ping", "error", err)
			}
		})
	}

	s.workers = chunkio.NewWorkers(s.store, s.cfg.Concurrency)

	var sched *scheduler.Scheduler
	s.pool = pool.New(s.loop, pool.Config{
		Role:          s.role,
		RemoteID:      s.remoteID,
		Width:         s.cfg.PoolWidth,
		ProbeWidth:    s.cfg.ProbeWidth,
		BenchmarkSize: s.cfg.BenchmarkSize,
		SkipBenchmark: s.cfg.SkipBenchmark,
	}, pool.Deps{
		Connect: s.transport.Connect,
		OnMessage: func(ch transport.Channel, msg *protocol.Message) error {
			return sched.HandleMessage(ch, msg)
		},
		OnIdle:   func() { sched.CheckQueue() },
		OnClosed: func(ch transport.Channel) { sched.ChannelLost(ch) },
		OnConnecting: func(opened, target int) {
			s.connecting(opened < target, fmt.Sprintf("%d/%d", opened, target), "Opening channels")
		},
		OnBenchmarkProgress: func(percent int) {
			s.connecting(percent < 100, "", fmt.Sprintf("Measuring network quality (%d%%)", percent))
		},
		OnBenchmark: s.onBenchmark,
	})

	sched = scheduler.New(s.loop, scheduler.Config{
		ChunkSize:  s.cfg.ChunkSize,
		MaxRetries: s.cfg.MaxRetries,
		Output:     s.cfg.Output,
	}, scheduler.Deps{
		Pool:           s.pool,
		Workers:        s.workers,
		SendControl:    s.send,
		OnFileListRecv: s.cb.UpdateFileListRecv,
		OnReceived:     s.cb.OnReceived,
		Thumbnail:      s.cfg.Thumbnail,
	})
	s.sched = sched

	for _, ch := range s.early {
		s.pool.Adopt(ch)
	}
	s.early = nil
	s.pool.EnsureWidth()

	for _, out := range s.queued {
		if _, err := s.sched.Send(out); err != nil {
			out.Callbacks.Fail(transfer.FileRecord{ID: out.ID, Name: out.Name, Size: out.Size, Status: transfer.StatusError}, err)
		}
	}
	s.queued = nil
}

func (s *Session) onBenchmark(res benchmark.Result, local bool) {
	if local {
		err := s.send(protocol.KindBenchmarkResult, protocol.BenchmarkResult{
			Speed:           res.Speed,
			FailureFraction: res.FailureFraction,
			TimedOut:        res.TimedOut,
		})
		if err != nil {
			slog.Warn("Failed to share benchmark result", "error", err)
		}
	}
	s.connecting(false, "", "")
	if s.cb.OnBenchmark != nil {
		s.cb.OnBenchmark(res)
	}
	if res.Quality == benchmark.Poor && s.cb.OnAdvisory != nil {
		s.cb.OnAdvisory(res)
	}
}

// SkipBenchmark ends a running benchmark early.
func (s *Session) SkipBenchmark() {
	if s.pool != nil {
		s.pool.SkipBenchmark()
	}
}

func (s *Session) beat() {
	s.lastBeat = s.loop.Now()
}

func (s *Session) checkLiveness() {
	if s.loop.Now().Sub(s.lastBeat) <= HeartbeatTimeout {
		return
	}
	slog.Error("Peer stopped responding", "remote", s.remoteID, "last", s.lastBeat)
	s.fail(StateClosed, transfer.ErrHeartbeatTimeout)
}

// SendFile queues a file for the remote peer and returns its id. Files sent
// before the session is active go out once it is.
func (s *Session) SendFile(out scheduler.Outbound) (string, error) {
	switch s.state {
	case StateClosed, StateRejected:
		return "", transfer.ErrSessionClosed
	case StateIdle:
		return "", transfer.NewError("send", transfer.ErrChannelNotOpen)
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if s.sched == nil {
		s.queued = append(s.queued, out)
		return out.ID, nil
	}
	return s.sched.Send(out)
}

// fail tears the session down and reports err through GoHome.
func (s *Session) fail(state State, err error) {
	if s.state == StateClosed || s.state == StateRejected {
		return
	}
	s.teardown()
	s.state = state
	if s.cb.GoHome != nil {
		s.cb.GoHome(err)
	}
}

// Close ends the session without reporting an error.
func (s *Session) Close() {
	if s.state == StateClosed || s.state == StateRejected {
		return
	}
	s.teardown()
	s.state = StateClosed
}

func (s *Session) teardown() {
	s.heartbeat.Cancel()
	s.liveness.Cancel()
	s.retry.Cancel()
	s.retrying = false

	for _, r := range s.refused {
		r.stop()
	}
	for _, ch := range s.early {
		ch.Close()
	}
	s.early = nil

	if s.sched != nil {
		s.sched.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.control != nil {
		s.control.Close()
	}
	if s.workers != nil {
		s.workers.Close()
	}
	if err := s.store.Clear(); err != nil {
		slog.Warn("Failed to clear chunk store", "error", err)
	}
}

type controlHandler struct {
	s *Session
}

func (h controlHandler) HandleOpen(ch transport.Channel) {
	if h.s.control != ch || h.s.state >= StateActive {
		return
	}
	h.s.controlOpened()
}

func (h controlHandler) HandleMessage(ch transport.Channel, data []byte) {
	if h.s.control != ch {
		return
	}
	msg, err := protocol.Parse(data)
	if err != nil {
		slog.Warn("Dropped control message", "error", err)
		return
	}
	if !msg.Type.IsControl() {
		slog.Warn("Pool message on control channel", "type", msg.Type)
		return
	}
	h.s.handleControl(msg)
}

func (h controlHandler) HandleClose(ch transport.Channel, failed bool) {
	if h.s.control != ch {
		return
	}
	slog.Warn("Control channel closed", "remote", h.s.remoteID, "failed", failed)
	h.s.fail(StateClosed, transfer.NewError("control channel", transfer.ErrPeerDisconnected))
}

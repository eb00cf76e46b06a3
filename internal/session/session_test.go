package session

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/BioHazard786/directdrop/internal/benchmark"
	"github.com/BioHazard786/directdrop/internal/loop"
	"github.com/BioHazard786/directdrop/internal/protocol"
	"github.com/BioHazard786/directdrop/internal/scheduler"
	"github.com/BioHazard786/directdrop/internal/store"
	"github.com/BioHazard786/directdrop/internal/transfer"
	"github.com/BioHazard786/directdrop/internal/transport"
	"github.com/BioHazard786/directdrop/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type events struct {
	peers     []protocol.DeviceInfo
	homes     []error
	received  []transfer.Artifact
	results   []benchmark.Result
	advisory  int
	exhausted []func(bool)
	statuses  []string
}

func (e *events) callbacks() Callbacks {
	return Callbacks{
		UpdateConnecting: func(_ bool, _, status string) { e.statuses = append(e.statuses, status) },
		OnPeer:           func(d protocol.DeviceInfo) { e.peers = append(e.peers, d) },
		GoHome:           func(err error) { e.homes = append(e.homes, err) },
		OnReceived:       func(a transfer.Artifact) { e.received = append(e.received, a) },
		OnBenchmark:      func(r benchmark.Result) { e.results = append(e.results, r) },
		OnAdvisory:       func(benchmark.Result) { e.advisory++ },
		ReconnectExhausted: func(decide func(bool)) {
			e.exhausted = append(e.exhausted, decide)
		},
	}
}

type env struct {
	t     *testing.T
	loop  *loop.Loop
	clock *loop.ManualClock
	net   *transporttest.Network
}

func newEnv(t *testing.T) *env {
	clock := loop.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return &env{t: t, loop: loop.New(clock), clock: clock, net: transporttest.NewNetwork()}
}

func (e *env) session(id string, ev *events) (*Session, *store.Memory) {
	st := store.NewMemory()
	s := New(e.loop, e.net.Transport(id), st, Config{
		Device:        protocol.DeviceInfo{Type: "cli", Name: id, Version: "test"},
		PoolWidth:     3,
		ProbeWidth:    2,
		BenchmarkSize: 1024,
		ChunkSize:     1024,
		Output:        transfer.TransferOptions{OutputDir: e.t.TempDir()},
	}, ev.callbacks())
	e.t.Cleanup(func() { e.loop.Post(s.Close); e.loop.RunPending() })
	return s, st
}

func (e *env) step() {
	for e.loop.RunPending() > 0 {
	}
}

func (e *env) advance(d time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += 100 * time.Millisecond {
		e.clock.Advance(100 * time.Millisecond)
		e.step()
	}
}

func (e *env) until(cond func() bool) {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		e.step()
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			e.t.Fatal("condition not reached")
		}
		e.clock.Advance(50 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
}

func (e *env) pair() (a, b *Session, ea, eb *events) {
	ea, eb = &events{}, &events{}
	a, _ = e.session("a", ea)
	b, _ = e.session("b", eb)
	require.NoError(e.t, a.Open(""))
	require.NoError(e.t, b.Open("a"))
	e.step()
	return a, b, ea, eb
}

// raw is a hand-driven far end of a channel.
type raw struct {
	ch     transport.Channel
	kinds  []protocol.Kind
	answer bool
	closed bool
}

func (r *raw) HandleOpen(transport.Channel)        {}
func (r *raw) HandleClose(transport.Channel, bool) { r.closed = true }
func (r *raw) HandleMessage(ch transport.Channel, data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		return
	}
	r.kinds = append(r.kinds, msg.Type)
	if r.answer && msg.Type == protocol.KindPing {
		r.send(protocol.KindPong, nil)
	}
}

func (r *raw) send(kind protocol.Kind, detail any) {
	data, _ := protocol.Encode(kind, detail)
	r.ch.Send(data)
}

func (r *raw) count(kind protocol.Kind) int {
	n := 0
	for _, k := range r.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func dialRaw(t *testing.T, e *env, from, to string) *raw {
	t.Helper()
	ch, err := e.net.Transport(from).Connect(to)
	require.NoError(t, err)
	r := &raw{ch: ch}
	ch.SetHandler(r)
	return r
}

func TestHandshake_BothSidesActive(t *testing.T) {
	e := newEnv(t)
	a, b, ea, eb := e.pair()

	assert.Equal(t, StateActive, a.State())
	assert.Equal(t, StateActive, b.State())
	assert.Equal(t, transfer.RoleInitiator, a.Role())
	assert.Equal(t, transfer.RoleConnector, b.Role())
	assert.Equal(t, "b", ea.peers[0].Name)
	assert.Equal(t, "a", eb.peers[0].Name)

	control := e.net.Transport("b").Connected()[0]
	initiatorSent := control.Peer().Sent()
	connectorSent := control.Sent()
	require.NotEmpty(t, initiatorSent)
	require.NotEmpty(t, connectorSent)
	first, err := protocol.Parse(initiatorSent[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.KindHandshake, first.Type, "initiator speaks first")
	reply, err := protocol.Parse(connectorSent[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.KindHandshake, reply.Type)

	var hs protocol.Handshake
	require.NoError(t, first.Decode(&hs))
	assert.Equal(t, 3, hs.PoolWidth)
}

func TestHandshake_InitiatorWaitsForReply(t *testing.T) {
	e := newEnv(t)
	a, _ := e.session("a", &events{})
	require.NoError(t, a.Open(""))

	r := dialRaw(t, e, "x", "a")
	e.step()
	assert.Equal(t, []protocol.Kind{protocol.KindHandshake}, r.kinds)
	assert.Equal(t, StateHandshaking, a.State())
	assert.Nil(t, a.Pool())

	r.send(protocol.KindHandshake, protocol.Handshake{Device: protocol.DeviceInfo{Name: "x"}})
	e.step()
	assert.Equal(t, StateActive, a.State())
	assert.NotNil(t, a.Pool())
}

func TestSession_EndToEndTransfer(t *testing.T) {
	e := newEnv(t)
	a, b, ea, eb := e.pair()

	data := bytes.Repeat([]byte("directdrop"), 500)
	var done int
	id, err := a.SendFile(scheduler.Outbound{
		Name:     "hello.txt",
		Size:     int64(len(data)),
		MimeType: "text/plain",
		Reader:   bytes.NewReader(data),
		Callbacks: transfer.Callbacks{
			OnSuccess: func(transfer.FileRecord) { done++ },
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	e.until(func() bool { return len(eb.received) == 1 && done == 1 })

	got, err := os.ReadFile(eb.received[0].Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "hello.txt", eb.received[0].Record.Name)

	require.Len(t, ea.results, 1)
	require.Len(t, eb.results, 1, "connector adopts the initiator's result")
	assert.Equal(t, ea.results[0].Speed, eb.results[0].Speed)
	assert.Equal(t, 3, a.Pool().Open())
	assert.Equal(t, 3, b.Pool().Open())
	assert.Contains(t, ea.statuses, "Measuring network quality (100%)")
}

func TestHeartbeat_DeadAfterSilence(t *testing.T) {
	e := newEnv(t)
	ev := &events{}
	a, st := e.session("a", ev)
	require.NoError(t, a.Open(""))

	r := dialRaw(t, e, "x", "a")
	e.step()
	r.send(protocol.KindHandshake, protocol.Handshake{})
	e.step()
	require.Equal(t, StateActive, a.State())
	require.NoError(t, st.Set("f-0", []byte("x")))

	e.advance(15 * time.Second)
	assert.Equal(t, StateActive, a.State(), "15 s of silence is still alive")
	assert.GreaterOrEqual(t, r.count(protocol.KindPing), 2)

	e.advance(2 * time.Second)
	assert.Equal(t, StateClosed, a.State())
	require.Len(t, ev.homes, 1)
	assert.ErrorIs(t, ev.homes[0], transfer.ErrHeartbeatTimeout)
	assert.True(t, r.closed, "control channel closed")

	pool := e.net.Transport("a").Connected()
	require.NotEmpty(t, pool)
	for _, ch := range pool {
		assert.False(t, ch.IsOpen(), "pool channel %s closed", ch.ID())
	}
	assert.Zero(t, st.Len(), "store cleared on teardown")
}

func TestHeartbeat_PongsKeepAlive(t *testing.T) {
	e := newEnv(t)
	ev := &events{}
	a, _ := e.session("a", ev)
	require.NoError(t, a.Open(""))

	r := dialRaw(t, e, "x", "a")
	r.answer = true
	e.step()
	r.send(protocol.KindHandshake, protocol.Handshake{})
	e.step()

	e.advance(40 * time.Second)
	assert.Equal(t, StateActive, a.State())
	assert.Empty(t, ev.homes)
}

func TestAdmission_RefusesSecondPeer(t *testing.T) {
	e := newEnv(t)
	a, _, _, _ := e.pair()
	e.advance(time.Second)
	open := a.Pool().Open()
	require.Equal(t, 3, open)

	intruder := dialRaw(t, e, "c", "a")
	e.step()

	assert.Equal(t, []protocol.Kind{protocol.KindRefuse}, intruder.kinds)
	assert.False(t, intruder.closed)

	e.advance(RefuseGrace)
	assert.True(t, intruder.closed, "closed within the grace window")
	assert.Equal(t, []protocol.Kind{protocol.KindRefuse}, intruder.kinds, "exactly one refuse")
	assert.Equal(t, open, a.Pool().Open(), "never joins the pool")
	assert.Equal(t, StateActive, a.State())
}

func TestAdmission_RefusedConnectorGoesHome(t *testing.T) {
	e := newEnv(t)
	e.pair()

	ev := &events{}
	c, _ := e.session("c", ev)
	require.NoError(t, c.Open("a"))
	e.step()

	assert.Equal(t, StateRejected, c.State())
	assert.Equal(t, transfer.RoleRejectee, c.Role())
	require.Len(t, ev.homes, 1)
	assert.ErrorIs(t, ev.homes[0], transfer.ErrRefused)
}

func TestControlClosed_GoesHome(t *testing.T) {
	e := newEnv(t)
	a, b, ea, eb := e.pair()

	b.Close()
	e.step()

	assert.Equal(t, StateClosed, a.State())
	require.Len(t, ea.homes, 1)
	assert.ErrorIs(t, ea.homes[0], transfer.ErrPeerDisconnected)
	assert.Empty(t, eb.homes, "local close is not an error")
}

func TestReconnect_ExhaustionAsksCaller(t *testing.T) {
	e := newEnv(t)
	ev := &events{}
	a, _ := e.session("a", ev)
	require.NoError(t, a.Open(""))
	tr := e.net.Transport("a")
	tr.ReconnectErr = errors.New("offline")

	tr.LoseNetwork(errors.New("socket closed"))
	e.until(func() bool { return len(ev.exhausted) == 1 })
	assert.Equal(t, ReconnectAttempts, tr.Reconnects())

	ev.exhausted[0](false)
	e.step()
	require.Len(t, ev.homes, 1)
	assert.ErrorIs(t, ev.homes[0], transfer.ErrReconnectFailed)
	assert.Equal(t, StateClosed, a.State())
}

func TestReconnect_RetryThenSuccess(t *testing.T) {
	e := newEnv(t)
	ev := &events{}
	a, _ := e.session("a", ev)
	require.NoError(t, a.Open(""))
	tr := e.net.Transport("a")
	tr.ReconnectErr = errors.New("offline")

	tr.LoseNetwork(errors.New("socket closed"))
	e.until(func() bool { return len(ev.exhausted) == 1 })

	tr.ReconnectErr = nil
	ev.exhausted[0](true)
	e.until(func() bool { return tr.Reconnects() == ReconnectAttempts+1 })
	e.advance(5 * time.Second)

	assert.Equal(t, ReconnectAttempts+1, tr.Reconnects(), "success stops the loop")
	assert.Empty(t, ev.homes)
	assert.Equal(t, StateConnecting, a.State())
}

func TestOpen_Twice(t *testing.T) {
	e := newEnv(t)
	a, st := e.session("a", &events{})
	require.NoError(t, st.Set("stale", []byte("x")))

	require.NoError(t, a.Open(""))
	assert.Zero(t, st.Len(), "store cleared at session start")
	assert.ErrorIs(t, a.Open(""), transfer.ErrSessionActive)
}

func TestOpen_UnknownPeer(t *testing.T) {
	e := newEnv(t)
	a, _ := e.session("a", &events{})
	err := a.Open("nobody")
	assert.ErrorIs(t, err, transfer.ErrConnectionFailed)
	assert.Equal(t, StateClosed, a.State())
}

func TestSendFile_QueuedUntilActive(t *testing.T) {
	e := newEnv(t)
	ea, eb := &events{}, &events{}
	a, _ := e.session("a", ea)
	b, _ := e.session("b", eb)
	require.NoError(t, a.Open(""))

	data := []byte("early bird")
	_, err := a.SendFile(scheduler.Outbound{Name: "early.txt", Size: int64(len(data)), Reader: bytes.NewReader(data)})
	require.NoError(t, err)

	require.NoError(t, b.Open("a"))
	e.until(func() bool { return len(eb.received) == 1 })
	got, err := os.ReadFile(eb.received[0].Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

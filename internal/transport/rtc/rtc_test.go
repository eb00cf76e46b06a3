package rtc

import (
	"bytes"
	"context"
	"math/rand"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BioHazard786/directdrop/internal/config"
	"github.com/BioHazard786/directdrop/internal/signaling"
	"github.com/BioHazard786/directdrop/internal/transport"
	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeRecorder struct {
	closed chan bool
}

func (r *closeRecorder) HandleOpen(transport.Channel)            {}
func (r *closeRecorder) HandleMessage(transport.Channel, []byte) {}
func (r *closeRecorder) HandleClose(_ transport.Channel, failed bool) {
	r.closed <- failed
}

type lostRecorder struct {
	lost chan error
}

func (l *lostRecorder) HandleIncoming(transport.Channel) {}
func (l *lostRecorder) HandleNetworkLost(err error)      { l.lost <- err }

func startHub(t *testing.T) (string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := signaling.NewHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(signaling.NewServeMux(hub))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", cancel
}

func dial(t *testing.T, url, id string) *Transport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := Dial(ctx, Config{SignalingURL: url, PeerID: id})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestConnect_PeerUnavailableFailsChannel(t *testing.T) {
	url, _ := startHub(t)
	tr := dial(t, url, "alice")
	assert.Equal(t, "alice", tr.LocalID())

	ch, err := tr.Connect("ghost")
	require.NoError(t, err)
	assert.False(t, ch.IsOpen())
	assert.Equal(t, "ghost", ch.RemoteID())

	rec := &closeRecorder{closed: make(chan bool, 1)}
	ch.SetHandler(rec)

	select {
	case failed := <-rec.closed:
		assert.True(t, failed)
	case <-time.After(5 * time.Second):
		t.Fatal("channel was not closed")
	}
	assert.ErrorIs(t, ch.Send([]byte("x")), transport.ErrNotOpen)
	assert.Nil(t, tr.lookup(ch.ID()))
}

func TestTransport_NetworkLost(t *testing.T) {
	url, stop := startHub(t)
	tr := dial(t, url, "alice")

	l := &lostRecorder{lost: make(chan error, 1)}
	tr.Listen(l)
	stop()

	select {
	case err := <-l.lost:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("network loss not reported")
	}
}

func TestTransport_CloseShutsChannels(t *testing.T) {
	url, _ := startHub(t)
	tr := dial(t, url, "alice")
	dial(t, url, "bob")

	ch, err := tr.Connect("bob")
	require.NoError(t, err)
	rec := &closeRecorder{closed: make(chan bool, 1)}
	ch.SetHandler(rec)

	require.NoError(t, tr.Close())
	select {
	case failed := <-rec.closed:
		assert.False(t, failed)
	case <-time.After(5 * time.Second):
		t.Fatal("channel was not closed")
	}

	_, err = tr.Connect("bob")
	assert.Error(t, err)
}

func TestChannel_BuffersCandidatesUntilRemoteSet(t *testing.T) {
	pc, err := pion.NewPeerConnection(pion.Configuration{})
	require.NoError(t, err)
	defer pc.Close()

	ch := newChannel(&Transport{channels: map[string]*Channel{}}, "c1", "bob", pc)
	require.NoError(t, ch.addCandidate(pion.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"}))
	assert.Len(t, ch.pending, 1)
}

func TestConfigFrom(t *testing.T) {
	cfg := &config.Config{
		WebSocketURL: "wss://example.test/ws",
		PeerID:       "alice",
		STUNServer:   "stun:stun.example.test:3478",
	}

	got := ConfigFrom(cfg)
	assert.Equal(t, "wss://example.test/ws", got.SignalingURL)
	assert.Equal(t, "alice", got.PeerID)
	require.Len(t, got.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.test:3478"}, got.ICEServers[0].URLs)
	assert.False(t, got.ForceRelay)
}

// recorder collects every event of one channel end.
type recorder struct {
	opened chan struct{}
	msgs   chan []byte
	closed chan bool
}

func newRecorder() *recorder {
	return &recorder{
		opened: make(chan struct{}, 1),
		msgs:   make(chan []byte, 16),
		closed: make(chan bool, 1),
	}
}

func (r *recorder) HandleOpen(transport.Channel)                   { r.opened <- struct{}{} }
func (r *recorder) HandleMessage(_ transport.Channel, data []byte) { r.msgs <- data }
func (r *recorder) HandleClose(_ transport.Channel, failed bool)   { r.closed <- failed }

// acceptor hands every incoming channel to rec.
type acceptor struct {
	rec      *recorder
	incoming chan transport.Channel
}

func (a *acceptor) HandleIncoming(ch transport.Channel) {
	ch.SetHandler(a.rec)
	a.incoming <- ch
}

func (a *acceptor) HandleNetworkLost(error) {}

func within[T any](t *testing.T, c <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(20 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func TestChannel_RoundTripsLargeMessages(t *testing.T) {
	url, _ := startHub(t)
	alice := dial(t, url, "alice")
	bob := dial(t, url, "bob")

	inbound := newRecorder()
	acc := &acceptor{rec: inbound, incoming: make(chan transport.Channel, 1)}
	bob.Listen(acc)

	ch, err := alice.Connect("bob")
	require.NoError(t, err)
	outbound := newRecorder()
	ch.SetHandler(outbound)

	within(t, outbound.opened, "alice's end to open")
	remote := within(t, acc.incoming, "bob to accept")
	within(t, inbound.opened, "bob's end to open")
	assert.Equal(t, "alice", remote.RemoteID())
	assert.Equal(t, ch.ID(), remote.ID())

	small := []byte("areYouReady")
	chunk := make([]byte, 16<<20+123)
	rand.New(rand.NewSource(1)).Read(chunk)
	probe := make([]byte, 2<<20)
	rand.New(rand.NewSource(2)).Read(probe)

	require.NoError(t, ch.Send(small))
	require.NoError(t, ch.Send(chunk))
	require.NoError(t, ch.Send([]byte{}))
	require.NoError(t, ch.Send(probe))

	assert.Equal(t, small, within(t, inbound.msgs, "small message"))
	got := within(t, inbound.msgs, "chunk-sized message")
	assert.Len(t, got, len(chunk))
	assert.True(t, bytes.Equal(chunk, got), "chunk arrives byte-identical")
	assert.Empty(t, within(t, inbound.msgs, "empty message"))
	assert.True(t, bytes.Equal(probe, within(t, inbound.msgs, "benchmark-sized message")))

	require.NoError(t, remote.Send([]byte("done")))
	assert.Equal(t, []byte("done"), within(t, outbound.msgs, "reply"))

	require.NoError(t, ch.Close())
	assert.False(t, within(t, outbound.closed, "local close"), "closing is not a failure")
	assert.False(t, within(t, inbound.closed, "remote close"), "a clean remote close is not a failure")
	assert.ErrorIs(t, ch.Send(small), transport.ErrNotOpen)
}

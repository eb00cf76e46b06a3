package signaling

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(NewServeMux(hub))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url, id string) *Client {
	t.Helper()
	c := NewClient(url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := c.Connect(ctx, id)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	if id != "" {
		require.Equal(t, id, got)
	}
	return c
}

func next(t *testing.T, c *Client) *Message {
	t.Helper()
	select {
	case msg, ok := <-c.Incoming():
		require.True(t, ok, "connection closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestHub_RelaysSignal(t *testing.T) {
	url := startHub(t)
	alice := dial(t, url, "alice")
	bob := dial(t, url, "bob")

	msg, err := NewSignal("bob", SignalPayload{ConnectionID: "c1", Type: "offer", SDP: "v=0"})
	require.NoError(t, err)
	require.NoError(t, alice.Send(msg))

	got := next(t, bob)
	assert.Equal(t, MessageTypeSignal, got.Type)
	assert.Equal(t, "alice", got.From)

	var sig SignalPayload
	require.NoError(t, got.DecodePayload(&sig))
	assert.Equal(t, "c1", sig.ConnectionID)
	assert.Equal(t, "offer", sig.Type)
	assert.Equal(t, "v=0", sig.SDP)
}

func TestHub_PeerUnavailable(t *testing.T) {
	url := startHub(t)
	alice := dial(t, url, "alice")

	msg, err := NewSignal("carol", SignalPayload{ConnectionID: "c9", Type: "offer"})
	require.NoError(t, err)
	require.NoError(t, alice.Send(msg))

	got := next(t, alice)
	require.Equal(t, MessageTypeError, got.Type)

	var e ErrorPayload
	require.NoError(t, got.DecodePayload(&e))
	assert.Equal(t, CodePeerUnavailable, e.Code)
	assert.Equal(t, "carol", e.PeerID)
	assert.Equal(t, "c9", e.ConnectionID)
}

func TestHub_AssignsPeerID(t *testing.T) {
	url := startHub(t)
	c := dial(t, url, "")

	assert.NotEmpty(t, c.PeerID())
	assert.Len(t, strings.Split(c.PeerID(), "-"), 3)
}

func TestHub_ReconnectReplacesRegistration(t *testing.T) {
	url := startHub(t)
	stale := dial(t, url, "alice")
	fresh := dial(t, url, "alice")
	bob := dial(t, url, "bob")

	select {
	case <-stale.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stale connection was not dropped")
	}

	msg, err := NewSignal("alice", SignalPayload{ConnectionID: "c2", Type: "answer"})
	require.NoError(t, err)
	require.NoError(t, bob.Send(msg))

	got := next(t, fresh)
	assert.Equal(t, "bob", got.From)
}

func TestHub_Health(t *testing.T) {
	srv := httptest.NewServer(NewServeMux(NewHub()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")
}

func TestHandler_Dispatch(t *testing.T) {
	var from string
	var sig *SignalPayload
	var gotErr *ErrorPayload
	h := Handler{
		OnSignal: func(f string, p *SignalPayload) { from, sig = f, p },
		OnError:  func(p *ErrorPayload) { gotErr = p },
	}

	msg, err := NewSignal("bob", SignalPayload{ConnectionID: "c3", Type: "answer", SDP: "x"})
	require.NoError(t, err)
	msg.From = "alice"
	h.Dispatch(msg)
	require.NotNil(t, sig)
	assert.Equal(t, "alice", from)
	assert.Equal(t, "c3", sig.ConnectionID)

	h.Dispatch(errorMessage(CodePeerUnavailable, "peer unavailable"))
	require.NotNil(t, gotErr)
	assert.Equal(t, CodePeerUnavailable, gotErr.Code)
	assert.Contains(t, gotErr.Error(), "peer-unavailable")

	h.Dispatch(&Message{Type: "mystery"})
}

func TestNewPeerID_SkipsTaken(t *testing.T) {
	calls := 0
	id := newPeerID(func(string) bool {
		calls++
		return calls < 3
	})
	assert.Equal(t, 3, calls)
	assert.NotEmpty(t, id)
}

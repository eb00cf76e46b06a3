package session

import (
	"bytes"
	"context"
	"math/rand"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/BioHazard786/directdrop/internal/loop"
	"github.com/BioHazard786/directdrop/internal/protocol"
	"github.com/BioHazard786/directdrop/internal/scheduler"
	"github.com/BioHazard786/directdrop/internal/signaling"
	"github.com/BioHazard786/directdrop/internal/store"
	"github.com/BioHazard786/directdrop/internal/transfer"
	"github.com/BioHazard786/directdrop/internal/transport/rtc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signalingURL(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := signaling.NewHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(signaling.NewServeMux(hub))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestSession_TransferOverWebRTC(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}

	url := signalingURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	l := loop.New(loop.SystemClock)
	go l.Run(ctx)
	t.Cleanup(l.Stop)

	homes := make(chan error, 4)
	received := make(chan transfer.Artifact, 1)
	sent := make(chan error, 1)

	open := func(id, remoteID string, cb Callbacks) *Session {
		dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
		defer dialCancel()
		tr, err := rtc.Dial(dialCtx, rtc.Config{SignalingURL: url, PeerID: id})
		require.NoError(t, err)
		t.Cleanup(func() { tr.Close() })

		cb.GoHome = func(err error) { homes <- err }
		s := New(l, tr, store.NewMemory(), Config{
			Device:        protocol.DeviceInfo{Type: "cli", Name: id, Version: "test"},
			PoolWidth:     3,
			ProbeWidth:    2,
			BenchmarkSize: 512 << 10,
			ChunkSize:     1 << 20,
			Output:        transfer.TransferOptions{OutputDir: t.TempDir()},
		}, cb)

		require.NoError(t, l.Await(ctx, func() { err = s.Open(remoteID) }))
		require.NoError(t, err)
		return s
	}

	alice := open("alice", "", Callbacks{})
	bob := open("bob", "alice", Callbacks{
		OnReceived: func(a transfer.Artifact) { received <- a },
	})

	// three chunks, the last one short, each many frames long
	data := make([]byte, 2<<20+4321)
	rand.New(rand.NewSource(3)).Read(data)

	var err error
	require.NoError(t, l.Await(ctx, func() {
		_, err = alice.SendFile(scheduler.Outbound{
			Name:     "payload.bin",
			Size:     int64(len(data)),
			MimeType: "application/octet-stream",
			Reader:   bytes.NewReader(data),
			Callbacks: transfer.Callbacks{
				OnSuccess: func(transfer.FileRecord) { sent <- nil },
				OnError:   func(_ transfer.FileRecord, err error) { sent <- err },
			},
		})
	}))
	require.NoError(t, err)

	select {
	case a := <-received:
		got, err := os.ReadFile(a.Path)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got), "received file matches")
		assert.Equal(t, "payload.bin", a.Record.Name)
	case err := <-homes:
		t.Fatalf("session ended early: %v", err)
	case <-ctx.Done():
		t.Fatal("file was not received")
	}

	select {
	case err := <-sent:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("sender never settled the file")
	}

	var aliceState, bobState State
	require.NoError(t, l.Await(ctx, func() {
		aliceState, bobState = alice.State(), bob.State()
		alice.Close()
		bob.Close()
	}))
	assert.Equal(t, StateActive, aliceState)
	assert.Equal(t, StateActive, bobState)
}

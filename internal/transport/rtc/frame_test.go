package rtc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frames(t *testing.T, seq uint32, msg []byte, size int) [][]byte {
	t.Helper()
	var out [][]byte
	require.NoError(t, eachFrame(seq, msg, size, func(frame []byte) error {
		out = append(out, frame)
		return nil
	}))
	return out
}

func TestEachFrame_Sizes(t *testing.T) {
	tests := []struct {
		name   string
		length int
		frames int
	}{
		{name: "empty", length: 0, frames: 1},
		{name: "one byte", length: 1, frames: 1},
		{name: "exactly one body", length: maxFrame - frameHeader, frames: 1},
		{name: "one over", length: maxFrame - frameHeader + 1, frames: 2},
		{name: "chunk", length: 16 << 20, frames: (16<<20 + maxFrame - frameHeader - 1) / (maxFrame - frameHeader)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := frames(t, 7, make([]byte, tt.length), maxFrame)
			require.Len(t, got, tt.frames)
			for i, f := range got {
				assert.LessOrEqual(t, len(f), maxFrame)
				assert.Equal(t, i == len(got)-1, f[0]&finalFrame != 0, "frame %d", i)
			}
		})
	}
}

func TestAssembler_JoinsFrames(t *testing.T) {
	msg := bytes.Repeat([]byte("directdrop"), 100)

	var a assembler
	parts := frames(t, 1, msg, 64)
	require.Greater(t, len(parts), 1)
	for _, f := range parts[:len(parts)-1] {
		out, done, err := a.push(f)
		require.NoError(t, err)
		assert.False(t, done)
		assert.Nil(t, out)
	}
	out, done, err := a.push(parts[len(parts)-1])
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, msg, out)

	out, done, err = a.push(frames(t, 2, nil, 64)[0])
	require.NoError(t, err)
	require.True(t, done)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestAssembler_DropsInterruptedMessage(t *testing.T) {
	var a assembler
	first := frames(t, 1, bytes.Repeat([]byte{1}, 200), 64)
	_, done, err := a.push(first[0])
	require.NoError(t, err)
	require.False(t, done)

	next := []byte("next message")
	out, done, err := a.push(frames(t, 2, next, 64)[0])
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, next, out, "the stale partial is discarded")
}

func TestAssembler_ShortFrame(t *testing.T) {
	var a assembler
	_, _, err := a.push([]byte{finalFrame, 0})
	assert.ErrorIs(t, err, errShortFrame)
}

func TestEachFrame_StopsOnError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := eachFrame(1, make([]byte, 1000), 64, func([]byte) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

package transfer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransferError(t *testing.T) {
	err := NewFileError("persist", "a.bin", fmt.Errorf("%w: %w", ErrPersistFailed, errors.New("disk full")))
	assert.Equal(t, "persist a.bin: failed to persist chunk: disk full", err.Error())
	assert.ErrorIs(t, err, ErrPersistFailed)

	wrapped := WrapError("chunk", ErrUnexpectedSignal, "c1")
	assert.Equal(t, "chunk: unexpected signal type (c1)", wrapped.Error())
	assert.ErrorIs(t, wrapped, ErrUnexpectedSignal)

	assert.Equal(t, "control channel: peer disconnected", NewError("control channel", ErrPeerDisconnected).Error())
}

package transfer

import (
	"errors"
	"fmt"
)

// Connection and session lifecycle.
var (
	ErrPeerDisconnected = errors.New("peer disconnected")
	ErrSignalingError   = errors.New("signaling server error")
	ErrConnectionFailed = errors.New("connection failed")
	ErrChannelNotOpen   = errors.New("channel not open")
	ErrRefused          = errors.New("session already has a peer, connection refused")
	ErrHeartbeatTimeout = errors.New("no heartbeat from peer")
	ErrReconnectFailed  = errors.New("could not reconnect to signaling server")
	ErrSessionClosed    = errors.New("session closed")
	ErrSessionActive    = errors.New("session already open")
)

// File transfer.
var (
	ErrInvalidFile      = errors.New("invalid file")
	ErrUnknownFile      = errors.New("unknown file id")
	ErrUnexpectedSignal = errors.New("unexpected signal type")
	ErrReadFailed       = errors.New("failed to read chunk")
	ErrPersistFailed    = errors.New("failed to persist chunk")
	ErrTooManyRetries   = errors.New("chunk retried too many times")
	ErrBadChunk         = errors.New("chunk does not fit the announced file")
)

// TransferError records the operation, and the file or extra detail, that a
// sentinel error came from.
type TransferError struct {
	Op      string
	File    string
	Err     error
	Details string
}

func (e *TransferError) Error() string {
	switch {
	case e.File != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.File, e.Err)
	case e.Details != "":
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *TransferError {
	return &TransferError{Op: op, Err: err}
}

func NewFileError(op, file string, err error) *TransferError {
	return &TransferError{Op: op, File: file, Err: err}
}

func WrapError(op string, err error, details string) *TransferError {
	return &TransferError{Op: op, Err: err, Details: details}
}

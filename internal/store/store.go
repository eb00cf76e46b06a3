// Package store persists received chunks until their file is reassembled.
package store

import "errors"

// ErrNotFound is returned by Get for a key that was never set or was deleted.
var ErrNotFound = errors.New("chunk not found")

// Store is a durable key to bytes map. Keys are "{fileId}-{chunkIndex}".
// Implementations must be safe for concurrent use.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, data []byte) error
	Delete(key string) error
	Clear() error
}

package protocol

import "fmt"

// DeviceInfo describes the local device in the handshake.
type DeviceInfo struct {
	Type    string `msgpack:"type"`
	Name    string `msgpack:"name"`
	Version string `msgpack:"version"`
}

// Handshake opens the session. The Initiator proposes the pool width.
type Handshake struct {
	Device    DeviceInfo `msgpack:"device"`
	PoolWidth int        `msgpack:"poolWidth"`
}

// Presend announces a file before any of its chunks are dispatched.
type Presend struct {
	ID         string `msgpack:"id"`
	Name       string `msgpack:"name"`
	Size       int64  `msgpack:"size"`
	MimeType   string `msgpack:"mimeType"`
	ChunkCount int    `msgpack:"chunkCount"`
	// ChunkSize is the length of every chunk but the last. Zero when the
	// sender does not say.
	ChunkSize int64 `msgpack:"chunkSize,omitempty"`
}

// PresendReady acknowledges a Presend.
type PresendReady struct {
	ID string `msgpack:"id"`
}

// BenchmarkResult shares the measured network quality with the remote peer.
type BenchmarkResult struct {
	Speed           float64 `msgpack:"speed"`
	FailureFraction float64 `msgpack:"failedPercent"`
	TimedOut        bool    `msgpack:"timedOut"`
}

// Benchmark carries the opaque probe payload.
type Benchmark struct {
	Payload []byte `msgpack:"chunk"`
}

// AreYouReady asks the receiver to reserve the channel for one chunk.
type AreYouReady struct {
	ID     string `msgpack:"id"`
	FileID string `msgpack:"fileId"`
	Index  int    `msgpack:"index"`
}

// IAmReady authorises the sender to transmit the chunk bytes.
type IAmReady struct {
	ID string `msgpack:"id"`
}

// Chunk carries the bytes of one chunk.
type Chunk struct {
	FileID string `msgpack:"fileId"`
	Index  int    `msgpack:"index"`
	Bytes  []byte `msgpack:"bytes"`
}

// Done is sent once the chunk is durably persisted.
type Done struct {
	ID string `msgpack:"id"`
}

// ChunkID returns the "{fileId}-{index}" identifier shared by in-flight
// transfers and the chunk store.
func ChunkID(fileID string, index int) string {
	return fmt.Sprintf("%s-%d", fileID, index)
}

// Package chunkio splits files into byte ranges and runs chunk reads, persists
// and merges off the event loop.
package chunkio

// DefaultChunkSize is the byte length of every chunk except possibly the last.
const DefaultChunkSize = 16 * 1024 * 1024

// Range is a contiguous byte range of a file.
type Range struct {
	Offset int64
	Length int64
}

// End returns the offset one past the last byte.
func (r Range) End() int64 {
	return r.Offset + r.Length
}

// Chunk describes one piece of a file.
type Chunk struct {
	Index int
	Range Range
}

// Split cuts size bytes into ranges of chunkSize. A zero-byte file has no
// chunks.
func Split(size, chunkSize int64) []Chunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if size <= 0 {
		return nil
	}

	chunks := make([]Chunk, 0, Count(size, chunkSize))
	for offset, index := int64(0), 0; offset < size; offset, index = offset+chunkSize, index+1 {
		chunks = append(chunks, Chunk{
			Index: index,
			Range: Range{Offset: offset, Length: min(chunkSize, size-offset)},
		})
	}
	return chunks
}

// Count returns how many chunks Split produces.
func Count(size, chunkSize int64) int {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if size <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

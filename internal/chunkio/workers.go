package chunkio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/BioHazard786/directdrop/internal/protocol"
	"github.com/BioHazard786/directdrop/internal/store"
	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency bounds how many reads, persists and merges run at once.
const DefaultConcurrency = 8

// ErrClosed is reported to callbacks of work submitted after Close.
var ErrClosed = errors.New("chunk workers closed")

// Workers runs chunk I/O on background goroutines. Completion callbacks run
// on the worker goroutine; callers post them back to their own loop.
type Workers struct {
	store store.Store
	sem   *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorkers(st store.Store, concurrency int64) *Workers {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Workers{
		store:  st,
		sem:    semaphore.NewWeighted(concurrency),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Store returns the chunk store the workers persist into.
func (w *Workers) Store() store.Store {
	return w.store
}

func (w *Workers) spawn(fail func(error), job func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.sem.Acquire(w.ctx, 1); err != nil {
			fail(ErrClosed)
			return
		}
		defer w.sem.Release(1)
		if w.ctx.Err() != nil {
			fail(ErrClosed)
			return
		}
		job()
	}()
}

// Read loads r from src and passes the bytes to done. A short read is an error.
func (w *Workers) Read(src io.ReaderAt, r Range, done func([]byte, error)) {
	w.spawn(func(err error) { done(nil, err) }, func() {
		buf := make([]byte, r.Length)
		n, err := src.ReadAt(buf, r.Offset)
		if int64(n) == r.Length {
			done(buf, nil)
			return
		}
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		done(nil, fmt.Errorf("read %d bytes at %d: %w", r.Length, r.Offset, err))
	})
}

// Persist writes data under key and reports the outcome to done.
func (w *Workers) Persist(key string, data []byte, done func(error)) {
	w.spawn(done, func() {
		done(w.store.Set(key, data))
	})
}

// Merge concatenates the count chunks of fileID into dst in index order and
// deletes them from the store. done receives the number of bytes written.
func (w *Workers) Merge(fileID string, count int, dst io.Writer, done func(int64, error)) {
	w.spawn(func(err error) { done(0, err) }, func() {
		done(MergeChunks(w.store, fileID, count, dst))
	})
}

// MergeChunks is the synchronous form of Merge.
func MergeChunks(st store.Store, fileID string, count int, dst io.Writer) (int64, error) {
	var written int64
	for i := range count {
		key := protocol.ChunkID(fileID, i)
		data, err := st.Get(key)
		if err != nil {
			return written, fmt.Errorf("merge %s: %w", key, err)
		}
		n, err := dst.Write(data)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("merge %s: %w", key, err)
		}
	}

	for i := range count {
		if err := st.Delete(protocol.ChunkID(fileID, i)); err != nil {
			slog.Warn("Failed to delete merged chunk", "file", fileID, "index", i, "error", err)
		}
	}
	return written, nil
}

// Close rejects new work, waits for running jobs and returns.
func (w *Workers) Close() {
	w.cancel()
	w.wg.Wait()
}

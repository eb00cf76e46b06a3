// Package scheduler turns outbound files into chunk transfers over idle pool
// channels and reassembles inbound files.
package scheduler

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/BioHazard786/directdrop/internal/chunkio"
	"github.com/BioHazard786/directdrop/internal/loop"
	"github.com/BioHazard786/directdrop/internal/protocol"
	"github.com/BioHazard786/directdrop/internal/transfer"
	"github.com/BioHazard786/directdrop/internal/transport"
	"github.com/google/uuid"
)

// DefaultMaxRetries is how many times one chunk may be requeued before its
// file fails.
const DefaultMaxRetries = 5

const (
	staggerLo = 50 * time.Millisecond
	staggerHi = 100 * time.Millisecond
)

// Pool is the subset of the pool manager the scheduler uses.
type Pool interface {
	Acquire() (transport.Channel, bool)
	HasIdle() bool
	Reserve(ch transport.Channel) bool
	Release(ch transport.Channel)
	ChunkTimeout(size int64, retry int) time.Duration
}

// Config holds transfer settings.
type Config struct {
	ChunkSize  int64
	MaxRetries int
	Output     transfer.TransferOptions
	// Stagger spaces successive dispatches. Defaults to 50-100 ms.
	Stagger func() time.Duration
}

// Deps are the functions the scheduler calls into.
type Deps struct {
	Pool    Pool
	Workers *chunkio.Workers
	// SendControl sends a message on the session's control channel.
	SendControl func(kind protocol.Kind, detail any) error
	// OnFileListRecv receives every change to an inbound file's record.
	OnFileListRecv func(transfer.FilePatch)
	// OnReceived receives each reassembled file, once.
	OnReceived func(transfer.Artifact)
	// Thumbnail renders a preview for an image file and returns its path.
	// It runs off the loop.
	Thumbnail func(path string) (string, error)
}

// Outbound is a file queued for sending.
type Outbound struct {
	ID        string
	Name      string
	Size      int64
	MimeType  string
	Reader    io.ReaderAt
	Callbacks transfer.Callbacks
}

type outFile struct {
	rec     transfer.FileRecord
	src     io.ReaderAt
	cb      transfer.Callbacks
	pending []chunkio.Chunk
	sent    int64
	failed  bool
}

type stage int

const (
	awaitingReady stage = iota
	reading
	awaitingDone
)

type inFlight struct {
	id    string
	file  *outFile
	chunk chunkio.Chunk
	retry int
	ch    transport.Channel
	stage stage
	timer *loop.Task
}

type inFile struct {
	rec       transfer.FileRecord
	count     int
	chunkSize int64
	received  map[int]bool
	failed    bool
}

type slot struct {
	id     string
	fileID string
	index  int
}

// Scheduler owns the file maps and requeue list. All methods must be called
// on the loop.
type Scheduler struct {
	loop *loop.Loop
	cfg  Config
	deps Deps

	presented map[string]*outFile
	queue     []*outFile
	inflight  map[string]*inFlight
	requeue   []*inFlight

	inbound   map[string]*inFile
	completed map[string]bool
	slots     map[string]map[string]*slot

	dispatch     *loop.Task
	nextDispatch time.Time
	closed       bool
}

func New(l *loop.Loop, cfg Config, deps Deps) *Scheduler {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunkio.DefaultChunkSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Stagger == nil {
		cfg.Stagger = func() time.Duration { return loop.Jitter(staggerLo, staggerHi) }
	}
	return &Scheduler{
		loop:      l,
		cfg:       cfg,
		deps:      deps,
		presented: make(map[string]*outFile),
		inflight:  make(map[string]*inFlight),
		inbound:   make(map[string]*inFile),
		completed: make(map[string]bool),
		slots:     make(map[string]map[string]*slot),
	}
}

// Send announces a file to the receiver. Its chunks are queued once the
// receiver acknowledges with presendReady.
func (s *Scheduler) Send(out Outbound) (string, error) {
	if s.closed {
		return "", transfer.ErrSessionClosed
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if _, dup := s.presented[out.ID]; dup {
		return "", transfer.NewFileError("send", out.Name, transfer.ErrInvalidFile)
	}

	f := &outFile{
		rec: transfer.FileRecord{
			ID:       out.ID,
			Name:     out.Name,
			Size:     out.Size,
			MimeType: out.MimeType,
			Status:   transfer.StatusQueued,
		},
		src: out.Reader,
		cb:  out.Callbacks,
	}

	err := s.deps.SendControl(protocol.KindPresend, protocol.Presend{
		ID:         out.ID,
		Name:       out.Name,
		Size:       out.Size,
		MimeType:   out.MimeType,
		ChunkCount: chunkio.Count(out.Size, s.cfg.ChunkSize),
		ChunkSize:  s.cfg.ChunkSize,
	})
	if err != nil {
		return "", transfer.NewFileError("presend", out.Name, err)
	}
	s.presented[out.ID] = f
	slog.Debug("Presented file", "file", out.ID, "name", out.Name, "size", out.Size)
	return out.ID, nil
}

// HandlePresendReady queues a presented file for dispatch.
func (s *Scheduler) HandlePresendReady(ready protocol.PresendReady) error {
	f, ok := s.presented[ready.ID]
	if !ok {
		return transfer.ErrUnknownFile
	}
	delete(s.presented, ready.ID)

	if f.rec.Size == 0 {
		f.rec.Status = transfer.StatusDone
		f.cb.Success(f.rec)
		return nil
	}

	f.rec.Status = transfer.StatusTransferring
	f.pending = chunkio.Split(f.rec.Size, s.cfg.ChunkSize)
	s.queue = append(s.queue, f)
	s.CheckQueue()
	return nil
}

// CheckQueue dispatches one chunk to an idle channel and, if more work and
// channels remain, arms the next dispatch after a short stagger. Dispatches
// are never closer together than the stagger.
func (s *Scheduler) CheckQueue() {
	if s.closed || s.dispatch != nil {
		return
	}
	if wait := s.nextDispatch.Sub(s.loop.Now()); wait > 0 {
		if s.hasWork() && s.deps.Pool.HasIdle() {
			s.armDispatch(wait)
		}
		return
	}
	if !s.dispatchOne() {
		return
	}
	gap := s.cfg.Stagger()
	s.nextDispatch = s.loop.Now().Add(gap)
	if s.hasWork() && s.deps.Pool.HasIdle() {
		s.armDispatch(gap)
	}
}

func (s *Scheduler) armDispatch(d time.Duration) {
	s.dispatch = s.loop.After(d, func() {
		s.dispatch = nil
		s.CheckQueue()
	})
}

func (s *Scheduler) hasWork() bool {
	if len(s.requeue) > 0 {
		return true
	}
	for _, f := range s.queue {
		if !f.failed && len(f.pending) > 0 {
			return true
		}
	}
	return false
}

// next pops the highest-priority transfer: requeued ones first, then the
// head file's next chunk.
func (s *Scheduler) next() *inFlight {
	if len(s.requeue) > 0 {
		t := s.requeue[0]
		s.requeue = s.requeue[1:]
		return t
	}
	for len(s.queue) > 0 {
		f := s.queue[0]
		if f.failed || len(f.pending) == 0 {
			s.queue = s.queue[1:]
			continue
		}
		c := f.pending[0]
		f.pending = f.pending[1:]
		if len(f.pending) == 0 {
			s.queue = s.queue[1:]
		}
		return &inFlight{
			id:    protocol.ChunkID(f.rec.ID, c.Index),
			file:  f,
			chunk: c,
		}
	}
	return nil
}

func (s *Scheduler) dispatchOne() bool {
	if !s.hasWork() || !s.deps.Pool.HasIdle() {
		return false
	}
	ch, ok := s.deps.Pool.Acquire()
	if !ok {
		return false
	}
	t := s.next()
	if t == nil {
		s.deps.Pool.Release(ch)
		return false
	}

	t.ch = ch
	t.stage = awaitingReady
	s.inflight[t.id] = t

	err := s.sendOn(ch, protocol.KindAreYouReady, protocol.AreYouReady{
		ID:     t.id,
		FileID: t.file.rec.ID,
		Index:  t.chunk.Index,
	})
	if err != nil {
		slog.Warn("Failed to start chunk", "chunk", t.id, "channel", ch.ID(), "error", err)
		ch.Close()
		return true
	}

	timeout := s.deps.Pool.ChunkTimeout(t.chunk.Range.Length, t.retry)
	t.timer = s.loop.After(timeout, func() {
		if s.inflight[t.id] != t {
			return
		}
		slog.Warn("Chunk timed out", "chunk", t.id, "channel", ch.ID(), "retry", t.retry, "timeout", timeout)
		ch.Close()
	})
	slog.Debug("Dispatched chunk", "chunk", t.id, "channel", ch.ID(), "retry", t.retry)
	return true
}

func (s *Scheduler) sendOn(ch transport.Channel, kind protocol.Kind, detail any) error {
	data, err := protocol.Encode(kind, detail)
	if err != nil {
		return err
	}
	return ch.Send(data)
}

// HandleMessage handles a transfer message from a pool channel. A returned
// error is a protocol error the pool counts against the channel.
func (s *Scheduler) HandleMessage(ch transport.Channel, msg *protocol.Message) error {
	if s.closed {
		return nil
	}

	switch msg.Type {
	case protocol.KindAreYouReady:
		var d protocol.AreYouReady
		if err := msg.Decode(&d); err != nil {
			return err
		}
		return s.handleAreYouReady(ch, d)
	case protocol.KindIAmReady:
		var d protocol.IAmReady
		if err := msg.Decode(&d); err != nil {
			return err
		}
		return s.handleIAmReady(ch, d)
	case protocol.KindChunk:
		var d protocol.Chunk
		if err := msg.Decode(&d); err != nil {
			return err
		}
		return s.handleChunk(ch, d)
	case protocol.KindDone:
		var d protocol.Done
		if err := msg.Decode(&d); err != nil {
			return err
		}
		return s.handleDone(ch, d)
	default:
		return transfer.ErrUnexpectedSignal
	}
}

func (s *Scheduler) ownedBy(id string, ch transport.Channel) (*inFlight, error) {
	t, ok := s.inflight[id]
	if !ok || t.ch.ID() != ch.ID() {
		return nil, transfer.WrapError("match chunk", transfer.ErrUnexpectedSignal, id)
	}
	return t, nil
}

func (s *Scheduler) handleIAmReady(ch transport.Channel, d protocol.IAmReady) error {
	t, err := s.ownedBy(d.ID, ch)
	if err != nil {
		return err
	}
	if t.stage != awaitingReady {
		return transfer.WrapError("iAmReady", transfer.ErrUnexpectedSignal, d.ID)
	}
	t.stage = reading

	s.deps.Workers.Read(t.file.src, t.chunk.Range, func(data []byte, err error) {
		s.loop.Post(func() { s.onRead(t, ch, data, err) })
	})
	return nil
}

func (s *Scheduler) onRead(t *inFlight, ch transport.Channel, data []byte, err error) {
	if s.closed || s.inflight[t.id] != t || t.ch != ch {
		return
	}
	if err != nil {
		t.timer.Cancel()
		delete(s.inflight, t.id)
		s.failFile(t.file, transfer.NewFileError("read", t.file.rec.Name, fmt.Errorf("%w: %w", transfer.ErrReadFailed, err)))
		// the receiver is holding this channel for the chunk
		ch.Close()
		return
	}
	if !ch.IsOpen() {
		return
	}

	t.stage = awaitingDone
	err = s.sendOn(ch, protocol.KindChunk, protocol.Chunk{
		FileID: t.file.rec.ID,
		Index:  t.chunk.Index,
		Bytes:  data,
	})
	if err != nil {
		slog.Warn("Failed to send chunk", "chunk", t.id, "channel", ch.ID(), "error", err)
		ch.Close()
	}
}

func (s *Scheduler) handleDone(ch transport.Channel, d protocol.Done) error {
	t, err := s.ownedBy(d.ID, ch)
	if err != nil {
		return err
	}
	if t.stage != awaitingDone {
		return transfer.WrapError("done", transfer.ErrUnexpectedSignal, d.ID)
	}
	t.timer.Cancel()
	delete(s.inflight, t.id)

	f := t.file
	if !f.failed {
		f.sent += t.chunk.Range.Length
		f.rec.BytesTransferred = f.sent
		f.cb.Progress(f.rec)
		if f.sent >= f.rec.Size && f.rec.Status != transfer.StatusDone {
			f.rec.Status = transfer.StatusDone
			slog.Info("File sent", "file", f.rec.ID, "name", f.rec.Name)
			f.cb.Success(f.rec)
		}
	}

	s.deps.Pool.Release(ch)
	return nil
}

// ChannelLost requeues every transfer that was using ch and drops any
// receive reservation on it.
func (s *Scheduler) ChannelLost(ch transport.Channel) {
	if s.closed {
		return
	}
	delete(s.slots, ch.ID())

	for id, t := range s.inflight {
		if t.ch.ID() != ch.ID() {
			continue
		}
		t.timer.Cancel()
		delete(s.inflight, id)
		if t.file.failed {
			continue
		}

		t.retry++
		if t.retry > s.cfg.MaxRetries {
			s.failFile(t.file, transfer.NewFileError("send", t.file.rec.Name, transfer.ErrTooManyRetries))
			continue
		}
		t.ch = nil
		s.requeue = append(s.requeue, t)
		slog.Debug("Requeued chunk", "chunk", t.id, "retry", t.retry)
	}
	s.CheckQueue()
}

func (s *Scheduler) failFile(f *outFile, err error) {
	if f.failed {
		return
	}
	f.failed = true
	f.pending = nil
	f.rec.Status = transfer.StatusError

	kept := s.requeue[:0]
	for _, t := range s.requeue {
		if t.file != f {
			kept = append(kept, t)
		}
	}
	s.requeue = kept

	slog.Error("File transfer failed", "file", f.rec.ID, "name", f.rec.Name, "error", err)
	f.cb.Fail(f.rec, err)
}

// Requeued returns the ids of transfers waiting for a new channel.
func (s *Scheduler) Requeued() []string {
	ids := make([]string, len(s.requeue))
	for i, t := range s.requeue {
		ids[i] = t.id
	}
	return ids
}

// InFlight returns the channel currently carrying transfer id.
func (s *Scheduler) InFlight(id string) (transport.Channel, bool) {
	t, ok := s.inflight[id]
	if !ok {
		return nil, false
	}
	return t.ch, true
}

// Close cancels every timer and forgets all transfers.
func (s *Scheduler) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.dispatch.Cancel()
	for _, t := range s.inflight {
		t.timer.Cancel()
	}
	s.inflight = map[string]*inFlight{}
	s.requeue = nil
	s.queue = nil
	s.presented = map[string]*outFile{}
	s.inbound = map[string]*inFile{}
	s.slots = map[string]map[string]*slot{}
}

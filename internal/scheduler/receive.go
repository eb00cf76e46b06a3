package scheduler

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BioHazard786/directdrop/internal/chunkio"
	"github.com/BioHazard786/directdrop/internal/protocol"
	"github.com/BioHazard786/directdrop/internal/transfer"
	"github.com/BioHazard786/directdrop/internal/transport"
)

// HandlePresend allocates an inbound entry for an announced file and
// acknowledges it.
func (s *Scheduler) HandlePresend(p protocol.Presend) error {
	if s.closed {
		return transfer.ErrSessionClosed
	}
	_, known := s.inbound[p.ID]
	if !known && !s.completed[p.ID] {
		if p.ChunkSize > 0 && chunkio.Count(p.Size, p.ChunkSize) != p.ChunkCount {
			return transfer.WrapError("presend", transfer.ErrBadChunk, p.ID)
		}
		f := &inFile{
			rec: transfer.FileRecord{
				ID:       p.ID,
				Name:     p.Name,
				Size:     p.Size,
				MimeType: p.MimeType,
				Status:   transfer.StatusTransferring,
			},
			count:     p.ChunkCount,
			chunkSize: p.ChunkSize,
			received:  make(map[int]bool, p.ChunkCount),
		}
		s.inbound[p.ID] = f
		rec := f.rec
		s.patch(transfer.FilePatch{ID: p.ID, Record: &rec})
		slog.Info("Receiving file", "file", p.ID, "name", p.Name, "size", p.Size, "chunks", p.ChunkCount)

		defer func() {
			if f.rec.Size <= 0 {
				s.complete(f)
			}
		}()
	}

	return s.deps.SendControl(protocol.KindPresendReady, protocol.PresendReady{ID: p.ID})
}

func (s *Scheduler) patch(p transfer.FilePatch) {
	if s.deps.OnFileListRecv != nil {
		s.deps.OnFileListRecv(p)
	}
}

func (s *Scheduler) holdSlot(ch transport.Channel, sl *slot) {
	bySlot := s.slots[ch.ID()]
	if bySlot == nil {
		bySlot = make(map[string]*slot)
		s.slots[ch.ID()] = bySlot
	}
	bySlot[sl.id] = sl
}

// releaseSlot frees sl and reports whether it was still held.
func (s *Scheduler) releaseSlot(ch transport.Channel, sl *slot) bool {
	bySlot := s.slots[ch.ID()]
	if bySlot[sl.id] != sl {
		return false
	}
	delete(bySlot, sl.id)
	if len(bySlot) == 0 {
		delete(s.slots, ch.ID())
	}
	s.deps.Pool.Release(ch)
	return true
}

func (s *Scheduler) handleAreYouReady(ch transport.Channel, d protocol.AreYouReady) error {
	f, ok := s.inbound[d.FileID]
	if !ok && !s.completed[d.FileID] {
		return transfer.WrapError("areYouReady", transfer.ErrUnknownFile, d.FileID)
	}
	if ok && f.failed {
		ch.Close()
		return nil
	}
	if ok {
		if _, valid := f.chunkLength(d.Index); !valid {
			return transfer.WrapError("areYouReady", transfer.ErrBadChunk, d.ID)
		}
	}
	if d.ID != protocol.ChunkID(d.FileID, d.Index) {
		return transfer.WrapError("areYouReady", transfer.ErrUnexpectedSignal, d.ID)
	}
	if !s.deps.Pool.Reserve(ch) {
		return transfer.ErrChannelNotOpen
	}

	s.holdSlot(ch, &slot{id: d.ID, fileID: d.FileID, index: d.Index})
	if err := s.sendOn(ch, protocol.KindIAmReady, protocol.IAmReady{ID: d.ID}); err != nil {
		slog.Warn("Failed to accept chunk", "chunk", d.ID, "channel", ch.ID(), "error", err)
		ch.Close()
	}
	return nil
}

func (s *Scheduler) handleChunk(ch transport.Channel, d protocol.Chunk) error {
	id := protocol.ChunkID(d.FileID, d.Index)
	sl, ok := s.slots[ch.ID()][id]
	if !ok {
		return transfer.WrapError("chunk", transfer.ErrUnexpectedSignal, id)
	}

	f, ok := s.inbound[d.FileID]
	if !ok || f.received[d.Index] {
		// already persisted, the sender lost our earlier done
		s.ack(ch, sl)
		return nil
	}
	if f.failed {
		s.releaseSlot(ch, sl)
		ch.Close()
		return nil
	}

	size := int64(len(d.Bytes))
	want, valid := f.chunkLength(d.Index)
	if !valid || size != want {
		s.releaseSlot(ch, sl)
		return transfer.WrapError("chunk", transfer.ErrBadChunk, fmt.Sprintf("%s has %d bytes, want %d", id, size, want))
	}
	s.deps.Workers.Persist(id, d.Bytes, func(err error) {
		s.loop.Post(func() { s.onPersisted(ch, sl, size, err) })
	})
	return nil
}

// chunkLength returns the length chunk index must have. valid is false when
// the index is outside the file.
func (f *inFile) chunkLength(index int) (length int64, valid bool) {
	if index < 0 || index >= f.count {
		return 0, false
	}
	chunkSize := f.chunkSize
	if chunkSize <= 0 {
		// the sender did not say; assume even chunks
		chunkSize = (f.rec.Size + int64(f.count) - 1) / int64(f.count)
	}
	offset := int64(index) * chunkSize
	if offset >= f.rec.Size {
		return 0, false
	}
	return min(chunkSize, f.rec.Size-offset), true
}

func (s *Scheduler) ack(ch transport.Channel, sl *slot) {
	if err := s.sendOn(ch, protocol.KindDone, protocol.Done{ID: sl.id}); err != nil {
		slog.Warn("Failed to acknowledge chunk", "chunk", sl.id, "channel", ch.ID(), "error", err)
	}
	s.releaseSlot(ch, sl)
}

func (s *Scheduler) onPersisted(ch transport.Channel, sl *slot, size int64, err error) {
	if s.closed {
		return
	}
	f, ok := s.inbound[sl.fileID]

	if err != nil {
		s.releaseSlot(ch, sl)
		if ok {
			s.failInbound(f, transfer.NewFileError("persist", f.rec.Name, fmt.Errorf("%w: %w", transfer.ErrPersistFailed, err)))
		}
		ch.Close()
		return
	}
	if !ok {
		s.ack(ch, sl)
		return
	}
	if f.failed {
		s.releaseSlot(ch, sl)
		ch.Close()
		return
	}

	if !f.received[sl.index] {
		f.received[sl.index] = true
		f.rec.BytesTransferred += size
		s.patch(transfer.FilePatch{ID: f.rec.ID, Percent: f.rec.Percent()})
	}
	s.ack(ch, sl)

	if f.rec.BytesTransferred >= f.rec.Size {
		s.complete(f)
	}
}

func (s *Scheduler) failInbound(f *inFile, err error) {
	if f.failed {
		return
	}
	f.failed = true
	f.rec.Status = transfer.StatusError
	slog.Error("File receive failed", "file", f.rec.ID, "name", f.rec.Name, "error", err)
	s.patch(transfer.FilePatch{ID: f.rec.ID, Status: transfer.StatusError})
}

// complete reassembles f. It runs at most once per file id.
func (s *Scheduler) complete(f *inFile) {
	delete(s.inbound, f.rec.ID)
	s.completed[f.rec.ID] = true

	w, err := transfer.NewFileWriter(f.rec, &s.cfg.Output)
	if err != nil {
		s.failInbound(f, err)
		return
	}

	s.deps.Workers.Merge(f.rec.ID, f.count, w, func(n int64, err error) {
		s.loop.Post(func() { s.onMerged(f, w, err) })
	})
}

func (s *Scheduler) onMerged(f *inFile, w *transfer.FileWriter, err error) {
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if s.closed {
		return
	}
	if err != nil {
		s.failInbound(f, transfer.NewFileError("merge", f.rec.Name, err))
		return
	}

	art := w.Artifact()
	f.rec = art.Record
	slog.Info("File received", "file", f.rec.ID, "name", f.rec.Name, "path", art.Path)
	s.patch(transfer.FilePatch{ID: f.rec.ID, Status: transfer.StatusDone, Percent: 100})
	if s.deps.OnReceived != nil {
		s.deps.OnReceived(art)
	}

	if s.deps.Thumbnail != nil && strings.HasPrefix(f.rec.MimeType, "image/") {
		id := f.rec.ID
		go func() {
			thumb, err := s.deps.Thumbnail(art.Path)
			if err != nil {
				slog.Debug("Thumbnail failed", "file", id, "error", err)
				return
			}
			s.loop.Post(func() { s.patch(transfer.FilePatch{ID: id, ThumbPath: thumb}) })
		}()
	}
}

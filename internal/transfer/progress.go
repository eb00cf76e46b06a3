package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/BioHazard786/directdrop/internal/ui"
	"github.com/BioHazard786/directdrop/internal/utils"
)

// ProgressTracker aggregates file records for the live view and the final
// summary. It is safe for concurrent use.
type ProgressTracker struct {
	mu        sync.Mutex
	view      *ui.TransferUI
	order     []string
	records   map[string]FileRecord
	startTime time.Time
}

func NewProgressTracker(view *ui.TransferUI) *ProgressTracker {
	return &ProgressTracker{
		view:    view,
		records: make(map[string]FileRecord),
	}
}

// Start marks the beginning of the transfer. Later calls are ignored.
func (p *ProgressTracker) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startTime.IsZero() {
		p.startTime = time.Now()
	}
}

// Attach starts forwarding records to view, replaying what is already
// tracked.
func (p *ProgressTracker) Attach(view *ui.TransferUI) {
	p.mu.Lock()
	p.view = view
	records := make([]FileRecord, 0, len(p.order))
	for _, id := range p.order {
		records = append(records, p.records[id])
	}
	p.mu.Unlock()

	for _, rec := range records {
		view.AddFile(rec.ID, rec.Name, rec.Size)
		forward(view, rec, "transfer failed")
	}
}

// Track records rec, adding it to the live view on first sight.
func (p *ProgressTracker) Track(rec FileRecord) {
	view, known := p.put(rec)
	if view == nil {
		return
	}
	if !known {
		view.AddFile(rec.ID, rec.Name, rec.Size)
	}
	forward(view, rec, "transfer failed")
}

// Fail records rec as failed with err.
func (p *ProgressTracker) Fail(rec FileRecord, err error) {
	rec.Status = StatusError
	view, known := p.put(rec)
	if view == nil {
		return
	}
	if !known {
		view.AddFile(rec.ID, rec.Name, rec.Size)
	}
	forward(view, rec, err.Error())
}

func (p *ProgressTracker) put(rec FileRecord) (*ui.TransferUI, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, known := p.records[rec.ID]
	if !known {
		p.order = append(p.order, rec.ID)
	}
	p.records[rec.ID] = rec
	return p.view, known
}

func forward(view *ui.TransferUI, rec FileRecord, reason string) {
	switch rec.Status {
	case StatusDone:
		view.MarkComplete(rec.ID)
	case StatusError:
		view.MarkFailed(rec.ID, reason)
	default:
		view.UpdateProgress(rec.ID, rec.BytesTransferred)
	}
}

// Apply merges a receive-side patch into the tracked record.
func (p *ProgressTracker) Apply(patch FilePatch) {
	p.mu.Lock()
	rec, ok := p.records[patch.ID]
	p.mu.Unlock()

	if patch.Record != nil {
		rec = *patch.Record
		ok = true
	}
	if !ok {
		return
	}
	if patch.Status != "" {
		rec.Status = patch.Status
	}
	if patch.Percent > 0 && rec.Size > 0 {
		rec.BytesTransferred = rec.Size * int64(patch.Percent) / 100
	}
	if rec.Status == StatusDone {
		rec.BytesTransferred = rec.Size
	}
	p.Track(rec)
}

// Records returns the tracked records in arrival order.
func (p *ProgressTracker) Records() []FileRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]FileRecord, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.records[id])
	}
	return out
}

// Settled reports whether n files are tracked and none is still moving.
func (p *ProgressTracker) Settled(n int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.records) < n {
		return false
	}
	for _, rec := range p.records {
		if rec.Status != StatusDone && rec.Status != StatusError {
			return false
		}
	}
	return true
}

func (p *ProgressTracker) TotalSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, rec := range p.records {
		if rec.Status == StatusDone {
			total += rec.Size
		}
	}
	return total
}

func (p *ProgressTracker) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startTime.IsZero() {
		return 0
	}
	return time.Since(p.startTime)
}

// Summary builds the end-of-transfer table contents.
func (p *ProgressTracker) Summary() ui.TransferSummary {
	records := p.Records()
	total := p.TotalSize()
	duration := p.Duration()

	done, failed := 0, 0
	for _, rec := range records {
		switch rec.Status {
		case StatusDone:
			done++
		case StatusError:
			failed++
		}
	}

	status := "✅ Complete"
	if failed > 0 {
		status = fmt.Sprintf("⚠️  %d failed", failed)
	}

	speed := 0.0
	if s := duration.Seconds(); s > 0 {
		speed = float64(total) / s
	}

	return ui.TransferSummary{
		Status:    status,
		Files:     done,
		TotalSize: utils.FormatSize(total),
		Duration:  utils.FormatTimeDuration(duration),
		Speed:     utils.FormatSpeed(speed),
	}
}

func BuildFileTable(records []FileRecord) []ui.FileTableItem {
	items := make([]ui.FileTableItem, len(records))
	for i, f := range records {
		items[i] = ui.FileTableItem{
			Index: i + 1,
			Name:  f.Name,
			Size:  f.Size,
			Type:  f.MimeType,
		}
	}
	return items
}

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BioHazard786/directdrop/internal/benchmark"
	"github.com/BioHazard786/directdrop/internal/config"
	"github.com/BioHazard786/directdrop/internal/loop"
	"github.com/BioHazard786/directdrop/internal/protocol"
	"github.com/BioHazard786/directdrop/internal/scheduler"
	"github.com/BioHazard786/directdrop/internal/session"
	"github.com/BioHazard786/directdrop/internal/store"
	"github.com/BioHazard786/directdrop/internal/thumbnail"
	"github.com/BioHazard786/directdrop/internal/transfer"
	"github.com/BioHazard786/directdrop/internal/transport/rtc"
	"github.com/BioHazard786/directdrop/internal/ui"
	"github.com/BioHazard786/directdrop/internal/version"
)

const (
	// settleDelay lets late presends arrive before the receiver hangs up.
	settleDelay = time.Second
	// senderGrace bounds how long the sender waits for the receiver to
	// close once every file has settled.
	senderGrace = 10 * time.Second

	closeTimeout = 5 * time.Second
)

var errCancelled = errors.New("transfer cancelled")

// runner drives one session for the send and receive commands. The spinner
// and every field after it are owned by the loop.
type runner struct {
	cfg     *config.Config
	mode    ui.TransferMode
	loop    *loop.Loop
	tr      *rtc.Transport
	st      *store.Disk
	sess    *session.Session
	tracker *transfer.ProgressTracker
	view    *ui.TransferUI
	thumbs  bool

	done      chan error
	finishOne sync.Once
	closeOnce sync.Once
	pending   sync.WaitGroup

	spinner   *ui.SimpleSpinner
	live      bool
	expected  int
	settling  bool
	settled   bool
	artifacts []transfer.Artifact
}

func newRunner(ctx context.Context, cfg *config.Config, mode ui.TransferMode, output transfer.TransferOptions, thumbs bool) (*runner, error) {
	stopSpinner := ui.RunConnectionSpinner("Connecting to server...")
	tr, err := rtc.Dial(ctx, rtc.ConfigFrom(cfg))
	stopSpinner()
	if err != nil {
		return nil, transfer.NewError("connect to server", err)
	}

	st, err := store.NewDisk(filepath.Join(cfg.StoreDir, tr.LocalID()))
	if err != nil {
		tr.Close()
		return nil, transfer.NewError("open chunk store", err)
	}

	r := &runner{
		cfg:     cfg,
		mode:    mode,
		loop:    loop.New(nil),
		tr:      tr,
		st:      st,
		tracker: transfer.NewProgressTracker(nil),
		view:    ui.NewTransferUI(mode),
		thumbs:  thumbs,
		done:    make(chan error, 1),
	}

	scfg := session.Config{
		Device:        deviceInfo(),
		PoolWidth:     cfg.PoolWidth,
		ProbeWidth:    cfg.ProbeWidth,
		BenchmarkSize: cfg.BenchmarkSize,
		SkipBenchmark: cfg.SkipBenchmark,
		ChunkSize:     cfg.ChunkSize,
		Output:        output,
	}
	if thumbs {
		scfg.Thumbnail = r.thumbnail
	}

	r.sess = session.New(r.loop, tr, st, scfg, session.Callbacks{
		UpdateConnecting:   r.updateConnecting,
		UpdateFileListRecv: r.onPatch,
		OnReceived:         r.onReceived,
		OnPeer:             r.onPeer,
		OnBenchmark:        r.onBenchmark,
		OnAdvisory:         ui.RenderAdvisory,
		GoHome:             r.goHome,
		ReconnectExhausted: r.reconnectExhausted,
	})

	go func() {
		if err := r.loop.Run(context.Background()); err != nil {
			slog.Debug("Loop stopped", "error", err)
		}
	}()

	return r, nil
}

func deviceInfo() protocol.DeviceInfo {
	name, err := os.Hostname()
	if err != nil {
		name = "unknown"
	}
	return protocol.DeviceInfo{Type: "cli", Name: name, Version: version.Version}
}

// LocalID is the id the remote peer dials.
func (r *runner) LocalID() string {
	return r.tr.LocalID()
}

// Open starts the session; an empty remoteID waits for a peer.
func (r *runner) Open(ctx context.Context, remoteID string) error {
	var err error
	if aerr := r.loop.Await(ctx, func() { err = r.sess.Open(remoteID) }); aerr != nil {
		return aerr
	}
	return err
}

// Send queues outs on the session.
func (r *runner) Send(ctx context.Context, outs []scheduler.Outbound) error {
	var err error
	aerr := r.loop.Await(ctx, func() {
		r.expected += len(outs)
		for _, out := range outs {
			out.Callbacks = transfer.Callbacks{
				OnProgress: r.tracker.Track,
				OnSuccess: func(rec transfer.FileRecord) {
					r.tracker.Track(rec)
					r.checkSent()
				},
				OnError: func(rec transfer.FileRecord, ferr error) {
					r.tracker.Fail(rec, ferr)
					r.checkSent()
				},
			}
			if _, err = r.sess.SendFile(out); err != nil {
				return
			}
		}
	})
	if aerr != nil {
		return aerr
	}
	return err
}

// Wait blocks until the session ends or the user gives up.
func (r *runner) Wait(ctx context.Context) error {
	select {
	case err := <-r.done:
		return err
	case <-r.view.Cancelled():
		return errCancelled
	case <-ctx.Done():
		return errCancelled
	}
}

// Close tears everything down. It is safe to call more than once.
func (r *runner) Close() {
	r.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := r.loop.Await(ctx, func() {
			r.sess.Close()
			r.stopSpinner()
		}); err != nil {
			slog.Debug("Session close", "error", err)
		}
		r.loop.Stop()
		r.view.Stop()
		if err := r.tr.Close(); err != nil {
			slog.Debug("Transport close", "error", err)
		}
		r.pending.Wait()
		os.Remove(r.st.Root())
	})
}

// Report prints the summary and where received files went.
func (r *runner) Report() {
	if len(r.tracker.Records()) == 0 {
		return
	}
	fmt.Println()
	ui.RenderTransferSummary(r.tracker.Summary())
	for _, art := range r.artifacts {
		ui.PrintSuccessf("Saved %s", art.Path)
	}
}

func (r *runner) finish(err error) {
	r.finishOne.Do(func() { r.done <- err })
}

func (r *runner) stopSpinner() {
	if r.spinner != nil {
		r.spinner.Stop()
		r.spinner = nil
	}
}

func (r *runner) updateConnecting(busy bool, label, status string) {
	text := status
	if label != "" {
		text = fmt.Sprintf("%s (%s)", status, label)
	}
	switch {
	case r.live && busy:
		r.view.SetState(text)
	case r.live:
		r.view.SetState(r.activeState())
	case busy && r.spinner == nil:
		r.spinner = ui.NewConnectionSpinner(text)
		r.spinner.Start()
	case busy:
		r.spinner.UpdateMessage(text)
	}
}

func (r *runner) activeState() string {
	if r.mode == ui.ModeSend {
		return "Sending..."
	}
	return "Receiving..."
}

func (r *runner) onPeer(d protocol.DeviceInfo) {
	r.stopSpinner()
	ui.RenderPeer(d)
}

func (r *runner) onBenchmark(res benchmark.Result) {
	r.stopSpinner()
	if !r.cfg.SkipBenchmark {
		fmt.Println()
		ui.RenderBenchmarkReport(res)
	}
	// Posted so an advisory for the same result prints before the live view.
	r.loop.Post(r.goLive)
}

func (r *runner) goLive() {
	if r.live {
		return
	}
	r.stopSpinner()
	r.live = true
	r.tracker.Start()
	r.view.Start()
	r.tracker.Attach(r.view)
	r.view.SetState(r.activeState())
}

func (r *runner) checkSent() {
	if r.settled || !r.tracker.Settled(r.expected) {
		return
	}
	r.settled = true
	if r.live {
		r.view.SetState("Waiting for receiver to finish...")
	}
	r.loop.After(senderGrace, func() { r.finish(nil) })
}

func (r *runner) onPatch(p transfer.FilePatch) {
	if p.Record != nil {
		r.expected++
	}
	if p.ThumbPath != "" {
		slog.Debug("Thumbnail ready", "file", p.ID, "path", p.ThumbPath)
		return
	}
	r.tracker.Apply(p)
	r.checkReceived()
}

func (r *runner) checkReceived() {
	if r.settled || r.settling || r.expected == 0 || !r.tracker.Settled(r.expected) {
		return
	}
	r.settling = true
	r.loop.After(settleDelay, func() {
		r.settling = false
		if r.settled || !r.tracker.Settled(r.expected) {
			return
		}
		r.settled = true
		r.sess.Close()
		r.finish(nil)
	})
}

func (r *runner) onReceived(art transfer.Artifact) {
	r.artifacts = append(r.artifacts, art)
	if r.thumbs && strings.HasPrefix(art.Record.MimeType, "image/") {
		r.pending.Add(1)
	}
}

func (r *runner) thumbnail(path string) (string, error) {
	defer r.pending.Done()
	return thumbnail.Generate(path)
}

func (r *runner) goHome(err error) {
	if r.settled && errors.Is(err, transfer.ErrPeerDisconnected) {
		r.finish(nil)
		return
	}
	r.finish(err)
}

// reconnectExhausted keeps a live transfer going without asking; the data
// channels do not need the signaling server once they are open.
func (r *runner) reconnectExhausted(decide func(retry bool)) {
	if r.live {
		slog.Warn("Signaling server still unreachable, retrying")
		decide(true)
		return
	}
	r.stopSpinner()
	go func() {
		decide(confirm("Cannot reach the signaling server. Keep trying?"))
	}()
}

func confirm(question string) bool {
	fmt.Printf("%s [y/N] ", question)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

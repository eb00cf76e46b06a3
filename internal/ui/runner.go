package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BioHazard786/directdrop/internal/utils"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TransferMode represents send or receive
type TransferMode int

const (
	ModeSend TransferMode = iota
	ModeReceive
)

// TickMsg is sent periodically to refresh speeds and ETAs.
type TickMsg time.Time

// TransferUI provides a simple interface for managing transfer progress
type TransferUI struct {
	program    *tea.Program
	model      *liveTransferModel
	updateChan chan any
	done       chan struct{}
	cancelled  chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

type fileAdded struct {
	id   string
	name string
	size int64
}

type progressUpdate struct {
	fileID    string
	current   int64
	completed bool
	failed    bool
	errMsg    string
}

type stateUpdate string

// liveTransferModel is the bubbletea model behind TransferUI. It is only
// touched from the program's goroutine.
type liveTransferModel struct {
	mode       TransferMode
	state      string
	order      []string
	files      map[string]*liveFileProgress
	barWidth   int
	spinner    spinner.Model
	startTime  time.Time
	updateChan chan any
	onQuit     func()
	quitting   bool
}

type liveFileProgress struct {
	name      string
	size      int64
	current   int64
	startTime time.Time
	complete  bool
	failed    bool
	errMsg    string
	bar       progress.Model
}

// NewTransferUI creates a new transfer UI
func NewTransferUI(mode TransferMode) *TransferUI {
	ui := &TransferUI{
		updateChan: make(chan any, 256),
		done:       make(chan struct{}),
		cancelled:  make(chan struct{}),
	}
	ui.model = newLiveTransferModel(mode, ui.updateChan)
	ui.model.onQuit = func() { close(ui.cancelled) }
	return ui
}

func newLiveTransferModel(mode TransferMode, updates chan any) *liveTransferModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &liveTransferModel{
		mode:       mode,
		state:      "Initializing...",
		files:      make(map[string]*liveFileProgress),
		barWidth:   25,
		spinner:    s,
		updateChan: updates,
		startTime:  time.Now(),
	}
}

// Start starts the UI in a goroutine
func (ui *TransferUI) Start() {
	ui.program = tea.NewProgram(ui.model)
	ui.wg.Add(1)
	go func() {
		defer ui.wg.Done()
		if _, err := ui.program.Run(); err != nil {
			PrintErrorf("UI error: %v", err)
		}
	}()
}

// Cancelled is closed when the user quits the view.
func (ui *TransferUI) Cancelled() <-chan struct{} {
	return ui.cancelled
}

func (ui *TransferUI) post(msg any) {
	select {
	case ui.updateChan <- msg:
	case <-ui.done:
	}
}

// AddFile adds a row for a file.
func (ui *TransferUI) AddFile(id, name string, size int64) {
	ui.post(fileAdded{id: id, name: name, size: size})
}

// UpdateProgress updates the progress for a specific file. Updates are
// dropped when the view is behind.
func (ui *TransferUI) UpdateProgress(fileID string, current int64) {
	select {
	case ui.updateChan <- progressUpdate{fileID: fileID, current: current}:
	default:
	}
}

// MarkComplete marks a file as complete
func (ui *TransferUI) MarkComplete(fileID string) {
	ui.post(progressUpdate{fileID: fileID, completed: true})
}

// MarkFailed marks a file as failed
func (ui *TransferUI) MarkFailed(fileID string, errMsg string) {
	ui.post(progressUpdate{fileID: fileID, failed: true, errMsg: errMsg})
}

// SetState sets the current state message
func (ui *TransferUI) SetState(state string) {
	ui.post(stateUpdate(state))
}

// Stop stops the UI
func (ui *TransferUI) Stop() {
	ui.stopOnce.Do(func() {
		close(ui.done)
		if ui.program != nil {
			ui.program.Quit()
		}
		ui.wg.Wait()
	})
}

func (m *liveTransferModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForUpdates(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m *liveTransferModel) listenForUpdates() tea.Cmd {
	return func() tea.Msg {
		return <-m.updateChan
	}
}

func (m *liveTransferModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			if m.onQuit != nil {
				m.onQuit()
				m.onQuit = nil
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.barWidth = max(10, min(25, msg.Width-60))
		for _, f := range m.files {
			f.bar.Width = m.barWidth
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case TickMsg:
		if !m.quitting {
			cmds = append(cmds, tick())
		}

	case fileAdded:
		if _, ok := m.files[msg.id]; !ok {
			m.order = append(m.order, msg.id)
			m.files[msg.id] = &liveFileProgress{
				name: msg.name,
				size: msg.size,
				bar: progress.New(
					progress.WithGradient(ProgressStart, ProgressEnd),
					progress.WithWidth(m.barWidth),
					progress.WithoutPercentage(),
				),
			}
		}
		cmds = append(cmds, m.listenForUpdates())

	case stateUpdate:
		m.state = string(msg)
		cmds = append(cmds, m.listenForUpdates())

	case progressUpdate:
		if file, ok := m.files[msg.fileID]; ok {
			switch {
			case msg.completed:
				file.complete = true
				file.current = file.size
			case msg.failed:
				file.failed = true
				file.errMsg = msg.errMsg
			default:
				file.current = msg.current
				if file.startTime.IsZero() {
					file.startTime = time.Now()
				}
			}
		}
		cmds = append(cmds, m.listenForUpdates())
	}

	return m, tea.Batch(cmds...)
}

func (m *liveTransferModel) allComplete() bool {
	for _, f := range m.files {
		if !f.complete && !f.failed {
			return false
		}
	}
	return len(m.files) > 0
}

func (m *liveTransferModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	modeIcon := IconSend
	modeText := "Sending"
	if m.mode == ModeReceive {
		modeIcon = IconReceive
		modeText = "Receiving"
	}

	b.WriteString(fmt.Sprintf("\n%s %s Files\n\n", modeIcon, modeText))
	b.WriteString(fmt.Sprintf("%s %s\n\n", m.spinner.View(), m.state))

	var totalSize, totalSent int64
	for _, f := range m.files {
		totalSize += f.size
		totalSent += f.current
	}

	var overallPercent float64
	if totalSize > 0 {
		overallPercent = float64(totalSent) / float64(totalSize) * 100
	} else if m.allComplete() {
		overallPercent = 100
	}

	var speed float64
	if elapsed := time.Since(m.startTime).Seconds(); elapsed > 0 {
		speed = float64(totalSent) / elapsed
	}

	b.WriteString(fmt.Sprintf("Overall: %.1f%% (%s/%s) %s\n\n",
		overallPercent,
		utils.FormatSize(totalSent),
		utils.FormatSize(totalSize),
		MutedStyle.Render(utils.FormatSpeed(speed)),
	))

	for _, id := range m.order {
		m.renderFile(&b, m.files[id])
	}

	b.WriteString("\n" + MutedStyle.Render("Press q to cancel"))

	return b.String()
}

func (m *liveTransferModel) renderFile(b *strings.Builder, f *liveFileProgress) {
	var icon string
	var nameStyle lipgloss.Style

	switch {
	case f.failed:
		icon = IconError
		nameStyle = ErrorStyle
	case f.complete:
		icon = IconSuccess
		nameStyle = SuccessStyle
	case f.current > 0:
		icon = m.spinner.View()
		nameStyle = lipgloss.NewStyle()
	default:
		icon = "○"
		nameStyle = MutedStyle
	}

	name := utils.TruncateString(f.name, 22)
	b.WriteString(fmt.Sprintf("  %s %s ", icon, nameStyle.Width(24).Render(name)))

	percent := 0.0
	if f.size > 0 {
		percent = float64(f.current) / float64(f.size)
	} else if f.complete {
		percent = 1
	}
	b.WriteString(f.bar.ViewAs(percent))
	b.WriteString(fmt.Sprintf(" %5.1f%%", percent*100))

	if f.failed && f.errMsg != "" {
		b.WriteString(ErrorStyle.Render(" " + utils.TruncateString(f.errMsg, 40)))
	}

	if !f.complete && !f.failed && f.current > 0 && !f.startTime.IsZero() {
		if elapsed := time.Since(f.startTime).Seconds(); elapsed > 0 {
			fileSpeed := float64(f.current) / elapsed
			b.WriteString(MutedStyle.Render(" " + utils.FormatSpeed(fileSpeed)))
			if remaining := f.size - f.current; remaining > 0 && fileSpeed > 0 {
				eta := time.Duration(float64(remaining) / fileSpeed * float64(time.Second))
				b.WriteString(MutedStyle.Render(" ETA: " + utils.FormatTimeDuration(eta)))
			}
		}
	}

	b.WriteString("\n")
}

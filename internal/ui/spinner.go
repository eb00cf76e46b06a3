package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

// SimpleSpinner animates a single status line outside of a bubbletea
// program. The message may change while it runs.
type SimpleSpinner struct {
	mu      sync.Mutex
	out     io.Writer
	message string
	spinner spinner.Spinner
	done    chan struct{}
	stopped bool
}

func newSimpleSpinner(message string, s spinner.Spinner) *SimpleSpinner {
	return &SimpleSpinner{
		out:     Output,
		message: message,
		spinner: s,
		done:    make(chan struct{}),
	}
}

// NewSimpleSpinner creates a spinner for general loading operations (Dot style)
func NewSimpleSpinner(message string) *SimpleSpinner {
	return newSimpleSpinner(message, spinner.Dot)
}

// NewConnectionSpinner creates a spinner for network/connection operations (Globe style)
func NewConnectionSpinner(message string) *SimpleSpinner {
	return newSimpleSpinner(message, spinner.Globe)
}

// NewWaitingSpinner creates a spinner for waiting on external events (Points style)
func NewWaitingSpinner(message string) *SimpleSpinner {
	return newSimpleSpinner(message, spinner.Points)
}

func (s *SimpleSpinner) Start() {
	ticker := time.NewTicker(s.spinner.FPS)
	go func() {
		defer ticker.Stop()
		for i := 0; ; i++ {
			s.draw(i)
			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *SimpleSpinner) draw(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	frames := s.spinner.Frames
	fmt.Fprintf(s.out, "\r\033[K%s %s", SpinnerStyle.Render(frames[i%len(frames)]), s.message)
}

func (s *SimpleSpinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
		fmt.Fprint(s.out, "\r\033[K")
	}
}

func (s *SimpleSpinner) Success(message string) {
	s.Stop()
	fmt.Fprintf(s.out, "%s %s\n", SuccessStyle.Render(IconSuccess), message)
}

func (s *SimpleSpinner) Error(message string) {
	s.Stop()
	fmt.Fprintf(s.out, "%s %s\n", ErrorStyle.Render(IconError), message)
}

func (s *SimpleSpinner) UpdateMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// RunSpinner starts a loading spinner and returns a stop function
func RunSpinner(message string) func() {
	sp := NewSimpleSpinner(message)
	sp.Start()
	return sp.Stop
}

// RunConnectionSpinner starts a connection spinner and returns a stop function
func RunConnectionSpinner(message string) func() {
	sp := NewConnectionSpinner(message)
	sp.Start()
	return sp.Stop
}

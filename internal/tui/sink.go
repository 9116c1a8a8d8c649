package tui

import (
	"sync"
	"time"

	"doppler/internal/collect"
	"doppler/internal/doppler"
	"doppler/internal/session"

	tea "github.com/charmbracelet/bubbletea"
)

// Messages delivered to the session model.
type (
	stateMsg struct {
		from, to session.State
	}
	collectingMsg struct {
		frames  int
		elapsed time.Duration
	}
	estimatingMsg struct {
		elapsed time.Duration
	}
	resultMsg struct {
		display string
		ok      bool
	}
	errMsg struct {
		err error
	}
	releasedMsg struct{}
)

// Sender is satisfied by *tea.Program.
type Sender interface {
	Send(msg tea.Msg)
}

// ProgramSink forwards session events into a running bubbletea program.
type ProgramSink struct {
	p Sender
}

func NewProgramSink(p Sender) *ProgramSink {
	return &ProgramSink{p: p}
}

func (s *ProgramSink) StateChanged(_ string, from, to session.State) {
	s.p.Send(stateMsg{from: from, to: to})
}

func (s *ProgramSink) CollectionProgress(_ string, p collect.Progress) {
	s.p.Send(collectingMsg{frames: p.Frames, elapsed: p.Elapsed})
}

func (s *ProgramSink) EstimationProgress(_ string, elapsed time.Duration) {
	s.p.Send(estimatingMsg{elapsed: elapsed})
}

func (s *ProgramSink) Result(_ string, r doppler.Result, display string) {
	s.p.Send(resultMsg{display: display, ok: r.OK()})
}

func (s *ProgramSink) Error(_ string, err error) {
	s.p.Send(errMsg{err: err})
}

func (s *ProgramSink) Released() {
	s.p.Send(releasedMsg{})
}

var _ session.EventSink = (*ProgramSink)(nil)

// lateSender lets the session be built before the program exists. Messages
// sent before set are dropped.
type lateSender struct {
	mu sync.Mutex
	p  Sender
}

func (l *lateSender) set(p Sender) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.p = p
}

func (l *lateSender) Send(msg tea.Msg) {
	l.mu.Lock()
	p := l.p
	l.mu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

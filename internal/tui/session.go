// Package tui holds the terminal front ends: the measurement screen and the
// input device picker.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"doppler/internal/session"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5"))

	highlightStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#25A065")).
			Bold(true)

	speedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Bold(true).
			Padding(1, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#25A065"))

	failureStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E06C75")).
			Bold(true)
)

// Session is the part of session.Machine the screen drives.
type Session interface {
	Start(ctx context.Context) error
	Stop() error
	Reset() error
	ToggleUnits() session.Units
	Touch()
	State() session.State
	Display() string
	Units() session.Units
	ExportPath() string
	DeviceHeld() bool
}

type keyMap struct {
	Toggle key.Binding
	Units  key.Binding
	Reset  key.Binding
	Quit   key.Binding
}

var keys = keyMap{
	Toggle: key.NewBinding(key.WithKeys(" ", "s", "enter"), key.WithHelp("space", "start/stop")),
	Units:  key.NewBinding(key.WithKeys("u"), key.WithHelp("u", "km/h ⇄ mph")),
	Reset:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reset")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// SessionModel is the measurement screen.
type SessionModel struct {
	sess   Session
	ctx    context.Context
	device string

	state      session.State
	frames     int
	collecting time.Duration
	estimating time.Duration
	display    string
	ok         bool
	units      session.Units
	held       bool
	err        error
	width      int
}

// NewSessionModel builds the screen for sess. device is shown in the header.
func NewSessionModel(ctx context.Context, sess Session, device string) SessionModel {
	return SessionModel{
		sess:   sess,
		ctx:    ctx,
		device: device,
		state:  sess.State(),
		units:  sess.Units(),
		held:   sess.DeviceHeld(),
	}
}

func (m SessionModel) Init() tea.Cmd {
	return nil
}

// start and stop run off the update loop; acquiring a device can block.
func (m SessionModel) start() tea.Msg {
	if err := m.sess.Start(m.ctx); err != nil {
		return errMsg{err}
	}
	return nil
}

func (m SessionModel) stop() tea.Msg {
	if err := m.sess.Stop(); err != nil {
		return errMsg{err}
	}
	return nil
}

func (m SessionModel) reset() tea.Msg {
	if err := m.sess.Reset(); err != nil {
		return errMsg{err}
	}
	return nil
}

func (m SessionModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tea.KeyMsg:
		return m.handleKey(msg)

	case stateMsg:
		m.state = msg.to
		m.held = m.sess.DeviceHeld()
		switch msg.to {
		case session.Collecting:
			m.frames, m.collecting, m.err = 0, 0, nil
			m.display = ""
		case session.Estimating:
			m.estimating = 0
		case session.Idle:
			m.display = ""
		}

	case collectingMsg:
		m.frames = msg.frames
		m.collecting = msg.elapsed

	case estimatingMsg:
		m.estimating = msg.elapsed

	case resultMsg:
		m.display = msg.display
		m.ok = msg.ok

	case errMsg:
		m.err = msg.err

	case releasedMsg:
		m.held = false
	}
	return m, nil
}

func (m SessionModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, keys.Quit) {
		return m, tea.Quit
	}
	m.sess.Touch()

	switch {
	case key.Matches(msg, keys.Toggle):
		m.err = nil
		switch m.state {
		case session.Collecting:
			return m, m.stop
		case session.Idle, session.Resulted:
			return m, m.start
		}

	case key.Matches(msg, keys.Units):
		m.units = m.sess.ToggleUnits()
		if m.state == session.Resulted {
			m.display = m.sess.Display()
		}

	case key.Matches(msg, keys.Reset):
		return m, m.reset
	}
	return m, nil
}

func (m SessionModel) View() string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Doppler Speed"))
	sb.WriteString("  ")
	device := m.device
	if device == "" {
		device = "default input"
	}
	held := "released"
	if m.held {
		held = "held"
	}
	sb.WriteString(infoStyle.Render(fmt.Sprintf("%s (%s) • %s", device, held, m.units.Label())))
	sb.WriteString("\n\n")

	sb.WriteString(m.body())
	sb.WriteString("\n\n")

	if m.err != nil {
		sb.WriteString(failureStyle.Render("Error: " + m.err.Error()))
		sb.WriteString("\n\n")
	}
	if path := m.sess.ExportPath(); path != "" && m.state == session.Resulted {
		sb.WriteString(infoStyle.Render("Recording: " + path))
		sb.WriteString("\n\n")
	}

	sb.WriteString(infoStyle.Render(m.help()))
	return sb.String()
}

func (m SessionModel) body() string {
	switch m.state {
	case session.AcquiringInput:
		return "Opening microphone..."
	case session.Collecting:
		return highlightStyle.Render("● Recording") +
			fmt.Sprintf("  %d frames, %.1fs\n\nPress space when the vehicle has passed.", m.frames, m.collecting.Seconds())
	case session.Stopped, session.Estimating:
		return fmt.Sprintf("Estimating... %.1fs", m.estimating.Seconds())
	case session.Resulted:
		if m.ok {
			return speedStyle.Render(m.display)
		}
		return failureStyle.Render(m.display)
	default:
		return "Ready. Press space and record a vehicle passing by."
	}
}

func (m SessionModel) help() string {
	action := "start"
	switch m.state {
	case session.Collecting:
		action = "stop"
	case session.Resulted:
		action = "new measurement"
	}
	return fmt.Sprintf("space: %s • u: units • r: reset • q: quit", action)
}

// RunSession runs the measurement screen until the user quits. build
// receives the program so that session events can be routed into it.
func RunSession(ctx context.Context, device string, build func(Sender) Session) error {
	sender := &lateSender{}
	sess := build(sender)
	p := tea.NewProgram(NewSessionModel(ctx, sess, device), tea.WithAltScreen(), tea.WithContext(ctx))
	sender.set(p)
	_, err := p.Run()
	return err
}

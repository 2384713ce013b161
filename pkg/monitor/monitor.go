// Package monitor is a terminal view of the live rigid body stream.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"natnet/pkg/engine"
	"natnet/pkg/protocol"
	"natnet/pkg/session"
)

// Model is the bubbletea model. Frames arrive through a hub subscription;
// status is polled on each frame for the header line.
type Model struct {
	events <-chan engine.Event
	status func() session.State

	rows     map[int32]protocol.RigidBody
	names    map[int32]string
	frame    int32
	frames   uint64
	lastSeen time.Time
	markers  int
	quitting bool
}

type eventMsg engine.Event

type closedMsg struct{}

func New(events <-chan engine.Event, status func() session.State) Model {
	if status == nil {
		status = func() session.State { return session.State{} }
	}
	return Model{
		events: events,
		status: status,
		rows:   make(map[int32]protocol.RigidBody),
		names:  make(map[int32]string),
	}
}

func (m Model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func waitForEvent(events <-chan engine.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "c":
			m.rows = make(map[int32]protocol.RigidBody)
		}
		return m, nil
	case closedMsg:
		m.quitting = true
		return m, tea.Quit
	case eventMsg:
		m.apply(engine.Event(msg))
		return m, waitForEvent(m.events)
	}
	return m, nil
}

func (m *Model) apply(ev engine.Event) {
	switch ev.Kind {
	case engine.KindFrame:
		if ev.Frame == nil {
			return
		}
		m.frames++
		m.frame = ev.Frame.FrameNumber
		m.lastSeen = ev.Timestamp
		m.markers = len(ev.Frame.LabeledMarkers)
		for _, rb := range ev.Frame.RigidBodies {
			m.rows[rb.ID] = rb
		}
	case engine.KindDescriptions:
		if ev.Descriptions == nil {
			return
		}
		m.names = ev.Descriptions.RigidBodyNames()
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder

	st := m.status()
	fmt.Fprintf(&b, "%s  %s  stream %s  server %s\n",
		orDash(st.ApplicationName), st.Phase, st.ServerStreamVersion, st.ServerAppVersion)
	last := "-"
	if !m.lastSeen.IsZero() {
		last = m.lastSeen.Format("15:04:05.000")
	}
	fmt.Fprintf(&b, "frame %d  received %d  labeled markers %d  last %s\n\n", m.frame, m.frames, m.markers, last)

	fmt.Fprintf(&b, "%-5s %-16s %9s %9s %9s %8s %8s %8s %8s %8s %6s\n",
		"ID", "NAME", "X", "Y", "Z", "QX", "QY", "QZ", "QW", "ERR", "TRK")
	ids := make([]int32, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		rb := m.rows[id]
		tracked := "no"
		if rb.TrackingValid {
			tracked = "yes"
		}
		fmt.Fprintf(&b, "%-5d %-16s %9.4f %9.4f %9.4f %8.4f %8.4f %8.4f %8.4f %8.5f %6s\n",
			id, truncate(orDash(m.names[id]), 16),
			rb.Position.X, rb.Position.Y, rb.Position.Z,
			rb.Rotation.X, rb.Rotation.Y, rb.Rotation.Z, rb.Rotation.W,
			rb.MeanError, tracked)
	}
	if len(ids) == 0 {
		b.WriteString("waiting for rigid bodies...\n")
	}
	b.WriteString("\nq quit  c clear\n")
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}

// Run drives the model until ctx ends, the user quits or events closes.
func Run(ctx context.Context, events <-chan engine.Event, status func() session.State, in io.Reader, out io.Writer) error {
	opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithOutput(out)}
	if in != nil {
		opts = append(opts, tea.WithInput(in))
	}
	p := tea.NewProgram(New(events, status), opts...)
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

package monitor

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"natnet/pkg/engine"
	"natnet/pkg/protocol"
	"natnet/pkg/session"
)

func connectedStatus() session.State {
	return session.State{
		Phase:               session.Connected,
		ApplicationName:     "Motive",
		ServerStreamVersion: protocol.Version4{4, 1, 0, 0},
		ServerAppVersion:    protocol.Version4{3, 0, 1, 0},
	}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	if !ok {
		t.Fatalf("unexpected model type %T", next)
	}
	return out, cmd
}

func TestViewShowsNamedRigidBodies(t *testing.T) {
	events := make(chan engine.Event)
	m := New(events, connectedStatus)

	m, _ = update(t, m, eventMsg(engine.Event{
		Kind:         engine.KindDescriptions,
		Descriptions: &protocol.Descriptions{Datasets: []protocol.Dataset{&protocol.RigidBodyDescription{Name: "Wand", ID: 2}}},
	}))
	m, cmd := update(t, m, eventMsg(engine.Event{
		Kind:      engine.KindFrame,
		Timestamp: time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC),
		Frame: &protocol.Frame{
			FrameNumber: 77,
			RigidBodies: []protocol.RigidBody{
				{ID: 9, Rotation: protocol.Quat{W: 1}},
				{ID: 2, Position: protocol.Vec3{X: 0.5}, Rotation: protocol.Quat{W: 1}, TrackingValid: true},
			},
		},
	}))
	if cmd == nil {
		t.Fatalf("expected a command waiting for the next event")
	}

	view := m.View()
	for _, want := range []string{"Motive", "connected", "stream 4.1.0.0", "frame 77", "received 1", "12:30:00.000", "Wand"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
	wand := strings.Index(view, "Wand")
	unnamed := strings.Index(view, "\n9 ")
	if unnamed < 0 || wand > unnamed {
		t.Fatalf("rows should be sorted by id:\n%s", view)
	}
	if !strings.Contains(view, "0.5000") || !strings.Contains(view, "yes") {
		t.Fatalf("unexpected row contents:\n%s", view)
	}
}

func TestViewBeforeFrames(t *testing.T) {
	m := New(make(chan engine.Event), nil)
	view := m.View()
	if !strings.Contains(view, "waiting for rigid bodies") || !strings.Contains(view, "disconnected") {
		t.Fatalf("unexpected empty view:\n%s", view)
	}
}

func TestClearKeyDropsRows(t *testing.T) {
	m := New(make(chan engine.Event), connectedStatus)
	m, _ = update(t, m, eventMsg(engine.Event{
		Kind:  engine.KindFrame,
		Frame: &protocol.Frame{FrameNumber: 1, RigidBodies: []protocol.RigidBody{{ID: 4}}},
	}))
	if len(m.rows) != 1 {
		t.Fatalf("expected one row, got %d", len(m.rows))
	}
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'c'}})
	if len(m.rows) != 0 {
		t.Fatalf("clear should drop rows, got %d", len(m.rows))
	}
}

func TestQuitOnKeyAndClosedStream(t *testing.T) {
	m := New(make(chan engine.Event), connectedStatus)
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
	if m.View() != "" {
		t.Fatalf("view should be empty after quitting")
	}

	events := make(chan engine.Event)
	close(events)
	m = New(events, connectedStatus)
	if _, ok := m.Init()().(closedMsg); !ok {
		t.Fatalf("closed stream should produce closedMsg")
	}
	_, cmd = update(t, m, closedMsg{})
	if cmd == nil {
		t.Fatalf("expected quit command on closed stream")
	}
}

func TestWaitForEventDeliversEvent(t *testing.T) {
	events := make(chan engine.Event, 1)
	events <- engine.Event{Kind: engine.KindFrame, Frame: &protocol.Frame{FrameNumber: 5}}
	msg := waitForEvent(events)()
	ev, ok := msg.(eventMsg)
	if !ok || ev.Frame.FrameNumber != 5 {
		t.Fatalf("unexpected message %#v", msg)
	}
}

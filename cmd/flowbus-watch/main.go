// flowbus-watch registers a listener on a flowbus engine and renders a
// live table of its streaming queries from the received lifecycle events.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/flowbus/flowbus/bus"
	"github.com/flowbus/flowbus/event"
	"github.com/flowbus/flowbus/internal/log"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62")).Padding(0, 1)
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	idleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	stoppedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// busEventMsg carries one lifecycle event into the Bubble Tea loop.
type busEventMsg struct{ ev event.QueryEvent }

// busDownMsg reports that the bus stopped delivering events.
type busDownMsg struct{ err error }

type tickMsg time.Time

// watchListener forwards every callback to the program as a message; the
// heavy lifting stays on the Bubble Tea side.
type watchListener struct {
	send func(tea.Msg)
}

func (l *watchListener) OnQueryStarted(e event.QueryStartedEvent)       { l.send(busEventMsg{ev: e}) }
func (l *watchListener) OnQueryProgress(e event.QueryProgressEvent)     { l.send(busEventMsg{ev: e}) }
func (l *watchListener) OnQueryIdle(e event.QueryIdleEvent)             { l.send(busEventMsg{ev: e}) }
func (l *watchListener) OnQueryTerminated(e event.QueryTerminatedEvent) { l.send(busEventMsg{ev: e}) }

type queryRow struct {
	id        uuid.UUID
	name      string
	status    string
	batch     int64
	inputRate float64
	rows      int64
	errMsg    string
	updatedAt time.Time
}

type model struct {
	url     string
	rows    map[uuid.UUID]*queryRow
	downErr error
	down    bool
}

func newModel(url string) model {
	return model{url: url, rows: make(map[uuid.UUID]*queryRow)}
}

func (m model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tick()
	case busDownMsg:
		m.down = true
		m.downErr = msg.err
		return m, nil
	case busEventMsg:
		m.apply(msg.ev)
		return m, nil
	}
	return m, nil
}

func (m model) apply(ev event.QueryEvent) {
	row, ok := m.rows[ev.QueryID()]
	if !ok {
		row = &queryRow{id: ev.QueryID()}
		m.rows[ev.QueryID()] = row
	}
	row.updatedAt = time.Now()

	switch e := ev.(type) {
	case event.QueryStartedEvent:
		row.name = e.Name
		row.status = "running"
	case event.QueryProgressEvent:
		row.status = "running"
		row.batch = e.Progress.BatchID
		row.inputRate = e.Progress.InputRowsPerSecond
		row.rows = e.Progress.NumInputRows
		if row.name == "" {
			row.name = e.Progress.Name
		}
	case event.QueryIdleEvent:
		row.status = "idle"
	case event.QueryTerminatedEvent:
		if e.ErrorMessage != nil {
			row.status = "failed"
			row.errMsg = *e.ErrorMessage
		} else {
			row.status = "stopped"
		}
	}
}

func (m model) View() string {
	s := titleStyle.Render("flowbus-watch "+m.url) + "\n\n"
	s += headerStyle.Render(fmt.Sprintf("%-24s %-8s %8s %12s %10s  %s", "QUERY", "STATUS", "BATCH", "ROWS/S", "AGE", "DETAIL")) + "\n"

	rows := make([]*queryRow, 0, len(m.rows))
	for _, r := range m.rows {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].name != rows[j].name {
			return rows[i].name < rows[j].name
		}
		return rows[i].id.String() < rows[j].id.String()
	})

	for _, r := range rows {
		name := r.name
		if name == "" {
			name = r.id.String()[:8]
		}
		detail := r.errMsg
		line := fmt.Sprintf("%-24s %-8s %8d %12.1f %10s  %s",
			truncate(name, 24), r.status, r.batch, r.inputRate,
			time.Since(r.updatedAt).Truncate(time.Second), detail)
		switch r.status {
		case "running":
			s += runningStyle.Render(line)
		case "idle":
			s += idleStyle.Render(line)
		case "failed":
			s += failedStyle.Render(line)
		default:
			s += stoppedStyle.Render(line)
		}
		s += "\n"
	}

	if len(rows) == 0 {
		s += stoppedStyle.Render("waiting for events...") + "\n"
	}
	if m.down {
		s += "\n" + failedStyle.Render(fmt.Sprintf("event stream down: %v", m.downErr)) + "\n"
	}
	s += "\n" + helpStyle.Render("q: quit")
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/ws", "Engine event channel URL")
	token := flag.String("token", "", "Auth token")
	flag.Parse()

	// The TUI owns the terminal; keep zerolog out of it.
	log.Configure(log.Config{Level: "error", Output: io.Discard})

	cfg := bus.DefaultConfig(*url)
	cfg.Token = *token
	b := bus.New(cfg)
	defer b.Close()

	p := tea.NewProgram(newModel(*url), tea.WithAltScreen())

	listener := &watchListener{send: p.Send}
	if _, err := b.AddListener(context.Background(), listener); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register listener: %v\n", err)
		os.Exit(1)
	}

	go func() {
		<-b.Done()
		p.Send(busDownMsg{err: b.Err()})
	}()

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

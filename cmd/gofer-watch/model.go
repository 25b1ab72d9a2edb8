package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/glimte/gofer-go/rmi"
)

const (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	selectedColor  = lipgloss.Color("#374151")
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Bold(true).
			Padding(0, 1).
			Margin(0, 0, 1, 0)

	tabStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 2).
			Margin(0, 1, 0, 0)

	activeTabStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Background(selectedColor).
			Bold(true).
			Padding(0, 2).
			Margin(0, 1, 0, 0)

	succeededStyle = lipgloss.NewStyle().Foreground(secondaryColor).Bold(true)
	runningStyle   = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	failedStyle    = lipgloss.NewStyle().Foreground(errorColor).Bold(true)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(1, 2).
			Margin(1, 0)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Margin(1, 0)
)

type tab int

const (
	repliesTab tab = iota
	pendingTab
)

// state of a request as seen through its replies
type state string

const (
	stateRunning   state = "running"
	stateSucceeded state = "succeeded"
	stateFailed    state = "failed"
)

// row is the latest view of one sn
type row struct {
	sn      string
	origin  string
	state   state
	detail  string
	replies int
	updated time.Time
}

type replyMsg struct {
	sn     string
	origin string
	state  state
	detail string
	at     time.Time
}

type pendingMsg struct {
	pending []rmi.Pending
	err     error
}

type tickMsg struct{}

type model struct {
	ctag     string
	tracker  rmi.Tracker
	interval time.Duration

	activeTab tab
	width     int
	height    int

	rows     map[string]*row
	order    []string
	pending  []rmi.Pending
	selected int
	err      error
}

func newModel(ctag string, tracker rmi.Tracker, interval time.Duration) model {
	return model{
		ctag:     ctag,
		tracker:  tracker,
		interval: interval,
		rows:     make(map[string]*row),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchPending(), m.tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "tab", "right", "shift+tab", "left":
			m.activeTab = (m.activeTab + 1) % 2
			m.selected = 0
		case "up":
			if m.selected > 0 {
				m.selected--
			}
		case "down":
			if m.selected < m.length()-1 {
				m.selected++
			}
		case "c":
			m.clearFinished()
		case "r":
			return m, m.fetchPending()
		}
		return m, nil

	case replyMsg:
		m.apply(msg)
		return m, nil

	case pendingMsg:
		m.err = msg.err
		if msg.err == nil {
			m.pending = msg.pending
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchPending(), m.tickCmd())
	}
	return m, nil
}

// apply folds a reply into its row. A terminal state is never replaced by
// a later status.
func (m *model) apply(msg replyMsg) {
	r, ok := m.rows[msg.sn]
	if !ok {
		r = &row{sn: msg.sn}
		m.rows[msg.sn] = r
		m.order = append(m.order, msg.sn)
	}
	r.replies++
	r.origin = msg.origin
	r.updated = msg.at
	if r.state == stateSucceeded || r.state == stateFailed {
		return
	}
	r.state = msg.state
	r.detail = msg.detail
}

func (m *model) clearFinished() {
	kept := m.order[:0]
	for _, sn := range m.order {
		if m.rows[sn].state == stateRunning {
			kept = append(kept, sn)
			continue
		}
		delete(m.rows, sn)
	}
	m.order = kept
	m.selected = 0
}

func (m model) length() int {
	if m.activeTab == pendingTab {
		return len(m.pending)
	}
	return len(m.order)
}

func (m model) fetchPending() tea.Cmd {
	if m.tracker == nil {
		return nil
	}
	tracker, ctag := m.tracker, m.ctag
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pending, err := tracker.List(ctx, ctag)
		return pendingMsg{pending: pending, err: err}
	}
}

func (m model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	header := headerStyle.Width(m.width - 2).Render("gofer replies: " + m.ctag)
	tabs := lipgloss.JoinHorizontal(lipgloss.Left,
		m.renderTab(fmt.Sprintf("Replies (%d)", len(m.order)), repliesTab),
		m.renderTab(fmt.Sprintf("Pending (%d)", len(m.pending)), pendingTab),
	)

	var content string
	switch m.activeTab {
	case repliesTab:
		content = m.renderReplies()
	case pendingTab:
		content = m.renderPending()
	}

	parts := []string{header, tabs, content}
	if m.err != nil {
		parts = append(parts, failedStyle.Render("Error: "+m.err.Error()))
	}
	parts = append(parts, helpStyle.Render("tab: switch • ↑↓: select • c: clear finished • r: refresh • q: quit"))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m model) renderTab(title string, t tab) string {
	if m.activeTab == t {
		return activeTabStyle.Render(title)
	}
	return tabStyle.Render(title)
}

func (m model) renderReplies() string {
	if len(m.order) == 0 {
		return cardStyle.Render("Waiting for replies...")
	}

	rows := []string{
		fmt.Sprintf("%-36s  %-16s  %-10s  %-7s  %s", "SN", "Agent", "State", "Replies", "Detail"),
		strings.Repeat("─", 100),
	}
	for i, sn := range m.order {
		r := m.rows[sn]
		line := fmt.Sprintf("%-36s  %-16s  %s  %7d  %s",
			truncateString(r.sn, 36),
			truncateString(r.origin, 16),
			stateStyle(r.state).Render(fmt.Sprintf("%-10s", r.state)),
			r.replies,
			truncateString(r.detail, 40),
		)
		if i == m.selected {
			line = lipgloss.NewStyle().Background(selectedColor).Render(line)
		}
		rows = append(rows, line)
	}
	return cardStyle.Render(strings.Join(rows, "\n"))
}

func (m model) renderPending() string {
	if m.tracker == nil {
		return cardStyle.Render("No tracker configured")
	}
	if len(m.pending) == 0 {
		return cardStyle.Render("No pending requests")
	}

	pending := append([]rmi.Pending(nil), m.pending...)
	sort.Slice(pending, func(i, j int) bool { return pending[i].SentAt.Before(pending[j].SentAt) })

	rows := []string{
		fmt.Sprintf("%-36s  %-20s  %-30s  %s", "SN", "Destination", "Method", "Age"),
		strings.Repeat("─", 100),
	}
	for i, p := range pending {
		line := fmt.Sprintf("%-36s  %-20s  %-30s  %s",
			truncateString(p.SN, 36),
			truncateString(p.Destination, 20),
			truncateString(p.Method, 30),
			formatDuration(time.Since(p.SentAt)),
		)
		if i == m.selected {
			line = lipgloss.NewStyle().Background(selectedColor).Render(line)
		}
		rows = append(rows, line)
	}
	return cardStyle.Render(strings.Join(rows, "\n"))
}

func stateStyle(s state) lipgloss.Style {
	switch s {
	case stateSucceeded:
		return succeededStyle
	case stateFailed:
		return failedStyle
	}
	return runningStyle
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%.1fm", d.Minutes())
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	}
	return fmt.Sprintf("%.1fd", d.Hours()/24)
}

func truncateString(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"venue-coordinator/internal/risk"
	"venue-coordinator/internal/storage"
)

var (
	ColorBg      = lipgloss.Color("#0f1c2e")
	ColorBorder  = lipgloss.Color("#2e7de9")
	ColorText    = lipgloss.Color("#a9b1d6")
	ColorActive  = lipgloss.Color("#7aa2f7")
	ColorProfit  = lipgloss.Color("#9ece6a")
	ColorLoss    = lipgloss.Color("#f7768e")
	ColorWarning = lipgloss.Color("#ff9e64")

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorActive)

	StylePane = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)

	StyleTableHeader = lipgloss.NewStyle().Foreground(ColorActive).Bold(true)
	StyleProfit      = lipgloss.NewStyle().Foreground(ColorProfit)
	StyleLoss        = lipgloss.NewStyle().Foreground(ColorLoss)
	StylePending     = lipgloss.NewStyle().Foreground(ColorWarning)
	StyleFooter      = lipgloss.NewStyle().Foreground(ColorText)
)

type KeyMap struct {
	Quit    key.Binding
	Refresh key.Binding
	Tab     key.Binding
}

var keys = KeyMap{
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c")),
	Refresh: key.NewBinding(key.WithKeys("r")),
	Tab:     key.NewBinding(key.WithKeys("tab")),
}

// Model is a read-only dashboard over the coordinator's store. It never
// mutates positions; closes go through the admin API.
type Model struct {
	repo    *storage.DB
	refresh time.Duration

	Width, Height int
	activePane    int // 0=positions, 1=billing

	positions []*storage.Position
	billing   []*storage.BillingEvent
	total     int
	winRate   float64
	totalPnL  float64
	loadErr   string
}

func NewModel(repo *storage.DB, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = 500 * time.Millisecond
	}
	return Model{repo: repo, refresh: refresh}
}

type TickMsg time.Time

type dataMsg struct {
	positions []*storage.Position
	billing   []*storage.BillingEvent
	total     int
	winRate   float64
	totalPnL  float64
	err       error
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tea.SetWindowTitle("Venue Coordinator"),
		m.load(),
		m.tick(),
	)
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return TickMsg(t) })
}

func (m Model) load() tea.Cmd {
	repo := m.repo
	return func() tea.Msg {
		var msg dataMsg
		msg.positions, msg.err = repo.AllOpenPositions()
		if msg.err != nil {
			return msg
		}
		msg.billing, msg.err = repo.RecentBillingEvents(10)
		if msg.err != nil {
			return msg
		}
		msg.total, msg.winRate, msg.totalPnL, msg.err = repo.PositionStats()
		return msg
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, m.load()
		case key.Matches(msg, keys.Tab):
			m.activePane = (m.activePane + 1) % 2
		}
	case tea.WindowSizeMsg:
		m.Width, m.Height = msg.Width, msg.Height
	case TickMsg:
		return m, tea.Batch(m.load(), m.tick())
	case dataMsg:
		if msg.err != nil {
			m.loadErr = msg.err.Error()
			return m, nil
		}
		m.loadErr = ""
		m.positions = msg.positions
		m.billing = msg.billing
		m.total = msg.total
		m.winRate = msg.winRate
		m.totalPnL = msg.totalPnL
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(StylePane.Render(m.renderPositions()))
	b.WriteString("\n")
	b.WriteString(StylePane.Render(m.renderBilling()))
	b.WriteString("\n")
	b.WriteString(StyleFooter.Render("[q]uit  [r]efresh  [tab] switch pane"))
	if m.loadErr != "" {
		b.WriteString("\n")
		b.WriteString(StyleLoss.Render("store error: " + m.loadErr))
	}
	return b.String()
}

func (m Model) renderHeader() string {
	pnl := fmt.Sprintf("%+.2f", m.totalPnL)
	styled := StyleProfit.Render(pnl)
	if m.totalPnL < 0 {
		styled = StyleLoss.Render(pnl)
	}
	return StyleHeader.Render(fmt.Sprintf(
		"POSITIONS open=%d  closed-total=%d  win-rate=%.1f%%  pnl=", len(m.positions), m.total, m.winRate)) + styled
}

func (m Model) renderPositions() string {
	header := fmt.Sprintf("%-10s %-8s %-6s %10s %12s %10s %8s",
		"VENUE", "SYMBOL", "SIDE", "QTY", "ENTRY", "ANCHOR", "STOP")
	rows := []string{StyleTableHeader.Render(header)}

	for _, p := range m.positions {
		anchor := p.HighestPrice
		if p.Side == storage.SideShort {
			anchor = p.LowestPrice
		}
		stop := "-"
		if p.TrailingEnabled {
			d := risk.StopDistance(p.Side, p.EntryPrice, anchor, p.TrailingPct)
			stop = fmt.Sprintf("%.2f%%", d*100)
		}
		row := fmt.Sprintf("%-10s %-8s %-6s %10.4f %12.4f %10.4f %8s",
			p.Venue, truncate(p.TokenSymbol, 8), p.Side, p.Qty, p.EntryPrice, anchor, stop)
		if !p.EntryConfirmed {
			rows = append(rows, StylePending.Render(row+"  (pending fill)"))
			continue
		}
		rows = append(rows, row)
	}
	if len(m.positions) == 0 {
		rows = append(rows, "no open positions")
	}
	return strings.Join(rows, "\n")
}

func (m Model) renderBilling() string {
	rows := []string{StyleTableHeader.Render(fmt.Sprintf("%-14s %-12s %10s %-6s", "KIND", "DEPLOYMENT", "AMOUNT", "ASSET"))}
	for _, ev := range m.billing {
		rows = append(rows, fmt.Sprintf("%-14s %-12s %10s %-6s",
			ev.Kind, truncate(ev.DeploymentID, 12), ev.Amount, ev.Asset))
	}
	if len(m.billing) == 0 {
		rows = append(rows, "no billing events")
	}
	return strings.Join(rows, "\n")
}

func truncate(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

// Package ui is the terminal dashboard of tracked signals and the log tail.
package ui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/internal/notifier"
	"github.com/skalibog/altmap/pkg/logger"
	"github.com/skalibog/altmap/pkg/models"
)

var (
	primaryColor   = lipgloss.Color("#0077cc")
	secondaryColor = lipgloss.Color("#333333")
	errorColor     = lipgloss.Color("#cc3300")
	successColor   = lipgloss.Color("#33cc33")
	warningColor   = lipgloss.Color("#cccc00")
	mutedColor     = lipgloss.Color("#999999")

	appStyle = lipgloss.NewStyle().
			Padding(1, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(primaryColor).
			Padding(0, 1)
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(secondaryColor).
			Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)
	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("#222222"))
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// SignalSource lists the persisted signals, newest first.
type SignalSource interface {
	Signals(ctx context.Context) ([]models.TradeSignal, error)
}

// TermUI renders tracked signals and the JSON log tail
type TermUI struct {
	ctx     context.Context
	source  SignalSource
	format  *notifier.Formatter
	config  config.UIConfig
	showAll bool
}

// NewTermUI creates the dashboard
func NewTermUI(ctx context.Context, cfg config.UIConfig, source SignalSource, format *notifier.Formatter) *TermUI {
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = 1000
	}
	if cfg.LogLines <= 0 {
		cfg.LogLines = 50
	}
	return &TermUI{ctx: ctx, source: source, format: format, config: cfg}
}

// Start blocks until the user quits or the context ends.
func (ui *TermUI) Start() error {
	program := tea.NewProgram(ui.model(), tea.WithAltScreen(), tea.WithContext(ui.ctx))
	_, err := program.Run()
	return err
}

type snapshotMsg struct {
	signals []models.TradeSignal
	logs    []string
	err     error
}

type tickMsg time.Time

type model struct {
	ui       *TermUI
	signals  []models.TradeSignal
	logs     []string
	err      error
	selected int
	width    int
	now      time.Time
}

func (ui *TermUI) model() model {
	return model{ui: ui, logs: []string{"altmap started. Waiting for data..."}, width: 120, now: time.Now()}
}

func (ui *TermUI) load() tea.Msg {
	signals, err := ui.source.Signals(ui.ctx)
	logs, lerr := loadLogTail(ui.config.LogFile, ui.config.LogLines)
	if lerr != nil {
		logger.Warn("Failed to read log file", zap.String("path", ui.config.LogFile), zap.Error(lerr))
	}
	return snapshotMsg{signals: signals, logs: logs, err: err}
}

func (ui *TermUI) tick() tea.Cmd {
	return tea.Tick(time.Duration(ui.config.RefreshRate)*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.ui.load, m.ui.tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up":
			m.selected = max(0, m.selected-1)
		case "down":
			m.selected = min(len(m.visible())-1, m.selected+1)
		case "a":
			m.ui.showAll = !m.ui.showAll
			m.selected = 0
		case "r":
			return m, m.ui.load
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.now = time.Time(msg)
		return m, tea.Batch(m.ui.load, m.ui.tick())
	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.signals = msg.signals
		}
		if len(msg.logs) > 0 {
			m.logs = msg.logs
		}
		m.selected = max(0, min(m.selected, len(m.visible())-1))
	}
	return m, nil
}

// visible returns open signals, or every stored one when toggled.
func (m model) visible() []models.TradeSignal {
	if m.ui.showAll {
		return m.signals
	}
	var open []models.TradeSignal
	for _, s := range m.signals {
		if s.Status == models.StatusOpen {
			open = append(open, s)
		}
	}
	return open
}

func (m model) View() string {
	scope := "OPEN SIGNALS"
	if m.ui.showAll {
		scope = "ALL SIGNALS"
	}
	return appStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("ALTMAP - multi-timeframe signal tracker"),
			"",
			renderSignals(scope, m.visible(), m.selected, m.ui.format, m.now, m.err),
			"",
			renderLogs(m.logs),
			footerStyle.Render("Keys: ↑/↓ select, A open/all, R reload, Q quit"),
		),
	)
}

// signalRow is one line of the signal table, uncolored.
func signalRow(s models.TradeSignal, f *notifier.Formatter, now time.Time) string {
	entries := f.Price(s.Pair, s.Entry1)
	if s.Entry2 > 0 {
		entries += "-" + f.Price(s.Pair, s.Entry2)
	}
	hits := make([]int, len(s.HitTP))
	copy(hits, s.HitTP)
	sort.Ints(hits)
	hitText := fmt.Sprintf("%d/%d", len(hits), len(s.TakeProfits))

	return fmt.Sprintf("%-12s %-5s %-22s SL %-12s TP %-5s %-9s %s",
		s.Pair, strings.ToUpper(s.Direction), entries, f.Price(s.Pair, s.StopLoss), hitText, s.Status, age(now.Sub(s.SentAt)))
}

func age(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

func statusStyle(s models.TradeSignal) lipgloss.Style {
	switch s.Status {
	case models.StatusOpen:
		if s.Direction == models.Short {
			return lipgloss.NewStyle().Foreground(errorColor)
		}
		return lipgloss.NewStyle().Foreground(successColor)
	case models.StatusClosed:
		return lipgloss.NewStyle().Foreground(successColor).Bold(true)
	case models.StatusStopped, models.StatusReversed:
		return lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	default:
		return lipgloss.NewStyle().Foreground(mutedColor)
	}
}

func renderSignals(title string, signals []models.TradeSignal, selected int, f *notifier.Formatter, now time.Time, err error) string {
	var content strings.Builder
	if err != nil {
		content.WriteString(lipgloss.NewStyle().Foreground(errorColor).Render("  state unavailable: "+err.Error()) + "\n")
	}
	if len(signals) == 0 {
		content.WriteString("  No signals yet.\n")
	}
	for i, s := range signals {
		line := statusStyle(s).Render(signalRow(s, f, now))
		if i == selected {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		content.WriteString(line + "\n")
	}
	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render(title), content.String()))
}

func renderLogs(logs []string) string {
	var content strings.Builder
	for _, line := range logs {
		switch {
		case strings.Contains(line, "[ERROR]"):
			line = lipgloss.NewStyle().Foreground(errorColor).Render(line)
		case strings.Contains(line, "[WARN]"):
			line = lipgloss.NewStyle().Foreground(warningColor).Render(line)
		case strings.Contains(line, "[INFO]"):
			line = lipgloss.NewStyle().Foreground(successColor).Render(line)
		case strings.Contains(line, "[DEBUG]"):
			line = lipgloss.NewStyle().Foreground(lipgloss.Color("#9999ff")).Render(line)
		}
		content.WriteString("  " + line + "\n")
	}
	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render("LOGS"), content.String()))
}

// formatLogLine turns one zap JSON entry into "[time] [LEVEL] msg (k: v)".
// Lines that are not JSON are returned as they are.
func formatLogLine(line string) string {
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return line
	}
	level, _ := entry["level"].(string)
	ts, _ := entry["ts"].(string)
	msg, _ := entry["msg"].(string)
	level = ansiRegex.ReplaceAllString(level, "")

	stamp := ""
	if t, err := time.Parse("02.01.2006 - 15:04:05.999999999Z07:00", ts); err == nil {
		stamp = t.Format("15:04:05")
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		if k != "level" && k != "ts" && k != "msg" && k != "caller" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := fmt.Sprintf("[%s] [%s] %s", stamp, level, msg)
	for _, k := range keys {
		out += fmt.Sprintf(" (%s: %v)", k, entry[k])
	}
	return out
}

// loadLogTail returns the last n formatted lines of path. A missing file is
// not an error.
func loadLogTail(path string, n int) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	for i, line := range lines {
		lines[i] = formatLogLine(line)
	}
	return lines, nil
}

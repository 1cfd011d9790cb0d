package ui

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/internal/notifier"
	"github.com/skalibog/altmap/pkg/models"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type staticSource []models.TradeSignal

func (s staticSource) Signals(context.Context) ([]models.TradeSignal, error) {
	return s, nil
}

func TestFormatLogLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{
			`{"level":"\u001b[34mINFO\u001b[0m","ts":"01.06.2024 - 12:30:05.000000000Z","caller":"x.go:1","msg":"Block done","signals":2,"block":"majors"}`,
			"[12:30:05] [INFO] Block done (block: majors) (signals: 2)",
		},
		{"plain text line", "plain text line"},
	}
	for _, tt := range tests {
		if got := formatLogLine(tt.in); got != tt.want {
			t.Errorf("formatLogLine = %q, want %q", got, tt.want)
		}
	}
}

func TestLoadLogTailKeepsLastLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.json.log")
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString("line " + string(rune('a'+i)) + "\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	lines, err := loadLogTail(path, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 || lines[0] != "line h" || lines[2] != "line j" {
		t.Errorf("tail = %v", lines)
	}

	if lines, err := loadLogTail(filepath.Join(t.TempDir(), "missing"), 3); err != nil || lines != nil {
		t.Errorf("missing file = %v, %v", lines, err)
	}
}

func TestSignalRow(t *testing.T) {
	f := notifier.NewFormatter(config.Default().Precision, 12*time.Hour)
	s := models.TradeSignal{
		Pair: "LINK/USDT", Direction: models.Long, Entry1: 14.5, Entry2: 14.2, StopLoss: 13.9,
		TakeProfits: []float64{15, 15.5, 16}, HitTP: []int{1},
		Status: models.StatusOpen, SentAt: t0,
	}
	row := signalRow(s, f, t0.Add(3*time.Hour+5*time.Minute))
	for _, want := range []string{"LINK/USDT", "LONG", "14.500-14.200", "SL 13.900", "TP 1/3", "open", "3h05m"} {
		if !strings.Contains(row, want) {
			t.Errorf("row %q missing %q", row, want)
		}
	}
}

func TestModelTogglesOpenAndAll(t *testing.T) {
	source := staticSource{
		{Pair: "BTC/USDT", Direction: models.Long, Status: models.StatusOpen, SentAt: t0},
		{Pair: "ETH/USDT", Direction: models.Short, Status: models.StatusStopped, SentAt: t0},
	}
	ui := NewTermUI(context.Background(), config.UIConfig{}, source, notifier.NewFormatter(config.Default().Precision, time.Hour))
	var m tea.Model = ui.model()

	m, _ = m.Update(ui.load())
	if got := len(m.(model).visible()); got != 1 {
		t.Fatalf("open rows = %d, want 1", got)
	}
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'a'}})
	if got := len(m.(model).visible()); got != 2 {
		t.Errorf("all rows = %d, want 2", got)
	}
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	if m.(model).selected != 1 {
		t.Errorf("selected = %d, want 1", m.(model).selected)
	}
	if !strings.Contains(m.View(), "ETH/USDT") {
		t.Error("view is missing the stopped signal")
	}
}

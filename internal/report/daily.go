// Package report builds the once-a-day PnL summary.
package report

import (
	"context"
	"fmt"
	"html"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/internal/notifier"
	"github.com/skalibog/altmap/pkg/logger"
	"github.com/skalibog/altmap/pkg/models"
)

// Store is the part of the repository the report reads and guards with.
type Store interface {
	PnLSince(ctx context.Context, since time.Time) ([]models.PnLEvent, error)
	ReportState(ctx context.Context) (models.ReportState, error)
	SaveReportState(ctx context.Context, st models.ReportState) error
}

// PairResult is one pair's summed contribution.
type PairResult struct {
	Pair string
	Pct  float64
}

// Summary aggregates PnL events
type Summary struct {
	Total  float64
	Events int
	Wins   int
	Losses int
	Top    []PairResult
}

// Aggregate sums weighted contributions and ranks pairs by absolute result.
func Aggregate(events []models.PnLEvent, top int) Summary {
	var s Summary
	byPair := make(map[string]float64)
	for _, ev := range events {
		if !models.Defined(ev.Pct) {
			continue
		}
		realized := ev.Contribution()
		s.Total += realized
		s.Events++
		if realized >= 0 {
			s.Wins++
		} else {
			s.Losses++
		}
		pair := ev.Pair
		if pair == "" {
			pair = "N/A"
		}
		byPair[pair] += realized
	}

	for pair, pct := range byPair {
		s.Top = append(s.Top, PairResult{Pair: pair, Pct: pct})
	}
	sort.Slice(s.Top, func(i, j int) bool {
		ai, aj := math.Abs(s.Top[i].Pct), math.Abs(s.Top[j].Pct)
		if ai != aj {
			return ai > aj
		}
		return s.Top[i].Pair < s.Top[j].Pair
	})
	if top > 0 && len(s.Top) > top {
		s.Top = s.Top[:top]
	}
	return s
}

func pct(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2) + "%"
}

// Render formats the summary as an HTML message.
func Render(s Summary, now time.Time, window time.Duration) string {
	hours := int(window / time.Hour)
	if s.Events == 0 {
		return fmt.Sprintf("📊 <b>PnL REPORT %dH</b>: no closed portions in the last %d hours.", hours, hours)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>PnL REPORT %dH</b> (as of %s)\n", hours, now.UTC().Format("2006-01-02 15:04 UTC"))
	fmt.Fprintf(&b, "• Total P/L (weighted): <b>%s</b>\n", pct(s.Total))
	fmt.Fprintf(&b, "• Closed portions: %d (win %d / loss %d)", s.Events, s.Wins, s.Losses)
	if len(s.Top) > 0 {
		b.WriteString("\n• Top contributors:")
		for _, p := range s.Top {
			fmt.Fprintf(&b, "\n  - %s: %s", html.EscapeString(p.Pair), pct(p.Pct))
		}
	}
	return b.String()
}

// Daily sends the summary once per UTC day inside the configured window
type Daily struct {
	store     Store
	messenger notifier.Messenger
	cfg       config.ReportConfig
}

// NewDaily creates the daily reporter
func NewDaily(store Store, messenger notifier.Messenger, cfg config.ReportConfig) *Daily {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if cfg.TopPairs <= 0 {
		cfg.TopPairs = 10
	}
	return &Daily{store: store, messenger: messenger, cfg: cfg}
}

// Due reports whether now falls inside the send window.
func (d *Daily) Due(now time.Time) bool {
	now = now.UTC()
	if now.Hour() != d.cfg.Hour {
		return false
	}
	return now.Minute() <= int(d.cfg.WindowLength/time.Minute)
}

// SendIfDue sends the report when inside the window and not yet sent today.
// It returns whether a report went out.
func (d *Daily) SendIfDue(ctx context.Context, now time.Time) (bool, error) {
	if !d.cfg.Enabled || !d.Due(now) {
		return false, nil
	}
	today := now.UTC().Format(time.DateOnly)
	st, err := d.store.ReportState(ctx)
	if err != nil {
		return false, err
	}
	if st.LastDate == today {
		return false, nil
	}

	events, err := d.store.PnLSince(ctx, now.Add(-d.cfg.Lookback))
	if err != nil {
		return false, err
	}
	summary := Aggregate(events, d.cfg.TopPairs)
	if _, err := d.messenger.Dispatch(ctx, Render(summary, now, d.cfg.Lookback), 0); err != nil {
		// guard stays unset so the next block inside the window retries
		return false, fmt.Errorf("send daily report: %w", err)
	}
	logger.Info("Daily report sent",
		zap.String("date", today),
		zap.Int("events", summary.Events),
		zap.Float64("total_pct", summary.Total))

	if err := d.store.SaveReportState(ctx, models.ReportState{LastDate: today}); err != nil {
		return true, fmt.Errorf("save report state: %w", err)
	}
	return true, nil
}

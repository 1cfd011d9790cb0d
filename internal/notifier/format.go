package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/pkg/models"
)

// Formatter renders messages with the per-asset precision table
type Formatter struct {
	precision config.PrecisionConfig
	timeout   time.Duration
}

// NewFormatter creates a formatter. timeout is quoted in expiry messages.
func NewFormatter(precision config.PrecisionConfig, timeout time.Duration) *Formatter {
	return &Formatter{precision: precision, timeout: timeout}
}

// Price renders v with the decimals of the pair's group.
func (f *Formatter) Price(pair string, v float64) string {
	return decimal.NewFromFloat(v).StringFixed(int32(f.precision.Decimals(pair)))
}

func (f *Formatter) prices(pair string, vs []float64) string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = f.Price(pair, v)
	}
	return strings.Join(out, ", ")
}

func text(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return html.EscapeString(s)
}

// Signal renders a new trade signal.
func (f *Formatter) Signal(sig models.TradeSignal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s | %s</b>\n", html.EscapeString(sig.Pair), strings.ToUpper(sig.Direction))

	entry := f.Price(sig.Pair, sig.Entry1)
	if sig.Entry2 > 0 {
		entry += " / " + f.Price(sig.Pair, sig.Entry2)
	}
	fmt.Fprintf(&b, "🎯 <b>Entry:</b> %s\n", entry)
	fmt.Fprintf(&b, "📉 <b>SL:</b> %s\n", f.Price(sig.Pair, sig.StopLoss))
	fmt.Fprintf(&b, "💰 <b>TPs:</b> %s\n", f.prices(sig.Pair, sig.TakeProfits))

	confidence := "-"
	if sig.Confidence > 0 {
		confidence = fmt.Sprintf("%.0f%%", sig.Confidence)
	}
	fmt.Fprintf(&b, "🧭 <b>Strategy:</b> %s | <b>Confidence:</b> %s\n", text(sig.StrategyType), confidence)
	fmt.Fprintf(&b, "⚖️ <b>Risk:</b> %s | <b>Leverage:</b> %s\n", text(sig.RiskLevel), text(sig.Leverage))
	fmt.Fprintf(&b, "🔍 <b>Key Watch:</b> %s", text(sig.KeyWatch))
	if sig.Assessment != "" {
		fmt.Fprintf(&b, "\n🧠 <b>Assessment:</b> %s", html.EscapeString(sig.Assessment))
	}
	return b.String()
}

// Resignal renders a same-direction repeat of an open signal.
func (f *Formatter) Resignal(sig models.TradeSignal) string {
	return fmt.Sprintf("🔁 <b>%s</b> resignal: the %s setup is confirmed again\n\n%s",
		html.EscapeString(sig.Pair), sig.Direction, f.Signal(sig))
}

// Cancel renders the notice for a signal replaced by an opposite one.
func (f *Formatter) Cancel(sig models.TradeSignal) string {
	return fmt.Sprintf("🚫 <b>%s</b> %s canceled: a new opposite signal was issued.",
		html.EscapeString(sig.Pair), strings.ToUpper(sig.Direction))
}

// Transition renders one lifecycle event.
func (f *Formatter) Transition(sig models.TradeSignal, tr models.Transition) string {
	pair := html.EscapeString(sig.Pair)
	switch tr.Kind {
	case models.EventStopLoss:
		return fmt.Sprintf("🚩 <b>%s</b> hit Stop Loss at %s", pair, f.Price(sig.Pair, tr.Price))
	case models.EventReversed:
		return fmt.Sprintf("↩️ <b>%s</b> 4H trend reversed. %s signal closed at %s.",
			pair, capitalize(sig.Direction), f.Price(sig.Pair, tr.Price))
	case models.EventTakeProfit:
		return fmt.Sprintf("✅ <b>%s</b> reached TP%d at %s", pair, tr.Rung, f.Price(sig.Pair, tr.Price))
	case models.EventClosed:
		return fmt.Sprintf("🎯 <b>%s</b> hit every target, signal closed.", pair)
	case models.EventTimeout:
		return fmt.Sprintf("⏳ <b>%s</b> price never reached the entry within %s, signal expired.",
			pair, durationText(f.timeout))
	case models.EventCanceled:
		return f.Cancel(sig)
	}
	return fmt.Sprintf("<b>%s</b> %s at %s", pair, tr.Kind, f.Price(sig.Pair, tr.Price))
}

// Failure renders a batch error for the fallback chat.
func (f *Formatter) Failure(scope string, err error) string {
	return fmt.Sprintf("⚠️ <b>%s</b> failed: %s", html.EscapeString(scope), html.EscapeString(err.Error()))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func durationText(d time.Duration) string {
	if d <= 0 {
		return "the entry window"
	}
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return d.String()
}

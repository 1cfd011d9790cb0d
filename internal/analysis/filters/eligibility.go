package filters

import (
	"math"

	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/pkg/models"
)

// Eligibility is the diagnostic record of the daily short-bias guard.
type Eligibility struct {
	Close        float64 `json:"close"`
	MA50         float64 `json:"ma50"`
	SlopeMA50    float64 `json:"slope_ma50"`
	PctBelowMA50 float64 `json:"pct_below_ma50"`
	HigherHigh   bool    `json:"higher_high"`
	BelowAndDown bool    `json:"below_and_falling"`
	ShortBias    bool    `json:"short_bias"`
}

// ShortBias flags an asset stuck in a persistent daily downtrend. candles must
// carry MA50. A failing result means only short signals are eligible.
func ShortBias(candles []models.Candle, cfg config.FilterConfig) (models.FilterResult, Eligibility) {
	var e Eligibility
	if len(candles) == 0 {
		return insufficient(NameShortBias), e
	}
	last := candles[len(candles)-1]
	e.Close, e.MA50 = last.Close, last.MA50
	if !models.Defined(last.MA50) {
		e.MA50 = 0
		return insufficient(NameShortBias), e
	}

	var ma []float64
	for _, c := range tail(candles, 30) {
		if models.Defined(c.MA50) {
			ma = append(ma, c.MA50)
		}
	}
	if len(ma) >= 5 {
		e.SlopeMA50 = linregSlope(ma)
	}
	e.BelowAndDown = last.Close < last.MA50 && e.SlopeMA50 < 0

	window := cfg.ShortBiasWindow
	recent := tail(candles, window)
	below := 0
	for _, c := range recent {
		if models.Defined(c.MA50) && c.Close < c.MA50 {
			below++
		}
	}
	e.PctBelowMA50 = float64(below) / float64(len(recent))
	e.HigherHigh = hasHigherHigh(candles, window)

	e.ShortBias = e.BelowAndDown && e.PctBelowMA50 >= cfg.ShortBiasBelowPct && !e.HigherHigh
	if e.ShortBias {
		return block(NameShortBias, "short_only below=%.0f%% slope=%.4g", e.PctBelowMA50*100, e.SlopeMA50), e
	}
	return pass(NameShortBias, "two_way"), e
}

// hasHigherHigh compares the highest high of the newer half of the window with the older half.
func hasHigherHigh(candles []models.Candle, window int) bool {
	if len(candles) < 40 {
		return false
	}
	last := tail(candles, window)
	mid := len(last) / 2
	a, b := math.Inf(-1), math.Inf(-1)
	for _, c := range last[:mid] {
		a = math.Max(a, c.High)
	}
	for _, c := range last[mid:] {
		b = math.Max(b, c.High)
	}
	return b > a
}

func linregSlope(y []float64) float64 {
	n := float64(len(y))
	if n < 2 {
		return 0
	}
	xMean := (n - 1) / 2
	yMean := 0.0
	for _, v := range y {
		yMean += v
	}
	yMean /= n
	num, den := 0.0, 0.0
	for i, v := range y {
		dx := float64(i) - xMean
		num += dx * (v - yMean)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func tail(candles []models.Candle, n int) []models.Candle {
	if n <= 0 || n >= len(candles) {
		return candles
	}
	return candles[len(candles)-n:]
}

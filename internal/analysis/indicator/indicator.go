package indicator

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/skalibog/altmap/pkg/models"
)

// Params holds the indicator periods
type Params struct {
	RSIPeriod      int
	MAFast         int
	MASlow         int
	BBPeriod       int
	ATRPeriod      int
	SRWindow       int
	SRToleranceATR float64
	SlopeWindow    int
	Lookback       int
	SwingWindow    int
}

// DefaultParams returns the periods used everywhere in the scanner.
func DefaultParams() Params {
	return Params{
		RSIPeriod:      14,
		MAFast:         20,
		MASlow:         50,
		BBPeriod:       20,
		ATRPeriod:      14,
		SRWindow:       20,
		SRToleranceATR: 0.6,
		SlopeWindow:    5,
		Lookback:       20,
		SwingWindow:    20,
	}
}

func undefinedSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = models.Undefined
	}
	return out
}

// SMA is undefined for the first period-1 positions.
func SMA(values []float64, period int) []float64 {
	out := undefinedSeries(len(values))
	if period < 1 || len(values) < period {
		return out
	}
	sma := talib.Sma(values, period)
	copy(out[period-1:], sma[period-1:])
	return out
}

// RSI uses Wilder smoothing seeded with the plain mean of the first period deltas.
// The first defined value sits at index period.
func RSI(values []float64, period int) []float64 {
	out := undefinedSeries(len(values))
	if period < 1 || len(values) <= period {
		return out
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	p := float64(period)
	gain /= p
	loss /= p
	out[period] = rsiValue(gain, loss)

	for i := period + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		gain = (gain*(p-1) + g) / p
		loss = (loss*(p-1) + l) / p
		out[i] = rsiValue(gain, loss)
	}
	return out
}

// rsiValue saturates to 100 without losses and sits at 50 on a flat series.
func rsiValue(gain, loss float64) float64 {
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	return 100 - 100/(1+gain/loss)
}

// BollingerBands returns lower, mid and upper bands at two population deviations.
func BollingerBands(values []float64, period int) ([]float64, []float64, []float64) {
	lower, mid, upper := undefinedSeries(len(values)), undefinedSeries(len(values)), undefinedSeries(len(values))
	if period < 2 || len(values) < period {
		return lower, mid, upper
	}
	u, m, l := talib.BBands(values, period, 2.0, 2.0, talib.SMA)
	copy(lower[period-1:], l[period-1:])
	copy(mid[period-1:], m[period-1:])
	copy(upper[period-1:], u[period-1:])
	return lower, mid, upper
}

// ATR is Wilder smoothed. The first candle has no true range so the first
// defined value sits at index period.
func ATR(candles []models.Candle, period int) []float64 {
	out := undefinedSeries(len(candles))
	if period < 2 || len(candles) <= period {
		return out
	}
	highs, lows, closes := make([]float64, len(candles)), make([]float64, len(candles)), make([]float64, len(candles))
	for i, c := range candles {
		highs[i], lows[i], closes[i] = c.High, c.Low, c.Close
	}
	atr := talib.Atr(highs, lows, closes, period)
	copy(out[period:], atr[period:])
	return out
}

// Closes extracts the close prices.
func Closes(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Enrich returns a copy of candles with every indicator attached and SR
// levels on the last candle.
func Enrich(candles []models.Candle, p Params) []models.Candle {
	out := make([]models.Candle, len(candles))
	copy(out, candles)
	if len(out) == 0 {
		return out
	}

	closes := Closes(out)
	rsi := RSI(closes, p.RSIPeriod)
	ma20 := SMA(closes, p.MAFast)
	ma50 := SMA(closes, p.MASlow)
	lower, mid, upper := BollingerBands(closes, p.BBPeriod)
	atr := ATR(out, p.ATRPeriod)

	for i := range out {
		out[i].RSI = rsi[i]
		out[i].MA20 = ma20[i]
		out[i].MA50 = ma50[i]
		out[i].BBLower, out[i].BBMid, out[i].BBUpper = lower[i], mid[i], upper[i]
		out[i].ATR = atr[i]
		out[i].SRLevels = nil
	}
	out[len(out)-1].SRLevels = DetectSupportResistance(out, p.SRWindow, p.SRToleranceATR)
	return out
}

// ClassifyTrend reads the ordering of close, MA20 and MA50 on the last candle.
func ClassifyTrend(candles []models.Candle) string {
	if len(candles) == 0 {
		return models.TrendUnknown
	}
	last := candles[len(candles)-1]
	if !models.Defined(last.MA20) {
		return models.TrendUnknown
	}
	switch {
	case last.Close > last.MA20 && last.MA20 > last.MA50:
		return models.TrendUp
	case last.Close < last.MA20 && last.MA20 < last.MA50:
		return models.TrendDown
	default:
		return models.TrendSideways
	}
}

// CandleSignal detects an engulfing pair or a doji on the last candle.
func CandleSignal(candles []models.Candle) string {
	n := len(candles)
	if n == 0 {
		return models.PatternNone
	}
	cur := candles[n-1]
	if n >= 2 {
		prev := candles[n-2]
		if prev.Close < prev.Open && cur.Close > cur.Open && cur.Open <= prev.Close && cur.Close >= prev.Open {
			return models.PatternBullishEngulfing
		}
		if prev.Close > prev.Open && cur.Close < cur.Open && cur.Open >= prev.Close && cur.Close <= prev.Open {
			return models.PatternBearishEngulfing
		}
	}
	if rng := cur.High - cur.Low; rng > 0 && math.Abs(cur.Close-cur.Open) <= 0.1*rng {
		return models.PatternDoji
	}
	return models.PatternNone
}

// ShortTermMomentum computes the four 1H ratios against the average of the
// lookback bars before the last one.
func ShortTermMomentum(candles []models.Candle, lookback int) models.Momentum {
	m := models.UndefinedMomentum()
	n := len(candles)
	if n >= 2 && candles[n-2].Close != 0 {
		m.PctChange1H = (candles[n-1].Close - candles[n-2].Close) / candles[n-2].Close * 100
	}

	width := make([]float64, n)
	atr := make([]float64, n)
	vol := make([]float64, n)
	for i, c := range candles {
		width[i], atr[i], vol[i] = c.BBWidth(), c.ATR, c.Volume
	}
	m.BBWidthRatio = trailingRatio(width, lookback)
	m.ATRSpikeRatio = trailingRatio(atr, lookback)
	m.VolumeSpikeRatio = trailingRatio(vol, lookback)
	return m
}

func trailingRatio(series []float64, lookback int) float64 {
	n := len(series)
	if lookback < 1 || n < lookback+1 {
		return models.Undefined
	}
	last := series[n-1]
	if !models.Defined(last) {
		return models.Undefined
	}
	sum := 0.0
	for _, v := range series[n-1-lookback : n-1] {
		if !models.Defined(v) {
			return models.Undefined
		}
		sum += v
	}
	avg := sum / float64(lookback)
	if avg == 0 {
		return models.Undefined
	}
	return last / avg
}

// Slopes is the per-bar change of each indicator over window bars.
func Slopes(candles []models.Candle, window int) models.Slopes {
	s := models.UndefinedSlopes()
	n := len(candles)
	if window < 1 || n <= window {
		return s
	}
	now, then := candles[n-1], candles[n-1-window]
	slope := func(a, b float64) float64 {
		if !models.Defined(a) || !models.Defined(b) {
			return models.Undefined
		}
		return (a - b) / float64(window)
	}
	s.MA20 = slope(now.MA20, then.MA20)
	s.MA50 = slope(now.MA50, then.MA50)
	s.RSI = slope(now.RSI, then.RSI)
	s.BBWidth = slope(now.BBWidth(), then.BBWidth())
	s.ATR = slope(now.ATR, then.ATR)
	return s
}

// SwingExtremes returns the highest high and lowest low of the last window
// candles, zero when there are none.
func SwingExtremes(candles []models.Candle, window int) (float64, float64) {
	if len(candles) == 0 || window < 1 {
		return 0, 0
	}
	start := len(candles) - window
	if start < 0 {
		start = 0
	}
	hi, lo := candles[start].High, candles[start].Low
	for _, c := range candles[start+1:] {
		hi = math.Max(hi, c.High)
		lo = math.Min(lo, c.Low)
	}
	return hi, lo
}

// Snapshot summarizes an enriched series. Momentum is only attached to 1H.
func Snapshot(timeframe string, enriched []models.Candle, p Params) models.TimeframeSnapshot {
	snap := models.TimeframeSnapshot{
		Timeframe:    timeframe,
		Trend:        ClassifyTrend(enriched),
		CandleSignal: CandleSignal(enriched),
		Slopes:       Slopes(enriched, p.SlopeWindow),
		Bars:         len(enriched),
	}
	if len(enriched) > 0 {
		snap.Last = enriched[len(enriched)-1]
	} else {
		snap.Last = models.NewCandle(time.Time{}, 0, 0, 0, 0, 0)
	}
	snap.SwingHigh, snap.SwingLow = SwingExtremes(enriched, p.SwingWindow)
	if timeframe == models.TF1H {
		m := ShortTermMomentum(enriched, p.Lookback)
		snap.Momentum = &m
	}
	return snap
}

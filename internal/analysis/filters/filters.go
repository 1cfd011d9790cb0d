package filters

import (
	"fmt"
	"math"
	"time"

	"github.com/skalibog/altmap/internal/analysis/indicator"
	"github.com/skalibog/altmap/internal/analysis/softhtf"
	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/pkg/models"
)

// Filter names
const (
	NameAntiFOMO   = "anti_fomo"
	NameRSIRegime  = "rsi_regime"
	NameExhaustion = "exhaustion_cooldown"
	NameSFP        = "sfp"
	NameRetest     = "breakout_retest"
	NameMultiTF    = "multi_tf_alignment"
	NameDebounce   = "debounce"
	NameShortBias  = "short_bias"
	NameLiquidity  = "liquidity_floor"
	NameCooldown   = "cooldown"
)

// ReasonInsufficient marks a gate that could not evaluate and let the candidate through.
const ReasonInsufficient = "insufficient"

func pass(name, reason string) models.FilterResult {
	return models.FilterResult{Name: name, Pass: true, Reason: reason}
}

func block(name, format string, args ...any) models.FilterResult {
	return models.FilterResult{Name: name, Pass: false, Reason: fmt.Sprintf(format, args...)}
}

func insufficient(name string) models.FilterResult {
	return pass(name, ReasonInsufficient)
}

// distanceATR is (close - ma20) in ATR units, positive above MA20.
func distanceATR(c models.Candle) (float64, bool) {
	if !models.Defined(c.MA20) || !models.Defined(c.ATR) || c.ATR == 0 || c.Close == 0 {
		return 0, false
	}
	return (c.Close - c.MA20) / c.ATR, true
}

// AntiFOMO blocks when price is stretched too far above MA20.
// A close below MA20 is never chasing.
func AntiFOMO(snap models.TimeframeSnapshot, cfg config.FilterConfig) models.FilterResult {
	dist, ok := distanceATR(snap.Last)
	if !ok {
		return insufficient(NameAntiFOMO)
	}
	if dist > cfg.AntiFOMODistATR {
		return block(NameAntiFOMO, "dist=%.2fATR", dist)
	}
	return pass(NameAntiFOMO, "ok")
}

// RSIRegime blocks an overbought blow-off inside a daily uptrend.
func RSIRegime(snap models.TimeframeSnapshot, trend1D string, cfg config.FilterConfig) models.FilterResult {
	dist, ok := distanceATR(snap.Last)
	if !ok || !models.Defined(snap.Last.RSI) {
		return insufficient(NameRSIRegime)
	}
	dist = math.Abs(dist)
	if trend1D == models.TrendUp && snap.Last.RSI > cfg.RSIOverheat && dist > cfg.RSIDistanceATR {
		return block(NameRSIRegime, "rsi_overheat:%.1f|dist:%.2fATR", snap.Last.RSI, dist)
	}
	return pass(NameRSIRegime, "ok")
}

// ExhaustionCooldown blocks a simultaneous ATR and volume spike.
func ExhaustionCooldown(m *models.Momentum, cfg config.FilterConfig) models.FilterResult {
	if m == nil || !models.Defined(m.ATRSpikeRatio) || !models.Defined(m.VolumeSpikeRatio) {
		return insufficient(NameExhaustion)
	}
	if m.ATRSpikeRatio > cfg.ExhaustionATR && m.VolumeSpikeRatio > cfg.ExhaustionVolume {
		return block(NameExhaustion, "atr_spike=%.2f vol_spike=%.2f", m.ATRSpikeRatio, m.VolumeSpikeRatio)
	}
	return pass(NameExhaustion, "ok")
}

// SwingFailure blocks when the last candle sweeps the lookback range and
// closes back inside it. The range excludes the last candle.
func SwingFailure(candles []models.Candle, cfg config.FilterConfig) models.FilterResult {
	n := len(candles)
	lookback := cfg.SFPLookback
	if lookback > n-1 {
		lookback = n - 1
	}
	if lookback < 5 {
		return insufficient(NameSFP)
	}
	window := candles[n-1-lookback : n-1]
	hi, lo := window[0].High, window[0].Low
	for _, c := range window[1:] {
		hi = math.Max(hi, c.High)
		lo = math.Min(lo, c.Low)
	}
	last := candles[n-1]
	if last.Low < lo && last.Close > lo {
		return block(NameSFP, "sfp_bullish low=%.6g", lo)
	}
	if last.High > hi && last.Close < hi {
		return block(NameSFP, "sfp_bearish high=%.6g", hi)
	}
	return pass(NameSFP, "ok")
}

// Zone is a price band around a breakout level.
type Zone struct {
	Low   float64
	High  float64
	Valid bool
}

// BreakoutZone is the nearest SR level to the last close, widened by atrMul ATR.
func BreakoutZone(snap models.TimeframeSnapshot, atrMul float64) Zone {
	last := snap.Last
	if !models.Defined(last.ATR) || last.ATR <= 0 {
		return Zone{}
	}
	level, ok := indicator.Nearest(last.SRLevels, last.Close, 0)
	if !ok {
		return Zone{}
	}
	w := atrMul * last.ATR
	return Zone{Low: level.Price - w, High: level.Price + w, Valid: true}
}

// ma20PctSlope is the last one-bar change of MA20(close) in percent.
func ma20PctSlope(candles []models.Candle) (float64, bool) {
	if len(candles) < 21 {
		return 0, false
	}
	ma := indicator.SMA(indicator.Closes(candles), 20)
	cur, prev := ma[len(ma)-1], ma[len(ma)-2]
	if !models.Defined(cur) || !models.Defined(prev) || prev == 0 {
		return 0, false
	}
	return (cur - prev) / prev * 100, true
}

// BreakoutRetest requires a touch of the breakout zone confirmed by the candle
// body in the last few candles. In auto mode a strong MA20 slope skips it.
func BreakoutRetest(candles []models.Candle, zone Zone, cfg config.FilterConfig) models.FilterResult {
	switch cfg.BreakoutRetest {
	case "off":
		return pass(NameRetest, "skip")
	case "auto":
		if slope, ok := ma20PctSlope(candles); ok && math.Abs(slope) > cfg.SlopeStrong {
			return pass(NameRetest, fmt.Sprintf("momentum strong skip slope=%.3f", slope))
		}
	}
	if !zone.Valid || len(candles) == 0 {
		return insufficient(NameRetest)
	}

	n := cfg.RetestMaxCandles
	if n > len(candles) {
		n = len(candles)
	}
	for _, c := range candles[len(candles)-n:] {
		if c.Low >= zone.Low && c.Low <= zone.High && c.Close > c.Open {
			return pass(NameRetest, "bull_retest")
		}
		if c.High >= zone.Low && c.High <= zone.High && c.Close < c.Open {
			return pass(NameRetest, "bear_retest")
		}
	}
	return block(NameRetest, "no_retest")
}

// MultiTimeframeAlignment requires the fast and slow MA20 slopes to agree and
// the slow one to be steep enough. A missing or short slow series is replaced
// by the synthetic one built from the fast series.
func MultiTimeframeAlignment(fast, slow []models.Candle, cfg config.FilterConfig) models.FilterResult {
	if !cfg.MultiTFConfirm {
		return pass(NameMultiTF, "skip")
	}
	if cfg.UseSoft4H {
		slow, _ = softhtf.Resolve(slow, fast, 4, 60)
	}
	fastSlope, okFast := ma20PctSlope(fast)
	slowSlope, okSlow := ma20PctSlope(slow)
	if !okFast || !okSlow {
		return insufficient(NameMultiTF)
	}
	if fastSlope*slowSlope < 0 {
		return block(NameMultiTF, "opposite slopes %.3f vs %.3f", fastSlope, slowSlope)
	}
	if math.Abs(slowSlope) < cfg.TFConfirmSlope {
		return block(NameMultiTF, "weak slow slope %.3f", slowSlope)
	}
	return pass(NameMultiTF, fmt.Sprintf("aligned slopes %.3f vs %.3f", fastSlope, slowSlope))
}

// Debounce requires the last bars 1H MA20 slopes to share one nonzero sign.
func Debounce(candles []models.Candle, cfg config.FilterConfig) models.FilterResult {
	bars := cfg.DebounceBars
	if bars < 1 {
		return pass(NameDebounce, "skip")
	}
	if len(candles) < 20+bars {
		return insufficient(NameDebounce)
	}
	ma := indicator.SMA(indicator.Closes(candles), 20)
	signs := make([]int, 0, bars)
	for k := 1; k <= bars; k++ {
		cur, prev := ma[len(ma)-k], ma[len(ma)-k-1]
		switch {
		case prev == 0 || cur == prev:
			signs = append(signs, 0)
		case cur > prev:
			signs = append(signs, 1)
		default:
			signs = append(signs, -1)
		}
	}
	for _, s := range signs {
		if s == 0 {
			return block(NameDebounce, "flat momentum")
		}
		if s != signs[0] {
			return block(NameDebounce, "mixed slopes %v", signs)
		}
	}
	return pass(NameDebounce, "ok")
}

// LiquidityFloor blocks when the last 1H volume is far below its average.
func LiquidityFloor(m *models.Momentum, cfg config.FilterConfig) models.FilterResult {
	if m == nil || !models.Defined(m.VolumeSpikeRatio) {
		return insufficient(NameLiquidity)
	}
	if m.VolumeSpikeRatio < cfg.VolumeFloor {
		return block(NameLiquidity, "vol_spike=%.2f below %.2f", m.VolumeSpikeRatio, cfg.VolumeFloor)
	}
	return pass(NameLiquidity, "ok")
}

// Cooldown blocks a symbol for window after its last losing exit.
func Cooldown(lastLoss, now time.Time, window time.Duration) models.FilterResult {
	if lastLoss.IsZero() || window <= 0 {
		return pass(NameCooldown, "ok")
	}
	if since := now.Sub(lastLoss); since < window {
		return block(NameCooldown, "last loss %s ago", since.Truncate(time.Minute))
	}
	return pass(NameCooldown, "ok")
}

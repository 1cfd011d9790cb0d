package proposal

import (
	"math"
	"sort"

	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/pkg/models"
)

// atrFallbackPct stands in for ATR as a share of price when ATR is missing.
const atrFallbackPct = 0.01

// Levels is the indicator evidence the repair formulas read.
type Levels struct {
	Price     float64
	ATR       float64
	MA20      float64
	RSI       float64
	BBLower   float64
	BBUpper   float64
	SwingHigh float64
	SwingLow  float64
	SR        []models.SRLevel
}

// LevelsFrom reads the 4H snapshot, falling back to 1H when 4H has no ATR.
func LevelsFrom(mtf *models.MultiTimeframeContext) Levels {
	snap, ok := mtf.Frame(models.TF4H)
	if !ok || !models.Defined(snap.Last.ATR) {
		if h1, ok1 := mtf.Frame(models.TF1H); ok1 {
			snap, ok = h1, true
		}
	}
	l := Levels{
		Price: mtf.Price, ATR: models.Undefined, MA20: models.Undefined, RSI: models.Undefined,
		BBLower: models.Undefined, BBUpper: models.Undefined,
	}
	if !ok {
		return l
	}
	last := snap.Last
	l.ATR, l.MA20, l.RSI = last.ATR, last.MA20, last.RSI
	l.BBLower, l.BBUpper = last.BBLower, last.BBUpper
	l.SwingHigh, l.SwingLow = snap.SwingHigh, snap.SwingLow
	l.SR = last.SRLevels
	if l.Price <= 0 {
		l.Price = last.Close
	}
	return l
}

// atr returns ATR or the percentage fallback around ref.
func (l Levels) atr(ref float64) float64 {
	if models.Defined(l.ATR) && l.ATR > 0 {
		return l.ATR
	}
	return ref * atrFallbackPct
}

// sign is +1 for long and -1 for short: the favorable price direction.
func sign(direction string) float64 {
	if direction == models.Short {
		return -1
	}
	return 1
}

// DeriveEntry2 places the second entry one ATR step deeper than entry1,
// pulled onto MA20 or the nearest SR level when one sits in between. RSI at
// an extreme halves the step. The spread to entry1 never exceeds
// MaxEntrySpread.
func DeriveEntry2(entry1 float64, direction string, l Levels, p config.PolicyConfig) float64 {
	s := sign(direction)
	atr := l.atr(entry1)
	step := p.Entry2ATR * atr
	if models.Defined(l.RSI) && (s > 0 && l.RSI < 35 || s < 0 && l.RSI > 65) {
		step /= 2
	}
	entry2 := entry1 - s*step

	// structure between entry1 and two steps deeper
	deepest := entry1 - s*2*step
	between := func(v float64) bool {
		return models.Defined(v) && v > 0 && s*(entry1-v) > 0 && s*(v-deepest) > 0
	}
	if between(l.MA20) {
		entry2 = l.MA20
	}
	for _, lvl := range l.SR {
		if between(lvl.Price) && math.Abs(entry1-lvl.Price) < math.Abs(entry1-entry2) {
			entry2 = lvl.Price
		}
	}

	if p.MaxEntrySpread > 0 {
		limit := entry1 * p.MaxEntrySpread
		if math.Abs(entry1-entry2) > limit {
			entry2 = entry1 - s*limit
		}
	}
	return entry2
}

// DeriveStopLoss takes the tightest of the ATR stop, the Bollinger band edge
// and the recent swing extreme beyond the entry range. When that lands on
// the wrong side of the entries a flat StopFallbackATR offset is used.
func DeriveStopLoss(entry1, entry2 float64, direction string, l Levels, p config.PolicyConfig) float64 {
	s := sign(direction)
	atr := l.atr(entry1)

	// the deeper edge of the entry range
	deep := entry1
	if entry2 > 0 && s*(entry1-entry2) > 0 {
		deep = entry2
	}

	candidates := []float64{entry1 - s*p.StopATR*atr}
	if s > 0 {
		candidates = append(candidates, l.BBLower, l.SwingLow)
	} else {
		candidates = append(candidates, l.BBUpper, l.SwingHigh)
	}

	best := math.NaN()
	for _, c := range candidates {
		if !models.Defined(c) || c <= 0 {
			continue
		}
		if math.IsNaN(best) || s*(c-best) > 0 {
			best = c
		}
	}
	if math.IsNaN(best) || s*(deep-best) <= 0 {
		return deep - s*p.StopFallbackATR*atr
	}
	return best
}

// DeriveTakeProfits walks SR levels outward from entry in the favorable
// direction, skipping levels closer than TPMinStepATR to the previous rung,
// then fills with ATR multiples up to MaxTakeProfits rungs.
func DeriveTakeProfits(entry1 float64, direction string, l Levels, p config.PolicyConfig) []float64 {
	s := sign(direction)
	atr := l.atr(entry1)
	minStep := p.TPMinStepATR * atr
	max := p.MaxTakeProfits
	if max <= 0 {
		max = 5
	}

	var levels []float64
	for _, lvl := range l.SR {
		if s*(lvl.Price-entry1) > 0 {
			levels = append(levels, lvl.Price)
		}
	}
	sort.Slice(levels, func(i, j int) bool {
		return s*levels[i] < s*levels[j]
	})

	out := make([]float64, 0, max)
	last := entry1
	for _, lvl := range levels {
		if len(out) == max {
			break
		}
		if s*(lvl-last) >= minStep {
			out = append(out, lvl)
			last = lvl
		}
	}
	for _, m := range p.TPATRSteps {
		if len(out) == max {
			break
		}
		cand := entry1 + s*m*atr
		if s*(cand-last) >= minStep && cand > 0 {
			out = append(out, cand)
			last = cand
		}
	}
	// SR levels beyond the ATR steps: keep extending one ATR at a time
	for len(out) < max {
		cand := last + s*atr
		if cand <= 0 {
			break
		}
		out = append(out, cand)
		last = cand
	}
	return out
}

// SuggestTakeProfits derives a ladder from the current price in the
// direction the context leans to: short for short-only or a 4H downtrend,
// long otherwise.
func SuggestTakeProfits(mtf *models.MultiTimeframeContext, p config.PolicyConfig) (string, []float64) {
	direction := models.Long
	if h4, ok := mtf.Frame(models.TF4H); mtf.ShortOnly || ok && h4.Trend == models.TrendDown {
		direction = models.Short
	}
	l := LevelsFrom(mtf)
	if l.Price <= 0 {
		return direction, nil
	}
	return direction, DeriveTakeProfits(l.Price, direction, l, p)
}

// Package filters holds the anti-trap gates that decide whether a candidate
// setup is worth sending to the advisor.
package filters

import (
	"time"

	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/pkg/models"
)

// Evidence is everything the bank looks at for one symbol.
type Evidence struct {
	Pair     string
	Context  *models.MultiTimeframeContext
	Candles  map[string][]models.Candle
	Zone     Zone
	LastLoss time.Time
	Now      time.Time
}

// Verdict is the combined outcome of every enabled gate.
type Verdict struct {
	Pass        bool                  `json:"pass"`
	ShortOnly   bool                  `json:"short_only"`
	Results     []models.FilterResult `json:"results"`
	Eligibility Eligibility           `json:"eligibility"`
}

// Failed returns the results that blocked the candidate.
func (v Verdict) Failed() []models.FilterResult {
	var out []models.FilterResult
	for _, r := range v.Results {
		if !r.Pass && r.Name != NameShortBias {
			out = append(out, r)
		}
	}
	return out
}

// Bank runs the gates with one immutable configuration.
type Bank struct {
	config   config.FilterConfig
	cooldown time.Duration
}

// NewBank creates a filter bank
func NewBank(cfg config.FilterConfig, cooldown time.Duration) *Bank {
	return &Bank{config: cfg, cooldown: cooldown}
}

// Config returns the thresholds the bank was built with.
func (b *Bank) Config() config.FilterConfig {
	return b.config
}

// Evaluate runs every enabled gate. All results are collected; the verdict
// passes only when every gate passes. The short-bias guard never blocks on
// its own, it restricts the candidate to short signals.
func (b *Bank) Evaluate(ev Evidence) Verdict {
	cfg := b.config
	var v Verdict

	frame := func(tf string) models.TimeframeSnapshot {
		s, _ := ev.Context.Frame(tf)
		return s
	}
	h1, h4, d1 := frame(models.TF1H), frame(models.TF4H), frame(models.TF1D)
	trend1D := d1.Trend
	if trend1D == "" {
		trend1D = models.TrendUnknown
	}

	add := func(r models.FilterResult) {
		v.Results = append(v.Results, r)
	}

	if cfg.EnableAntiFOMO {
		add(AntiFOMO(h4, cfg))
	}
	if cfg.EnableRSIRegime {
		add(RSIRegime(h4, trend1D, cfg))
	}
	if cfg.EnableExhaustion {
		add(ExhaustionCooldown(h1.Momentum, cfg))
	}
	if cfg.EnableSFP {
		add(SwingFailure(ev.Candles[models.TF4H], cfg))
	}
	add(BreakoutRetest(ev.Candles[models.TF4H], ev.Zone, cfg))
	add(MultiTimeframeAlignment(ev.Candles[models.TF1H], ev.Candles[cfg.SlowTimeframe()], cfg))
	if cfg.EnableDebounce {
		add(Debounce(ev.Candles[models.TF1H], cfg))
	}
	if cfg.EnableLiquidity {
		add(LiquidityFloor(h1.Momentum, cfg))
	}
	add(Cooldown(ev.LastLoss, ev.Now, b.cooldown))

	if cfg.EnableShortBias {
		r, e := ShortBias(ev.Candles[models.TF1D], cfg)
		add(r)
		v.Eligibility = e
		v.ShortOnly = e.ShortBias
	}

	v.Pass = len(v.Failed()) == 0
	return v
}

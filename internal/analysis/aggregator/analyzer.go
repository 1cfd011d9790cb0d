package aggregator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skalibog/altmap/internal/analysis/filters"
	"github.com/skalibog/altmap/internal/analysis/indicator"
	"github.com/skalibog/altmap/internal/analysis/softhtf"
	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/internal/exchange"
	"github.com/skalibog/altmap/pkg/logger"
	"github.com/skalibog/altmap/pkg/models"
)

// LossSource tells when a pair last ended in a loss
type LossSource interface {
	LastLoss(ctx context.Context, pair string) (time.Time, error)
}

// Candidate is one symbol's evaluated multi-timeframe state
type Candidate struct {
	Context  *models.MultiTimeframeContext
	Verdict  filters.Verdict
	Series   map[string][]models.Candle
	Soft4H   bool
	Triggers []string
}

// Tradeable reports whether the candidate passed the filter bank.
func (c *Candidate) Tradeable() bool {
	return c != nil && c.Verdict.Pass
}

// Analyzer assembles candidates: candles for every timeframe, indicators,
// snapshots and the filter bank verdict.
type Analyzer struct {
	config   config.ScannerConfig
	momentum config.MomentumConfig
	client   exchange.MarketData
	bank     *filters.Bank
	params   indicator.Params
	losses   LossSource
	now      func() time.Time
}

// NewAnalyzer creates a new candidate assembler
func NewAnalyzer(cfg config.ScannerConfig, momentum config.MomentumConfig, client exchange.MarketData, bank *filters.Bank, losses LossSource) *Analyzer {
	params := indicator.DefaultParams()
	if cfg.SRWindow > 0 {
		params.SRWindow = cfg.SRWindow
	}
	if cfg.SRTolerance > 0 {
		params.SRToleranceATR = cfg.SRTolerance
	}
	if cfg.MomentumLookback > 0 {
		params.Lookback = cfg.MomentumLookback
	}
	if cfg.SlopeWindow > 0 {
		params.SlopeWindow = cfg.SlopeWindow
	}
	return &Analyzer{
		config:   cfg,
		momentum: momentum,
		client:   client,
		bank:     bank,
		params:   params,
		losses:   losses,
		now:      time.Now,
	}
}

// SetClock replaces the time source
func (a *Analyzer) SetClock(now func() time.Time) {
	a.now = now
}

// Params returns the indicator periods in use.
func (a *Analyzer) Params() indicator.Params {
	return a.params
}

var timeframes = []string{models.TF1H, models.TF4H, models.TF1D}

var tfDuration = map[string]time.Duration{
	models.TF1H: time.Hour,
	models.TF4H: 4 * time.Hour,
	models.TF1D: 24 * time.Hour,
}

// Assemble builds the candidate of one pair. Only a failed 1H fetch is an
// error; missing 4H is replaced by the synthetic series and missing 1D
// leaves the daily gates without data.
func (a *Analyzer) Assemble(ctx context.Context, pair string) (*Candidate, error) {
	raw, err := a.fetch(ctx, pair)
	if err != nil {
		return nil, err
	}
	now := a.now().UTC()

	if a.config.Enforce4HClose {
		for tf, candles := range raw {
			raw[tf] = closedOnly(candles, tfDuration[tf], now)
		}
		if len(raw[models.TF1H]) == 0 {
			return nil, fmt.Errorf("no closed 1H candles for %s: %w", pair, models.ErrInsufficientData)
		}
	}

	soft := false
	raw[models.TF4H], soft = softhtf.Resolve(raw[models.TF4H], raw[models.TF1H], 4, 60)
	if soft {
		logger.Debug("Using synthetic 4H series", zap.String("pair", pair), zap.Int("candles", len(raw[models.TF4H])))
	}

	series := make(map[string][]models.Candle, len(raw))
	frames := make(map[string]models.TimeframeSnapshot, len(raw))
	for _, tf := range timeframes {
		enriched := indicator.Enrich(raw[tf], a.params)
		series[tf] = enriched
		frames[tf] = indicator.Snapshot(tf, enriched, a.params)
	}

	h1 := series[models.TF1H]
	mtf := &models.MultiTimeframeContext{
		Pair:   pair,
		At:     now,
		Price:  h1[len(h1)-1].Close,
		Frames: frames,
	}

	var lastLoss time.Time
	if a.losses != nil {
		if lastLoss, err = a.losses.LastLoss(ctx, pair); err != nil {
			logger.Warn("Failed to read last loss", zap.String("pair", pair), zap.Error(err))
		}
	}

	verdict := a.bank.Evaluate(filters.Evidence{
		Pair:     pair,
		Context:  mtf,
		Candles:  series,
		Zone:     filters.BreakoutZone(frames[models.TF4H], a.bank.Config().BreakoutZoneATR),
		LastLoss: lastLoss,
		Now:      now,
	})
	mtf.ShortOnly = verdict.ShortOnly

	c := &Candidate{
		Context:  mtf,
		Verdict:  verdict,
		Series:   series,
		Soft4H:   soft,
		Triggers: a.triggers(pair, frames[models.TF1H].Momentum),
	}

	if verdict.Pass {
		logger.Info("Candidate passed filters",
			zap.String("pair", pair),
			zap.String("trend_4h", frames[models.TF4H].Trend),
			zap.Bool("short_only", verdict.ShortOnly),
			zap.Strings("triggers", c.Triggers))
	} else {
		failed := verdict.Failed()
		reasons := make([]string, 0, len(failed))
		for _, r := range failed {
			reasons = append(reasons, r.Name+":"+r.Reason)
		}
		logger.Info("Candidate blocked", zap.String("pair", pair), zap.Strings("reasons", reasons))
	}
	return c, nil
}

func (a *Analyzer) fetch(ctx context.Context, pair string) (map[string][]models.Candle, error) {
	results := make([][]models.Candle, len(timeframes))
	errs := make([]error, len(timeframes))

	g, gctx := errgroup.WithContext(ctx)
	for i, tf := range timeframes {
		g.Go(func() error {
			results[i], errs[i] = a.client.Candles(gctx, pair, tf, a.config.CandleLimit)
			// a missing coarse series is tolerated, so never cancel siblings
			return nil
		})
	}
	_ = g.Wait()

	if errs[0] != nil {
		return nil, fmt.Errorf("fetch 1H candles for %s: %w", pair, errs[0])
	}
	if len(results[0]) == 0 {
		return nil, fmt.Errorf("fetch 1H candles for %s: %w", pair, models.ErrInsufficientData)
	}

	out := make(map[string][]models.Candle, len(timeframes))
	for i, tf := range timeframes {
		if errs[i] != nil {
			logger.Warn("Timeframe unavailable", zap.String("pair", pair), zap.String("timeframe", tf), zap.Error(errs[i]))
			continue
		}
		out[tf] = results[i]
	}
	return out, nil
}

// triggers lists the momentum ratios above the pair's group thresholds.
func (a *Analyzer) triggers(pair string, m *models.Momentum) []string {
	if m == nil {
		return nil
	}
	th := a.momentum.For(pair)
	var out []string
	if models.Defined(m.PctChange1H) && th.PctChange1H > 0 && abs(m.PctChange1H) >= th.PctChange1H {
		out = append(out, fmt.Sprintf("pct_change_1h=%.2f", m.PctChange1H))
	}
	if models.Defined(m.ATRSpikeRatio) && th.ATRSpikeRatio > 0 && m.ATRSpikeRatio >= th.ATRSpikeRatio {
		out = append(out, fmt.Sprintf("atr_spike=%.2f", m.ATRSpikeRatio))
	}
	if models.Defined(m.VolumeSpikeRatio) && th.VolumeSpikeRatio > 0 && m.VolumeSpikeRatio >= th.VolumeSpikeRatio {
		out = append(out, fmt.Sprintf("volume_spike=%.2f", m.VolumeSpikeRatio))
	}
	if models.Defined(m.BBWidthRatio) && th.BBWidthRatio > 0 && m.BBWidthRatio >= th.BBWidthRatio {
		out = append(out, fmt.Sprintf("bb_width=%.2f", m.BBWidthRatio))
	}
	return out
}

// closedOnly drops a trailing candle that has not closed yet.
func closedOnly(candles []models.Candle, d time.Duration, now time.Time) []models.Candle {
	if len(candles) == 0 || d == 0 {
		return candles
	}
	if last := candles[len(candles)-1]; last.Time.Add(d).After(now) {
		return candles[:len(candles)-1]
	}
	return candles
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

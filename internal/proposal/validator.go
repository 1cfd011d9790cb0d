package proposal

import (
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/internal/exchange"
	"github.com/skalibog/altmap/pkg/logger"
	"github.com/skalibog/altmap/pkg/models"
)

// rrEpsilon absorbs float noise at the reward:risk boundary.
const rrEpsilon = 1e-9

// Validator checks and repairs advisor proposals
type Validator struct {
	policy config.PolicyConfig
}

// NewValidator creates a validator
func NewValidator(policy config.PolicyConfig) *Validator {
	return &Validator{policy: policy}
}

// Validate parses the raw reply and validates it against mtf.
func (v *Validator) Validate(raw string, mtf *models.MultiTimeframeContext) (*models.TradeSignal, error) {
	p, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return v.ValidateProposal(p, mtf)
}

// ValidateProposal repairs missing levels, runs the sanity checks and
// returns an open signal. Provided values that pass are kept unchanged.
func (v *Validator) ValidateProposal(p TradeProposal, mtf *models.MultiTimeframeContext) (*models.TradeSignal, error) {
	if mtf == nil {
		return nil, models.Malformed("no market context")
	}

	direction := strings.ToLower(strings.TrimSpace(p.Direction))
	if direction != models.Long && direction != models.Short {
		return nil, models.Rejected("direction %q is neither long nor short", p.Direction)
	}
	if p.Entry1 <= 0 {
		return nil, models.Malformed("missing entry_1")
	}

	levels := LevelsFrom(mtf)
	repaired := []string{}

	entry2 := p.Entry2
	if entry2 <= 0 && v.policy.Repair {
		entry2 = DeriveEntry2(p.Entry1, direction, levels, v.policy)
		repaired = append(repaired, "entry_2")
	} else if entry2 > 0 && v.policy.MaxEntrySpread > 0 && math.Abs(entry2-p.Entry1) > p.Entry1*v.policy.MaxEntrySpread {
		return nil, models.Rejected("entry_2 %.6g is more than %.1f%% from entry_1 %.6g", entry2, v.policy.MaxEntrySpread*100, p.Entry1)
	}

	stop := p.StopLoss
	if stop <= 0 && v.policy.Repair {
		stop = DeriveStopLoss(p.Entry1, entry2, direction, levels, v.policy)
		repaired = append(repaired, "stop_loss")
	}
	tps := p.TakeProfits
	if len(tps) == 0 && v.policy.Repair {
		tps = DeriveTakeProfits(p.Entry1, direction, levels, v.policy)
		repaired = append(repaired, "take_profits")
	}

	if stop <= 0 {
		return nil, models.Malformed("missing stop_loss")
	}
	if len(tps) == 0 {
		return nil, models.Malformed("missing take_profits")
	}

	if direction == models.Long && mtf.ShortOnly {
		return nil, models.Rejected("%s is short-only, long rejected", mtf.Pair)
	}

	s := sign(direction)
	if s*(p.Entry1-stop) <= 0 {
		return nil, models.Rejected("stop_loss %.6g is not on the losing side of entry %.6g", stop, p.Entry1)
	}

	tps = orderLadder(p.Entry1, s, tps, v.policy.MaxTakeProfits)
	if len(tps) == 0 {
		return nil, models.Rejected("no take-profit beyond entry %.6g", p.Entry1)
	}

	if err := v.checkEntryDistance(p.Entry1, direction, levels.Price); err != nil {
		return nil, err
	}

	risk := math.Abs(p.Entry1 - stop)
	if risk == 0 {
		return nil, models.Rejected("entry equals stop_loss")
	}
	rr := math.Abs(tps[0]-p.Entry1) / risk
	minRR := v.MinRR(p.StrategyType, levels)
	if rr+rrEpsilon < minRR {
		return nil, models.Rejected("rr %.2f below %.2f (%s)", rr, minRR, strategyLabel(p.StrategyType))
	}

	pair := mtf.Pair
	if p.Pair != "" && exchange.Symbol(p.Pair) != exchange.Symbol(pair) {
		logger.Warn("Proposal names another pair, keeping the evaluated one",
			zap.String("pair", pair), zap.String("proposed", p.Pair))
	}
	if len(repaired) > 0 {
		logger.Info("Proposal repaired", zap.String("pair", pair), zap.Strings("fields", repaired))
	}

	return &models.TradeSignal{
		ID:           uuid.NewString(),
		Pair:         pair,
		Direction:    direction,
		Entry1:       p.Entry1,
		Entry2:       entry2,
		StopLoss:     stop,
		TakeProfits:  tps,
		RiskLevel:    p.RiskLevel,
		Leverage:     p.Leverage,
		Confidence:   p.Confidence,
		StrategyType: p.StrategyType,
		KeyWatch:     p.KeyWatch,
		Assessment:   p.Assessment,
		Status:       models.StatusOpen,
	}, nil
}

// checkEntryDistance rejects an entry more than MaxEntryDeviation beyond the
// price against the trade: above it for a long, below it for a short.
func (v *Validator) checkEntryDistance(entry float64, direction string, price float64) error {
	if price <= 0 || v.policy.MaxEntryDeviation <= 0 {
		return nil
	}
	dev := v.policy.MaxEntryDeviation
	if direction == models.Long && entry > price*(1+dev) {
		return models.Rejected("long entry %.6g is more than %.0f%% above price %.6g", entry, dev*100, price)
	}
	if direction == models.Short && entry < price*(1-dev) {
		return models.Rejected("short entry %.6g is more than %.0f%% below price %.6g", entry, dev*100, price)
	}
	return nil
}

// MinRR is the strictest of the baseline, the strategy minimum and, when
// enabled, the ATR regime minimum.
func (v *Validator) MinRR(strategy string, l Levels) float64 {
	min := v.policy.MinRR
	if rr, ok := v.strategyMinRR(strategy); ok && rr > min {
		min = rr
	}
	if v.policy.UseATRRegime {
		if rr := v.regimeMinRR(l); rr > min {
			min = rr
		}
	}
	return min
}

func (v *Validator) strategyMinRR(strategy string) (float64, bool) {
	s := strings.ToLower(strings.TrimSpace(strategy))
	if s == "" {
		return 0, false
	}
	if rr, ok := v.policy.StrategyMinRR[s]; ok {
		return rr, true
	}
	// longest matching name wins so "trend-follow pullback" maps to trend-follow
	best, bestLen := 0.0, 0
	for name, rr := range v.policy.StrategyMinRR {
		if strings.Contains(s, name) && len(name) > bestLen {
			best, bestLen = rr, len(name)
		}
	}
	return best, bestLen > 0
}

func (v *Validator) regimeMinRR(l Levels) float64 {
	if !models.Defined(l.ATR) || l.ATR <= 0 || l.Price <= 0 {
		return v.policy.RegimeFallbackRR
	}
	atrPct := l.ATR / l.Price * 100
	for _, step := range v.policy.ATRRegime {
		if atrPct < step.Below {
			return step.MinRR
		}
	}
	return v.policy.RegimeFallbackRR
}

// orderLadder keeps rungs strictly beyond entry in the favorable direction,
// sorted outward, without duplicates and capped to max.
func orderLadder(entry, s float64, tps []float64, max int) []float64 {
	out := make([]float64, 0, len(tps))
	for _, tp := range tps {
		if s*(tp-entry) > 0 {
			out = append(out, tp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s*out[i] < s*out[j]
	})
	dedup := make([]float64, 0, len(out))
	for _, tp := range out {
		if len(dedup) == 0 || tp != dedup[len(dedup)-1] {
			dedup = append(dedup, tp)
		}
	}
	if max > 0 && len(dedup) > max {
		dedup = dedup[:max]
	}
	return dedup
}

func strategyLabel(s string) string {
	if s == "" {
		return "default"
	}
	return s
}

package indicator

import (
	"math"
	"sort"

	"github.com/skalibog/altmap/pkg/models"
)

// srFallbackPct is the tolerance used as a share of price when ATR is missing.
const srFallbackPct = 0.005

// DetectSupportResistance finds pivot highs and lows that are the extremum of
// window candles on both sides, then clusters them.
func DetectSupportResistance(candles []models.Candle, window int, tolATRMul float64) []models.SRLevel {
	n := len(candles)
	if window < 1 || n < 2*window+1 {
		return nil
	}

	var pivots []models.SRLevel
	for i := window; i < n-window; i++ {
		isHigh, isLow := true, true
		for j := i - window; j <= i+window && (isHigh || isLow); j++ {
			if j == i {
				continue
			}
			if candles[j].High > candles[i].High {
				isHigh = false
			}
			if candles[j].Low < candles[i].Low {
				isLow = false
			}
		}
		if isHigh {
			pivots = append(pivots, models.SRLevel{Index: i, Price: candles[i].High, Kind: models.Resistance})
		}
		if isLow {
			pivots = append(pivots, models.SRLevel{Index: i, Price: candles[i].Low, Kind: models.Support})
		}
	}
	if len(pivots) == 0 {
		return nil
	}

	return ClusterPivots(pivots, Tolerance(candles, window, tolATRMul))
}

// Tolerance is tolATRMul times the mean ATR of the trailing 2*window+50
// candles, or a fixed share of the last close when ATR is unavailable.
func Tolerance(candles []models.Candle, window int, tolATRMul float64) float64 {
	n := len(candles)
	if n == 0 {
		return 0
	}
	start := n - (2*window + 50)
	if start < 0 {
		start = 0
	}
	sum, cnt := 0.0, 0
	for _, c := range candles[start:] {
		if models.Defined(c.ATR) {
			sum += c.ATR
			cnt++
		}
	}
	if cnt > 0 && sum > 0 {
		return tolATRMul * sum / float64(cnt)
	}
	return candles[n-1].Close * srFallbackPct
}

// ClusterPivots merges same-kind pivots closer than tol. Pivots are visited in
// (price, index) order and a merge replaces the cluster price with the mean of
// the two, so the result does not depend on input order.
func ClusterPivots(pivots []models.SRLevel, tol float64) []models.SRLevel {
	sorted := make([]models.SRLevel, len(pivots))
	copy(sorted, pivots)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Price != sorted[j].Price {
			return sorted[i].Price < sorted[j].Price
		}
		if sorted[i].Index != sorted[j].Index {
			return sorted[i].Index < sorted[j].Index
		}
		return sorted[i].Kind < sorted[j].Kind
	})

	var clusters []models.SRLevel
	for _, p := range sorted {
		best, bestDist := -1, math.Inf(1)
		for k, c := range clusters {
			if c.Kind != p.Kind {
				continue
			}
			if d := math.Abs(c.Price - p.Price); d <= tol && d < bestDist {
				best, bestDist = k, d
			}
		}
		if best < 0 {
			clusters = append(clusters, p)
			continue
		}
		c := &clusters[best]
		c.Price = (c.Price + p.Price) / 2
		if p.Index > c.Index {
			c.Index = p.Index
		}
	}
	sort.SliceStable(clusters, func(i, j int) bool {
		return clusters[i].Price < clusters[j].Price
	})
	return clusters
}

// Nearest returns the level closest to price, optionally filtered by side:
// dir > 0 keeps levels above price, dir < 0 below, 0 any.
func Nearest(levels []models.SRLevel, price float64, dir int) (models.SRLevel, bool) {
	var best models.SRLevel
	found := false
	for _, l := range levels {
		if dir > 0 && l.Price <= price || dir < 0 && l.Price >= price {
			continue
		}
		if !found || math.Abs(l.Price-price) < math.Abs(best.Price-price) {
			best, found = l, true
		}
	}
	return best, found
}

// Package softhtf approximates a coarse timeframe from a finer one.
package softhtf

import (
	"math"

	"github.com/skalibog/altmap/pkg/models"
)

// MinRealCandles is the shortest real coarse series that is used as is.
const MinRealCandles = 5

// BuildFrom1H groups every `group` consecutive fine candles into one coarse
// candle. Groups are aligned on the newest candle, stepping back by group,
// and at most limit groups are returned oldest first. A trailing partial
// group at the old end is dropped.
func BuildFrom1H(fine []models.Candle, group, limit int) []models.Candle {
	if group < 1 || limit < 1 || len(fine) < group {
		return nil
	}

	count := len(fine) / group
	if count > limit {
		count = limit
	}
	out := make([]models.Candle, count)
	end := len(fine)
	for k := count - 1; k >= 0; k-- {
		chunk := fine[end-group : end]
		out[k] = aggregate(chunk)
		end -= group
	}
	return out
}

func aggregate(chunk []models.Candle) models.Candle {
	first, last := chunk[0], chunk[len(chunk)-1]
	hi, lo, vol := first.High, first.Low, 0.0
	for _, c := range chunk {
		hi = math.Max(hi, c.High)
		lo = math.Min(lo, c.Low)
		vol += c.Volume
	}
	return models.NewCandle(first.Time, first.Open, hi, lo, last.Close, vol)
}

// Resolve returns the real coarse series when it is long enough, otherwise
// the synthetic one built from fine. The second value reports whether the
// synthetic series was used.
func Resolve(real, fine []models.Candle, group, limit int) ([]models.Candle, bool) {
	if len(real) >= MinRealCandles {
		return real, false
	}
	soft := BuildFrom1H(fine, group, limit)
	if len(soft) == 0 {
		return real, false
	}
	return soft, true
}

package indicator

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/skalibog/altmap/pkg/models"
)

const eps = 1e-9

func flatCandles(n int, price float64) []models.Candle {
	out := make([]models.Candle, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = models.NewCandle(start.Add(time.Duration(i)*time.Hour), price, price, price, price, 100)
	}
	return out
}

func rampCandles(n int, start, step float64) []models.Candle {
	out := make([]models.Candle, n)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		c := start + step*float64(i)
		out[i] = models.NewCandle(t0.Add(time.Duration(i)*time.Hour), c-step/2, c+1, c-1, c, 100+float64(i))
	}
	return out
}

func TestWindowing(t *testing.T) {
	values := make([]float64, 40)
	for i := range values {
		values[i] = 100 + math.Sin(float64(i))*3
	}

	for _, period := range []int{2, 5, 14, 20, 40} {
		sma := SMA(values, period)
		lower, mid, upper := BollingerBands(values, period)
		for i := range values {
			wantDefined := i >= period-1
			if models.Defined(sma[i]) != wantDefined {
				t.Errorf("SMA period %d index %d defined=%v", period, i, models.Defined(sma[i]))
			}
			for _, band := range [][]float64{lower, mid, upper} {
				if models.Defined(band[i]) != wantDefined {
					t.Errorf("BB period %d index %d defined=%v", period, i, models.Defined(band[i]))
				}
			}
		}
	}

	// RSI consumes deltas: defined from index period onward
	for _, period := range []int{2, 14, 39} {
		rsi := RSI(values, period)
		for i := range values {
			if models.Defined(rsi[i]) != (i >= period) {
				t.Errorf("RSI period %d index %d defined=%v", period, i, models.Defined(rsi[i]))
			}
		}
	}
}

func TestShortInputNeverPanics(t *testing.T) {
	for n := 0; n < 3; n++ {
		c := flatCandles(n, 10)
		_ = Enrich(c, DefaultParams())
		_ = SMA(Closes(c), 20)
		_ = RSI(Closes(c), 14)
		_ = ATR(c, 14)
		_ = ShortTermMomentum(c, 20)
		_ = Slopes(c, 5)
		if got := ClassifyTrend(c); got != models.TrendUnknown {
			t.Errorf("trend of %d candles = %s", n, got)
		}
	}
}

func TestConstantSeries(t *testing.T) {
	candles := Enrich(flatCandles(80, 100), DefaultParams())

	for i, c := range candles {
		if i < 14 {
			if models.Defined(c.RSI) {
				t.Fatalf("rsi defined at %d", i)
			}
			continue
		}
		if c.RSI != 50 {
			t.Fatalf("flat rsi at %d = %v, want 50", i, c.RSI)
		}
		if math.Abs(c.ATR) > eps {
			t.Fatalf("flat atr at %d = %v", i, c.ATR)
		}
		if i >= 19 {
			if math.Abs(c.BBUpper-100) > 1e-6 || math.Abs(c.BBLower-100) > 1e-6 || math.Abs(c.BBMid-100) > 1e-6 {
				t.Fatalf("bands did not collapse at %d: %v %v %v", i, c.BBLower, c.BBMid, c.BBUpper)
			}
		}
	}
}

func TestRSISaturatesWithoutLosses(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = float64(i + 1)
	}
	rsi := RSI(values, 14)
	if rsi[29] != 100 {
		t.Errorf("rising rsi = %v, want 100", rsi[29])
	}

	for i := range values {
		values[i] = float64(100 - i)
	}
	rsi = RSI(values, 14)
	if math.Abs(rsi[29]) > eps {
		t.Errorf("falling rsi = %v, want 0", rsi[29])
	}
}

func TestRSIKnownValue(t *testing.T) {
	// alternating +2 / -1 deltas over period 2
	values := []float64{10, 12, 11, 13}
	rsi := RSI(values, 2)
	// seed: gain 1, loss 0.5 -> rs 2 -> 66.666
	if math.Abs(rsi[2]-200.0/3) > 1e-9 {
		t.Errorf("rsi[2] = %v", rsi[2])
	}
	// gain (1*1+2)/2 = 1.5, loss (0.5*1+0)/2 = 0.25 -> rs 6 -> 85.714
	if math.Abs(rsi[3]-600.0/7) > 1e-9 {
		t.Errorf("rsi[3] = %v", rsi[3])
	}
}

func TestSMAValues(t *testing.T) {
	got := SMA([]float64{1, 2, 3, 4, 5}, 3)
	want := []float64{2, 3, 4}
	for i, w := range want {
		if math.Abs(got[i+2]-w) > eps {
			t.Errorf("sma[%d] = %v, want %v", i+2, got[i+2], w)
		}
	}
}

func TestClassifyTrend(t *testing.T) {
	up := Enrich(rampCandles(80, 100, 1), DefaultParams())
	if got := ClassifyTrend(up); got != models.TrendUp {
		t.Errorf("ramp up trend = %s", got)
	}
	down := Enrich(rampCandles(80, 200, -1), DefaultParams())
	if got := ClassifyTrend(down); got != models.TrendDown {
		t.Errorf("ramp down trend = %s", got)
	}
	flat := Enrich(flatCandles(80, 10), DefaultParams())
	if got := ClassifyTrend(flat); got != models.TrendSideways {
		t.Errorf("flat trend = %s", got)
	}
}

func TestCandleSignal(t *testing.T) {
	t0 := time.Now()
	tests := []struct {
		name string
		prev models.Candle
		cur  models.Candle
		want string
	}{
		{"bullish engulfing", models.NewCandle(t0, 10, 10.5, 8.5, 9, 1), models.NewCandle(t0, 8.8, 11, 8.7, 10.5, 1), models.PatternBullishEngulfing},
		{"bearish engulfing", models.NewCandle(t0, 9, 10.5, 8.5, 10, 1), models.NewCandle(t0, 10.2, 10.4, 8.5, 8.8, 1), models.PatternBearishEngulfing},
		{"doji", models.NewCandle(t0, 9, 10, 8, 9.5, 1), models.NewCandle(t0, 9.5, 11, 8, 9.55, 1), models.PatternDoji},
		{"none", models.NewCandle(t0, 9, 10, 8, 9.5, 1), models.NewCandle(t0, 9.5, 11, 9, 10.8, 1), models.PatternNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CandleSignal([]models.Candle{tt.prev, tt.cur}); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestShortTermMomentum(t *testing.T) {
	candles := flatCandles(30, 100)
	for i := range candles {
		candles[i].ATR = 2
		candles[i].BBLower, candles[i].BBUpper = 98, 102
	}
	last := &candles[len(candles)-1]
	last.Close = 102
	last.Volume = 300
	last.ATR = 4

	m := ShortTermMomentum(candles, 20)
	if math.Abs(m.PctChange1H-2) > eps {
		t.Errorf("pct = %v", m.PctChange1H)
	}
	if math.Abs(m.VolumeSpikeRatio-3) > eps || math.Abs(m.ATRSpikeRatio-2) > eps || math.Abs(m.BBWidthRatio-1) > eps {
		t.Errorf("ratios = %+v", m)
	}

	short := ShortTermMomentum(candles[:10], 20)
	if models.Defined(short.VolumeSpikeRatio) || models.Defined(short.ATRSpikeRatio) {
		t.Errorf("short history should be undefined: %+v", short)
	}

	zero := flatCandles(30, 100)
	for i := range zero {
		zero[i].Volume = 0
	}
	if models.Defined(ShortTermMomentum(zero, 20).VolumeSpikeRatio) {
		t.Error("zero divisor should be undefined")
	}
}

func TestSlopes(t *testing.T) {
	candles := Enrich(rampCandles(80, 100, 2), DefaultParams())
	s := Slopes(candles, 5)
	if math.Abs(s.MA20-2) > 1e-6 || math.Abs(s.MA50-2) > 1e-6 {
		t.Errorf("ramp slopes = %+v", s)
	}

	s = Slopes(candles[:30], 5)
	if models.Defined(s.MA50) {
		t.Errorf("ma50 slope should be undefined at 30 bars, got %v", s.MA50)
	}
}

func TestClusterPivotsIdempotent(t *testing.T) {
	pivots := []models.SRLevel{
		{Index: 5, Price: 100, Kind: models.Support},
		{Index: 9, Price: 100.4, Kind: models.Support},
		{Index: 12, Price: 103, Kind: models.Support},
		{Index: 3, Price: 110, Kind: models.Resistance},
		{Index: 30, Price: 110.3, Kind: models.Resistance},
		{Index: 44, Price: 101, Kind: models.Resistance},
	}
	once := ClusterPivots(pivots, 0.5)
	twice := ClusterPivots(once, 0.5)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("clustering not idempotent:\n%v\n%v", once, twice)
	}

	reversed := make([]models.SRLevel, len(pivots))
	for i := range pivots {
		reversed[i] = pivots[len(pivots)-1-i]
	}
	if !reflect.DeepEqual(once, ClusterPivots(reversed, 0.5)) {
		t.Fatal("clustering depends on input order")
	}

	if len(once) != 4 {
		t.Fatalf("expected 4 clusters, got %v", once)
	}
	if once[0].Kind != models.Support || math.Abs(once[0].Price-100.2) > eps || once[0].Index != 9 {
		t.Errorf("merged support = %+v", once[0])
	}
}

func TestDetectSupportResistance(t *testing.T) {
	// a single peak in the middle of a triangle
	n := 61
	candles := make([]models.Candle, n)
	for i := range candles {
		h := 100 + float64(30-abs(30-i))
		candles[i] = models.NewCandle(time.Time{}, h-0.5, h, h-1, h-0.5, 1)
	}
	levels := DetectSupportResistance(candles, 20, 0.6)
	var found bool
	for _, l := range levels {
		if l.Kind == models.Resistance && l.Index == 30 && l.Price == 130 {
			found = true
		}
	}
	if !found {
		t.Fatalf("peak not detected: %v", levels)
	}
	if DetectSupportResistance(candles[:30], 20, 0.6) != nil {
		t.Error("short series should yield no levels")
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

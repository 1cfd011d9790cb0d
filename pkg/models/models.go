package models

import (
	"encoding/json"
	"math"
	"time"
)

// Timeframes used across the scanner
const (
	TF1H = "1H"
	TF4H = "4H"
	TF1D = "1D"
)

// Trend values
const (
	TrendUp       = "uptrend"
	TrendDown     = "downtrend"
	TrendSideways = "sideways"
	TrendUnknown  = "unknown"
)

// Candle pattern values
const (
	PatternBullishEngulfing = "bullish engulfing"
	PatternBearishEngulfing = "bearish engulfing"
	PatternDoji             = "doji"
	PatternNone             = "none"
)

// Direction of a trade
const (
	Long  = "long"
	Short = "short"
)

// Signal statuses
const (
	StatusOpen     = "open"
	StatusStopped  = "stopped"
	StatusClosed   = "closed"
	StatusReversed = "reversed"
	StatusTimeout  = "timeout"
	StatusCanceled = "canceled"
)

// Undefined is the sentinel of an indicator value that cannot be computed yet.
var Undefined = math.NaN()

// Defined reports whether v holds a computed value.
func Defined(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Candle is one OHLCV bar with the indicator fields attached by the engine.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64

	RSI     float64
	MA20    float64
	MA50    float64
	BBLower float64
	BBMid   float64
	BBUpper float64
	ATR     float64

	// SRLevels is only populated on the last candle of a series
	SRLevels []SRLevel
}

// NewCandle returns a raw candle with every indicator field undefined.
func NewCandle(t time.Time, open, high, low, closePrice, volume float64) Candle {
	return Candle{
		Time:    t,
		Open:    open,
		High:    high,
		Low:     low,
		Close:   closePrice,
		Volume:  volume,
		RSI:     Undefined,
		MA20:    Undefined,
		MA50:    Undefined,
		BBLower: Undefined,
		BBMid:   Undefined,
		BBUpper: Undefined,
		ATR:     Undefined,
	}
}

// BBWidth returns upper minus lower band, undefined until both exist.
func (c Candle) BBWidth() float64 {
	if !Defined(c.BBUpper) || !Defined(c.BBLower) {
		return Undefined
	}
	return c.BBUpper - c.BBLower
}

type candleJSON struct {
	Time     time.Time `json:"time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	RSI      *float64  `json:"rsi"`
	MA20     *float64  `json:"ma20"`
	MA50     *float64  `json:"ma50"`
	BBLower  *float64  `json:"bb_lower"`
	BBMid    *float64  `json:"bb_mid"`
	BBUpper  *float64  `json:"bb_upper"`
	ATR      *float64  `json:"atr"`
	SRLevels []SRLevel `json:"sr_levels,omitempty"`
}

// MarshalJSON writes undefined indicator values as null.
func (c Candle) MarshalJSON() ([]byte, error) {
	return json.Marshal(candleJSON{
		Time: c.Time, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume,
		RSI: opt(c.RSI), MA20: opt(c.MA20), MA50: opt(c.MA50),
		BBLower: opt(c.BBLower), BBMid: opt(c.BBMid), BBUpper: opt(c.BBUpper),
		ATR: opt(c.ATR), SRLevels: c.SRLevels,
	})
}

// UnmarshalJSON reads null indicator values back as undefined.
func (c *Candle) UnmarshalJSON(data []byte) error {
	var raw candleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Candle{
		Time: raw.Time, Open: raw.Open, High: raw.High, Low: raw.Low, Close: raw.Close, Volume: raw.Volume,
		RSI: val(raw.RSI), MA20: val(raw.MA20), MA50: val(raw.MA50),
		BBLower: val(raw.BBLower), BBMid: val(raw.BBMid), BBUpper: val(raw.BBUpper),
		ATR: val(raw.ATR), SRLevels: raw.SRLevels,
	}
	return nil
}

// SRLevel is a clustered support or resistance price.
type SRLevel struct {
	Index int     `json:"index"`
	Price float64 `json:"price"`
	Kind  string  `json:"kind"`
}

// SR level kinds
const (
	Support    = "support"
	Resistance = "resistance"
)

// Momentum holds the short-term 1H ratios. Undefined ratios marshal as null.
type Momentum struct {
	PctChange1H      float64
	BBWidthRatio     float64
	ATRSpikeRatio    float64
	VolumeSpikeRatio float64
}

type momentumJSON struct {
	PctChange1H      *float64 `json:"pct_change_1h"`
	BBWidthRatio     *float64 `json:"bb_width_ratio"`
	ATRSpikeRatio    *float64 `json:"atr_spike_ratio"`
	VolumeSpikeRatio *float64 `json:"volume_spike_ratio"`
}

func (m Momentum) MarshalJSON() ([]byte, error) {
	return json.Marshal(momentumJSON{opt(m.PctChange1H), opt(m.BBWidthRatio), opt(m.ATRSpikeRatio), opt(m.VolumeSpikeRatio)})
}

func (m *Momentum) UnmarshalJSON(data []byte) error {
	var raw momentumJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Momentum{val(raw.PctChange1H), val(raw.BBWidthRatio), val(raw.ATRSpikeRatio), val(raw.VolumeSpikeRatio)}
	return nil
}

// UndefinedMomentum returns a Momentum with every ratio undefined.
func UndefinedMomentum() Momentum {
	return Momentum{Undefined, Undefined, Undefined, Undefined}
}

// Slopes are per-bar changes of the engine outputs over a rolling window.
type Slopes struct {
	MA20    float64
	MA50    float64
	RSI     float64
	BBWidth float64
	ATR     float64
}

type slopesJSON struct {
	MA20    *float64 `json:"slope_ma20"`
	MA50    *float64 `json:"slope_ma50"`
	RSI     *float64 `json:"slope_rsi"`
	BBWidth *float64 `json:"slope_bb_width"`
	ATR     *float64 `json:"slope_atr"`
}

func (s Slopes) MarshalJSON() ([]byte, error) {
	return json.Marshal(slopesJSON{opt(s.MA20), opt(s.MA50), opt(s.RSI), opt(s.BBWidth), opt(s.ATR)})
}

func (s *Slopes) UnmarshalJSON(data []byte) error {
	var raw slopesJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Slopes{val(raw.MA20), val(raw.MA50), val(raw.RSI), val(raw.BBWidth), val(raw.ATR)}
	return nil
}

// UndefinedSlopes returns Slopes with every field undefined.
func UndefinedSlopes() Slopes {
	return Slopes{Undefined, Undefined, Undefined, Undefined, Undefined}
}

// TimeframeSnapshot is the last enriched candle of a series plus its classification.
type TimeframeSnapshot struct {
	Timeframe    string    `json:"timeframe"`
	Last         Candle    `json:"last"`
	Trend        string    `json:"trend"`
	CandleSignal string    `json:"candle_signal"`
	Momentum     *Momentum `json:"momentum,omitempty"`
	Slopes       Slopes    `json:"slopes"`
	SwingHigh    float64   `json:"swing_high"`
	SwingLow     float64   `json:"swing_low"`
	Bars         int       `json:"bars"`
}

// MultiTimeframeContext groups the snapshots of one symbol at one instant.
type MultiTimeframeContext struct {
	Pair      string                       `json:"pair"`
	At        time.Time                    `json:"at"`
	Price     float64                      `json:"price"`
	Frames    map[string]TimeframeSnapshot `json:"frames"`
	ShortOnly bool                         `json:"short_only"`
}

// Frame returns the snapshot of a timeframe and whether it exists.
func (m *MultiTimeframeContext) Frame(tf string) (TimeframeSnapshot, bool) {
	if m == nil || m.Frames == nil {
		return TimeframeSnapshot{}, false
	}
	s, ok := m.Frames[tf]
	return s, ok
}

// FilterResult is the verdict of one filter gate.
type FilterResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason"`
}

// TradeSignal is a validated trade plan and its lifecycle state.
type TradeSignal struct {
	ID              string     `json:"id"`
	Pair            string     `json:"pair"`
	Direction       string     `json:"direction"`
	Entry1          float64    `json:"entry_1"`
	Entry2          float64    `json:"entry_2,omitempty"`
	StopLoss        float64    `json:"stop_loss"`
	TakeProfits     []float64  `json:"take_profits"`
	RiskLevel       string     `json:"risk_level,omitempty"`
	Leverage        string     `json:"leverage,omitempty"`
	Confidence      float64    `json:"confidence,omitempty"`
	StrategyType    string     `json:"strategy_type,omitempty"`
	KeyWatch        string     `json:"key_watch,omitempty"`
	Assessment      string     `json:"assessment,omitempty"`
	Status          string     `json:"status"`
	SentAt          time.Time  `json:"sent_at"`
	MessageID       int64      `json:"message_id,omitempty"`
	HitTP           []int      `json:"hit_tp,omitempty"`
	Entered         bool       `json:"entered"`
	TimeoutNotified bool       `json:"timeout_notified"`
	Resignal        bool       `json:"resignal,omitempty"`
	Resignals       int        `json:"resignals,omitempty"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
}

// Key identifies one tracked position.
func (s TradeSignal) Key() string {
	return s.Pair + "|" + s.Direction + "|" + s.SentAt.UTC().Format(time.RFC3339)
}

// IsTerminal reports whether the signal has left the open state.
func (s TradeSignal) IsTerminal() bool {
	return s.Status != StatusOpen
}

// HasHit reports whether take-profit rung n (1-based) was already triggered.
func (s TradeSignal) HasHit(n int) bool {
	for _, h := range s.HitTP {
		if h == n {
			return true
		}
	}
	return false
}

// EntryBounds returns the low and high edge of the entry range.
func (s TradeSignal) EntryBounds() (float64, float64) {
	if s.Entry2 <= 0 {
		return s.Entry1, s.Entry1
	}
	return math.Min(s.Entry1, s.Entry2), math.Max(s.Entry1, s.Entry2)
}

// ScanLogEntry records one scanned block.
type ScanLogEntry struct {
	Timestamp time.Time               `json:"timestamp"`
	Block     string                  `json:"block"`
	Symbols   []string                `json:"symbols"`
	Signals   []string                `json:"signals"`
	Snapshots []MultiTimeframeContext `json:"snapshots,omitempty"`
}

// PnL event kinds
const (
	PnLTakeProfit = "tp"
	PnLStopLoss   = "sl"
)

// PnLEvent is one realized portion of a signal.
type PnLEvent struct {
	TS        time.Time `json:"ts"`
	Pair      string    `json:"pair"`
	Direction string    `json:"direction"`
	Kind      string    `json:"kind"`
	Pct       float64   `json:"pct"`
	Portion   float64   `json:"portion"`
}

// Contribution is the weighted percent result of the event.
func (e PnLEvent) Contribution() float64 {
	return e.Pct * e.Portion
}

// ReportState guards the daily report.
type ReportState struct {
	LastDate string `json:"last_date"`
}

func opt(v float64) *float64 {
	if !Defined(v) {
		return nil
	}
	return &v
}

func val(p *float64) float64 {
	if p == nil {
		return Undefined
	}
	return *p
}

// Transition kinds emitted by the position tracker
const (
	EventStopLoss   = "stop_loss"
	EventReversed   = "reversed"
	EventTakeProfit = "take_profit"
	EventClosed     = "closed"
	EventTimeout    = "timeout"
	EventCanceled   = "canceled"
)

// Transition is one lifecycle event of a tracked signal.
type Transition struct {
	Kind  string    `json:"kind"`
	Rung  int       `json:"rung,omitempty"`
	Price float64   `json:"price"`
	At    time.Time `json:"at"`
}

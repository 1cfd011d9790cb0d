// Package tracker follows dispatched signals against live price until they
// reach a terminal state.
package tracker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/altmap/internal/analysis/indicator"
	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/internal/exchange"
	"github.com/skalibog/altmap/internal/notifier"
	"github.com/skalibog/altmap/internal/storage"
	"github.com/skalibog/altmap/pkg/logger"
	"github.com/skalibog/altmap/pkg/models"
)

// State is the persisted signal set plus the PnL log.
type State interface {
	Update(ctx context.Context, fn func([]models.TradeSignal) ([]models.TradeSignal, error)) error
	AppendPnL(ctx context.Context, ev models.PnLEvent) error
}

// Tracker owns every write to the signal set: admission of new signals and
// the periodic poll.
type Tracker struct {
	cfg       config.TrackerConfig
	state     State
	market    exchange.MarketData
	messenger notifier.Messenger
	format    *notifier.Formatter
	journal   storage.Journal
	params    indicator.Params
	now       func() time.Time
}

// New creates a tracker. A nil journal disables journaling.
func New(cfg config.TrackerConfig, state State, market exchange.MarketData, messenger notifier.Messenger, format *notifier.Formatter, journal storage.Journal) *Tracker {
	if cfg.EntryTimeout <= 0 {
		cfg.EntryTimeout = 12 * time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Minute
	}
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = 100
	}
	if journal == nil {
		journal = storage.NopJournal{}
	}
	return &Tracker{
		cfg:       cfg,
		state:     state,
		market:    market,
		messenger: messenger,
		format:    format,
		journal:   journal,
		params:    indicator.DefaultParams(),
		now:       time.Now,
	}
}

// SetClock replaces the time source
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

func favorable(direction string, from, to float64) bool {
	if direction == models.Short {
		return to <= from
	}
	return to >= from
}

// Step applies one price observation to an open signal and returns the
// transitions it caused, in order. Precedence: stop loss, 4H reversal, take
// profit rungs with full closure, then the entry timeout. An empty trend
// skips the reversal check.
func Step(sig *models.TradeSignal, price float64, trend4h string, now time.Time, timeout time.Duration) []models.Transition {
	if sig.IsTerminal() || price <= 0 {
		return nil
	}
	closeAs := func(status, kind string) []models.Transition {
		sig.Status = status
		at := now
		sig.ClosedAt = &at
		return []models.Transition{{Kind: kind, Price: price, At: now}}
	}

	if sig.StopLoss > 0 && favorable(sig.Direction, price, sig.StopLoss) {
		return closeAs(models.StatusStopped, models.EventStopLoss)
	}
	if sig.Direction == models.Long && trend4h == models.TrendDown ||
		sig.Direction == models.Short && trend4h == models.TrendUp {
		return closeAs(models.StatusReversed, models.EventReversed)
	}

	low, high := sig.EntryBounds()
	if sig.Direction == models.Short && price >= low || sig.Direction != models.Short && price <= high {
		sig.Entered = true
	}

	var out []models.Transition
	for i, tp := range sig.TakeProfits {
		rung := i + 1
		if sig.HasHit(rung) || !favorable(sig.Direction, tp, price) {
			continue
		}
		sig.HitTP = append(sig.HitTP, rung)
		out = append(out, models.Transition{Kind: models.EventTakeProfit, Rung: rung, Price: price, At: now})
	}
	if len(out) > 0 {
		if len(sig.HitTP) >= len(sig.TakeProfits) {
			out = append(out, closeAs(models.StatusClosed, models.EventClosed)...)
		}
		return out
	}

	if !sig.Entered && !sig.TimeoutNotified && now.Sub(sig.SentAt) > timeout {
		sig.TimeoutNotified = true
		return closeAs(models.StatusTimeout, models.EventTimeout)
	}
	return nil
}

// reference is the average fill of the entry range.
func reference(sig models.TradeSignal) float64 {
	low, high := sig.EntryBounds()
	return (low + high) / 2
}

func movePct(sig models.TradeSignal, exit float64) float64 {
	ref := reference(sig)
	if ref <= 0 {
		return models.Undefined
	}
	pct := (exit - ref) / ref * 100
	if sig.Direction == models.Short {
		pct = -pct
	}
	return pct
}

// pnlFor turns transitions into realized portions: each rung closes an equal
// share of the position, a stop closes whatever is left.
func pnlFor(sig models.TradeSignal, trs []models.Transition) []models.PnLEvent {
	rungs := len(sig.TakeProfits)
	if rungs == 0 {
		return nil
	}
	var out []models.PnLEvent
	for _, tr := range trs {
		ev := models.PnLEvent{TS: tr.At, Pair: sig.Pair, Direction: sig.Direction}
		switch tr.Kind {
		case models.EventTakeProfit:
			ev.Kind = models.PnLTakeProfit
			ev.Pct = movePct(sig, sig.TakeProfits[tr.Rung-1])
			ev.Portion = 1 / float64(rungs)
		case models.EventStopLoss:
			ev.Kind = models.PnLStopLoss
			ev.Pct = movePct(sig, sig.StopLoss)
			ev.Portion = 1 - float64(len(sig.HitTP))/float64(rungs)
		default:
			continue
		}
		if ev.Portion > 0 && models.Defined(ev.Pct) {
			out = append(out, ev)
		}
	}
	return out
}

type notice struct {
	sig models.TradeSignal
	tr  models.Transition
}

// trend4h classifies the pair's current 4H trend, empty when unavailable.
func (t *Tracker) trend4h(ctx context.Context, pair string) string {
	candles, err := t.market.Candles(ctx, pair, models.TF4H, t.cfg.CandleLimit)
	if err != nil || len(candles) == 0 {
		logger.Warn("Cannot check 4H reversal", zap.String("pair", pair), zap.Error(err))
		return ""
	}
	return indicator.ClassifyTrend(indicator.Enrich(candles, t.params))
}

// Poll runs one pass over the open signals. State is written back once for
// the whole pass; notifications follow the write and their failures are
// only logged.
func (t *Tracker) Poll(ctx context.Context) error {
	now := t.now()
	var notices []notice
	var pnl []models.PnLEvent

	err := t.state.Update(ctx, func(signals []models.TradeSignal) ([]models.TradeSignal, error) {
		notices, pnl = nil, nil
		trends := make(map[string]string)
		for i := range signals {
			sig := &signals[i]
			if sig.IsTerminal() || sig.Pair == "" {
				continue
			}
			price, err := t.market.Price(ctx, sig.Pair)
			if err != nil {
				logger.Warn("Price unavailable, skipping signal", zap.String("pair", sig.Pair), zap.Error(err))
				continue
			}
			trend, ok := trends[sig.Pair]
			if !ok {
				trend = t.trend4h(ctx, sig.Pair)
				trends[sig.Pair] = trend
			}
			trs := Step(sig, price, trend, now, t.cfg.EntryTimeout)
			for _, tr := range trs {
				notices = append(notices, notice{sig: *sig, tr: tr})
			}
			pnl = append(pnl, pnlFor(*sig, trs)...)
		}
		return signals, nil
	})
	if err != nil {
		return err
	}

	for _, ev := range pnl {
		if err := t.state.AppendPnL(ctx, ev); err != nil {
			logger.Error("Failed to record PnL", zap.String("pair", ev.Pair), zap.Error(err))
		}
	}
	for _, n := range notices {
		t.send(ctx, t.format.Transition(n.sig, n.tr), n.sig.MessageID)
		if err := t.journal.RecordTransition(ctx, n.sig, n.tr.Kind, n.tr.Price); err != nil {
			logger.Debug("Journal write failed", zap.Error(err))
		}
	}
	logger.Info("Tracker poll done", zap.Int("transitions", len(notices)))
	return nil
}

// Admit resolves sig against the stored set, dispatches it and persists the
// result in one serialized update. A resignal is sent as a reply to the open
// signal and not stored as a separate position.
func (t *Tracker) Admit(ctx context.Context, sig models.TradeSignal) (models.TradeSignal, error) {
	if sig.SentAt.IsZero() {
		sig.SentAt = t.now()
	}
	if sig.Status == "" {
		sig.Status = models.StatusOpen
	}

	var admitted models.TradeSignal
	var canceled []models.TradeSignal
	err := t.state.Update(ctx, func(signals []models.TradeSignal) ([]models.TradeSignal, error) {
		res := Resolve(sig, signals)
		canceled = res.Canceled
		for _, c := range res.Canceled {
			t.send(ctx, t.format.Cancel(c), c.MessageID)
		}

		admitted = res.Signal
		if res.ResignalOf != nil {
			admitted.MessageID = t.send(ctx, t.format.Resignal(admitted), res.ResignalOf.MessageID)
			return res.Updated, nil
		}
		admitted.MessageID = t.send(ctx, t.format.Signal(admitted), 0)
		return append([]models.TradeSignal{admitted}, res.Updated...), nil
	})
	if err != nil {
		return admitted, err
	}

	for _, c := range canceled {
		if err := t.journal.RecordTransition(ctx, c, models.EventCanceled, sig.Entry1); err != nil {
			logger.Debug("Journal write failed", zap.Error(err))
		}
	}
	if err := t.journal.RecordSignal(ctx, admitted); err != nil {
		logger.Debug("Journal write failed", zap.Error(err))
	}
	logger.Info("Signal admitted",
		zap.String("pair", admitted.Pair),
		zap.String("direction", admitted.Direction),
		zap.Bool("resignal", admitted.Resignal),
		zap.Int("canceled", len(canceled)))
	return admitted, nil
}

// send dispatches text and returns the handle, zero on failure.
func (t *Tracker) send(ctx context.Context, text string, replyTo int64) int64 {
	id, err := t.messenger.Dispatch(ctx, text, replyTo)
	if err != nil {
		logger.Error("Failed to send notification", zap.Int64("reply_to", replyTo), zap.Error(err))
		return 0
	}
	return id
}

// Run polls until ctx is canceled, starting immediately.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = t.cfg.PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := t.Poll(ctx); err != nil {
			logger.Error("Tracker poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

package tracker

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/internal/notifier"
	"github.com/skalibog/altmap/internal/proposal"
	"github.com/skalibog/altmap/internal/storage"
	"github.com/skalibog/altmap/pkg/models"
)

var t0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type fakeMarket struct {
	prices  map[string]float64
	candles []models.Candle
}

func (f *fakeMarket) Candles(context.Context, string, string, int) ([]models.Candle, error) {
	if f.candles == nil {
		return nil, errors.New("no candles")
	}
	return f.candles, nil
}

func (f *fakeMarket) Price(_ context.Context, pair string) (float64, error) {
	p, ok := f.prices[pair]
	if !ok {
		return 0, errors.New("no price")
	}
	return p, nil
}

type sent struct {
	text    string
	replyTo int64
}

type recorder struct {
	msgs []sent
	fail bool
}

func (r *recorder) Dispatch(_ context.Context, text string, replyTo int64) (int64, error) {
	if r.fail {
		return 0, errors.New("channel down")
	}
	r.msgs = append(r.msgs, sent{text, replyTo})
	return int64(100 + len(r.msgs)), nil
}

func (r *recorder) count(substr string) int {
	n := 0
	for _, m := range r.msgs {
		if strings.Contains(m.text, substr) {
			n++
		}
	}
	return n
}

func longBTC(sentAt time.Time) models.TradeSignal {
	return models.TradeSignal{
		ID: "a", Pair: "BTC/USDT", Direction: models.Long,
		Entry1: 100, Entry2: 98, StopLoss: 95,
		TakeProfits: []float64{105, 110},
		Status:      models.StatusOpen,
		SentAt:      sentAt,
		MessageID:   10,
	}
}

type harness struct {
	tracker *Tracker
	repo    *storage.Repository
	market  *fakeMarket
	msgs    *recorder
	now     time.Time
}

func newHarness(t *testing.T, seed ...models.TradeSignal) *harness {
	t.Helper()
	h := &harness{
		repo:   storage.NewRepository(storage.NewMemoryStore(), storage.DefaultCaps()),
		market: &fakeMarket{prices: map[string]float64{}},
		msgs:   &recorder{},
		now:    t0.Add(time.Hour),
	}
	cfg := config.Default()
	h.tracker = New(cfg.Tracker, h.repo, h.market, h.msgs, notifier.NewFormatter(cfg.Precision, cfg.Tracker.EntryTimeout), nil)
	h.tracker.SetClock(func() time.Time { return h.now })
	if len(seed) > 0 {
		err := h.repo.Update(context.Background(), func([]models.TradeSignal) ([]models.TradeSignal, error) {
			return seed, nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return h
}

func (h *harness) signals(t *testing.T) []models.TradeSignal {
	t.Helper()
	all, err := h.repo.Signals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return all
}

func kinds(trs []models.Transition) []string {
	var out []string
	for _, tr := range trs {
		out = append(out, tr.Kind)
	}
	return out
}

func TestStepTakeProfitSequence(t *testing.T) {
	sig := longBTC(t0)
	steps := []struct {
		price float64
		want  []string
	}{
		{99, nil},
		{106, []string{models.EventTakeProfit}},
		{111, []string{models.EventTakeProfit, models.EventClosed}},
		{120, nil},
	}
	for i, s := range steps {
		got := kinds(Step(&sig, s.price, models.TrendUp, t0.Add(time.Duration(i)*time.Hour), 12*time.Hour))
		if !reflect.DeepEqual(got, s.want) {
			t.Errorf("price %v: transitions = %v, want %v", s.price, got, s.want)
		}
	}
	if !sig.Entered {
		t.Error("price inside the entry range did not mark the signal entered")
	}
	if sig.Status != models.StatusClosed || !reflect.DeepEqual(sig.HitTP, []int{1, 2}) {
		t.Errorf("final status = %s, hit = %v", sig.Status, sig.HitTP)
	}
}

func TestStepPrecedence(t *testing.T) {
	short := longBTC(t0)
	short.Direction = models.Short
	short.Entry1, short.Entry2, short.StopLoss = 100, 102, 106
	short.TakeProfits = []float64{95, 90}

	tests := []struct {
		name   string
		sig    models.TradeSignal
		price  float64
		trend  string
		now    time.Time
		want   []string
		status string
	}{
		{"stop beats reversal", longBTC(t0), 94, models.TrendDown, t0, []string{models.EventStopLoss}, models.StatusStopped},
		{"long reversed by downtrend", longBTC(t0), 101, models.TrendDown, t0, []string{models.EventReversed}, models.StatusReversed},
		{"reversal beats take profit", longBTC(t0), 106, models.TrendDown, t0, []string{models.EventReversed}, models.StatusReversed},
		{"unknown trend skips reversal", longBTC(t0), 101, "", t0, nil, models.StatusOpen},
		{"sideways keeps long open", longBTC(t0), 101, models.TrendSideways, t0, nil, models.StatusOpen},
		{"short stop", short, 106.5, models.TrendDown, t0, []string{models.EventStopLoss}, models.StatusStopped},
		{"short reversed by uptrend", short, 101, models.TrendUp, t0, []string{models.EventReversed}, models.StatusReversed},
		{"short take profits in one jump", short, 89, models.TrendDown, t0,
			[]string{models.EventTakeProfit, models.EventTakeProfit, models.EventClosed}, models.StatusClosed},
		{"take profit beats timeout", longBTC(t0), 106, models.TrendUp, t0.Add(13 * time.Hour),
			[]string{models.EventTakeProfit}, models.StatusOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := tt.sig
			got := kinds(Step(&sig, tt.price, tt.trend, tt.now, 12*time.Hour))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("transitions = %v, want %v", got, tt.want)
			}
			if sig.Status != tt.status {
				t.Errorf("status = %s, want %s", sig.Status, tt.status)
			}
			if sig.IsTerminal() && sig.ClosedAt == nil {
				t.Error("terminal signal without ClosedAt")
			}
		})
	}
}

func TestStepTerminalNeverReopens(t *testing.T) {
	sig := longBTC(t0)
	sig.Status = models.StatusStopped
	if trs := Step(&sig, 120, models.TrendUp, t0, time.Hour); trs != nil || sig.Status != models.StatusStopped {
		t.Errorf("terminal signal moved: %v, %s", trs, sig.Status)
	}
}

func TestPollTakeProfitScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, longBTC(t0))

	for _, price := range []float64{99, 106, 111} {
		h.market.prices["BTC/USDT"] = price
		if err := h.tracker.Poll(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if n := h.msgs.count("reached TP"); n != 2 {
		t.Errorf("take profit notifications = %d, want 2", n)
	}
	if n := h.msgs.count("every target"); n != 1 {
		t.Errorf("closure notifications = %d, want 1", n)
	}
	for _, m := range h.msgs.msgs {
		if m.replyTo != 10 {
			t.Errorf("notification not threaded: reply_to = %d", m.replyTo)
		}
	}

	got := h.signals(t)
	if len(got) != 1 || got[0].Status != models.StatusClosed || !reflect.DeepEqual(got[0].HitTP, []int{1, 2}) {
		t.Fatalf("stored = %+v", got)
	}

	events, err := h.repo.PnLSince(ctx, t0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("pnl events = %d, want 2", len(events))
	}
	for _, ev := range events {
		if ev.Kind != models.PnLTakeProfit || ev.Portion != 0.5 || ev.Pct <= 0 {
			t.Errorf("event = %+v", ev)
		}
	}
}

func TestPollStopAfterTakeProfitRecordsRemainder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, longBTC(t0))

	for _, price := range []float64{106, 94} {
		h.market.prices["BTC/USDT"] = price
		if err := h.tracker.Poll(ctx); err != nil {
			t.Fatal(err)
		}
	}
	events, _ := h.repo.PnLSince(ctx, t0)
	if len(events) != 2 {
		t.Fatalf("pnl events = %+v", events)
	}
	// newest first
	stop := events[0]
	if stop.Kind != models.PnLStopLoss || stop.Portion != 0.5 || stop.Pct >= 0 {
		t.Errorf("stop event = %+v", stop)
	}
}

func TestPollTimeoutNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, longBTC(t0))
	h.now = t0.Add(13 * time.Hour)
	h.market.prices["BTC/USDT"] = 102

	for i := 0; i < 3; i++ {
		if err := h.tracker.Poll(ctx); err != nil {
			t.Fatal(err)
		}
		h.now = h.now.Add(30 * time.Minute)
	}
	if n := h.msgs.count("expired"); n != 1 {
		t.Errorf("timeout notifications = %d, want 1", n)
	}
	got := h.signals(t)[0]
	if got.Status != models.StatusTimeout || !got.TimeoutNotified {
		t.Errorf("stored = %+v", got)
	}
}

func TestPollEnteredSignalDoesNotTimeOut(t *testing.T) {
	ctx := context.Background()
	sig := longBTC(t0)
	sig.Entered = true
	h := newHarness(t, sig)
	h.now = t0.Add(13 * time.Hour)
	h.market.prices["BTC/USDT"] = 102

	if err := h.tracker.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.signals(t)[0]; got.Status != models.StatusOpen {
		t.Errorf("status = %s, want open", got.Status)
	}
}

func TestPollReversalFromCandles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, longBTC(t0))
	for i := 0; i < 80; i++ {
		c := 200 - float64(i)
		h.market.candles = append(h.market.candles,
			models.NewCandle(t0.Add(time.Duration(i)*4*time.Hour), c+0.5, c+1, c-1, c, 10))
	}
	h.market.prices["BTC/USDT"] = 101

	if err := h.tracker.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.signals(t)[0]; got.Status != models.StatusReversed {
		t.Errorf("status = %s, want reversed", got.Status)
	}
	if n := h.msgs.count("trend reversed"); n != 1 {
		t.Errorf("reversal notifications = %d", n)
	}
}

func TestPollPersistsWhenNotificationsFail(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, longBTC(t0))
	h.msgs.fail = true
	h.market.prices["BTC/USDT"] = 94

	if err := h.tracker.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.signals(t)[0]; got.Status != models.StatusStopped {
		t.Errorf("status = %s, want stopped", got.Status)
	}
}

func TestPollSkipsPairWithoutPrice(t *testing.T) {
	ctx := context.Background()
	eth := longBTC(t0)
	eth.Pair, eth.SentAt = "ETH/USDT", t0.Add(time.Minute)
	h := newHarness(t, longBTC(t0), eth)
	h.market.prices["BTC/USDT"] = 94

	if err := h.tracker.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	for _, s := range h.signals(t) {
		want := models.StatusOpen
		if s.Pair == "BTC/USDT" {
			want = models.StatusStopped
		}
		if s.Status != want {
			t.Errorf("%s status = %s, want %s", s.Pair, s.Status, want)
		}
	}
}

func TestAdmitOppositeDirectionCancels(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, longBTC(t0))

	short := models.TradeSignal{
		ID: "b", Pair: "BTC/USDT", Direction: models.Short,
		Entry1: 100, StopLoss: 104, TakeProfits: []float64{95},
		Status: models.StatusOpen,
	}
	admitted, err := h.tracker.Admit(ctx, short)
	if err != nil {
		t.Fatal(err)
	}
	if admitted.Resignal || admitted.MessageID == 0 || !admitted.SentAt.Equal(h.now) {
		t.Errorf("admitted = %+v", admitted)
	}

	if len(h.msgs.msgs) != 2 || h.msgs.msgs[0].replyTo != 10 || !strings.Contains(h.msgs.msgs[0].text, "canceled") {
		t.Fatalf("messages = %+v", h.msgs.msgs)
	}
	stored := h.signals(t)
	if len(stored) != 2 {
		t.Fatalf("stored = %d signals, want 2", len(stored))
	}
	if stored[0].ID != "b" || stored[0].Status != models.StatusOpen {
		t.Errorf("new signal = %+v", stored[0])
	}
	if stored[1].Status != models.StatusCanceled || stored[1].ClosedAt == nil {
		t.Errorf("old signal = %+v", stored[1])
	}
}

func TestAdmitSameDirectionIsResignal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, longBTC(t0))

	again := longBTC(time.Time{})
	again.ID = "c"
	again.MessageID = 0
	admitted, err := h.tracker.Admit(ctx, again)
	if err != nil {
		t.Fatal(err)
	}
	if !admitted.Resignal || !strings.HasPrefix(admitted.Assessment, resignalNote) {
		t.Errorf("admitted = %+v", admitted)
	}
	if h.msgs.count("canceled") != 0 {
		t.Error("resignal produced a cancellation notice")
	}
	if len(h.msgs.msgs) != 1 || h.msgs.msgs[0].replyTo != 10 {
		t.Errorf("messages = %+v", h.msgs.msgs)
	}

	stored := h.signals(t)
	if len(stored) != 1 || stored[0].ID != "a" || stored[0].Status != models.StatusOpen || stored[0].Resignals != 1 {
		t.Errorf("stored = %+v", stored)
	}
}

func TestResolveIgnoresOtherPairsAndClosedSignals(t *testing.T) {
	closed := longBTC(t0)
	closed.Status = models.StatusClosed
	eth := longBTC(t0)
	eth.Pair = "ETH/USDT"

	newSig := longBTC(t0.Add(time.Hour))
	newSig.Direction = models.Short
	res := Resolve(newSig, []models.TradeSignal{closed, eth})
	if len(res.Canceled) != 0 || res.ResignalOf != nil || res.Signal.Resignal {
		t.Errorf("resolution = %+v", res)
	}
	if res.Updated[0].Status != models.StatusClosed || res.Updated[1].Status != models.StatusOpen {
		t.Errorf("updated = %+v", res.Updated)
	}
}

func TestValidatedSignalUsesEvaluatedPairForResolve(t *testing.T) {
	v := proposal.NewValidator(config.DefaultPolicy())
	mtf := &models.MultiTimeframeContext{Pair: "BTC/USDT", Price: 100}
	tests := []string{"BTCUSDT", "btc/usdt", "ETH/USDT"}
	for _, proposed := range tests {
		t.Run(proposed, func(t *testing.T) {
			raw := `{"pair": "` + proposed + `", "direction": "short", "entry_1": 100, "entry_2": 101, "stop_loss": 104, "take_profits": [92]}`
			sig, err := v.Validate(raw, mtf)
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if sig.Pair != "BTC/USDT" {
				t.Errorf("pair = %q, want BTC/USDT", sig.Pair)
			}
			sig.SentAt = t0.Add(time.Hour)
			res := Resolve(*sig, []models.TradeSignal{longBTC(t0)})
			if len(res.Canceled) != 1 || res.Canceled[0].ID != "a" {
				t.Errorf("canceled = %+v, want the open long", res.Canceled)
			}
		})
	}
}

package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/pkg/models"
)

func telegramAt(url string, attempts int) *Telegram {
	return NewTelegram(config.TelegramConfig{
		Token:    "T",
		BaseURL:  url,
		Timeout:  time.Second,
		Attempts: attempts,
	}, "-100")
}

func TestTelegramDispatchSendsReplyAndReturnsHandle(t *testing.T) {
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botT/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.Write([]byte(`{"ok":true,"result":{"message_id":77}}`))
	}))
	defer srv.Close()

	id, err := telegramAt(srv.URL, 1).Dispatch(context.Background(), "<b>hi</b>", 12)
	if err != nil {
		t.Fatal(err)
	}
	if id != 77 {
		t.Errorf("id = %d, want 77", id)
	}
	if got.ChatID != "-100" || got.ParseMode != "HTML" || got.ReplyToMessageID != 12 {
		t.Errorf("request = %+v", got)
	}
}

func TestTelegramRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true,"result":{"message_id":5}}`))
	}))
	defer srv.Close()

	id, err := telegramAt(srv.URL, 3).Dispatch(context.Background(), "x", 0)
	if err != nil || id != 5 {
		t.Fatalf("Dispatch = %d, %v", id, err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestTelegramFailureIsTransport(t *testing.T) {
	tests := []struct {
		name   string
		status int
		calls  int32
	}{
		{"exhausted retries", http.StatusServiceUnavailable, 2},
		{"client error not retried", http.StatusBadRequest, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"ok":false,"description":"nope"}`))
			}))
			defer srv.Close()

			_, err := telegramAt(srv.URL, 2).Dispatch(context.Background(), "x", 0)
			if !errors.Is(err, models.ErrTransport) {
				t.Errorf("err = %v, want ErrTransport", err)
			}
			if calls.Load() != tt.calls {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.calls)
			}
		})
	}
}

type stubMessenger struct {
	id   int64
	err  error
	sent []string
}

func (s *stubMessenger) Dispatch(_ context.Context, text string, _ int64) (int64, error) {
	s.sent = append(s.sent, text)
	return s.id, s.err
}

func TestFanoutReturnsPrimaryHandleAndCombinesErrors(t *testing.T) {
	primary := &stubMessenger{id: 9}
	mirrorErr := errors.New("mirror down")
	a := &stubMessenger{err: mirrorErr}
	b := &stubMessenger{}
	f := &Fanout{Primary: primary, Mirrors: []Messenger{a, b}}

	id, err := f.Dispatch(context.Background(), "msg", 3)
	if id != 9 {
		t.Errorf("id = %d, want 9", id)
	}
	if !errors.Is(err, mirrorErr) {
		t.Errorf("err = %v, want mirror error", err)
	}
	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Errorf("mirrors got %d and %d messages", len(a.sent), len(b.sent))
	}
}

func TestLogMessengerHandlesIncrease(t *testing.T) {
	m := NewLogMessenger()
	first, _ := m.Dispatch(context.Background(), "a", 0)
	second, _ := m.Dispatch(context.Background(), "b", first)
	if first != 1 || second != 2 {
		t.Errorf("handles = %d, %d", first, second)
	}
}

func TestFormatterPrecisionByGroup(t *testing.T) {
	f := NewFormatter(config.Default().Precision, 12*time.Hour)
	tests := []struct {
		pair string
		v    float64
		want string
	}{
		{"BTC/USDT", 64321.123, "64321.12"},
		{"LINK/USDT", 14.56789, "14.568"},
		{"PEPE/USDT", 0.1, "0.1000"},
	}
	for _, tt := range tests {
		if got := f.Price(tt.pair, tt.v); got != tt.want {
			t.Errorf("Price(%s, %v) = %s, want %s", tt.pair, tt.v, got, tt.want)
		}
	}
}

func TestFormatterSignalRendersEveryField(t *testing.T) {
	f := NewFormatter(config.Default().Precision, 12*time.Hour)
	sig := models.TradeSignal{
		Pair: "ETH/USDT", Direction: models.Long,
		Entry1: 3000, Entry2: 2950, StopLoss: 2880,
		TakeProfits:  []float64{3100, 3200},
		RiskLevel:    "Medium",
		Leverage:     "x5",
		Confidence:   72,
		StrategyType: "breakout",
		KeyWatch:     "hold above <3000>",
	}
	msg := f.Signal(sig)
	for _, want := range []string{
		"ETH/USDT | LONG", "3000.00 / 2950.00", "2880.00", "3100.00, 3200.00",
		"Medium", "x5", "breakout", "72%", "hold above &lt;3000&gt;",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}

	sig.Entry2 = 0
	if strings.Contains(f.Signal(sig), " / ") {
		t.Error("single entry rendered with a second entry")
	}
}

func TestFormatterTransitions(t *testing.T) {
	f := NewFormatter(config.Default().Precision, 12*time.Hour)
	sig := models.TradeSignal{Pair: "BTC/USDT", Direction: models.Long}
	tests := []struct {
		tr   models.Transition
		want string
	}{
		{models.Transition{Kind: models.EventStopLoss, Price: 95}, "Stop Loss at 95.00"},
		{models.Transition{Kind: models.EventTakeProfit, Rung: 2, Price: 110}, "TP2 at 110.00"},
		{models.Transition{Kind: models.EventReversed, Price: 101}, "Long signal closed"},
		{models.Transition{Kind: models.EventClosed}, "every target"},
		{models.Transition{Kind: models.EventTimeout}, "within 12h"},
		{models.Transition{Kind: models.EventCanceled}, "canceled"},
	}
	for _, tt := range tests {
		if got := f.Transition(sig, tt.tr); !strings.Contains(got, tt.want) {
			t.Errorf("Transition(%s) = %q, want it to contain %q", tt.tr.Kind, got, tt.want)
		}
	}
}

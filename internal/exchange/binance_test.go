package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/pkg/models"
)

func TestSymbolAndInterval(t *testing.T) {
	if got := Symbol("btc/usdt"); got != "BTCUSDT" {
		t.Errorf("Symbol = %q", got)
	}
	tests := []struct {
		tf      string
		want    string
		wantErr bool
	}{
		{"1H", "1h", false},
		{"4h", "4h", false},
		{"1D", "1d", false},
		{"15M", "", true},
	}
	for _, tt := range tests {
		got, err := Interval(tt.tf)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("Interval(%q) = %q, %v", tt.tf, got, err)
		}
	}
}

func TestRetrierGivesUpWithTransport(t *testing.T) {
	r := NewRetrier(3, time.Millisecond, 2*time.Millisecond)
	calls := 0
	err := r.Do(context.Background(), "op", func() error {
		calls++
		return errors.New("boom")
	})
	if !errors.Is(err, models.ErrTransport) || calls != 3 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}

	calls = 0
	err = r.Do(context.Background(), "op", func() error {
		calls++
		if calls < 2 {
			return errors.New("once")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
}

func TestRetrierStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRetrier(5, time.Second, time.Second)
	calls := 0
	err := r.Do(ctx, "op", func() error {
		calls++
		return errors.New("boom")
	})
	if !errors.Is(err, models.ErrTransport) || calls != 1 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc) *BinanceClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewBinanceClient(config.BinanceConfig{Attempts: 2, BackoffMin: time.Millisecond, BackoffMax: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	c.SetBaseURL(srv.URL)
	return c
}

func TestCandlesParsesKlines(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" || r.URL.Query().Get("symbol") != "ETHUSDT" || r.URL.Query().Get("interval") != "4h" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Write([]byte(`[
			[1717200000000,"100.5","101","99","100.8","12.5",1717214399999,"0",10,"0","0","0"],
			[1717214400000,"100.8","103","100","102.2","20",1717228799999,"0",12,"0","0","0"]
		]`))
	})
	candles, err := c.Candles(context.Background(), "ETH/USDT", models.TF4H, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(candles) != 2 {
		t.Fatalf("got %d candles", len(candles))
	}
	if candles[1].Close != 102.2 || candles[0].Volume != 12.5 || !candles[0].Time.Equal(time.UnixMilli(1717200000000).UTC()) {
		t.Errorf("candles = %+v", candles)
	}
}

func TestPriceRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	if _, err := c.Price(context.Background(), "BTC/USDT"); !errors.Is(err, models.ErrTransport) {
		t.Errorf("err = %v, want transport", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"64321.12"}`))
	})
	price, err := c.Price(context.Background(), "BTC/USDT")
	if err != nil || price != 64321.12 {
		t.Errorf("price = %v, %v", price, err)
	}
}

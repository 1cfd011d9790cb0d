package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skalibog/altmap/internal/storage"
	"github.com/skalibog/altmap/pkg/models"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *storage.Repository {
	t.Helper()
	ctx := context.Background()
	repo := storage.NewRepository(storage.NewMemoryStore(), storage.DefaultCaps())
	err := repo.Update(ctx, func([]models.TradeSignal) ([]models.TradeSignal, error) {
		return []models.TradeSignal{
			{ID: "a", Pair: "BTC/USDT", Direction: models.Long, Entry1: 100, StopLoss: 95, TakeProfits: []float64{105}, Status: models.StatusOpen, SentAt: t0},
			{ID: "b", Pair: "ETH/USDT", Direction: models.Short, Entry1: 50, StopLoss: 52, TakeProfits: []float64{48}, Status: models.StatusStopped, SentAt: t0.Add(-time.Hour)},
		}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.AppendScan(ctx, models.ScanLogEntry{Timestamp: t0, Block: "majors", Symbols: []string{"BTC/USDT"}}); err != nil {
		t.Fatal(err)
	}
	if err := repo.AppendPnL(ctx, models.PnLEvent{TS: t0.Add(-time.Hour), Pair: "BTC/USDT", Kind: models.PnLTakeProfit, Pct: 4, Portion: 0.5}); err != nil {
		t.Fatal(err)
	}
	return repo
}

type fakeTransitions struct{ err error }

func (f fakeTransitions) Transitions(_ context.Context, pair string, limit int) ([]storage.TransitionRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []storage.TransitionRecord{{Pair: pair, Event: models.EventTakeProfit, Price: float64(limit)}}, nil
}

func get(t *testing.T, s *Server, path string) (int, map[string]json.RawMessage) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s: %v (%s)", path, err, rec.Body.String())
	}
	return rec.Code, body
}

func TestEndpoints(t *testing.T) {
	s := NewServer("", seeded(t), fakeTransitions{})
	s.now = func() time.Time { return t0 }

	tests := []struct {
		path  string
		code  int
		key   string
		count int
	}{
		{"/api/signals", http.StatusOK, "signals", 2},
		{"/api/signals?status=open", http.StatusOK, "signals", 1},
		{"/api/signals/btc/usdt", http.StatusOK, "signals", 1},
		{"/api/signals/DOGE/USDT", http.StatusNotFound, "", 0},
		{"/api/scans", http.StatusOK, "scans", 1},
		{"/api/pnl", http.StatusOK, "events", 1},
		{"/api/pnl?hours=abc", http.StatusBadRequest, "", 0},
		{"/api/transitions/BTC/USDT?limit=5", http.StatusOK, "transitions", 1},
	}
	for _, tt := range tests {
		code, body := get(t, s, tt.path)
		if code != tt.code {
			t.Errorf("%s: code = %d, want %d", tt.path, code, tt.code)
			continue
		}
		if tt.key == "" {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(body[tt.key], &items); err != nil {
			t.Errorf("%s: %v", tt.path, err)
			continue
		}
		if len(items) != tt.count {
			t.Errorf("%s: %d items, want %d", tt.path, len(items), tt.count)
		}
	}
}

func TestHealthAndPnLTotal(t *testing.T) {
	s := NewServer("", seeded(t), nil)
	s.now = func() time.Time { return t0 }

	if code, body := get(t, s, "/healthz"); code != http.StatusOK || string(body["status"]) != `"ok"` {
		t.Errorf("healthz = %d %v", code, body)
	}
	_, body := get(t, s, "/api/pnl?hours=24")
	if string(body["total_pct"]) != "2" {
		t.Errorf("total_pct = %s, want 2", body["total_pct"])
	}
}

func TestTransitionsWithoutJournal(t *testing.T) {
	s := NewServer("", seeded(t), nil)
	if code, _ := get(t, s, "/api/transitions/BTC/USDT"); code != http.StatusNotImplemented {
		t.Errorf("code = %d, want 501", code)
	}
	s = NewServer("", seeded(t), fakeTransitions{err: errors.New("influx down")})
	if code, _ := get(t, s, "/api/transitions/BTC/USDT"); code != http.StatusInternalServerError {
		t.Errorf("code = %d, want 500", code)
	}
}
